// Package bank holds the calibrated item pool the adaptive engine draws
// from. Items carry IRT parameters; the engine never sees correct answers
// of diagnostic prompts, only the selection view.
package bank

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/upswing/flightpath/internal/irt"
)

// Content is the renderable part of an item. CorrectAnswer never leaves the
// server for in-flight sessions.
type Content struct {
	QuestionText  string   `json:"question_text"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correct_answer,omitempty"`
	MediaKey      string   `json:"media_key,omitempty"`
	PromptSeconds int      `json:"prompt_seconds,omitempty"`
}

type Item struct {
	ID         string         `json:"id"`
	Type       string         `json:"item_type"` // mcq|cloze|speaking_prompt|writing_prompt
	Content    Content        `json:"content"`
	SkillAreas []string       `json:"skill_areas"`
	TargetCEFR string         `json:"target_cefr"`
	Params     irt.ItemParams `json:"irt"`
	Active     bool           `json:"active"`
}

// Public returns the test-taker view of an item: same content minus the key.
func (it Item) Public() Item {
	out := it
	out.Content.CorrectAnswer = ""
	return out
}

func (it Item) HasSkill(skill string) bool {
	for _, s := range it.SkillAreas {
		if s == skill {
			return true
		}
	}
	return false
}

// PrimarySkill is the skill an item counts against for exposure bookkeeping.
func (it Item) PrimarySkill() string {
	if len(it.SkillAreas) == 0 {
		return ""
	}
	return it.SkillAreas[0]
}

// Repo reads and writes the item pool.
type Repo interface {
	Get(ctx context.Context, id string) (Item, error)
	Upsert(ctx context.Context, it Item) error
	// ListActive returns every active item. Skill filtering happens on the
	// decoded rows; the pool is small enough to scan.
	ListActive(ctx context.Context) ([]Item, error)
}

var ErrNotFound = errors.New("item not found")

type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Get(ctx context.Context, id string) (Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id,item_type,content_json,skill_areas_json,target_cefr,irt_a,irt_b,irt_c,active
		 FROM items WHERE id=$1`, id)
	it, err := scanItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

func (r *SQLRepo) Upsert(ctx context.Context, it Item) error {
	content, err := json.Marshal(it.Content)
	if err != nil {
		return err
	}
	skills, err := json.Marshal(it.SkillAreas)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO items (id,item_type,content_json,skill_areas_json,target_cefr,irt_a,irt_b,irt_c,active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
		   item_type=EXCLUDED.item_type, content_json=EXCLUDED.content_json,
		   skill_areas_json=EXCLUDED.skill_areas_json, target_cefr=EXCLUDED.target_cefr,
		   irt_a=EXCLUDED.irt_a, irt_b=EXCLUDED.irt_b, irt_c=EXCLUDED.irt_c,
		   active=EXCLUDED.active`,
		it.ID, it.Type, string(content), string(skills), it.TargetCEFR,
		it.Params.A, it.Params.B, it.Params.C, it.Active)
	return err
}

func (r *SQLRepo) ListActive(ctx context.Context) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,item_type,content_json,skill_areas_json,target_cefr,irt_a,irt_b,irt_c,active
		 FROM items WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(scan func(...any) error) (Item, error) {
	var it Item
	var content, skills string
	if err := scan(&it.ID, &it.Type, &content, &skills, &it.TargetCEFR,
		&it.Params.A, &it.Params.B, &it.Params.C, &it.Active); err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(content), &it.Content); err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(skills), &it.SkillAreas); err != nil {
		return Item{}, err
	}
	return it, nil
}

// FilterBySkills keeps items having at least one of the wanted skills. An
// empty filter keeps everything.
func FilterBySkills(items []Item, skills []string) []Item {
	if len(skills) == 0 {
		return items
	}
	want := make(map[string]bool, len(skills))
	for _, s := range skills {
		want[s] = true
	}
	var out []Item
	for _, it := range items {
		for _, s := range it.SkillAreas {
			if want[s] {
				out = append(out, it)
				break
			}
		}
	}
	return out
}
