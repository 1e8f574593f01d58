// Package catalog reads the learning content the recommendation engine maps
// assessment results onto.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type Course struct {
	ID              string   `json:"id"`
	PathwayID       string   `json:"pathway_id"`
	Title           string   `json:"title"`
	TargetCEFR      string   `json:"target_cefr"`
	PrimarySkill    string   `json:"primary_skill"`
	SecondarySkills []string `json:"secondary_skills,omitempty"`
	Prerequisites   []string `json:"prerequisites,omitempty"`
	DifficultyOrder int      `json:"difficulty_order"`
	Active          bool     `json:"active"`
}

func (c Course) Teaches(skill string) bool {
	if c.PrimarySkill == skill {
		return true
	}
	for _, s := range c.SecondarySkills {
		if s == skill {
			return true
		}
	}
	return false
}

type Lesson struct {
	ID           string   `json:"id"`
	CourseID     string   `json:"course_id"`
	Title        string   `json:"title"`
	TargetSkills []string `json:"target_skills,omitempty"`
	Order        int      `json:"order"`
	Active       bool     `json:"active"`
}

func (l Lesson) Targets(skill string) bool {
	for _, s := range l.TargetSkills {
		if s == skill {
			return true
		}
	}
	return false
}

var ErrNotFound = errors.New("content not found")

// Repo lists active catalog content.
type Repo interface {
	ListCourses(ctx context.Context, pathwayID string) ([]Course, error)
	ListLessons(ctx context.Context, courseID string) ([]Lesson, error)
	GetCourse(ctx context.Context, id string) (Course, error)
	GetLesson(ctx context.Context, id string) (Lesson, error)
}

// Store adds the admin publish side to Repo.
type Store interface {
	Repo
	UpsertCourse(ctx context.Context, c Course) error
	UpsertLesson(ctx context.Context, l Lesson) error
}

type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) ListCourses(ctx context.Context, pathwayID string) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,pathway_id,title,target_cefr,primary_skill,secondary_skills_json,prerequisites_json,difficulty_order,active
		 FROM courses WHERE pathway_id=$1 AND active ORDER BY difficulty_order, id`, pathwayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Course
	for rows.Next() {
		c, err := scanCourse(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLRepo) GetCourse(ctx context.Context, id string) (Course, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id,pathway_id,title,target_cefr,primary_skill,secondary_skills_json,prerequisites_json,difficulty_order,active
		 FROM courses WHERE id=$1`, id)
	c, err := scanCourse(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	return c, err
}

func scanCourse(scan func(...any) error) (Course, error) {
	var c Course
	var secondary, prereq string
	if err := scan(&c.ID, &c.PathwayID, &c.Title, &c.TargetCEFR, &c.PrimarySkill,
		&secondary, &prereq, &c.DifficultyOrder, &c.Active); err != nil {
		return Course{}, err
	}
	if err := json.Unmarshal([]byte(secondary), &c.SecondarySkills); err != nil {
		return Course{}, err
	}
	if err := json.Unmarshal([]byte(prereq), &c.Prerequisites); err != nil {
		return Course{}, err
	}
	return c, nil
}

func (r *SQLRepo) ListLessons(ctx context.Context, courseID string) ([]Lesson, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id,course_id,title,target_skills_json,ord,active
		 FROM lessons WHERE course_id=$1 AND active ORDER BY ord, id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lesson
	for rows.Next() {
		l, err := scanLesson(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SQLRepo) GetLesson(ctx context.Context, id string) (Lesson, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id,course_id,title,target_skills_json,ord,active FROM lessons WHERE id=$1`, id)
	l, err := scanLesson(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Lesson{}, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	return l, err
}

func (r *SQLRepo) UpsertCourse(ctx context.Context, c Course) error {
	secondary, err := json.Marshal(c.SecondarySkills)
	if err != nil {
		return err
	}
	prereq, err := json.Marshal(c.Prerequisites)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO courses (id,pathway_id,title,target_cefr,primary_skill,secondary_skills_json,prerequisites_json,difficulty_order,active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
		   pathway_id=EXCLUDED.pathway_id, title=EXCLUDED.title, target_cefr=EXCLUDED.target_cefr,
		   primary_skill=EXCLUDED.primary_skill, secondary_skills_json=EXCLUDED.secondary_skills_json,
		   prerequisites_json=EXCLUDED.prerequisites_json, difficulty_order=EXCLUDED.difficulty_order,
		   active=EXCLUDED.active`,
		c.ID, c.PathwayID, c.Title, c.TargetCEFR, c.PrimarySkill, string(secondary), string(prereq), c.DifficultyOrder, c.Active)
	return err
}

func (r *SQLRepo) UpsertLesson(ctx context.Context, l Lesson) error {
	skills, err := json.Marshal(l.TargetSkills)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO lessons (id,course_id,title,target_skills_json,ord,active)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET
		   course_id=EXCLUDED.course_id, title=EXCLUDED.title, target_skills_json=EXCLUDED.target_skills_json,
		   ord=EXCLUDED.ord, active=EXCLUDED.active`,
		l.ID, l.CourseID, l.Title, string(skills), l.Order, l.Active)
	return err
}

func scanLesson(scan func(...any) error) (Lesson, error) {
	var l Lesson
	var skills string
	if err := scan(&l.ID, &l.CourseID, &l.Title, &skills, &l.Order, &l.Active); err != nil {
		return Lesson{}, err
	}
	if err := json.Unmarshal([]byte(skills), &l.TargetSkills); err != nil {
		return Lesson{}, err
	}
	return l, nil
}
