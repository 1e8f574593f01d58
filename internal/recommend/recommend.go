// Package recommend builds learning plans from assessment results: rank the
// skill gaps against the target band, then pick catalog content per skill.
package recommend

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/irt"
)

// TargetPolicy picks the band the plan aims at.
const (
	PolicyNextBand = "next-band"
)

type Engine struct {
	catalog          catalog.Repo
	scale            irt.BandScale
	coursesPerSkill  int
	lessonsPerCourse int
	policy           string
}

func NewEngine(cat catalog.Repo, scale irt.BandScale, coursesPerSkill, lessonsPerCourse int, policy string) *Engine {
	if coursesPerSkill < 1 {
		coursesPerSkill = 2
	}
	if lessonsPerCourse < 1 {
		lessonsPerCourse = 2
	}
	if policy == "" {
		policy = PolicyNextBand
	}
	return &Engine{
		catalog:          cat,
		scale:            scale,
		coursesPerSkill:  coursesPerSkill,
		lessonsPerCourse: lessonsPerCourse,
		policy:           policy,
	}
}

type skillGap struct {
	skill string
	theta float64
	gap   float64
}

// Build produces the AUTO recommendation rows for a result. The target band
// is one above the student's overall band; the gap of each skill is the
// distance from its theta to the target band's midpoint. Larger gaps come
// first, ties break on skill name so plans are reproducible.
func (e *Engine) Build(ctx context.Context, pathwayID, resultID, overallLevel string, skills map[string]assessment.SkillScore) ([]assessment.RecommendedItem, error) {
	target := irt.NextLevel(overallLevel)
	mid := e.scale.Midpoint(target)
	currentIdx := irt.LevelIndex(overallLevel)

	gaps := make([]skillGap, 0, len(skills))
	for skill, sc := range skills {
		g := mid - sc.Theta
		if g <= 0 {
			continue
		}
		gaps = append(gaps, skillGap{skill: skill, theta: sc.Theta, gap: g})
	}
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].gap != gaps[j].gap {
			return gaps[i].gap > gaps[j].gap
		}
		return gaps[i].skill < gaps[j].skill
	})

	courses, err := e.catalog.ListCourses(ctx, pathwayID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]catalog.Course, len(courses))
	for _, c := range courses {
		byID[c.ID] = c
	}

	now := time.Now().UTC()
	var out []assessment.RecommendedItem
	inPlan := map[string]bool{}
	priority := 1
	for _, g := range gaps {
		picked := pickCourses(courses, g.skill, target, e.coursesPerSkill, byID, currentIdx, inPlan)
		for _, c := range picked {
			inPlan[c.ID] = true
			rationale := fmt.Sprintf("%s is %.1f below the %s target band", g.skill, g.gap, target)
			out = append(out, assessment.RecommendedItem{
				ID:           uuid.NewString(),
				ResultID:     resultID,
				ContentID:    c.ID,
				ContentType:  "course",
				TargetSkill:  g.skill,
				SkillGapSize: g.gap,
				Rationale:    rationale,
				Priority:     priority,
				Source:       "AUTO",
				CreatedAt:    now,
			})
			priority++

			lessons, err := e.catalog.ListLessons(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			for _, l := range pickLessons(lessons, g.skill, e.lessonsPerCourse) {
				out = append(out, assessment.RecommendedItem{
					ID:           uuid.NewString(),
					ResultID:     resultID,
					ContentID:    l.ID,
					ContentType:  "lesson",
					TargetSkill:  g.skill,
					SkillGapSize: g.gap,
					Rationale:    fmt.Sprintf("practice %s within %s", g.skill, c.Title),
					Priority:     priority,
					Source:       "AUTO",
					CreatedAt:    now,
				})
				priority++
			}
		}
	}
	return out, nil
}

// pickCourses ranks eligible courses teaching the skill by closeness of their
// target CEFR to the plan's target band, primary-skill matches first, then by
// difficulty order and id. Candidates must target the student's current band
// or the next one and have their prerequisites satisfied.
func pickCourses(courses []catalog.Course, skill, target string, n int, byID map[string]catalog.Course, currentIdx int, inPlan map[string]bool) []catalog.Course {
	targetIdx := irt.LevelIndex(target)
	var pool []catalog.Course
	for _, c := range courses {
		if inPlan[c.ID] || !c.Teaches(skill) {
			continue
		}
		li := irt.LevelIndex(c.TargetCEFR)
		if li != currentIdx && li != targetIdx {
			continue
		}
		if !prereqsSatisfied(c, byID, currentIdx, inPlan) {
			continue
		}
		pool = append(pool, c)
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		da := abs(irt.LevelIndex(a.TargetCEFR) - targetIdx)
		db := abs(irt.LevelIndex(b.TargetCEFR) - targetIdx)
		if da != db {
			return da < db
		}
		ap, bp := a.PrimarySkill == skill, b.PrimarySkill == skill
		if ap != bp {
			return ap
		}
		if a.DifficultyOrder != b.DifficultyOrder {
			return a.DifficultyOrder < b.DifficultyOrder
		}
		return a.ID < b.ID
	})
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

func pickLessons(lessons []catalog.Lesson, skill string, n int) []catalog.Lesson {
	sort.SliceStable(lessons, func(i, j int) bool {
		ai, bi := lessons[i].Targets(skill), lessons[j].Targets(skill)
		if ai != bi {
			return ai
		}
		return lessons[i].Order < lessons[j].Order
	})
	if len(lessons) > n {
		lessons = lessons[:n]
	}
	return lessons
}

// prereqsSatisfied treats a prerequisite as met when the course already sits
// earlier in this plan or targets a band the student holds. Prerequisites
// outside the pathway cannot be checked here and do not block.
func prereqsSatisfied(c catalog.Course, byID map[string]catalog.Course, currentIdx int, inPlan map[string]bool) bool {
	for _, pre := range c.Prerequisites {
		if inPlan[pre] {
			continue
		}
		p, ok := byID[pre]
		if !ok {
			continue
		}
		if irt.LevelIndex(p.TargetCEFR) > currentIdx {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// OverrideRow is a teacher-supplied replacement entry.
type OverrideRow struct {
	ContentID   string `json:"content_id"`
	ContentType string `json:"content_type"`
	TargetSkill string `json:"target_skill"`
	Rationale   string `json:"rationale,omitempty"`
}

// Override validates a manual plan against the catalog and converts it to
// stored rows. Every entry must reference active content of the stated type.
func (e *Engine) Override(ctx context.Context, resultID, teacherID string, rows []OverrideRow) ([]assessment.RecommendedItem, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty recommendation set", assessment.ErrValidation)
	}
	now := time.Now().UTC()
	out := make([]assessment.RecommendedItem, 0, len(rows))
	for i, row := range rows {
		switch row.ContentType {
		case "course":
			c, err := e.catalog.GetCourse(ctx, row.ContentID)
			if err != nil {
				return nil, fmt.Errorf("%w: unknown course %s", assessment.ErrValidation, row.ContentID)
			}
			if !c.Active {
				return nil, fmt.Errorf("%w: course %s is inactive", assessment.ErrValidation, row.ContentID)
			}
		case "lesson":
			l, err := e.catalog.GetLesson(ctx, row.ContentID)
			if err != nil {
				return nil, fmt.Errorf("%w: unknown lesson %s", assessment.ErrValidation, row.ContentID)
			}
			if !l.Active {
				return nil, fmt.Errorf("%w: lesson %s is inactive", assessment.ErrValidation, row.ContentID)
			}
		default:
			return nil, fmt.Errorf("%w: content_type must be course or lesson", assessment.ErrValidation)
		}
		out = append(out, assessment.RecommendedItem{
			ID:           uuid.NewString(),
			ResultID:     resultID,
			ContentID:    row.ContentID,
			ContentType:  row.ContentType,
			TargetSkill:  row.TargetSkill,
			Rationale:    row.Rationale,
			Priority:     i + 1,
			Source:       "MANUAL",
			OverriddenBy: teacherID,
			OverriddenAt: &now,
			CreatedAt:    now,
		})
	}
	return out, nil
}
