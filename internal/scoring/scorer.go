// Package scoring turns a finished session's responses into a Result. One
// scorer per template type; the engine routes on the session snapshot.
package scoring

import (
	"context"

	"github.com/upswing/flightpath/internal/assessment"
)

// Outcome is the measured part of a result. The engine owns identifiers,
// timestamps and persistence.
type Outcome struct {
	ProficiencyLevel string
	SkillScores      map[string]assessment.SkillScore
	OverallScore     float64
	Information      map[string]any
}

type Scorer interface {
	Score(ctx context.Context, sess assessment.Session, responses []assessment.Response) (Outcome, error)
}

// Registry routes template types to scorers.
type Registry map[assessment.TemplateType]Scorer

func (r Registry) For(t assessment.TemplateType) (Scorer, bool) {
	s, ok := r[t]
	return s, ok
}
