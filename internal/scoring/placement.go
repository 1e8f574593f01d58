package scoring

import (
	"context"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/irt"
)

// PlacementScorer finalizes an adaptive session: one EAP pass over every
// submitted response for the overall estimate, then per-skill EAP slices for
// the skill profile.
type PlacementScorer struct {
	est   *irt.Estimator
	scale irt.BandScale
}

func NewPlacementScorer(est *irt.Estimator, scale irt.BandScale) *PlacementScorer {
	return &PlacementScorer{est: est, scale: scale}
}

func (p *PlacementScorer) Score(_ context.Context, sess assessment.Session, responses []assessment.Response) (Outcome, error) {
	scored := make([]irt.ScoredResponse, 0, len(responses))
	for _, r := range responses {
		if r.Pending() {
			continue
		}
		scored = append(scored, irt.ScoredResponse{Params: r.Params, Score: r.Score(), Skill: r.Skill})
	}

	theta, se := p.est.Estimate(scored)
	skillThetas := p.est.SkillEstimates(scored)

	skills := make(map[string]assessment.SkillScore, len(skillThetas))
	for skill, t := range skillThetas {
		skills[skill] = assessment.SkillScore{Theta: t, CEFR: p.scale.Band(t)}
	}
	// Configured skills with no responses fall back to the overall estimate
	// so the profile always covers the template's skill areas.
	for _, skill := range sess.Template.Adaptive.Skills() {
		if _, ok := skills[skill]; !ok {
			skills[skill] = assessment.SkillScore{Theta: theta, CEFR: p.scale.Band(theta)}
		}
	}

	return Outcome{
		ProficiencyLevel: p.scale.Band(theta),
		SkillScores:      skills,
		OverallScore:     theta,
		Information: map[string]any{
			"standard_error":     se,
			"questions_answered": len(scored),
			"model":              string(p.est.Model()),
		},
	}, nil
}
