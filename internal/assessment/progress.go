package assessment

import "time"

// ProgressPoint is one measurement of a skill over time.
type ProgressPoint struct {
	CompletedAt time.Time `json:"completed_at"`
	Theta       float64   `json:"theta"`
	CEFR        string    `json:"cefr"`
}

// ProgressReport summarizes a student's completed assessments: the latest
// result per flow and the per-skill measurement trail.
type ProgressReport struct {
	TestTakerID string                     `json:"test_taker_id"`
	Latest      map[string]Result          `json:"latest"`
	Skills      map[string][]ProgressPoint `json:"skills"`
}

// BuildProgress folds history entries, newest first, into a report. Skill
// trails keep that order.
func BuildProgress(testTakerID string, entries []HistoryEntry) ProgressReport {
	rep := ProgressReport{
		TestTakerID: testTakerID,
		Latest:      map[string]Result{},
		Skills:      map[string][]ProgressPoint{},
	}
	for _, e := range entries {
		if _, ok := rep.Latest[e.Result.ResultType]; !ok {
			rep.Latest[e.Result.ResultType] = e.Result
		}
		for skill, sc := range e.Result.SkillScores {
			rep.Skills[skill] = append(rep.Skills[skill], ProgressPoint{
				CompletedAt: e.CompletedAt,
				Theta:       sc.Theta,
				CEFR:        sc.CEFR,
			})
		}
	}
	return rep
}
