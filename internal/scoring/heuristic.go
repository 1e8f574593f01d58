package scoring

import (
	"context"
	"strings"

	"github.com/upswing/flightpath/internal/assessment"
)

// HeuristicEvaluator is the offline fallback when no external evaluator is
// configured. It produces coarse, deterministic criterion scores from
// surface features of the response so local deployments can run the
// speaking and writing flows end to end.
type HeuristicEvaluator struct{}

func (HeuristicEvaluator) EvaluateSpeech(_ context.Context, mediaKey, transcript string, rubric assessment.Rubric) (map[string]float64, error) {
	ratio := lengthRatio(transcript, 80)
	if transcript == "" && mediaKey != "" {
		// Audio present but no transcript: score the middle of the scale
		// rather than zero.
		ratio = 0.5
	}
	return spread(rubric, ratio), nil
}

func (HeuristicEvaluator) EvaluateEssay(_ context.Context, text string, rubric assessment.Rubric) (map[string]float64, error) {
	ratio := lengthRatio(text, 150)
	return spread(rubric, ratio), nil
}

func lengthRatio(text string, fullMarks int) float64 {
	words := len(strings.Fields(text))
	if words >= fullMarks {
		return 1
	}
	return float64(words) / float64(fullMarks)
}

func spread(rubric assessment.Rubric, ratio float64) map[string]float64 {
	out := make(map[string]float64, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		out[c.Key] = ratio * c.MaxPoints
	}
	return out
}
