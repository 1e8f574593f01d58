package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/irt"
)

// SpeechEvaluator scores one spoken response against the rubric, returning
// points per criterion key. Implementations wrap an external ASR/scoring
// service or the offline heuristic.
type SpeechEvaluator interface {
	EvaluateSpeech(ctx context.Context, mediaKey, transcript string, rubric assessment.Rubric) (map[string]float64, error)
}

// EssayEvaluator scores one written response against the rubric.
type EssayEvaluator interface {
	EvaluateEssay(ctx context.Context, text string, rubric assessment.Rubric) (map[string]float64, error)
}

// DiagnosticScorer handles the fixed-form SPEAKING and WRITING flows: each
// response is evaluated per rubric criterion, criterion points are weighted
// per the template config, and the weighted ratio maps monotonically onto
// the CEFR scale.
type DiagnosticScorer struct {
	kind    assessment.TemplateType
	speech  SpeechEvaluator
	essay   EssayEvaluator
	timeout time.Duration
	scale   irt.BandScale
	skill   string
}

func NewSpeakingScorer(ev SpeechEvaluator, timeout time.Duration, scale irt.BandScale) *DiagnosticScorer {
	return &DiagnosticScorer{kind: assessment.TypeSpeaking, speech: ev, timeout: timeout, scale: scale, skill: "speaking"}
}

func NewWritingScorer(ev EssayEvaluator, timeout time.Duration, scale irt.BandScale) *DiagnosticScorer {
	return &DiagnosticScorer{kind: assessment.TypeWriting, essay: ev, timeout: timeout, scale: scale, skill: "writing"}
}

func (d *DiagnosticScorer) Score(ctx context.Context, sess assessment.Session, responses []assessment.Response) (Outcome, error) {
	rubric := sess.Rubric
	if len(rubric.Criteria) == 0 {
		return Outcome{}, fmt.Errorf("%w: rubric has no criteria", assessment.ErrValidation)
	}
	params := sess.Template.Speaking
	if d.kind == assessment.TypeWriting {
		params = sess.Template.Writing
	}
	weights := normalizedWeights(rubric, params.CriteriaWeights)

	// Average criterion ratios across the submitted responses.
	sums := map[string]float64{}
	var n int
	for _, r := range responses {
		if r.Pending() {
			continue
		}
		crit, err := d.evaluate(ctx, r, rubric)
		if err != nil {
			return Outcome{}, err
		}
		for _, c := range rubric.Criteria {
			if c.MaxPoints <= 0 {
				continue
			}
			ratio := crit[c.Key] / c.MaxPoints
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			sums[c.Key] += ratio
		}
		n++
	}
	if n == 0 {
		return Outcome{}, fmt.Errorf("%w: no submitted responses", assessment.ErrValidation)
	}

	criteria := make(map[string]float64, len(sums))
	var overall float64
	for _, c := range rubric.Criteria {
		avg := sums[c.Key] / float64(n)
		criteria[c.Key] = avg
		overall += weights[c.Key] * avg
	}

	theta := ratioToTheta(overall)
	level := d.scale.Band(theta)
	return Outcome{
		ProficiencyLevel: level,
		SkillScores: map[string]assessment.SkillScore{
			d.skill: {Theta: theta, CEFR: level},
		},
		OverallScore: overall,
		Information: map[string]any{
			"criteria":        criteria,
			"responses_count": n,
		},
	}, nil
}

func (d *DiagnosticScorer) evaluate(ctx context.Context, r assessment.Response, rubric assessment.Rubric) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var (
		crit map[string]float64
		err  error
	)
	switch d.kind {
	case assessment.TypeSpeaking:
		if d.speech == nil {
			return nil, assessment.ErrScorerUnavailable
		}
		crit, err = d.speech.EvaluateSpeech(ctx, r.MediaKey, r.ASRTranscript, rubric)
	default:
		if d.essay == nil {
			return nil, assessment.ErrScorerUnavailable
		}
		text, _ := r.ResponseData["text"].(string)
		crit, err = d.essay.EvaluateEssay(ctx, text, rubric)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("evaluator timed out: %w", assessment.ErrScorerUnavailable)
		}
		return nil, fmt.Errorf("evaluator: %w (%v)", assessment.ErrScorerUnavailable, err)
	}
	return crit, nil
}

// normalizedWeights fills missing criterion weights with 1 and scales the
// set to sum to 1.
func normalizedWeights(rubric assessment.Rubric, configured map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(rubric.Criteria))
	var total float64
	for _, c := range rubric.Criteria {
		w, ok := configured[c.Key]
		if !ok || w <= 0 {
			w = 1
		}
		out[c.Key] = w
		total += w
	}
	if total <= 0 {
		return out
	}
	for k, w := range out {
		out[k] = w / total
	}
	return out
}

// ratioToTheta maps a weighted rubric ratio in [0,1] linearly onto the theta
// scale, keeping the score-to-band mapping monotone.
func ratioToTheta(ratio float64) float64 {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return irt.ThetaMin + ratio*(irt.ThetaMax-irt.ThetaMin)
}
