// Package irt implements the psychometric kernel for adaptive placement
// testing: 3PL response probability, EAP ability estimation, Fisher item
// information, next-item selection and termination rules. Everything here is
// pure math over IEEE-754 doubles; no I/O, no clocks.
package irt

import (
	"math"
	"sort"
)

// Model selects which logistic family the kernel runs. 2PL is the default;
// 1PL forces a=1 and 3PL honors the guessing parameter c.
type Model string

const (
	Model1PL Model = "1PL"
	Model2PL Model = "2PL"
	Model3PL Model = "3PL"
)

const (
	// ThetaMin and ThetaMax bound every reported ability estimate.
	ThetaMin = -4.0
	ThetaMax = 4.0

	// DefaultQuadratureSize is the number of grid points for EAP integration.
	DefaultQuadratureSize = 41

	probEps = 1e-9
	// Tolerance is the float comparison tolerance used across the kernel.
	Tolerance = 1e-6
)

// ItemParams are the calibrated 3PL parameters of one item.
// Invariants: A > 0, 0 <= C < 1.
type ItemParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

// effective returns the parameters after applying the model restriction.
func (p ItemParams) effective(m Model) ItemParams {
	switch m {
	case Model1PL:
		return ItemParams{A: 1, B: p.B, C: 0}
	case Model2PL:
		return ItemParams{A: p.A, B: p.B, C: 0}
	default:
		return p
	}
}

// Probability is the 3PL probability of a correct response at ability theta:
//
//	P = c + (1-c) / (1 + exp(-a*(theta-b)))
func Probability(theta float64, p ItemParams) float64 {
	z := p.A * (theta - p.B)
	// exp is computed on the non-positive branch only, so it cannot overflow.
	var logistic float64
	if z >= 0 {
		logistic = 1 / (1 + math.Exp(-z))
	} else {
		e := math.Exp(z)
		logistic = e / (1 + e)
	}
	return clampProb(p.C + (1-p.C)*logistic)
}

// Information is the Fisher information of an item at theta for the 3PL:
//
//	I = a^2 * (Q/P) * ((P-c)/(1-c))^2
func Information(theta float64, p ItemParams) float64 {
	P := Probability(theta, p)
	q := 1 - P
	r := (P - p.C) / (1 - p.C)
	info := p.A * p.A * (q / P) * r * r
	if info < 0 {
		return 0
	}
	return info
}

// ScoredResponse pairs an answered item's parameters with its 0/1 score.
type ScoredResponse struct {
	Params ItemParams
	Score  float64
	Skill  string
}

// Estimator runs EAP ability estimation over a fixed quadrature grid with a
// standard normal prior. Construct once, reuse across sessions; it is
// read-only after construction.
type Estimator struct {
	model  Model
	points []float64
	prior  []float64
}

// NewEstimator builds an EAP estimator with n quadrature points spread evenly
// over [ThetaMin, ThetaMax]. n < 2 falls back to DefaultQuadratureSize.
func NewEstimator(model Model, n int) *Estimator {
	if n < 2 {
		n = DefaultQuadratureSize
	}
	pts := make([]float64, n)
	pri := make([]float64, n)
	step := (ThetaMax - ThetaMin) / float64(n-1)
	for i := 0; i < n; i++ {
		t := ThetaMin + step*float64(i)
		pts[i] = t
		pri[i] = math.Exp(-t*t/2) / math.Sqrt(2*math.Pi)
	}
	return &Estimator{model: model, points: pts, prior: pri}
}

// Model reports the logistic family this estimator applies.
func (e *Estimator) Model() Model { return e.model }

// Estimate returns the EAP ability estimate and its posterior standard
// deviation (the reported SE) for the answered responses. With no responses
// it returns the prior: theta 0, SE 1.
func (e *Estimator) Estimate(responses []ScoredResponse) (theta, se float64) {
	if len(responses) == 0 {
		return 0, 1
	}
	n := len(e.points)
	weights := make([]float64, n)
	var den float64
	for i, t := range e.points {
		ll := 0.0
		for _, r := range responses {
			P := Probability(t, r.Params.effective(e.model))
			if r.Score >= 0.5 {
				ll += math.Log(P)
			} else {
				ll += math.Log(1 - P)
			}
		}
		w := math.Exp(ll) * e.prior[i]
		weights[i] = w
		den += w
	}
	if den < probEps {
		return 0, 1
	}
	var num float64
	for i, t := range e.points {
		num += t * weights[i]
	}
	theta = num / den
	var varSum float64
	for i, t := range e.points {
		d := t - theta
		varSum += d * d * weights[i]
	}
	se = math.Sqrt(varSum / den)
	return ClampTheta(theta), se
}

// SkillEstimates slices the responses by skill and runs EAP on each subset.
// Skills with no responses are absent from the returned map.
func (e *Estimator) SkillEstimates(responses []ScoredResponse) map[string]float64 {
	bySkill := map[string][]ScoredResponse{}
	for _, r := range responses {
		if r.Skill == "" {
			continue
		}
		bySkill[r.Skill] = append(bySkill[r.Skill], r)
	}
	out := make(map[string]float64, len(bySkill))
	for skill, rs := range bySkill {
		t, _ := e.Estimate(rs)
		out[skill] = t
	}
	return out
}

// ClampTheta bounds theta to [ThetaMin, ThetaMax].
func ClampTheta(t float64) float64 {
	if t < ThetaMin {
		return ThetaMin
	}
	if t > ThetaMax {
		return ThetaMax
	}
	return t
}

func clampProb(p float64) float64 {
	if p < probEps {
		return probEps
	}
	if p > 1-probEps {
		return 1 - probEps
	}
	return p
}

// Candidate is an unanswered item offered to the selector.
type Candidate struct {
	ID     string
	Skill  string
	Params ItemParams
}

// SelectionState carries the per-session exposure bookkeeping the selector
// needs: how many items each skill has received and the configured bounds.
type SelectionState struct {
	// AskedPerSkill counts submitted or presented items per skill.
	AskedPerSkill map[string]int
	// MinPerSkill / MaxPerSkill come from adaptive_params.skill_areas.
	// A zero max means unbounded.
	MinPerSkill map[string]int
	MaxPerSkill map[string]int
}

// deficit is how far a skill is below its configured minimum.
func (s SelectionState) deficit(skill string) int {
	d := s.MinPerSkill[skill] - s.AskedPerSkill[skill]
	if d < 0 {
		return 0
	}
	return d
}

func (s SelectionState) atMax(skill string) bool {
	max, ok := s.MaxPerSkill[skill]
	return ok && max > 0 && s.AskedPerSkill[skill] >= max
}

// SelectNext picks the candidate with maximum Fisher information at theta,
// honoring per-skill exposure caps. Ties break by (1) larger skill deficit,
// (2) smaller |b-theta|, (3) item id, so selection is reproducible. When
// topK > 1 the caller's pick function chooses uniformly among the best K;
// pick receives the candidate count and returns an index (pass nil for
// deterministic top-1). Returns nil when no candidate survives the caps.
func SelectNext(theta float64, model Model, cands []Candidate, state SelectionState, topK int, pick func(n int) int) *Candidate {
	type ranked struct {
		c    Candidate
		info float64
	}
	pool := make([]ranked, 0, len(cands))
	for _, c := range cands {
		if state.atMax(c.Skill) {
			continue
		}
		pool = append(pool, ranked{c: c, info: Information(theta, c.Params.effective(model))})
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if math.Abs(a.info-b.info) > Tolerance {
			return a.info > b.info
		}
		da, db := state.deficit(a.c.Skill), state.deficit(b.c.Skill)
		if da != db {
			return da > db
		}
		pa := math.Abs(a.c.Params.B - theta)
		pb := math.Abs(b.c.Params.B - theta)
		if math.Abs(pa-pb) > Tolerance {
			return pa < pb
		}
		return a.c.ID < b.c.ID
	})
	if topK < 1 {
		topK = 1
	}
	if topK > len(pool) {
		topK = len(pool)
	}
	idx := 0
	if topK > 1 && pick != nil {
		idx = pick(topK) % topK
	}
	c := pool[idx].c
	return &c
}

// StopRule is the adaptive termination configuration.
type StopRule struct {
	MinQuestions int
	MaxQuestions int
	TargetSE     float64
}

// StopReason explains why a session terminated.
type StopReason string

const (
	StopNone          StopReason = ""
	StopMaxQuestions  StopReason = "MAX_QUESTIONS"
	StopPrecision     StopReason = "PRECISION"
	StopBankExhausted StopReason = "BANK_EXHAUSTED"
)

// ShouldStop evaluates the termination criteria after an answer.
func ShouldStop(answered int, se float64, rule StopRule) (bool, StopReason) {
	if rule.MaxQuestions > 0 && answered >= rule.MaxQuestions {
		return true, StopMaxQuestions
	}
	if answered >= rule.MinQuestions && se <= rule.TargetSE+Tolerance {
		return true, StopPrecision
	}
	return false, StopNone
}
