package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/irt"
)

type AnswerInput struct {
	ItemID       string         `json:"item_id"`
	Index        int            `json:"index"`
	ResponseData map[string]any `json:"response_data"`
	TimeTaken    *int           `json:"time_taken,omitempty"`
	MediaKey     string         `json:"media_key,omitempty"`
	Transcript   string         `json:"transcript,omitempty"`
}

type AnswerOutput struct {
	Done       bool               `json:"done"`
	StopReason irt.StopReason     `json:"stop_reason,omitempty"`
	Next       *NextItem          `json:"next,omitempty"`
	Ability    float64            `json:"ability"`
	SE         float64            `json:"standard_error"`
	Answered   int                `json:"questions_answered"`
	Result     *assessment.Result `json:"result,omitempty"`
}

// Answer records one response and advances the session. Placement sessions
// re-estimate ability, check termination and select the next item in the
// same step; fixed-form sessions walk the snapshot's item order. A repeat
// submission of an already-answered item returns the current state without
// double counting.
func (e *Engine) Answer(ctx context.Context, sessionID, takerID string, in AnswerInput) (AnswerOutput, error) {
	sess, err := e.authorizedSession(ctx, sessionID, takerID)
	if err != nil {
		return AnswerOutput{}, err
	}
	now := e.now().UTC()
	switch sess.Status {
	case assessment.SessionInProgress:
	case assessment.SessionExpired:
		return AnswerOutput{}, fmt.Errorf("session expired: %w", assessment.ErrExpired)
	default:
		return AnswerOutput{}, fmt.Errorf("session is %s: %w", sess.Status, assessment.ErrConflict)
	}
	if sess.TimeExpired(now) {
		if err := e.store.UpdateStatus(ctx, sess.ID, assessment.SessionExpired, now); err != nil && !errors.Is(err, assessment.ErrConflict) {
			return AnswerOutput{}, err
		}
		return AnswerOutput{}, fmt.Errorf("session time limit reached: %w", assessment.ErrExpired)
	}

	responses, err := e.store.ListResponses(ctx, sessionID)
	if err != nil {
		return AnswerOutput{}, err
	}
	for _, r := range responses {
		if !r.Pending() && r.ItemID == in.ItemID {
			return e.currentState(ctx, sessionID)
		}
	}

	var pending *assessment.Response
	for i := range responses {
		if responses[i].Pending() && responses[i].Index == sess.CurrentIndex {
			pending = &responses[i]
			break
		}
	}
	if pending == nil {
		return AnswerOutput{}, fmt.Errorf("no pending question: %w", assessment.ErrConflict)
	}
	if in.ItemID != pending.ItemID {
		return AnswerOutput{}, fmt.Errorf("expected item %s: %w", pending.ItemID, assessment.ErrValidation)
	}
	if in.Index >= 0 && in.Index != sess.CurrentIndex {
		return AnswerOutput{}, fmt.Errorf("stale question index: %w", assessment.ErrConflict)
	}

	if sess.Template.Type == assessment.TypePlacement {
		return e.answerAdaptive(ctx, sess, responses, *pending, in, takerID)
	}
	return e.answerFixed(ctx, sess, *pending, in, takerID)
}

func (e *Engine) answerAdaptive(ctx context.Context, sess assessment.Session, responses []assessment.Response,
	pending assessment.Response, in AnswerInput, takerID string) (AnswerOutput, error) {
	now := e.now().UTC()
	item, err := e.items.Get(ctx, pending.ItemID)
	if err != nil {
		return AnswerOutput{}, err
	}
	correct := gradeObjective(item, in.ResponseData)

	// Re-estimate over the full response set including this answer.
	var used []assessment.Response
	scored := make([]irt.ScoredResponse, 0, len(responses))
	for _, r := range responses {
		if r.Pending() {
			continue
		}
		withParams, err := e.attachParams(ctx, []assessment.Response{r})
		if err != nil {
			return AnswerOutput{}, err
		}
		used = append(used, withParams[0])
		scored = append(scored, irt.ScoredResponse{Params: withParams[0].Params, Score: withParams[0].Score(), Skill: withParams[0].Skill})
	}
	score := 0.0
	if correct {
		score = 1
	}
	answeredNow := pending
	answeredNow.Params = item.Params
	answeredNow.Skill = item.PrimarySkill()
	answeredNow.SubmittedAt = &now
	used = append(used, answeredNow)
	scored = append(scored, irt.ScoredResponse{Params: item.Params, Score: score, Skill: item.PrimarySkill()})

	theta, se := e.est.Estimate(scored)
	answered := len(scored)
	params := sess.Template.Adaptive
	rule := irt.StopRule{MinQuestions: params.MinQuestions, MaxQuestions: params.MaxQuestions, TargetSE: params.StoppingSE}
	stop, reason := irt.ShouldStop(answered, se, rule)

	var next *NextItem
	if !stop {
		next, err = e.selectAdaptive(ctx, params, theta, used)
		if errors.Is(err, assessment.ErrBankExhausted) {
			stop, reason = true, irt.StopBankExhausted
		} else if err != nil {
			return AnswerOutput{}, err
		}
	}

	ans := assessment.SubmittedAnswer{
		ResponseData: in.ResponseData,
		IsCorrect:    correct,
		RawScore:     score,
		TimeTaken:    in.TimeTaken,
		SubmittedAt:  now,
	}
	prog := assessment.Progress{Ability: theta, StandardError: se}
	var nextResp *assessment.Response
	if next != nil {
		nextResp = &assessment.Response{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			ItemID:      next.Item.ID,
			Index:       sess.CurrentIndex + 1,
			PresentedAt: now,
		}
	}
	err = e.store.SubmitAnswer(ctx, sess.ID, sess.CurrentIndex, pending.ItemID, ans, prog, nextResp)
	if errors.Is(err, assessment.ErrAlreadyAnswered) {
		return e.currentState(ctx, sess.ID)
	}
	if err != nil {
		return AnswerOutput{}, err
	}

	out := AnswerOutput{Ability: theta, SE: se, Answered: answered, Next: next}
	if stop {
		res, _, err := e.finalize(ctx, sess.ID, string(reason), takerID)
		if err != nil {
			return AnswerOutput{}, err
		}
		out.Done = true
		out.StopReason = reason
		out.Result = &res
	}
	return out, nil
}

// AnswerBatch submits several fixed-form responses in one call, in order.
// Only diagnostic templates whose config enables batch submission accept it;
// adaptive sessions always take one answer at a time.
func (e *Engine) AnswerBatch(ctx context.Context, sessionID, takerID string, ins []AnswerInput) (AnswerOutput, error) {
	if len(ins) == 0 {
		return AnswerOutput{}, fmt.Errorf("empty batch: %w", assessment.ErrValidation)
	}
	sess, err := e.authorizedSession(ctx, sessionID, takerID)
	if err != nil {
		return AnswerOutput{}, err
	}
	if sess.Template.Type == assessment.TypePlacement {
		return AnswerOutput{}, fmt.Errorf("adaptive sessions accept one answer per call: %w", assessment.ErrValidation)
	}
	if !sess.Template.Diagnostic().BatchResponses {
		return AnswerOutput{}, fmt.Errorf("batch submission is not enabled for this template: %w", assessment.ErrValidation)
	}
	var out AnswerOutput
	for _, in := range ins {
		out, err = e.Answer(ctx, sessionID, takerID, in)
		if err != nil {
			return AnswerOutput{}, err
		}
	}
	return out, nil
}

func (e *Engine) answerFixed(ctx context.Context, sess assessment.Session, pending assessment.Response,
	in AnswerInput, takerID string) (AnswerOutput, error) {
	now := e.now().UTC()
	ans := assessment.SubmittedAnswer{
		ResponseData:  in.ResponseData,
		TimeTaken:     in.TimeTaken,
		MediaKey:      in.MediaKey,
		ASRTranscript: in.Transcript,
		SubmittedAt:   now,
	}
	answered := sess.CurrentIndex + 1
	order := sess.Template.ItemIDs

	var nextResp *assessment.Response
	var next *NextItem
	if answered < len(order) {
		it, err := e.items.Get(ctx, order[answered])
		if err != nil {
			return AnswerOutput{}, err
		}
		next = &NextItem{Item: it.Public(), Index: answered}
		nextResp = &assessment.Response{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			ItemID:      it.ID,
			Index:       answered,
			PresentedAt: now,
		}
	}

	prog := assessment.Progress{Ability: sess.CurrentAbility, StandardError: sess.StandardError}
	err := e.store.SubmitAnswer(ctx, sess.ID, sess.CurrentIndex, pending.ItemID, ans, prog, nextResp)
	if errors.Is(err, assessment.ErrAlreadyAnswered) {
		return e.currentState(ctx, sess.ID)
	}
	if err != nil {
		return AnswerOutput{}, err
	}

	out := AnswerOutput{Answered: answered, Next: next}
	if next == nil {
		// Last prompt answered; score the whole set. A scorer outage leaves
		// the session open so completion can be retried.
		res, _, err := e.finalize(ctx, sess.ID, "COMPLETED", takerID)
		if err != nil {
			return AnswerOutput{}, err
		}
		out.Done = true
		out.Result = &res
	}
	return out, nil
}

// currentState rebuilds an AnswerOutput from durable state; used when a
// duplicate submission arrives.
func (e *Engine) currentState(ctx context.Context, sessionID string) (AnswerOutput, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return AnswerOutput{}, err
	}
	out := AnswerOutput{
		Ability:  sess.CurrentAbility,
		SE:       sess.StandardError,
		Answered: sess.QuestionsAnswered,
	}
	if sess.Status == assessment.SessionCompleted {
		res, err := e.store.GetResultBySession(ctx, sessionID)
		if err == nil {
			out.Done = true
			out.Result = &res
		}
		return out, nil
	}
	out.Next, err = e.pendingItem(ctx, sess)
	if err != nil {
		return AnswerOutput{}, err
	}
	return out, nil
}

// finalize scores the session, builds the learning plan and commits both.
// It is idempotent: a lost finalize race re-reads the winner's result.
func (e *Engine) finalize(ctx context.Context, sessionID, stopReason, actorID string) (assessment.Result, []assessment.RecommendedItem, error) {
	if res, err := e.store.GetResultBySession(ctx, sessionID); err == nil {
		recs, _ := e.store.ListRecommendations(ctx, res.ID)
		return res, recs, nil
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return assessment.Result{}, nil, err
	}
	responses, err := e.store.ListResponses(ctx, sessionID)
	if err != nil {
		return assessment.Result{}, nil, err
	}
	if sess.Template.Type == assessment.TypePlacement {
		responses, err = e.attachParams(ctx, responses)
		if err != nil {
			return assessment.Result{}, nil, err
		}
	}

	scorer, ok := e.scorers.For(sess.Template.Type)
	if !ok {
		return assessment.Result{}, nil, fmt.Errorf("no scorer for %s: %w", sess.Template.Type, assessment.ErrScorerUnavailable)
	}
	outcome, err := scorer.Score(ctx, sess, responses)
	if err != nil {
		return assessment.Result{}, nil, err
	}

	info := outcome.Information
	if info == nil {
		info = map[string]any{}
	}
	info["stop_reason"] = stopReason
	now := e.now().UTC()
	res := assessment.Result{
		ID:               uuid.NewString(),
		SessionID:        sessionID,
		ProficiencyLevel: outcome.ProficiencyLevel,
		SkillScores:      outcome.SkillScores,
		OverallScore:     outcome.OverallScore,
		ResultType:       sess.Template.Type.ResultType(),
		Information:      info,
		CreatedAt:        now,
	}

	var recs []assessment.RecommendedItem
	if e.rec != nil {
		recs, err = e.rec.Build(ctx, sess.Template.PathwayID, res.ID, outcome.ProficiencyLevel, outcome.SkillScores)
		if err != nil {
			e.log.Warn("recommendation build failed", "session_id", sessionID, "err", err)
			recs = nil
		}
	}

	if err := e.store.Finalize(ctx, sessionID, res, recs, now); err != nil {
		if errors.Is(err, assessment.ErrConflict) {
			if existing, rerr := e.store.GetResultBySession(ctx, sessionID); rerr == nil {
				existingRecs, _ := e.store.ListRecommendations(ctx, existing.ID)
				return existing, existingRecs, nil
			}
		}
		return assessment.Result{}, nil, err
	}
	e.aud.Record(ctx, audit.Event{
		ActorID: actorID, ActorType: "student", Action: "session.complete",
		EntityType: "session", EntityID: sessionID,
		Details: map[string]any{"stop_reason": stopReason, "level": res.ProficiencyLevel},
	})
	e.log.Info("session finalized", "session_id", sessionID, "level", res.ProficiencyLevel, "stop_reason", stopReason)
	return res, recs, nil
}

// Complete explicitly finishes a session. It is idempotent: completing a
// session that already has a result returns that result unchanged.
func (e *Engine) Complete(ctx context.Context, sessionID, takerID string) (assessment.Result, []assessment.RecommendedItem, error) {
	if res, err := e.store.GetResultBySession(ctx, sessionID); err == nil {
		recs, _ := e.store.ListRecommendations(ctx, res.ID)
		return res, recs, nil
	}
	sess, err := e.authorizedSession(ctx, sessionID, takerID)
	if err != nil {
		return assessment.Result{}, nil, err
	}
	if sess.Status != assessment.SessionInProgress {
		return assessment.Result{}, nil, fmt.Errorf("session is %s: %w", sess.Status, assessment.ErrConflict)
	}
	now := e.now().UTC()
	if sess.TimeExpired(now) {
		if err := e.store.UpdateStatus(ctx, sess.ID, assessment.SessionExpired, now); err != nil && !errors.Is(err, assessment.ErrConflict) {
			return assessment.Result{}, nil, err
		}
		return assessment.Result{}, nil, fmt.Errorf("session time limit reached: %w", assessment.ErrExpired)
	}
	if sess.Template.Type == assessment.TypePlacement {
		if sess.QuestionsAnswered < sess.Template.Adaptive.MinQuestions {
			return assessment.Result{}, nil, fmt.Errorf("%d of %d minimum questions answered: %w",
				sess.QuestionsAnswered, sess.Template.Adaptive.MinQuestions, assessment.ErrValidation)
		}
	} else if sess.CurrentIndex < len(sess.Template.ItemIDs) {
		return assessment.Result{}, nil, fmt.Errorf("%d of %d prompts answered: %w",
			sess.CurrentIndex, len(sess.Template.ItemIDs), assessment.ErrValidation)
	}
	return e.finalize(ctx, sessionID, "COMPLETED", takerID)
}

// Cancel abandons an in-progress session without producing a result. It is
// a staff action; callers are expected to hold the cancel permission.
// Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, sessionID, actorID, actorRole string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == assessment.SessionCancelled {
		return nil
	}
	if sess.Status != assessment.SessionInProgress {
		return fmt.Errorf("session is %s: %w", sess.Status, assessment.ErrConflict)
	}
	if err := e.store.UpdateStatus(ctx, sessionID, assessment.SessionCancelled, e.now().UTC()); err != nil {
		return err
	}
	e.aud.Record(ctx, audit.Event{
		ActorID: actorID, ActorType: actorRole, Action: "session.cancel",
		EntityType: "session", EntityID: sessionID,
	})
	return nil
}

// State returns the session plus the pending question, for resume polling.
func (e *Engine) State(ctx context.Context, sessionID, takerID string) (StartOutput, error) {
	sess, err := e.authorizedSession(ctx, sessionID, takerID)
	if err != nil {
		return StartOutput{}, err
	}
	out := StartOutput{Session: sess, Resumed: true}
	if sess.Status == assessment.SessionInProgress {
		out.Next, err = e.pendingItem(ctx, sess)
		if err != nil {
			return StartOutput{}, err
		}
	}
	return out, nil
}

// ExpireStale closes every session past its deadline; run on a schedule.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	n, err := e.store.ExpireStale(ctx, e.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info("expired stale sessions", "count", n)
	}
	return n, nil
}

// authorizedSession loads a session and, when takerID is set, checks it
// belongs to that test taker. Staff callers pass an empty takerID.
func (e *Engine) authorizedSession(ctx context.Context, sessionID, takerID string) (assessment.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return assessment.Session{}, err
	}
	if takerID != "" {
		a, err := e.store.GetAssignment(ctx, sess.AssignedID)
		if err != nil {
			return assessment.Session{}, err
		}
		if a.TestTakerID != takerID {
			return assessment.Session{}, fmt.Errorf("session belongs to another test taker: %w", assessment.ErrForbidden)
		}
	}
	return sess, nil
}
