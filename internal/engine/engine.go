// Package engine runs the assessment session state machine: start/resume,
// answer-and-advance, completion, cancellation and expiry. It composes the
// psychometric kernel, the item bank, the scorers and the recommendation
// builder over the durable store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/irt"
	"github.com/upswing/flightpath/internal/logger"
	"github.com/upswing/flightpath/internal/recommend"
	"github.com/upswing/flightpath/internal/scoring"
)

type Options struct {
	// SessionTTL is used when the template carries no time limit.
	SessionTTL time.Duration
	// TopK enables randomesque selection among the best K items; 1 keeps
	// selection fully deterministic.
	TopK int
	// Rand picks an index in [0,n) for randomesque selection; nil means
	// always take the best-ranked item.
	Rand func(n int) int
	// Now is injectable for tests.
	Now func() time.Time
}

type Engine struct {
	store   assessment.Store
	items   bank.Repo
	scorers scoring.Registry
	rec     *recommend.Engine
	est     *irt.Estimator
	scale   irt.BandScale
	aud     audit.Recorder
	log     *logger.Logger

	ttl  time.Duration
	topK int
	rand func(n int) int
	now  func() time.Time
}

func New(store assessment.Store, items bank.Repo, scorers scoring.Registry, rec *recommend.Engine,
	est *irt.Estimator, scale irt.BandScale, aud audit.Recorder, log *logger.Logger, opts Options) *Engine {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}
	if opts.TopK < 1 {
		opts.TopK = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if aud == nil {
		aud = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		store: store, items: items, scorers: scorers, rec: rec,
		est: est, scale: scale, aud: aud, log: log,
		ttl: opts.SessionTTL, topK: opts.TopK, rand: opts.Rand, now: opts.Now,
	}
}

// NextItem is the question handed to the client. The item is always the
// public view (no correct answer).
type NextItem struct {
	Item  bank.Item `json:"item"`
	Index int       `json:"index"`
}

type StartOutput struct {
	Session assessment.Session `json:"session"`
	Next    *NextItem          `json:"next,omitempty"`
	Resumed bool               `json:"resumed"`
}

// Start begins or resumes the attempt for an assignment. An IN_PROGRESS
// session within its time window resumes with the item that was already
// selected; an expired one is closed and a fresh session starts.
func (e *Engine) Start(ctx context.Context, assignedID, takerID string) (StartOutput, error) {
	a, err := e.store.GetAssignment(ctx, assignedID)
	if err != nil {
		return StartOutput{}, err
	}
	if a.TestTakerID != takerID {
		return StartOutput{}, fmt.Errorf("assignment belongs to another test taker: %w", assessment.ErrForbidden)
	}
	if a.Status == assessment.AssignmentCompleted {
		return StartOutput{}, fmt.Errorf("assignment already completed: %w", assessment.ErrConflict)
	}
	now := e.now().UTC()
	if a.DueAt != nil && now.After(*a.DueAt) {
		return StartOutput{}, fmt.Errorf("assignment past due: %w", assessment.ErrExpired)
	}

	if sess, err := e.store.ActiveSession(ctx, assignedID); err == nil {
		if !sess.TimeExpired(now) {
			next, err := e.pendingItem(ctx, sess)
			if err != nil {
				return StartOutput{}, err
			}
			return StartOutput{Session: sess, Next: next, Resumed: true}, nil
		}
		// Session ran out of time while idle; close it and start over.
		if err := e.store.UpdateStatus(ctx, sess.ID, assessment.SessionExpired, now); err != nil && !errors.Is(err, assessment.ErrConflict) {
			return StartOutput{}, err
		}
	} else if !errors.Is(err, assessment.ErrNotFound) {
		return StartOutput{}, err
	}

	snap, rubric, err := e.snapshot(ctx, a.TemplateID)
	if err != nil {
		return StartOutput{}, err
	}

	sess := assessment.Session{
		ID:             uuid.NewString(),
		AssignedID:     assignedID,
		CurrentAbility: snap.Adaptive.StartingAbility,
		StandardError:  1,
		Status:         assessment.SessionInProgress,
		Template:       snap,
		Rubric:         rubric,
		StartedAt:      now,
		ExpiresAt:      now.Add(e.sessionWindow(snap)),
	}

	first, err := e.firstItem(ctx, sess)
	if err != nil {
		return StartOutput{}, err
	}
	pending := assessment.Response{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		ItemID:      first.Item.ID,
		Index:       0,
		PresentedAt: now,
	}
	if err := e.store.CreateSession(ctx, sess, &pending); err != nil {
		return StartOutput{}, err
	}
	e.aud.Record(ctx, audit.Event{
		ActorID: takerID, ActorType: "student", Action: "session.start",
		EntityType: "session", EntityID: sess.ID,
		Details: map[string]any{"assigned_id": assignedID, "template_id": snap.TemplateID},
	})
	e.log.Info("session started", "session_id", sess.ID, "assigned_id", assignedID, "type", snap.Type)
	return StartOutput{Session: sess, Next: first}, nil
}

func (e *Engine) sessionWindow(snap assessment.TemplateSnapshot) time.Duration {
	limit := snap.Adaptive.TimeLimitMinutes
	switch snap.Type {
	case assessment.TypeSpeaking:
		limit = snap.Speaking.TimeLimitMinutes
	case assessment.TypeWriting:
		limit = snap.Writing.TimeLimitMinutes
	}
	if limit > 0 {
		return time.Duration(limit) * time.Minute
	}
	return e.ttl
}

func (e *Engine) snapshot(ctx context.Context, templateID string) (assessment.TemplateSnapshot, assessment.Rubric, error) {
	t, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return assessment.TemplateSnapshot{}, assessment.Rubric{}, err
	}
	if !t.Active {
		return assessment.TemplateSnapshot{}, assessment.Rubric{}, fmt.Errorf("template %s is inactive: %w", t.ID, assessment.ErrValidation)
	}
	cfg, err := e.store.GetConfig(ctx, templateID)
	if errors.Is(err, assessment.ErrNotFound) {
		cfg = assessment.Config{TemplateID: templateID, Adaptive: assessment.DefaultAdaptiveParams()}
	} else if err != nil {
		return assessment.TemplateSnapshot{}, assessment.Rubric{}, err
	}
	snap := assessment.TemplateSnapshot{
		TemplateID: t.ID,
		PathwayID:  t.PathwayID,
		Name:       t.Name,
		Type:       t.Type,
		Version:    t.Version,
		Adaptive:   cfg.Adaptive,
		Speaking:   cfg.Speaking,
		Writing:    cfg.Writing,
	}
	if t.Type != assessment.TypePlacement {
		items, err := e.store.ListTemplateItems(ctx, templateID)
		if err != nil {
			return assessment.TemplateSnapshot{}, assessment.Rubric{}, err
		}
		for _, it := range items {
			snap.ItemIDs = append(snap.ItemIDs, it.ItemID)
		}
		if len(snap.ItemIDs) == 0 {
			return assessment.TemplateSnapshot{}, assessment.Rubric{}, fmt.Errorf("template %s has no items: %w", t.ID, assessment.ErrValidation)
		}
	}
	return snap, t.Rubric, nil
}

func (e *Engine) firstItem(ctx context.Context, sess assessment.Session) (*NextItem, error) {
	if sess.Template.Type != assessment.TypePlacement {
		it, err := e.items.Get(ctx, sess.Template.ItemIDs[0])
		if err != nil {
			return nil, err
		}
		return &NextItem{Item: it.Public(), Index: 0}, nil
	}
	return e.selectAdaptive(ctx, sess.Template.Adaptive, sess.CurrentAbility, nil)
}

// selectAdaptive runs max-information selection over the active pool,
// excluding already-used items and honoring per-skill exposure caps.
func (e *Engine) selectAdaptive(ctx context.Context, params assessment.AdaptiveParams, theta float64, used []assessment.Response) (*NextItem, error) {
	pool, err := e.items.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	pool = bank.FilterBySkills(pool, params.Skills())

	usedIDs := make(map[string]bool, len(used))
	asked := map[string]int{}
	for _, r := range used {
		usedIDs[r.ItemID] = true
		if r.Skill != "" {
			asked[r.Skill]++
		}
	}
	minPer := map[string]int{}
	maxPer := map[string]int{}
	for _, sa := range params.SkillAreas {
		minPer[sa.Skill] = sa.MinQuestions
		maxPer[sa.Skill] = sa.MaxQuestions
	}

	cands := make([]irt.Candidate, 0, len(pool))
	for _, it := range pool {
		if usedIDs[it.ID] {
			continue
		}
		cands = append(cands, irt.Candidate{ID: it.ID, Skill: it.PrimarySkill(), Params: it.Params})
	}
	state := irt.SelectionState{AskedPerSkill: asked, MinPerSkill: minPer, MaxPerSkill: maxPer}
	c := irt.SelectNext(theta, e.est.Model(), cands, state, e.topK, e.rand)
	if c == nil {
		return nil, assessment.ErrBankExhausted
	}
	it, err := e.items.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &NextItem{Item: it.Public(), Index: len(used)}, nil
}

// pendingItem returns the already-presented unanswered question of a
// session, for resumption.
func (e *Engine) pendingItem(ctx context.Context, sess assessment.Session) (*NextItem, error) {
	responses, err := e.store.ListResponses(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range responses {
		if r.Pending() && r.Index == sess.CurrentIndex {
			it, err := e.items.Get(ctx, r.ItemID)
			if err != nil {
				return nil, err
			}
			return &NextItem{Item: it.Public(), Index: r.Index}, nil
		}
	}
	return nil, nil
}

// attachParams decorates stored responses with the IRT parameters and
// primary skill of their items.
func (e *Engine) attachParams(ctx context.Context, responses []assessment.Response) ([]assessment.Response, error) {
	out := make([]assessment.Response, len(responses))
	for i, r := range responses {
		it, err := e.items.Get(ctx, r.ItemID)
		if err != nil {
			return nil, err
		}
		r.Params = it.Params
		r.Skill = it.PrimarySkill()
		out[i] = r
	}
	return out, nil
}

func gradeObjective(it bank.Item, data map[string]any) bool {
	ans, _ := data["answer"].(string)
	return strings.EqualFold(strings.TrimSpace(ans), strings.TrimSpace(it.Content.CorrectAnswer))
}
