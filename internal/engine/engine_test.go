package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/db"
	"github.com/upswing/flightpath/internal/irt"
	"github.com/upswing/flightpath/internal/recommend"
	"github.com/upswing/flightpath/internal/scoring"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	dbh, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	dbh.SetMaxOpenConns(1)
	dbh.SetMaxIdleConns(1)
	if err := db.EnsureSchema(context.Background(), dbh, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return dbh
}

type fixture struct {
	dbh   *sql.DB
	store *assessment.SQLStore
	items *bank.SQLRepo
	eng   *Engine
	now   *time.Time
}

func adaptiveParams(min, max int, se float64) assessment.AdaptiveParams {
	return assessment.AdaptiveParams{
		StartingAbility: 0,
		MinQuestions:    min,
		MaxQuestions:    max,
		StoppingSE:      se,
		SkillAreas: []assessment.SkillArea{
			{Skill: "grammar"}, {Skill: "vocabulary"}, {Skill: "reading"},
		},
		TimeLimitMinutes: 120,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbh := newTestDB(t)
	store := assessment.NewSQLStore(dbh)
	items := bank.NewSQLRepo(dbh)
	scale := irt.DefaultBandScale
	est := irt.NewEstimator(irt.Model2PL, irt.DefaultQuadratureSize)
	scorers := scoring.Registry{
		assessment.TypePlacement: scoring.NewPlacementScorer(est, scale),
		assessment.TypeWriting:   scoring.NewWritingScorer(scoring.HeuristicEvaluator{}, time.Second, scale),
		assessment.TypeSpeaking:  scoring.NewSpeakingScorer(scoring.HeuristicEvaluator{}, time.Second, scale),
	}
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &fixture{dbh: dbh, store: store, items: items, now: &now}
	f.eng = New(store, items, scorers, nil, est, scale, nil, nil, Options{
		SessionTTL: 2 * time.Hour,
		TopK:       1,
		Now:        func() time.Time { return *f.now },
	})
	return f
}

func (f *fixture) seedPlacement(t *testing.T, params assessment.AdaptiveParams, taker string) string {
	t.Helper()
	ctx := context.Background()
	tmpl := assessment.Template{
		ID: "tpl-placement", PathwayID: "pw-1", Name: "English Placement",
		Type: assessment.TypePlacement, Version: 1, Active: true,
	}
	if err := f.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	cfg := assessment.Config{TemplateID: tmpl.ID, Adaptive: params, Active: true}
	if err := f.store.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}
	a := assessment.AssignedAssessment{
		ID: "asg-1", TemplateID: tmpl.ID, TestTakerID: taker,
		AssignedBy: "teacher-1", AssignedAt: *f.now, Status: assessment.AssignmentPending,
	}
	if err := f.store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a.ID
}

func (f *fixture) seedItems(t *testing.T, its []bank.Item) {
	t.Helper()
	for _, it := range its {
		if err := f.items.Upsert(context.Background(), it); err != nil {
			t.Fatalf("upsert item %s: %v", it.ID, err)
		}
	}
}

func mcq(id, skill string, a, b float64) bank.Item {
	return bank.Item{
		ID:   id,
		Type: "mcq",
		Content: bank.Content{
			QuestionText:  "pick the right option",
			Options:       []string{"a", "b", "c", "d"},
			CorrectAnswer: "a",
		},
		SkillAreas: []string{skill},
		Params:     irt.ItemParams{A: a, B: b},
		Active:     true,
	}
}

// spreadBank builds an a=2 pool across the three skills with difficulties
// from -0.9 to 0.9 in 0.3 steps.
func spreadBank() []bank.Item {
	bvals := []float64{-0.9, -0.6, -0.3, 0, 0.3, 0.6, 0.9}
	var out []bank.Item
	for _, skill := range []string{"grammar", "vocabulary", "reading"} {
		for j, b := range bvals {
			out = append(out, mcq(fmt.Sprintf("i-%s-%d", skill, j), skill, 2, b))
		}
	}
	return out
}

func answerPayload(correct bool) map[string]any {
	if correct {
		return map[string]any{"answer": "a"}
	}
	return map[string]any{"answer": "zzz"}
}

func TestStartSelectsMostInformativeItem(t *testing.T) {
	f := newFixture(t)
	var pool []bank.Item
	for i, b := range []float64{-2, -1, 0, 1, 2} {
		pool = append(pool, mcq(fmt.Sprintf("i-%d", i), "grammar", 1, b))
	}
	f.seedItems(t, pool)
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")

	out, err := f.eng.Start(context.Background(), asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Resumed {
		t.Fatal("fresh start reported as resumed")
	}
	if out.Next == nil || out.Next.Item.ID != "i-2" {
		t.Fatalf("first item = %+v, want i-2 (b=0 at theta 0)", out.Next)
	}
	if out.Next.Item.Content.CorrectAnswer != "" {
		t.Fatal("correct answer leaked to test taker")
	}
	if out.Session.Status != assessment.SessionInProgress {
		t.Fatalf("session status = %s", out.Session.Status)
	}
}

func TestPrecisionTermination(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 15, 0.3), "stu-1")
	ctx := context.Background()

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	next := out.Next
	correct := true
	var last AnswerOutput
	for i := 0; i < 15; i++ {
		last, err = f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
			ItemID: next.Item.ID, Index: -1, ResponseData: answerPayload(correct),
		})
		if err != nil {
			t.Fatalf("answer %d: %v", i+1, err)
		}
		correct = !correct
		if last.Done {
			break
		}
		next = last.Next
	}
	if !last.Done {
		t.Fatal("session did not terminate within max questions")
	}
	if last.StopReason != irt.StopPrecision {
		t.Fatalf("stop reason = %s, want %s", last.StopReason, irt.StopPrecision)
	}
	if last.Answered < 10 || last.Answered > 15 {
		t.Fatalf("answered = %d, want within [10,15]", last.Answered)
	}
	if last.SE > 0.3+irt.Tolerance {
		t.Fatalf("final SE = %f, want <= 0.3", last.SE)
	}
	if last.Result == nil || last.Result.ProficiencyLevel != irt.LevelB1 {
		t.Fatalf("result = %+v, want level B1", last.Result)
	}
	if last.Result.Information["stop_reason"] != string(irt.StopPrecision) {
		t.Fatalf("stop_reason in result = %v", last.Result.Information["stop_reason"])
	}
}

func TestBankExhaustion(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, []bank.Item{
		mcq("i-a", "grammar", 1, -1),
		mcq("i-b", "grammar", 1, 0),
		mcq("i-c", "grammar", 1, 1),
	})
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	next := out.Next
	var last AnswerOutput
	for i := 0; i < 3; i++ {
		last, err = f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
			ItemID: next.Item.ID, Index: -1, ResponseData: answerPayload(true),
		})
		if err != nil {
			t.Fatalf("answer %d: %v", i+1, err)
		}
		next = last.Next
	}
	if !last.Done || last.StopReason != irt.StopBankExhausted {
		t.Fatalf("got done=%v reason=%s, want bank exhaustion", last.Done, last.StopReason)
	}
	if last.Answered != 3 {
		t.Fatalf("answered = %d, want 3", last.Answered)
	}
	if last.Result == nil {
		t.Fatal("no result after bank exhaustion")
	}
}

func TestDuplicateSubmission(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first := out.Next.Item.ID
	a1, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: first, Index: -1, ResponseData: answerPayload(true),
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	a2, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: first, Index: -1, ResponseData: answerPayload(true),
	})
	if err != nil {
		t.Fatalf("duplicate answer: %v", err)
	}
	if a2.Done {
		t.Fatal("duplicate answer finished the session")
	}
	if a2.Answered != 1 {
		t.Fatalf("duplicate answer double counted: answered = %d", a2.Answered)
	}
	if a2.Next == nil || a1.Next == nil || a2.Next.Item.ID != a1.Next.Item.ID {
		t.Fatalf("duplicate answer changed the next item: %+v vs %+v", a2.Next, a1.Next)
	}
}

func TestResumeReturnsPendingItem(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	a1, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: out.Next.Item.ID, Index: -1, ResponseData: answerPayload(true),
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}

	resumed, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Resumed {
		t.Fatal("second start did not resume")
	}
	if resumed.Session.ID != out.Session.ID {
		t.Fatal("resume created a new session")
	}
	if resumed.Next == nil || resumed.Next.Item.ID != a1.Next.Item.ID {
		t.Fatalf("resume item = %+v, want the pending item %s", resumed.Next, a1.Next.Item.ID)
	}
}

func TestStaleIndexConflict(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	idx := 5
	_, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: out.Next.Item.ID, Index: idx, ResponseData: answerPayload(true),
	})
	if !errors.Is(err, assessment.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	_, err = f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: "not-the-pending-item", Index: -1, ResponseData: answerPayload(true),
	})
	if !errors.Is(err, assessment.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCompleteBeforeMinimum(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	if _, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: out.Next.Item.ID, Index: -1, ResponseData: answerPayload(true),
	}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	_, _, err := f.eng.Complete(ctx, out.Session.ID, "stu-1")
	if !errors.Is(err, assessment.ErrValidation) {
		t.Fatalf("complete err = %v, want validation", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	if err := f.eng.Cancel(ctx, out.Session.ID, "adm-1", "admin"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.eng.Cancel(ctx, out.Session.ID, "adm-1", "admin"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	_, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: out.Next.Item.ID, Index: -1, ResponseData: answerPayload(true),
	})
	if !errors.Is(err, assessment.ErrConflict) {
		t.Fatalf("answer after cancel = %v, want conflict", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	*f.now = f.now.Add(3 * time.Hour)

	_, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: out.Next.Item.ID, Index: -1, ResponseData: answerPayload(true),
	})
	if !errors.Is(err, assessment.ErrExpired) {
		t.Fatalf("answer after deadline = %v, want expired", err)
	}
	sess, err := f.store.GetSession(ctx, out.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != assessment.SessionExpired {
		t.Fatalf("session status = %s, want EXPIRED", sess.Status)
	}

	// A new start after expiry opens a fresh session.
	again, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("restart after expiry: %v", err)
	}
	if again.Resumed || again.Session.ID == out.Session.ID {
		t.Fatal("expired session was resumed")
	}
}

func TestExpireStaleScan(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	*f.now = f.now.Add(3 * time.Hour)
	n, err := f.eng.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}
	sess, _ := f.store.GetSession(ctx, out.Session.ID)
	if sess.Status != assessment.SessionExpired {
		t.Fatalf("session status = %s", sess.Status)
	}
}

func TestStartForbiddenForOtherTaker(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")

	_, err := f.eng.Start(context.Background(), asg, "stu-2")
	if !errors.Is(err, assessment.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func seedWriting(t *testing.T, f *fixture, taker string) string {
	t.Helper()
	ctx := context.Background()
	tmpl := assessment.Template{
		ID: "tpl-writing", PathwayID: "pw-1", Name: "Writing Diagnostic",
		Type: assessment.TypeWriting, Version: 1, Active: true,
		Rubric: assessment.Rubric{Criteria: []assessment.RubricCriterion{
			{Key: "content", MaxPoints: 5},
			{Key: "accuracy", MaxPoints: 5},
		}},
	}
	if err := f.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	cfg := assessment.Config{
		TemplateID: tmpl.ID,
		Writing:    assessment.DiagnosticParams{TimeLimitMinutes: 60},
		Active:     true,
	}
	if err := f.store.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}
	prompts := []bank.Item{
		{ID: "w-1", Type: "writing_prompt", Content: bank.Content{QuestionText: "Describe your weekend."}, SkillAreas: []string{"writing"}, Params: irt.ItemParams{A: 1}, Active: true},
		{ID: "w-2", Type: "writing_prompt", Content: bank.Content{QuestionText: "Write about your school."}, SkillAreas: []string{"writing"}, Params: irt.ItemParams{A: 1}, Active: true},
	}
	f.seedItems(t, prompts)
	if err := f.store.SetTemplateItems(ctx, tmpl.ID, []assessment.TemplateItem{
		{TemplateID: tmpl.ID, ItemID: "w-1", Order: 0},
		{TemplateID: tmpl.ID, ItemID: "w-2", Order: 1},
	}); err != nil {
		t.Fatalf("set template items: %v", err)
	}
	a := assessment.AssignedAssessment{
		ID: "asg-w", TemplateID: tmpl.ID, TestTakerID: taker,
		AssignedAt: *f.now, Status: assessment.AssignmentPending,
	}
	if err := f.store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a.ID
}

func TestWritingFlow(t *testing.T) {
	f := newFixture(t)
	asg := seedWriting(t, f, "stu-1")
	ctx := context.Background()

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if out.Next == nil || out.Next.Item.ID != "w-1" {
		t.Fatalf("first prompt = %+v, want w-1", out.Next)
	}
	essay := strings.TrimSpace(strings.Repeat("word ", 150))
	a1, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: "w-1", Index: -1, ResponseData: map[string]any{"text": essay},
	})
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if a1.Done || a1.Next == nil || a1.Next.Item.ID != "w-2" {
		t.Fatalf("after first prompt: %+v, want next w-2", a1)
	}
	a2, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: "w-2", Index: -1, ResponseData: map[string]any{"text": essay},
	})
	if err != nil {
		t.Fatalf("second answer: %v", err)
	}
	if !a2.Done || a2.Result == nil {
		t.Fatalf("writing flow did not finish: %+v", a2)
	}
	if a2.Result.ResultType != "W" {
		t.Fatalf("result type = %s, want W", a2.Result.ResultType)
	}
	// Full-length essays hit every criterion's maximum.
	if a2.Result.ProficiencyLevel != irt.LevelC2 {
		t.Fatalf("level = %s, want C2", a2.Result.ProficiencyLevel)
	}
	if _, ok := a2.Result.SkillScores["writing"]; !ok {
		t.Fatalf("skill scores missing writing: %+v", a2.Result.SkillScores)
	}
}

func TestWritingBatchSubmission(t *testing.T) {
	f := newFixture(t)
	asg := seedWriting(t, f, "stu-1")
	ctx := context.Background()

	cfg := assessment.Config{
		TemplateID: "tpl-writing",
		Writing:    assessment.DiagnosticParams{TimeLimitMinutes: 60, BatchResponses: true},
		Active:     true,
	}
	if err := f.store.PutConfig(ctx, cfg); err != nil {
		t.Fatalf("put config: %v", err)
	}

	out, err := f.eng.Start(ctx, asg, "stu-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	essay := strings.TrimSpace(strings.Repeat("word ", 150))
	last, err := f.eng.AnswerBatch(ctx, out.Session.ID, "stu-1", []AnswerInput{
		{ItemID: "w-1", Index: -1, ResponseData: map[string]any{"text": essay}},
		{ItemID: "w-2", Index: -1, ResponseData: map[string]any{"text": essay}},
	})
	if err != nil {
		t.Fatalf("batch answer: %v", err)
	}
	if !last.Done || last.Result == nil {
		t.Fatalf("batch did not finish the session: %+v", last)
	}
	if last.Result.ResultType != "W" {
		t.Fatalf("result type = %s, want W", last.Result.ResultType)
	}
	if last.Answered != 2 {
		t.Fatalf("answered = %d, want 2", last.Answered)
	}
}

func TestBatchRequiresConfigFlag(t *testing.T) {
	f := newFixture(t)
	asg := seedWriting(t, f, "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	essay := strings.TrimSpace(strings.Repeat("word ", 40))
	_, err := f.eng.AnswerBatch(ctx, out.Session.ID, "stu-1", []AnswerInput{
		{ItemID: "w-1", Index: -1, ResponseData: map[string]any{"text": essay}},
		{ItemID: "w-2", Index: -1, ResponseData: map[string]any{"text": essay}},
	})
	if !errors.Is(err, assessment.ErrValidation) {
		t.Fatalf("batch without flag = %v, want validation", err)
	}
	// One-by-one submission still works on the same session.
	if _, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
		ItemID: "w-1", Index: -1, ResponseData: map[string]any{"text": essay},
	}); err != nil {
		t.Fatalf("single answer: %v", err)
	}
}

func TestBatchRejectedForAdaptiveSessions(t *testing.T) {
	f := newFixture(t)
	f.seedItems(t, spreadBank())
	asg := f.seedPlacement(t, adaptiveParams(10, 25, 0.3), "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	_, err := f.eng.AnswerBatch(ctx, out.Session.ID, "stu-1", []AnswerInput{
		{ItemID: out.Next.Item.ID, Index: -1, ResponseData: answerPayload(true)},
	})
	if !errors.Is(err, assessment.ErrValidation) {
		t.Fatalf("batch on placement = %v, want validation", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	asg := seedWriting(t, f, "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	essay := strings.TrimSpace(strings.Repeat("word ", 40))
	for _, itemID := range []string{"w-1", "w-2"} {
		if _, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
			ItemID: itemID, Index: -1, ResponseData: map[string]any{"text": essay},
		}); err != nil {
			t.Fatalf("answer %s: %v", itemID, err)
		}
	}
	r1, _, err := f.eng.Complete(ctx, out.Session.ID, "stu-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	r2, _, err := f.eng.Complete(ctx, out.Session.ID, "stu-1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("complete produced two results: %s vs %s", r1.ID, r2.ID)
	}
}

func TestRecommendationsStoredOnFinalize(t *testing.T) {
	dbSeed := func(f *fixture) {
		ctx := context.Background()
		mustExec := func(q string, args ...any) {
			if _, err := f.dbh.ExecContext(ctx, q, args...); err != nil {
				t.Fatalf("seed catalog: %v", err)
			}
		}
		mustExec(`INSERT INTO courses (id,pathway_id,title,target_cefr,primary_skill,secondary_skills_json,prerequisites_json,difficulty_order,active)
		          VALUES ('c-1','pw-1','Writing Basics','A2','writing','[]','[]',1,1)`)
		mustExec(`INSERT INTO lessons (id,course_id,title,target_skills_json,ord,active)
		          VALUES ('l-1','c-1','Sentence practice','["writing"]',1,1)`)
	}

	f := newFixture(t)
	rec := recommend.NewEngine(catalog.NewSQLRepo(f.dbh), irt.DefaultBandScale, 2, 2, recommend.PolicyNextBand)
	f.eng.rec = rec
	dbSeed(f)
	asg := seedWriting(t, f, "stu-1")
	ctx := context.Background()

	out, _ := f.eng.Start(ctx, asg, "stu-1")
	// Very short essays score low, leaving a writing gap to fill.
	for _, itemID := range []string{"w-1", "w-2"} {
		if _, err := f.eng.Answer(ctx, out.Session.ID, "stu-1", AnswerInput{
			ItemID: itemID, Index: -1, ResponseData: map[string]any{"text": "just a few words"},
		}); err != nil {
			t.Fatalf("answer %s: %v", itemID, err)
		}
	}
	res, err := f.store.GetResultBySession(ctx, out.Session.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	recs, err := f.store.ListRecommendations(ctx, res.ID)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d recommendations, want course + lesson", len(recs))
	}
	if recs[0].ContentID != "c-1" || recs[0].ContentType != "course" || recs[0].Priority != 1 {
		t.Fatalf("first recommendation = %+v", recs[0])
	}
	if recs[1].ContentID != "l-1" || recs[1].ContentType != "lesson" || recs[1].Priority != 2 {
		t.Fatalf("second recommendation = %+v", recs[1])
	}
	if recs[0].Source != "AUTO" {
		t.Fatalf("source = %s, want AUTO", recs[0].Source)
	}
}
