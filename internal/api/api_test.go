package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/config"
	"github.com/upswing/flightpath/internal/db"
	"github.com/upswing/flightpath/internal/engine"
	"github.com/upswing/flightpath/internal/irt"
	"github.com/upswing/flightpath/internal/logger"
	"github.com/upswing/flightpath/internal/recommend"
	"github.com/upswing/flightpath/internal/scoring"
)

type apiFixture struct {
	srv   *httptest.Server
	store *assessment.SQLStore
	items *bank.SQLRepo
	dbh   *sql.DB
}

func newAPIFixture(t *testing.T) *apiFixture {
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

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	cfg := config.Config{
		Mode:               config.ModeOffline,
		RequestDeadline:    5 * time.Second,
		EnableLocalAuth:    true,
		AuthHMACSecret:     "test-secret",
		AdminUser:          "admin",
		AdminPassHash:      string(hash),
		CORSOriginsOffline: []string{"http://localhost:3000"},
	}

	store := assessment.NewSQLStore(dbh)
	items := bank.NewSQLRepo(dbh)
	scale := irt.DefaultBandScale
	est := irt.NewEstimator(irt.Model2PL, irt.DefaultQuadratureSize)
	scorers := scoring.Registry{
		assessment.TypePlacement: scoring.NewPlacementScorer(est, scale),
		assessment.TypeWriting:   scoring.NewWritingScorer(scoring.HeuristicEvaluator{}, time.Second, scale),
		assessment.TypeSpeaking:  scoring.NewSpeakingScorer(scoring.HeuristicEvaluator{}, time.Second, scale),
	}
	contents := catalog.NewSQLRepo(dbh)
	rec := recommend.NewEngine(contents, scale, 2, 2, recommend.PolicyNextBand)
	eng := engine.New(store, items, scorers, rec, est, scale, nil, nil, engine.Options{SessionTTL: 2 * time.Hour})

	server := NewServer(cfg, logger.NewNop(), ServerDeps{
		Store:   store,
		Engine:  eng,
		Items:   items,
		Content: contents,
		Rec:     rec,
		Dir:     assessment.StaticDirectory{"class-5b": {"stu-1", "stu-2"}},
		Ready:   dbh.PingContext,
	})
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &apiFixture{srv: ts, store: store, items: items, dbh: dbh}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func student(id string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": "student"}
}

func teacher(id string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": "teacher"}
}

func (f *apiFixture) seedPlacement(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	tmpl := assessment.Template{ID: "tpl-1", PathwayID: "pw-1", Name: "Placement", Type: assessment.TypePlacement, Version: 1, Active: true}
	if err := f.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}
	for i, b := range []float64{-1, -0.5, 0, 0.5, 1} {
		it := bank.Item{
			ID: fmt.Sprintf("i-%d", i), Type: "mcq",
			Content:    bank.Content{QuestionText: "q", Options: []string{"a", "b"}, CorrectAnswer: "a"},
			SkillAreas: []string{"grammar"},
			Params:     irt.ItemParams{A: 1, B: b},
			Active:     true,
		}
		if err := f.items.Upsert(ctx, it); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	a := assessment.AssignedAssessment{
		ID: "asg-1", TemplateID: tmpl.ID, TestTakerID: "stu-1",
		AssignedAt: time.Now().UTC(), Status: assessment.AssignmentPending,
	}
	if err := f.store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a.ID
}

func TestAuthAndRBAC(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/me/assignments", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/templates", map[string]any{}, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student on admin route = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/healthz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestLocalLoginIssuesUsableToken(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "admin", "password": "wrong"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password = %d, want 401", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/auth/login", map[string]string{"username": "admin", "password": "hunter2"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d, want 200", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &login)
	if login.Token == "" {
		t.Fatal("empty token")
	}

	item := bank.Item{
		ID: "i-new", Type: "mcq",
		Content:    bank.Content{QuestionText: "q", CorrectAnswer: "a"},
		SkillAreas: []string{"grammar"},
		Params:     irt.ItemParams{A: 1, B: 0},
		Active:     true,
	}
	resp = f.do(t, http.MethodPost, "/api/v1/items", item, map[string]string{"Authorization": "Bearer " + login.Token})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("item upsert with token = %d, want 200", resp.StatusCode)
	}
}

func TestPlacementFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	asg := f.seedPlacement(t)

	resp := f.do(t, http.MethodPost, "/api/v1/assignments/"+asg+"/start", nil, student("stu-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d, want 201", resp.StatusCode)
	}
	var started struct {
		Session assessment.Session `json:"session"`
		Next    *engine.NextItem   `json:"next"`
	}
	decodeBody(t, resp, &started)
	if started.Next == nil || started.Next.Item.ID != "i-2" {
		t.Fatalf("first item = %+v, want i-2", started.Next)
	}
	if started.Next.Item.Content.CorrectAnswer != "" {
		t.Fatal("correct answer leaked over HTTP")
	}

	// Wrong student cannot touch the session.
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+started.Session.ID, nil, student("stu-2"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign session read = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+started.Session.ID+"/answers", map[string]any{
		"item_id":       started.Next.Item.ID,
		"response_data": map[string]any{"answer": "a"},
	}, student("stu-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer = %d, want 200", resp.StatusCode)
	}
	var answered engine.AnswerOutput
	decodeBody(t, resp, &answered)
	if answered.Done || answered.Next == nil {
		t.Fatalf("after one answer: %+v", answered)
	}

	// Stale index is a conflict.
	idx := 7
	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+started.Session.ID+"/answers", map[string]any{
		"item_id":       answered.Next.Item.ID,
		"index":         idx,
		"response_data": map[string]any{"answer": "a"},
	}, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale index = %d, want 409", resp.StatusCode)
	}

	// Resuming via start returns the pending item.
	resp = f.do(t, http.MethodPost, "/api/v1/assignments/"+asg+"/start", nil, student("stu-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume = %d, want 200", resp.StatusCode)
	}
	var resumed struct {
		Resumed bool             `json:"resumed"`
		Next    *engine.NextItem `json:"next"`
	}
	decodeBody(t, resp, &resumed)
	if !resumed.Resumed || resumed.Next == nil || resumed.Next.Item.ID != answered.Next.Item.ID {
		t.Fatalf("resume = %+v, want pending item %s", resumed, answered.Next.Item.ID)
	}

	// No result yet.
	resp = f.do(t, http.MethodGet, "/api/v1/sessions/"+started.Session.ID+"/result", nil, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("early result = %d, want 404", resp.StatusCode)
	}
}

func admin(id string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": "admin"}
}

func TestCancelRequiresAdmin(t *testing.T) {
	f := newAPIFixture(t)
	asg := f.seedPlacement(t)

	resp := f.do(t, http.MethodPost, "/api/v1/assignments/"+asg+"/start", nil, student("stu-1"))
	var started struct {
		Session assessment.Session `json:"session"`
	}
	decodeBody(t, resp, &started)
	cancelPath := "/api/v1/sessions/" + started.Session.ID + "/cancel"

	// Neither the owner nor another student may cancel a session.
	for _, who := range []string{"stu-1", "stu-2"} {
		resp = f.do(t, http.MethodPost, cancelPath, nil, student(who))
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("cancel as %s = %d, want 403", who, resp.StatusCode)
		}
	}
	sess, err := f.store.GetSession(context.Background(), started.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != assessment.SessionInProgress {
		t.Fatalf("status after forbidden cancel = %s, want IN_PROGRESS", sess.Status)
	}

	resp = f.do(t, http.MethodPost, cancelPath, nil, admin("adm-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin cancel = %d, want 200", resp.StatusCode)
	}
	sess, _ = f.store.GetSession(context.Background(), started.Session.ID)
	if sess.Status != assessment.SessionCancelled {
		t.Fatalf("status after admin cancel = %s, want CANCELLED", sess.Status)
	}
}

func TestOriginalRouteAliases(t *testing.T) {
	f := newAPIFixture(t)
	asg := f.seedPlacement(t)

	resp := f.do(t, http.MethodPost, "/api/v1/assessments/start", map[string]string{
		"assignedId": asg,
	}, student("stu-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start alias = %d, want 201", resp.StatusCode)
	}
	var started struct {
		Session assessment.Session `json:"session"`
		Next    *engine.NextItem   `json:"next"`
	}
	decodeBody(t, resp, &started)
	if started.Next == nil {
		t.Fatal("start alias returned no item")
	}

	resp = f.do(t, http.MethodPost, "/api/v1/assessments/"+started.Session.ID+"/answer", map[string]any{
		"item_id":       started.Next.Item.ID,
		"response_data": map[string]any{"answer": "a"},
	}, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer alias = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/assessments/"+started.Session.ID, nil, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state alias = %d, want 200", resp.StatusCode)
	}

	// Finalize over GET maps onto the same idempotent completion; below the
	// question minimum it rejects like the canonical route.
	resp = f.do(t, http.MethodGet, "/api/v1/assessments/"+started.Session.ID+"/complete", nil, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("complete alias before minimum = %d, want 422", resp.StatusCode)
	}
}

func TestContentPublishAndValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/courses", catalog.Course{
		ID: "c-1", PathwayID: "pw-1", Title: "Grammar Foundations",
		TargetCEFR: "B1", PrimarySkill: "grammar", DifficultyOrder: 1, Active: true,
	}, admin("adm-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("course upsert = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/courses", catalog.Course{
		ID: "c-bad", PathwayID: "pw-1", Title: "x", TargetCEFR: "Z9",
		PrimarySkill: "grammar", Active: true,
	}, admin("adm-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad CEFR = %d, want 422", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/lessons", catalog.Lesson{
		ID: "l-1", CourseID: "no-such-course", Title: "Clauses", Active: true,
	}, admin("adm-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("lesson with unknown course = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/lessons", catalog.Lesson{
		ID: "l-1", CourseID: "c-1", Title: "Clauses",
		TargetSkills: []string{"grammar"}, Order: 1, Active: true,
	}, admin("adm-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lesson upsert = %d, want 200", resp.StatusCode)
	}

	// Teachers manage plans, not content.
	resp = f.do(t, http.MethodPost, "/api/v1/courses", catalog.Course{}, teacher("t-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("teacher on content route = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/results/missing/validate", nil, teacher("t-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("validate missing result = %d, want 404", resp.StatusCode)
	}
}

func TestProgressEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/me/progress", nil, student("stu-1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("my progress = %d, want 200", resp.StatusCode)
	}
	var rep assessment.ProgressReport
	decodeBody(t, resp, &rep)
	if rep.TestTakerID != "stu-1" || len(rep.Latest) != 0 {
		t.Fatalf("empty progress = %+v", rep)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/students/stu-1/progress", nil, teacher("t-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("staff progress = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/students/stu-1/progress", nil, student("stu-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student on staff progress = %d, want 403", resp.StatusCode)
	}
}

func TestGroupAssignment(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	tmpl := assessment.Template{ID: "tpl-1", PathwayID: "pw-1", Name: "Placement", Type: assessment.TypePlacement, Version: 1, Active: true}
	if err := f.store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("create template: %v", err)
	}

	resp := f.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{
		"template_id": "tpl-1",
		"group_id":    "class-5b",
	}, teacher("t-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("group assign = %d, want 201", resp.StatusCode)
	}
	var out struct {
		Assignments []assessment.AssignedAssessment `json:"assignments"`
	}
	decodeBody(t, resp, &out)
	if len(out.Assignments) != 2 {
		t.Fatalf("created %d assignments, want 2", len(out.Assignments))
	}

	resp = f.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{
		"template_id": "tpl-1",
		"group_id":    "no-such-group",
	}, teacher("t-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown group = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/assignments", map[string]any{
		"template_id": "tpl-1",
	}, teacher("t-1"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing target = %d, want 400", resp.StatusCode)
	}
}
