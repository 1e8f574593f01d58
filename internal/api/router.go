// Package api exposes the assessment core over HTTP: the student session
// flow, staff assignment/review surfaces and admin content management.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/auth"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/config"
	"github.com/upswing/flightpath/internal/engine"
	"github.com/upswing/flightpath/internal/logger"
	"github.com/upswing/flightpath/internal/rbac"
	"github.com/upswing/flightpath/internal/recommend"
)

// AuditLog is the read side of the audit trail.
type AuditLog interface {
	List(ctx context.Context, entityType, entityID string, limit int) ([]audit.Entry, error)
}

type Server struct {
	cfg      config.Config
	log      *logger.Logger
	store    assessment.Store
	eng      *engine.Engine
	items    bank.Repo
	content  catalog.Store
	rec      *recommend.Engine
	aud      audit.Recorder
	auditLog AuditLog
	dir      assessment.Directory
	ready    func(ctx context.Context) error
}

type ServerDeps struct {
	Store    assessment.Store
	Engine   *engine.Engine
	Items    bank.Repo
	Content  catalog.Store
	Rec      *recommend.Engine
	Audit    audit.Recorder
	AuditLog AuditLog
	Dir      assessment.Directory
	// Ready reports backend health for the readiness probe.
	Ready func(ctx context.Context) error
}

func NewServer(cfg config.Config, log *logger.Logger, deps ServerDeps) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.NopRecorder{}
	}
	if deps.Dir == nil {
		deps.Dir = assessment.StaticDirectory{}
	}
	return &Server{
		cfg: cfg, log: log,
		store: deps.Store, eng: deps.Engine, items: deps.Items, content: deps.Content,
		rec: deps.Rec, aud: deps.Audit, auditLog: deps.AuditLog, dir: deps.Dir, ready: deps.Ready,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOriginsOffline
	if s.cfg.Mode == config.ModeOnline {
		origins = s.cfg.CORSOriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-User-Role"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(deadline(s.cfg.RequestDeadline))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if s.ready != nil {
			if err := s.ready(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if s.cfg.EnableLocalAuth {
		r.Post("/auth/login", s.handleLogin)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.HeaderIdentity)
		if s.cfg.EnableLocalAuth {
			r.Use(auth.BearerIdentity([]byte(s.cfg.AuthHMACSecret)))
		}

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermTake))
			r.Get("/me/assignments", s.handleMyAssignments)
			r.Get("/me/history", s.handleMyHistory)
			r.Get("/me/progress", s.handleMyProgress)
			r.Post("/assignments/{assignedID}/start", s.handleStart)
			r.Get("/sessions/{sessionID}", s.handleSessionState)
			r.Post("/sessions/{sessionID}/answers", s.handleAnswer)
			r.Post("/sessions/{sessionID}/complete", s.handleComplete)
			r.Get("/sessions/{sessionID}/result", s.handleSessionResult)
			r.Get("/results/{resultID}/recommendations", s.handleRecommendations)

			// Original client surface, kept as aliases.
			r.Post("/assessments/start", s.handleStartByBody)
			r.Post("/assessments/{sessionID}/answer", s.handleAnswer)
			r.Get("/assessments/{sessionID}/complete", s.handleComplete)
			r.Get("/assessments/{sessionID}", s.handleSessionState)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermCancel))
			r.Post("/sessions/{sessionID}/cancel", s.handleCancel)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermAssign))
			r.Post("/assignments", s.handleCreateAssignment)
			r.Post("/admin/assessments/assign", s.handleCreateAssignment)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermReview))
			r.Get("/students/{studentID}/history", s.handleStudentHistory)
			r.Get("/students/{studentID}/progress", s.handleStudentProgress)
			r.Get("/review/sessions/{sessionID}", s.handleReviewSession)
			r.Post("/results/{resultID}/validate", s.handleValidateResult)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermOverridePlan))
			r.Put("/results/{resultID}/recommendations", s.handleOverrideRecommendations)
			r.Post("/admin/recommendations/{resultID}/override", s.handleOverrideRecommendations)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermManageTemplate))
			r.Post("/templates", s.handleCreateTemplate)
			r.Post("/admin/templates", s.handleCreateTemplate)
			r.Get("/templates/{templateID}", s.handleGetTemplate)
			r.Put("/templates/{templateID}/items", s.handleSetTemplateItems)
			r.Put("/templates/{templateID}/config", s.handlePutConfig)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermManageItems))
			r.Post("/items", s.handleUpsertItem)
			r.Post("/admin/items", s.handleUpsertItem)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermManageContent))
			r.Post("/courses", s.handleUpsertCourse)
			r.Post("/lessons", s.handleUpsertLesson)
			r.Post("/admin/courses", s.handleUpsertCourse)
			r.Post("/admin/lessons", s.handleUpsertLesson)
		})

		r.Group(func(r chi.Router) {
			r.Use(rbac.Require(rbac.PermReadAudit))
			r.Get("/audit/{entityType}/{entityID}", s.handleAudit)
		})
	})

	return r
}
