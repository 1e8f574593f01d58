package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/recommend"
)

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		TemplateID    string     `json:"template_id"`
		TestTakerID   string     `json:"test_taker_id"`
		TestTakerType string     `json:"test_taker_type"`
		GroupID       string     `json:"group_id"`
		DueAt         *time.Time `json:"due_at"`
		Notes         string     `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.TemplateID == "" || (req.TestTakerID == "") == (req.GroupID == "") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "template_id plus exactly one of test_taker_id or group_id"})
		return
	}
	switch req.TestTakerType {
	case "", "student", "guest":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "test_taker_type must be student or guest"})
		return
	}
	if _, err := s.store.GetTemplate(r.Context(), req.TemplateID); err != nil {
		s.writeErr(w, r, err)
		return
	}

	takers := []string{req.TestTakerID}
	if req.GroupID != "" {
		members, err := s.dir.GroupMembers(r.Context(), req.GroupID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		takers = members
	}

	now := time.Now().UTC()
	created := make([]assessment.AssignedAssessment, 0, len(takers))
	for _, taker := range takers {
		a := assessment.AssignedAssessment{
			ID:            uuid.NewString(),
			TemplateID:    req.TemplateID,
			TestTakerID:   taker,
			TestTakerType: req.TestTakerType,
			AssignedBy:    id.UserID,
			AssignedAt:    now,
			DueAt:         req.DueAt,
			Status:        assessment.AssignmentPending,
			Notes:         req.Notes,
		}
		if err := s.store.CreateAssignment(r.Context(), a); err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.aud.Record(r.Context(), audit.Event{
			ActorID: id.UserID, ActorType: id.Role, Action: "assignment.create",
			EntityType: "assignment", EntityID: a.ID,
			Details: map[string]any{"template_id": req.TemplateID, "test_taker_id": taker},
		})
		created = append(created, a)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"assignments": created})
}

func (s *Server) handleStudentHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, chi.URLParam(r, "studentID"))
}

func (s *Server) handleStudentProgress(w http.ResponseWriter, r *http.Request) {
	s.writeProgress(w, r, chi.URLParam(r, "studentID"))
}

// handleValidateResult records that staff reviewed a result. Replays succeed.
func (s *Server) handleValidateResult(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	resultID := chi.URLParam(r, "resultID")
	if err := s.store.ValidateResult(r.Context(), resultID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "result.validate",
		EntityType: "result", EntityID: resultID,
	})
	res, err := s.store.GetResult(r.Context(), resultID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// handleReviewSession lets staff inspect any session with its responses.
func (s *Server) handleReviewSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	responses, err := s.store.ListResponses(r.Context(), sessionID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "responses": responses})
}

func (s *Server) handleOverrideRecommendations(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	resultID := chi.URLParam(r, "resultID")
	var req struct {
		Items []recommend.OverrideRow `json:"items"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if _, err := s.store.GetResult(r.Context(), resultID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rows, err := s.rec.Override(r.Context(), resultID, id.UserID, req.Items)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.store.ReplaceRecommendations(r.Context(), resultID, rows); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "recommendations.override",
		EntityType: "result", EntityID: resultID,
		Details: map[string]any{"count": len(rows)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": rows})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log not available"})
		return
	}
	entries, err := s.auditLog.List(r.Context(),
		chi.URLParam(r, "entityType"), chi.URLParam(r, "entityID"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func validateTemplateType(t assessment.TemplateType) error {
	switch t {
	case assessment.TypePlacement, assessment.TypeSpeaking, assessment.TypeWriting:
		return nil
	}
	return fmt.Errorf("unknown template type %q: %w", t, assessment.ErrValidation)
}
