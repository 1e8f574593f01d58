package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/audit"
	"github.com/upswing/flightpath/internal/bank"
	"github.com/upswing/flightpath/internal/catalog"
	"github.com/upswing/flightpath/internal/irt"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		PathwayID string                  `json:"pathway_id"`
		Name      string                  `json:"name"`
		Type      assessment.TemplateType `json:"type"`
		Rubric    assessment.Rubric       `json:"rubric"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.PathwayID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pathway_id and name are required"})
		return
	}
	if err := validateTemplateType(req.Type); err != nil {
		s.writeErr(w, r, err)
		return
	}
	t := assessment.Template{
		ID:        uuid.NewString(),
		PathwayID: req.PathwayID,
		Name:      req.Name,
		Type:      req.Type,
		Rubric:    req.Rubric,
		Version:   1,
		Active:    true,
	}
	if err := s.store.CreateTemplate(r.Context(), t); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "template.create",
		EntityType: "template", EntityID: t.ID,
	})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	items, err := s.store.ListTemplateItems(r.Context(), t.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": t, "items": items})
}

func (s *Server) handleSetTemplateItems(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	templateID := chi.URLParam(r, "templateID")
	var req struct {
		ItemIDs []string `json:"item_ids"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if _, err := s.store.GetTemplate(r.Context(), templateID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	items := make([]assessment.TemplateItem, 0, len(req.ItemIDs))
	for i, itemID := range req.ItemIDs {
		if _, err := s.items.Get(r.Context(), itemID); err != nil {
			s.writeErr(w, r, err)
			return
		}
		items = append(items, assessment.TemplateItem{TemplateID: templateID, ItemID: itemID, Order: i})
	}
	if err := s.store.SetTemplateItems(r.Context(), templateID, items); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "template.items.set",
		EntityType: "template", EntityID: templateID,
		Details: map[string]any{"count": len(items)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	templateID := chi.URLParam(r, "templateID")
	var cfg assessment.Config
	if err := decode(r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	cfg.TemplateID = templateID
	if _, err := s.store.GetTemplate(r.Context(), templateID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if cfg.Adaptive.MinQuestions < 0 || cfg.Adaptive.MaxQuestions < 0 ||
		(cfg.Adaptive.MaxQuestions > 0 && cfg.Adaptive.MinQuestions > cfg.Adaptive.MaxQuestions) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "min_questions must not exceed max_questions"})
		return
	}
	if cfg.Adaptive.StoppingSE < 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "stopping_se must be non-negative"})
		return
	}
	if err := s.store.PutConfig(r.Context(), cfg); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "config.put",
		EntityType: "template", EntityID: templateID,
	})
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpsertItem(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var it bank.Item
	if err := decode(r, &it); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Params.A <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "irt.a must be positive"})
		return
	}
	if it.Params.C < 0 || it.Params.C >= 1 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "irt.c must be in [0,1)"})
		return
	}
	if len(it.SkillAreas) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "at least one skill area is required"})
		return
	}
	if err := s.items.Upsert(r.Context(), it); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "item.upsert",
		EntityType: "item", EntityID: it.ID,
	})
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleUpsertCourse(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var c catalog.Course
	if err := decode(r, &c); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PathwayID == "" || c.Title == "" || c.PrimarySkill == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "pathway_id, title and primary_skill are required"})
		return
	}
	if !validCEFR(c.TargetCEFR) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "target_cefr must be a CEFR level"})
		return
	}
	if err := s.content.UpsertCourse(r.Context(), c); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "course.upsert",
		EntityType: "course", EntityID: c.ID,
	})
	writeJSON(w, http.StatusOK, c)
}

func validCEFR(level string) bool {
	for _, l := range irt.Levels {
		if l == level {
			return true
		}
	}
	return false
}

func (s *Server) handleUpsertLesson(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var l catalog.Lesson
	if err := decode(r, &l); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Title == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "title is required"})
		return
	}
	if _, err := s.content.GetCourse(r.Context(), l.CourseID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.content.UpsertLesson(r.Context(), l); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.aud.Record(r.Context(), audit.Event{
		ActorID: id.UserID, ActorType: id.Role, Action: "lesson.upsert",
		EntityType: "lesson", EntityID: l.ID,
	})
	writeJSON(w, http.StatusOK, l)
}
