package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/upswing/flightpath/internal/assessment"
	"github.com/upswing/flightpath/internal/auth"
	"github.com/upswing/flightpath/internal/engine"
)

func identity(r *http.Request) auth.Identity {
	id, _ := auth.From(r.Context())
	return id
}

func (s *Server) handleMyAssignments(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	rows, err := s.store.ListAssignmentsForTaker(r.Context(), id.UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": rows})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	out, err := s.eng.Start(r.Context(), chi.URLParam(r, "assignedID"), id.UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// handleStartByBody serves the original start route, which names the
// assignment in the body instead of the path. Both key spellings are
// accepted.
func (s *Server) handleStartByBody(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		AssignedID      string `json:"assigned_id"`
		AssignedIDCamel string `json:"assignedId"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	assignedID := req.AssignedID
	if assignedID == "" {
		assignedID = req.AssignedIDCamel
	}
	if assignedID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "assigned_id is required"})
		return
	}
	out, err := s.eng.Start(r.Context(), assignedID, id.UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	out, err := s.eng.State(r.Context(), chi.URLParam(r, "sessionID"), id.UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// answerEntry is one response in an answer request, single or batched.
type answerEntry struct {
	ItemID       string         `json:"item_id"`
	Index        *int           `json:"index"`
	ResponseData map[string]any `json:"response_data"`
	TimeTaken    *int           `json:"time_taken"`
	MediaKey     string         `json:"media_key"`
	Transcript   string         `json:"transcript"`
}

func (e answerEntry) toInput() engine.AnswerInput {
	in := engine.AnswerInput{
		ItemID:       e.ItemID,
		Index:        -1,
		ResponseData: e.ResponseData,
		TimeTaken:    e.TimeTaken,
		MediaKey:     e.MediaKey,
		Transcript:   e.Transcript,
	}
	if e.Index != nil {
		in.Index = *e.Index
	}
	return in
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		answerEntry
		// Responses batches every remaining answer in one call; allowed
		// only for templates configured with batch_responses.
		Responses []answerEntry `json:"responses"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if len(req.Responses) > 0 {
		ins := make([]engine.AnswerInput, 0, len(req.Responses))
		for _, e := range req.Responses {
			if e.ItemID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item_id is required"})
				return
			}
			ins = append(ins, e.toInput())
		}
		out, err := s.eng.AnswerBatch(r.Context(), sessionID, id.UserID, ins)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	if req.ItemID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "item_id is required"})
		return
	}
	out, err := s.eng.Answer(r.Context(), sessionID, id.UserID, req.toInput())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	res, recs, err := s.eng.Complete(r.Context(), chi.URLParam(r, "sessionID"), id.UserID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "recommendations": recs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if err := s.eng.Cancel(r.Context(), chi.URLParam(r, "sessionID"), id.UserID, id.Role); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(assessment.SessionCancelled)})
}

func (s *Server) handleSessionResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.GetResultBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	recs, err := s.store.ListRecommendations(r.Context(), res.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "recommendations": recs})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "resultID")
	if _, err := s.store.GetResult(r.Context(), resultID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	recs, err := s.store.ListRecommendations(r.Context(), resultID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func (s *Server) handleMyHistory(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	s.writeHistory(w, r, id.UserID)
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, takerID string) {
	f := assessment.HistoryFilter{
		ResultType: r.URL.Query().Get("type"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	rows, err := s.store.ListHistory(r.Context(), takerID, f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) handleMyProgress(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	s.writeProgress(w, r, id.UserID)
}

func (s *Server) writeProgress(w http.ResponseWriter, r *http.Request, takerID string) {
	rows, err := s.store.ListHistory(r.Context(), takerID, assessment.HistoryFilter{
		Limit: queryInt(r, "limit", 200),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment.BuildProgress(takerID, rows))
}
