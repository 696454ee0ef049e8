package api

import (
	"net/http"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/jobs"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/lifecycle"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

type transitionResponse struct {
	Job     models.Job             `json:"job"`
	Entries []models.ActivityEntry `json:"entries"`
	Changed bool                   `json:"changed"`
}

func newTransitionResponse(res lifecycle.Result) transitionResponse {
	entries := res.Entries
	if entries == nil {
		entries = []models.ActivityEntry{}
	}
	return transitionResponse{Job: res.Job, Entries: entries, Changed: res.Changed}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in jobs.NewJob
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var in jobs.NewJob
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Request(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), actorFrom(r.Context()), kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in jobs.TransitionInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.jobs.Transition(r.Context(), actorFrom(r.Context()), kind, id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransitionResponse(res))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actions, err := s.jobs.AvailableActions(r.Context(), actorFrom(r.Context()), kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

type noteRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req noteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := s.jobs.AddNote(r.Context(), actorFrom(r.Context()), kind, id, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleCustomer(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch jobs.CustomerPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.UpdateCustomer(r.Context(), actorFrom(r.Context()), kind, id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reason := r.URL.Query().Get("reason")
	if err := s.jobs.Delete(r.Context(), actorFrom(r.Context()), kind, id, reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.jobs.Activity(r.Context(), actorFrom(r.Context()), kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (s *Server) handleActivityExport(w http.ResponseWriter, r *http.Request) {
	_, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := s.jobs.ExportActivity(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="activity-`+id+`-`+time.Now().UTC().Format("20060102")+`.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePutMember(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var m models.TeamMember
	if err := decodeJSON(w, r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	m.Kind, m.ID = kind, id
	if err := s.jobs.PutMember(r.Context(), actorFrom(r.Context()), m); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
