package api

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/payment"
)

const headerWebhookToken = "X-Webhook-Token"

type paymentStartResponse struct {
	Amount   models.Cents     `json:"amount_cents"`
	Snapshot payment.Snapshot `json:"session"`
}

// handlePaymentStart opens a collector session and confirms the amount due.
func (s *Server) handlePaymentStart(w http.ResponseWriter, r *http.Request) {
	kind, id, err := jobRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	sess, err := s.payments.Start(r.Context(), actor, kind, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := sess.Confirm()
	if err != nil {
		_ = s.payments.Abandon(actor, id)
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentStartResponse{Amount: amount, Snapshot: sess.Snapshot()})
}

func (s *Server) session(r *http.Request) (*payment.Session, error) {
	return s.payments.Session(actorFrom(r.Context()), chi.URLParam(r, "id"))
}

func (s *Server) handlePaymentSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePaymentGenerate(w http.ResponseWriter, r *http.Request) {
	s.sessionStep(w, r, (*payment.Session).Generate)
}

func (s *Server) handlePaymentRetry(w http.ResponseWriter, r *http.Request) {
	s.sessionStep(w, r, (*payment.Session).Retry)
}

func (s *Server) handlePaymentContinue(w http.ResponseWriter, r *http.Request) {
	s.sessionStep(w, r, (*payment.Session).ContinueWaiting)
}

func (s *Server) sessionStep(w http.ResponseWriter, r *http.Request, step func(*payment.Session, context.Context) error) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := step(sess, r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePaymentAbandon(w http.ResponseWriter, r *http.Request) {
	if err := s.payments.Abandon(actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSettlementWebhook applies a processor settlement callback as the system actor.
func (s *Server) handleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookToken == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "settlement webhook disabled"})
		return
	}
	token := r.Header.Get(headerWebhookToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookToken)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "bad webhook token"})
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		s.writeError(w, r, apperr.InvalidInput("read body: %v", err))
		return
	}
	ev, err := payment.ParseSettlementEvent(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ev.Status != payment.SettlementPaid {
		writeJSON(w, http.StatusAccepted, map[string]any{"event_id": ev.EventID, "ignored": true})
		return
	}
	res, err := s.jobs.RecordSettlement(r.Context(), models.SystemActor, ev.Kind, ev.JobID, ev.Settlement())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("payment.webhook.applied", "event_id", ev.EventID, "job_id", ev.JobID, "changed", res.Changed)
	writeJSON(w, http.StatusOK, map[string]any{"event_id": ev.EventID, "changed": res.Changed})
}
