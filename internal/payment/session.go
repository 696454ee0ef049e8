package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/jobs"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/lifecycle"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/telemetry"
)

// State is a collector session state.
type State string

const (
	StateIdle       State = "idle"
	StateConfirm    State = "confirm"
	StateGenerating State = "generating"
	StateCollecting State = "collecting"
	StateSuccess    State = "success"
	StateTimeout    State = "timeout"
	StateError      State = "error"
)

// JobService is the slice of jobs.Service the collector drives.
type JobService interface {
	Get(ctx context.Context, actor models.Actor, kind models.Kind, id string) (models.Job, error)
	RecordSettlement(ctx context.Context, actor models.Actor, kind models.Kind, id string, st jobs.Settlement) (lifecycle.Result, error)
	RecordPaymentLink(ctx context.Context, actor models.Actor, job models.Job, url string, amount models.Cents) error
}

// Options tune the poll loop.
type Options struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	LockTTL        time.Duration
	// Retention is how long a session that is no longer live stays visible.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 5 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.LockTTL < o.PollTimeout {
		o.LockTTL = o.PollTimeout + time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * time.Minute
	}
	return o
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	JobID    string       `json:"job_id"`
	Kind     models.Kind  `json:"kind"`
	State    State        `json:"state"`
	Amount   models.Cents `json:"amount_cents"`
	LinkURL  string       `json:"link_url,omitempty"`
	Error    string       `json:"error,omitempty"`
	Polls    int          `json:"polls"`
	Deadline *time.Time   `json:"deadline,omitempty"`
}

// Session is one technician's attempt to collect payment for one job. At most one poll loop
// runs per session; every state change that leaves collecting stops it.
type Session struct {
	svc    JobService
	proc   Processor
	opts   Options
	logger *slog.Logger
	base   context.Context

	actor models.Actor
	job   models.Job

	mu       sync.Mutex
	state    State
	amount   models.Cents
	link     string
	errMsg   string
	polls    int
	deadline time.Time
	changed  time.Time
	gen      int
	cancel   context.CancelFunc
	done     chan struct{}

	lease *lease
}

func newSession(base context.Context, svc JobService, proc Processor, opts Options, logger *slog.Logger, actor models.Actor, job models.Job) *Session {
	return &Session{
		svc:     svc,
		proc:    proc,
		opts:    opts.withDefaults(),
		logger:  logger,
		base:    base,
		actor:   actor,
		job:     job,
		state:   StateIdle,
		changed: time.Now(),
	}
}

// setStateLocked moves the session to state and stamps the change.
func (s *Session) setStateLocked(state State) {
	s.state = state
	s.changed = time.Now()
}

func live(state State) bool {
	return state == StateConfirm || state == StateGenerating || state == StateCollecting
}

// expired reports whether a session that is no longer live has been left alone past retention.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !live(s.state) && now.Sub(s.changed) > s.opts.Retention
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		JobID:   s.job.ID,
		Kind:    s.job.Kind,
		State:   s.state,
		Amount:  s.amount,
		LinkURL: s.link,
		Error:   s.errMsg,
		Polls:   s.polls,
	}
	if s.state == StateCollecting {
		d := s.deadline
		snap.Deadline = &d
	}
	return snap
}

// Confirm computes the amount to collect. It has no side effects.
func (s *Session) Confirm() (models.Cents, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateConfirm {
		return 0, apperr.InvalidTransition("cannot confirm a payment session that is %s", s.state)
	}
	if s.job.Status != models.StatusOnSite {
		return 0, apperr.InvalidTransition("payment is collected on site; job %s is %s", s.job.ID, s.job.Status)
	}
	if s.job.PaymentStatus.Rank() >= models.PaymentPaid.Rank() {
		return 0, apperr.InvalidTransition("job %s is already paid", s.job.ID)
	}
	amount, ok := s.job.AmountDue()
	if !ok {
		return 0, apperr.MissingFields("no invoice amount or catalog total on the job", "invoice_amount")
	}
	s.amount = amount
	s.setStateLocked(StateConfirm)
	return amount, nil
}

// Generate requests a payable link and, on success, starts polling for settlement.
func (s *Session) Generate(ctx context.Context) error {
	return s.generate(ctx, StateConfirm)
}

// Retry re-enters generating after an error.
func (s *Session) Retry(ctx context.Context) error {
	return s.generate(ctx, StateError)
}

func (s *Session) generate(ctx context.Context, from State) error {
	if state := s.State(); state != from {
		return apperr.InvalidTransition("cannot generate a payment link while %s", state)
	}
	if err := s.lease.hold(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != from {
		state := s.state
		s.mu.Unlock()
		return apperr.InvalidTransition("cannot generate a payment link while %s", state)
	}
	s.setStateLocked(StateGenerating)
	s.errMsg = ""
	s.gen++
	gen := s.gen
	genCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	amount := s.amount
	s.mu.Unlock()

	link, err := s.proc.CreatePayableLink(genCtx, s.job.ID, amount)
	var ledgerErr error
	if err == nil {
		ledgerErr = s.svc.RecordPaymentLink(genCtx, s.actor, s.job, link.URL, amount)
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateGenerating {
		return apperr.Conflict("payment session for job %s was abandoned", s.job.ID)
	}
	s.cancel = nil
	switch {
	case err != nil:
		s.setStateLocked(StateError)
		s.errMsg = err.Error()
		telemetry.PaymentSessions.WithLabelValues(string(StateError)).Inc()
		s.logger.Warn("payment.link.failed", "job_id", s.job.ID, "err", err)
		return apperr.External("payment processor", err)
	case ledgerErr != nil:
		s.setStateLocked(StateError)
		s.errMsg = ledgerErr.Error()
		return ledgerErr
	}
	s.link = link.URL
	s.startCollectingLocked()
	return nil
}

// ContinueWaiting re-enters collecting with a fresh timeout window. The collector lock is renewed,
// or taken again if it lapsed while the session sat in timeout.
func (s *Session) ContinueWaiting(ctx context.Context) error {
	if state := s.State(); state != StateTimeout {
		return apperr.InvalidTransition("can only continue waiting after a timeout, session is %s", state)
	}
	if err := s.lease.hold(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTimeout {
		return apperr.InvalidTransition("can only continue waiting after a timeout, session is %s", s.state)
	}
	s.startCollectingLocked()
	return nil
}

// Abandon stops any poll loop and returns the session to idle. The job is not touched. It
// returns once the loop has exited.
func (s *Session) Abandon() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateSuccess {
		s.mu.Unlock()
		s.lease.release()
		return
	}
	s.gen++
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.setStateLocked(StateIdle)
	s.errMsg = ""
	s.link = ""
	telemetry.PaymentSessions.WithLabelValues("abandoned").Inc()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.lease.release()
	s.logger.Info("payment.session.abandoned", "job_id", s.job.ID, "actor", s.actor.ID)
}

// Wait blocks until the current poll loop, if any, exits and returns the resulting state.
func (s *Session) Wait(ctx context.Context) (State, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.State(), nil
}

func (s *Session) startCollectingLocked() {
	s.setStateLocked(StateCollecting)
	s.errMsg = ""
	s.gen++
	gen := s.gen
	s.deadline = time.Now().Add(s.opts.PollTimeout)
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	telemetry.CollectingGauge.Inc()
	go s.poll(ctx, gen, s.deadline, done)
}

func (s *Session) poll(ctx context.Context, gen int, deadline time.Time, done chan struct{}) {
	defer close(done)
	defer telemetry.CollectingGauge.Dec()

	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()
	next := time.NewTimer(s.opts.PollInterval)
	defer next.Stop()
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			s.finish(gen, StateTimeout, "")
			return
		case <-next.C:
		}

		start := time.Now()
		st, err := s.proc.GetSettlement(ctx, s.job.ID)
		telemetry.PaymentPollLatency.Observe(time.Since(start).Seconds())
		if ctx.Err() != nil {
			return
		}
		s.countPoll(gen)
		if err != nil {
			failures++
			telemetry.PaymentPolls.WithLabelValues("error").Inc()
			wait := backoffWithJitter(s.opts.BackoffInitial, s.opts.BackoffMax, failures)
			if wait < s.opts.PollInterval {
				wait = s.opts.PollInterval
			}
			s.logger.Warn("payment.poll.failed", "job_id", s.job.ID, "attempt", failures, "retry_in", wait, "err", err)
			next.Reset(wait)
			continue
		}
		failures = 0
		if st.Status != SettlementPaid {
			telemetry.PaymentPolls.WithLabelValues("pending").Inc()
			next.Reset(s.opts.PollInterval)
			continue
		}

		telemetry.PaymentPolls.WithLabelValues("paid").Inc()
		_, err = s.svc.RecordSettlement(ctx, s.actor, s.job.Kind, s.job.ID, jobs.Settlement{
			Reference: st.Reference,
			Amount:    st.Amount,
			Source:    "collector",
		})
		if err != nil {
			s.logger.Error("payment.settlement.failed", "job_id", s.job.ID, "err", err)
			s.finish(gen, StateError, err.Error())
			return
		}
		if s.finish(gen, StateSuccess, "") {
			s.lease.release()
		}
		return
	}
}

func (s *Session) countPoll(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.polls++
	}
}

// finish moves a still-current collecting loop to a terminal state and reports whether it did.
func (s *Session) finish(gen int, state State, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateCollecting {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(state)
	s.errMsg = msg
	telemetry.PaymentSessions.WithLabelValues(string(state)).Inc()
	s.logger.Info("payment.session.finished", "job_id", s.job.ID, "state", state, "polls", s.polls)
	return true
}
