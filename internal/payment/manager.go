package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Locker leases a name across processes. Refresh fails once the lease has lapsed or changed hands.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Refresh(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
}

// lease is one session's hold on the cross-replica collector lock. A nil lease always holds.
type lease struct {
	locker Locker
	name   string
	jobID  string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// hold renews the lease, taking it again if it lapsed. It is a Conflict only when someone else
// holds it now.
func (l *lease) hold(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		if err := l.locker.Refresh(ctx, l.name, l.token, l.ttl); err == nil {
			return nil
		}
		l.token = ""
	}
	token, ok, err := l.locker.Acquire(ctx, l.name, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("payment collection for job %s is running elsewhere", l.jobID)
	}
	l.token = token
	return nil
}

func (l *lease) release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.locker.Release(ctx, l.name, l.token); err != nil {
		l.logger.Warn("payment.lock.release_failed", "job_id", l.jobID, "err", err)
	}
	l.token = ""
}

// Manager owns the collector sessions of this process, one per job.
type Manager struct {
	svc    JobService
	proc   Processor
	locker Locker
	opts   Options
	logger *slog.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a manager. locker may be nil for a single-replica deployment.
func NewManager(svc JobService, proc Processor, locker Locker, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		svc:      svc,
		proc:     proc,
		locker:   locker,
		opts:     opts.withDefaults(),
		logger:   logger,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*Session),
	}
}

func lockName(jobID string) string {
	return "payment:collect:" + jobID
}

func (m *Manager) newLease(jobID string) *lease {
	if m.locker == nil {
		return nil
	}
	return &lease{locker: m.locker, name: lockName(jobID), jobID: jobID, ttl: m.opts.LockTTL, logger: m.logger}
}

// Start opens a session for the job. A live session held by another actor, here or on another
// replica, is a Conflict. The same actor starting again replaces their previous session.
func (m *Manager) Start(ctx context.Context, actor models.Actor, kind models.Kind, id string) (*Session, error) {
	job, err := m.svc.Get(ctx, actor, kind, id)
	if err != nil {
		return nil, err
	}
	m.prune()

	prev, err := m.detach(actor, job.ID)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		prev.Abandon()
	}

	s := newSession(m.base, m.svc, m.proc, m.opts, m.logger, actor, job)
	s.lease = m.newLease(job.ID)
	if err := s.lease.hold(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cur, ok := m.sessions[job.ID]
	if ok && cur.actor.ID != actor.ID && live(cur.State()) {
		m.mu.Unlock()
		s.lease.release()
		return nil, apperr.Conflict("payment collection for job %s is already %s", job.ID, cur.State())
	}
	m.sessions[job.ID] = s
	m.mu.Unlock()
	if ok {
		cur.Abandon()
	}

	m.logger.Info("payment.session.started", "job_id", job.ID, "actor", actor.ID)
	return s, nil
}

// detach removes the job's current session so actor can replace it.
func (m *Manager) detach(actor models.Actor, jobID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[jobID]
	if !ok {
		return nil, nil
	}
	if state := prev.State(); live(state) && prev.actor.ID != actor.ID {
		return nil, apperr.Conflict("payment collection for job %s is already %s", jobID, state)
	}
	delete(m.sessions, jobID)
	return prev, nil
}

// prune forgets sessions that stopped being live longer than the retention window ago.
func (m *Manager) prune() {
	now := time.Now()
	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.expired(now) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		s.Abandon()
	}
}

// Session returns the job's session if actor owns it. Admins may look at any session.
func (m *Manager) Session(actor models.Actor, jobID string) (*Session, error) {
	m.prune()
	m.mu.Lock()
	s, ok := m.sessions[jobID]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("no payment session for job %s", jobID)
	}
	if actor.Role != models.RoleAdmin && s.actor.ID != actor.ID {
		return nil, apperr.Forbidden("payment session for job %s belongs to another user", jobID)
	}
	return s, nil
}

// Abandon stops and forgets the job's session.
func (m *Manager) Abandon(actor models.Actor, jobID string) error {
	s, err := m.Session(actor, jobID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.sessions[jobID] == s {
		delete(m.sessions, jobID)
	}
	m.mu.Unlock()
	s.Abandon()
	return nil
}

// Shutdown stops every poll loop and releases the locks.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.stop()
	for _, s := range sessions {
		s.Abandon()
	}
}
