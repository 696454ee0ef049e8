// Package jobs is the application service for assessment and inspection jobs. It loads a job,
// checks ownership, runs the transition engine and persists the job row together with its
// ledger entries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/delivery"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/guard"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/ledger"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/lifecycle"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/telemetry"
)

// Datastore is the persistence surface used by the service. UpdateJob must reject the write with
// apperr.ErrConflict when the stored version differs from expectedVersion.
type Datastore interface {
	GetJob(ctx context.Context, kind models.Kind, id string) (models.Job, error)
	CreateJob(ctx context.Context, job models.Job, entries []models.ActivityEntry) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job, expectedVersion int64, entries []models.ActivityEntry) (models.Job, error)
	DeleteJob(ctx context.Context, kind models.Kind, id string, entry models.ActivityEntry) error
	CreateActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error)
	ListActivity(ctx context.Context, jobID string) ([]models.ActivityEntry, error)
	FindAssignable(ctx context.Context, kind models.Kind, email string) ([]models.TeamMember, error)
	GetMember(ctx context.Context, kind models.Kind, id string) (models.TeamMember, error)
	PutMember(ctx context.Context, m models.TeamMember) error
}

// Notifier delivers finished reports.
type Notifier interface {
	DeliverResult(ctx context.Context, job models.Job, recipients []delivery.Recipient) error
}

// settlementAttempts bounds reload-and-retry when a settlement races another writer.
const settlementAttempts = 3

type Service struct {
	store    Datastore
	guard    *guard.Guard
	ledger   *ledger.Ledger
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Datastore, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		guard:    guard.New(store),
		ledger:   ledger.New(store, logger),
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ledger exposes the activity ledger backing the service.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Get returns a job the actor may see.
func (s *Service) Get(ctx context.Context, actor models.Actor, kind models.Kind, id string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, kind, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.guard.Require(ctx, actor, job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

// NewJob is the input for creating or requesting a job.
type NewJob struct {
	Kind              models.Kind       `json:"kind"`
	Customer          models.Contact    `json:"customer"`
	Address           string            `json:"address"`
	Payer             models.Contact    `json:"payer"`
	InvoiceAmount     *models.Cents     `json:"invoice_amount_cents,omitempty"`
	CatalogTotalPrice *models.Cents     `json:"catalog_total_price_cents,omitempty"`
	ReportURLs        map[string]string `json:"report_urls,omitempty"`
}

func (n NewJob) validate() error {
	if !n.Kind.Valid() {
		return apperr.InvalidInput("unknown job kind %q", n.Kind)
	}
	var missing []string
	if strings.TrimSpace(n.Customer.Name) == "" {
		missing = append(missing, "customer.name")
	}
	if strings.TrimSpace(n.Address) == "" {
		missing = append(missing, "address")
	}
	if len(missing) > 0 {
		return apperr.MissingFields("a job needs a customer and an address", missing...)
	}
	if err := validateContact(n.Customer); err != nil {
		return err
	}
	for _, c := range []*models.Cents{n.InvoiceAmount, n.CatalogTotalPrice} {
		if c != nil && *c < 0 {
			return apperr.InvalidInput("amounts must not be negative")
		}
	}
	return nil
}

// Create adds a pending job on behalf of an admin.
func (s *Service) Create(ctx context.Context, actor models.Actor, in NewJob) (models.Job, error) {
	if actor.Role != models.RoleAdmin {
		return models.Job{}, apperr.Forbidden("only admins create jobs directly")
	}
	return s.insert(ctx, actor, in, models.ActionJobCreated, "Job created")
}

// Request records a homeowner's request for service as a pending job.
func (s *Service) Request(ctx context.Context, actor models.Actor, in NewJob) (models.Job, error) {
	switch actor.Role {
	case models.RoleHomeowner, models.RoleAdmin:
	default:
		return models.Job{}, apperr.Forbidden("role %q may not request service", actor.Role)
	}
	// homeowners never set prices or attach reports
	if actor.Role == models.RoleHomeowner {
		in.InvoiceAmount, in.CatalogTotalPrice, in.ReportURLs = nil, nil, nil
	}
	return s.insert(ctx, actor, in, models.ActionJobRequested, "Service requested")
}

func (s *Service) insert(ctx context.Context, actor models.Actor, in NewJob, action, summary string) (models.Job, error) {
	if err := in.validate(); err != nil {
		return models.Job{}, err
	}
	now := s.now()
	job := models.Job{
		Kind:              in.Kind,
		Status:            models.StatusPending,
		PaymentStatus:     models.PaymentUnpaid,
		Customer:          in.Customer,
		Address:           strings.TrimSpace(in.Address),
		RequestedBy:       actor.ID,
		Payer:             in.Payer,
		InvoiceAmount:     in.InvoiceAmount,
		CatalogTotalPrice: in.CatalogTotalPrice,
		ReportURLs:        in.ReportURLs,
	}
	entry := models.ActivityEntry{
		JobKind:   in.Kind,
		Action:    action,
		Summary:   summary,
		Actor:     actor,
		Metadata:  map[string]any{"address": job.Address, "customer": job.Customer.Name},
		CreatedAt: now,
	}
	created, err := s.store.CreateJob(ctx, job, []models.ActivityEntry{entry})
	if err != nil {
		return models.Job{}, err
	}
	entry.JobID = created.ID
	s.ledger.Observe(entry)
	s.logger.Info("job.created", "job_id", created.ID, "kind", created.Kind, "actor", actor.ID, "action", action)
	return created, nil
}

// TransitionInput is a requested lifecycle action.
type TransitionInput struct {
	Action          lifecycle.Action     `json:"action"`
	Reason          string               `json:"reason,omitempty"`
	Schedule        *lifecycle.Schedule  `json:"schedule,omitempty"`
	SendInvoice     bool                 `json:"send_invoice,omitempty"`
	PaymentStatus   models.PaymentStatus `json:"payment_status,omitempty"`
	ExpectedVersion *int64               `json:"expected_version,omitempty"`
}

// Transition applies one lifecycle action. Delivery is attempted before anything is written;
// if it fails the job is left as it was and no entry is recorded.
func (s *Service) Transition(ctx context.Context, actor models.Actor, kind models.Kind, id string, in TransitionInput) (res lifecycle.Result, err error) {
	defer func() { s.observe(in.Action, err) }()

	job, err := s.store.GetJob(ctx, kind, id)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != job.Version {
		return lifecycle.Result{}, apperr.Conflict("job %s is at version %d, not %d", job.ID, job.Version, *in.ExpectedVersion)
	}
	if err := s.guard.Require(ctx, actor, job); err != nil {
		return lifecycle.Result{}, err
	}

	req := lifecycle.Request{
		Action:        in.Action,
		Reason:        strings.TrimSpace(in.Reason),
		Schedule:      in.Schedule,
		SendInvoice:   in.SendInvoice,
		PaymentStatus: in.PaymentStatus,
		Now:           s.now(),
	}
	if in.Action == lifecycle.ActionSchedule || in.Action == lifecycle.ActionReschedule {
		if req.Assignee, err = s.resolveAssignee(ctx, job, in.Schedule); err != nil {
			return lifecycle.Result{}, err
		}
	}

	res, err = lifecycle.Apply(job, req, actor)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if in.Action == lifecycle.ActionDeliver {
		if err := s.deliver(ctx, res.Job); err != nil {
			return lifecycle.Result{}, err
		}
	}
	return s.commit(ctx, job, res)
}

// resolveAssignee looks up the member named by the schedule, or the current assignee. An unknown
// member resolves to nil and the engine reports the missing assignee.
func (s *Service) resolveAssignee(ctx context.Context, job models.Job, sched *lifecycle.Schedule) (*models.TeamMember, error) {
	id := ""
	if sched != nil {
		id = strings.TrimSpace(sched.AssigneeID)
	}
	if id == "" && job.AssignedTo != nil {
		id = *job.AssignedTo
	}
	if id == "" {
		return nil, nil
	}
	m, err := s.store.GetMember(ctx, job.Kind, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load assignee: %w", err)
	}
	return &m, nil
}

func (s *Service) deliver(ctx context.Context, job models.Job) error {
	if s.notifier == nil {
		telemetry.DeliveryFailures.Inc()
		return apperr.External("result delivery", errors.New("no notifier configured"))
	}
	recipients := delivery.Recipients(job)
	if len(recipients) == 0 {
		return apperr.MissingFields("delivery requires a customer or payer email", "customer.email")
	}
	if err := s.notifier.DeliverResult(ctx, job, recipients); err != nil {
		telemetry.DeliveryFailures.Inc()
		s.logger.Warn("job.delivery.failed", "job_id", job.ID, "err", err)
		return apperr.External("result delivery", err)
	}
	return nil
}

// commit persists res against the version it was computed from.
func (s *Service) commit(ctx context.Context, before models.Job, res lifecycle.Result) (lifecycle.Result, error) {
	if !res.Changed {
		for i, e := range res.Entries {
			written, err := s.store.CreateActivity(ctx, e)
			if err != nil {
				return lifecycle.Result{}, fmt.Errorf("record activity: %w", err)
			}
			res.Entries[i] = written
		}
		s.ledger.Observe(res.Entries...)
		return res, nil
	}
	saved, err := s.store.UpdateJob(ctx, res.Job, before.Version, res.Entries)
	if err != nil {
		return lifecycle.Result{}, err
	}
	res.Job = saved
	s.ledger.Observe(res.Entries...)
	if before.Status != saved.Status {
		s.logger.Info("job.transition", "job_id", saved.ID, "kind", saved.Kind, "from", before.Status, "to", saved.Status)
	}
	return res, nil
}

func (s *Service) observe(action lifecycle.Action, err error) {
	telemetry.Transitions.WithLabelValues(string(action), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperr.ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, apperr.ErrExternalService):
		return "external_error"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrInvalidInput):
		return "invalid_input"
	}
	return "error"
}

// OverridePayment sets the payment status to any value. Admin only; always ledgered.
func (s *Service) OverridePayment(ctx context.Context, actor models.Actor, kind models.Kind, id string, status models.PaymentStatus, reason string) (lifecycle.Result, error) {
	return s.Transition(ctx, actor, kind, id, TransitionInput{
		Action:        lifecycle.ActionOverridePayment,
		PaymentStatus: status,
		Reason:        reason,
	})
}

// Settlement is a processor-confirmed payment.
type Settlement struct {
	Reference string
	Amount    *models.Cents
	Source    string
}

// RecordSettlement applies a confirmed payment. It is idempotent: the first call completes the
// job (when on site) and marks it paid, later calls only add a duplicate entry. The payment
// collector and the processor webhook both end here.
func (s *Service) RecordSettlement(ctx context.Context, actor models.Actor, kind models.Kind, id string, st Settlement) (res lifecycle.Result, err error) {
	defer func() { s.observe(lifecycle.ActionMarkPaid, err) }()

	for attempt := 1; ; attempt++ {
		job, err := s.store.GetJob(ctx, kind, id)
		if err != nil {
			return lifecycle.Result{}, err
		}
		if actor.Role != models.RoleSystem {
			if err := s.guard.Require(ctx, actor, job); err != nil {
				return lifecycle.Result{}, err
			}
		}
		res, err := lifecycle.CompleteWithPayment(job, actor, s.now())
		if err != nil {
			return lifecycle.Result{}, err
		}
		for i := range res.Entries {
			annotateSettlement(&res.Entries[i], st)
		}
		res, err = s.commit(ctx, job, res)
		if errors.Is(err, apperr.ErrConflict) && attempt < settlementAttempts {
			s.logger.Info("job.settlement.retry", "job_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return lifecycle.Result{}, err
		}
		s.logger.Info("job.settlement.recorded", "job_id", id, "changed", res.Changed, "source", st.Source)
		return res, nil
	}
}

func annotateSettlement(e *models.ActivityEntry, st Settlement) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if st.Reference != "" {
		e.Metadata["settlement_ref"] = st.Reference
	}
	if st.Amount != nil {
		e.Metadata["settled_amount"] = st.Amount.String()
	}
	if st.Source != "" {
		e.Metadata["source"] = st.Source
	}
}

// Delete removes a job. The deletion is ledgered first, with enough detail to read later.
func (s *Service) Delete(ctx context.Context, actor models.Actor, kind models.Kind, id, reason string) error {
	if actor.Role != models.RoleAdmin {
		return apperr.Forbidden("only admins delete jobs")
	}
	job, err := s.store.GetJob(ctx, kind, id)
	if err != nil {
		return err
	}
	meta := map[string]any{
		"address":        job.Address,
		"customer":       job.Customer.Name,
		"status":         string(job.Status),
		"payment_status": string(job.PaymentStatus),
	}
	if r := strings.TrimSpace(reason); r != "" {
		meta["reason"] = r
	}
	entry := models.ActivityEntry{
		JobID:     job.ID,
		JobKind:   job.Kind,
		Action:    models.ActionJobDeleted,
		Summary:   fmt.Sprintf("Job at %s deleted", job.Address),
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: s.now(),
	}
	if err := s.store.DeleteJob(ctx, kind, id, entry); err != nil {
		return err
	}
	s.ledger.Observe(entry)
	s.logger.Info("job.deleted", "job_id", id, "kind", kind, "actor", actor.ID)
	return nil
}

// Activity returns the ledger for a job. Admins may read the history of deleted jobs.
func (s *Service) Activity(ctx context.Context, actor models.Actor, kind models.Kind, id string) ([]models.ActivityEntry, error) {
	if actor.Role != models.RoleAdmin {
		if _, err := s.Get(ctx, actor, kind, id); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, apperr.Forbidden("job %s is not visible", id)
			}
			return nil, err
		}
	}
	return s.ledger.Fetch(ctx, id)
}

// ExportActivity renders a job's ledger as XLSX. Admin only.
func (s *Service) ExportActivity(ctx context.Context, actor models.Actor, id string) ([]byte, error) {
	if actor.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("only admins export activity")
	}
	return s.ledger.Export(ctx, id)
}

// AvailableActions lists the actions actor may request on the job now.
func (s *Service) AvailableActions(ctx context.Context, actor models.Actor, kind models.Kind, id string) ([]lifecycle.Action, error) {
	job, err := s.store.GetJob(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.guard.CanAct(ctx, actor, job)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []lifecycle.Action{}, nil
	}
	actions := lifecycle.AvailableActions(job, actor)
	if actions == nil {
		actions = []lifecycle.Action{}
	}
	return actions, nil
}

// PutMember adds or updates a team member. Admin only.
func (s *Service) PutMember(ctx context.Context, actor models.Actor, m models.TeamMember) error {
	if actor.Role != models.RoleAdmin {
		return apperr.Forbidden("only admins manage team members")
	}
	var missing []string
	if strings.TrimSpace(m.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(m.Email) == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		return apperr.MissingFields("team members need an id and an email", missing...)
	}
	if !m.Kind.Valid() {
		return apperr.InvalidInput("unknown member pool %q", m.Kind)
	}
	if err := validateEmail(m.Email); err != nil {
		return err
	}
	return s.store.PutMember(ctx, m)
}
