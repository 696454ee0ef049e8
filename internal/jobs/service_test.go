package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/delivery"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/lifecycle"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/logging"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/store"
)

var (
	admin     = models.Actor{ID: "u-admin", Name: "Avery", Email: "avery@example.com", Role: models.RoleAdmin}
	tech      = models.Actor{ID: "u-sam", Name: "Sam", Email: "sam@example.com", Role: models.RoleFieldTech}
	otherTech = models.Actor{ID: "u-robin", Name: "Robin", Email: "robin@example.com", Role: models.RoleFieldTech}
	homeowner = models.Actor{ID: "u-dana", Name: "Dana", Email: "dana@example.com", Role: models.RoleHomeowner}
)

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	calls []models.Job
}

func (f *fakeNotifier) DeliverResult(_ context.Context, job models.Job, _ []delivery.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, job)
	return f.err
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	notifier *fakeNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, m := range []models.TeamMember{
		{ID: "a-sam", Kind: models.KindAssessment, Name: "Sam", Email: "Sam@example.com", Active: true},
		{ID: "i-sam", Kind: models.KindInspection, Name: "Sam", Email: "sam@example.com", Active: true},
		{ID: "a-robin", Kind: models.KindAssessment, Name: "Robin", Email: "robin@example.com", Active: true},
	} {
		require.NoError(t, mem.PutMember(ctx, m))
	}
	n := &fakeNotifier{}
	return fixture{svc: NewService(mem, n, logging.Discard()), store: mem, notifier: n}
}

func cents(v int64) *models.Cents {
	c := models.Cents(v)
	return &c
}

func (f fixture) pending(t *testing.T, kind models.Kind) models.Job {
	t.Helper()
	job, err := f.svc.Create(context.Background(), admin, NewJob{
		Kind:     kind,
		Customer: models.Contact{Name: "Dana Ruiz", Email: "dana@example.com", Phone: "(555) 010-1234"},
		Address:  "12 Alder St",
	})
	require.NoError(t, err)
	return job
}

func (f fixture) scheduled(t *testing.T, kind models.Kind, assignee string) models.Job {
	t.Helper()
	job := f.pending(t, kind)
	res, err := f.svc.Transition(context.Background(), admin, kind, job.ID, TransitionInput{
		Action:   lifecycle.ActionSchedule,
		Schedule: &lifecycle.Schedule{Date: "2026-03-14", Time: "09:30", AssigneeID: assignee, Amount: cents(42500)},
	})
	require.NoError(t, err)
	return res.Job
}

func (f fixture) advance(t *testing.T, actor models.Actor, job models.Job, actions ...lifecycle.Action) models.Job {
	t.Helper()
	for _, a := range actions {
		res, err := f.svc.Transition(context.Background(), actor, job.Kind, job.ID, TransitionInput{Action: a})
		require.NoError(t, err, "action %s", a)
		job = res.Job
	}
	return job
}

func actions(t *testing.T, f fixture, id string) []string {
	t.Helper()
	log, err := f.store.ListActivity(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, len(log))
	for i, e := range log {
		out[i] = e.Action
	}
	return out
}

func TestSchedulingRequiresCompleteData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.pending(t, models.KindAssessment)

	_, err := f.svc.Transition(ctx, admin, job.Kind, job.ID, TransitionInput{
		Action:   lifecycle.ActionSchedule,
		Schedule: &lifecycle.Schedule{Time: "09:30", AssigneeID: "a-sam", Amount: cents(42500)},
	})
	require.ErrorIs(t, err, apperr.ErrMissingFields)
	assert.Contains(t, apperr.FieldsOf(err), "scheduled_date")

	stored, err := f.store.GetJob(ctx, job.Kind, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)

	// an inspection-pool member cannot be put on an assessment
	_, err = f.svc.Transition(ctx, admin, job.Kind, job.ID, TransitionInput{
		Action:   lifecycle.ActionSchedule,
		Schedule: &lifecycle.Schedule{Date: "2026-03-14", Time: "09:30", AssigneeID: "i-sam", Amount: cents(42500)},
	})
	assert.ErrorIs(t, err, apperr.ErrMissingFields)

	res, err := f.svc.Transition(ctx, admin, job.Kind, job.ID, TransitionInput{
		Action:   lifecycle.ActionSchedule,
		Schedule: &lifecycle.Schedule{Date: "2026-03-14", Time: "09:30", AssigneeID: "a-sam", Amount: cents(42500)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, res.Job.Status)
	assert.Equal(t, int64(2), res.Job.Version)
	assert.Equal(t, []string{models.ActionJobCreated, "status_scheduled"}, actions(t, f, job.ID))
}

func TestOwnershipOnTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.scheduled(t, models.KindInspection, "i-sam")
	_, err := f.svc.Transition(ctx, otherTech, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionEnRoute})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := f.svc.Transition(ctx, tech, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionEnRoute})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, res.Job.Status)
	assert.NotNil(t, res.Job.EnRouteAt)

	// assigned, but field techs cannot cancel
	_, err = f.svc.Transition(ctx, tech, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionCancel})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	other := f.scheduled(t, models.KindAssessment, "a-robin")
	res, err = f.svc.Transition(ctx, admin, other.Kind, other.ID, TransitionInput{Action: lifecycle.ActionEnRoute})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnRoute, res.Job.Status)
}

func TestIllegalTransitionLeavesJobAlone(t *testing.T) {
	f := newFixture(t)
	job := f.pending(t, models.KindAssessment)
	_, err := f.svc.Transition(context.Background(), admin, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionEnRoute})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	stored, err := f.store.GetJob(context.Background(), job.Kind, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, stored)
	assert.Equal(t, []string{models.ActionJobCreated}, actions(t, f, job.ID))
}

func readyForDelivery(t *testing.T, f fixture) models.Job {
	t.Helper()
	job := f.scheduled(t, models.KindAssessment, "a-sam")
	job = f.advance(t, tech, job, lifecycle.ActionEnRoute, lifecycle.ActionArrive)
	_, err := f.svc.RecordSettlement(context.Background(), tech, job.Kind, job.ID, Settlement{Source: "collector"})
	require.NoError(t, err)

	stored, err := f.store.GetJob(context.Background(), job.Kind, job.ID)
	require.NoError(t, err)
	stored.ReportURLs = map[string]string{"leaf": "https://reports.example.com/leaf.pdf"}
	_, err = f.store.UpdateJob(context.Background(), stored, stored.Version, nil)
	require.NoError(t, err)
	stored, err = f.store.GetJob(context.Background(), job.Kind, job.ID)
	require.NoError(t, err)
	return f.advance(t, admin, stored, lifecycle.ActionReportReady)
}

func TestDeliveryFailureKeepsReportReady(t *testing.T) {
	f := newFixture(t)
	job := readyForDelivery(t, f)
	before := actions(t, f, job.ID)

	f.notifier.err = errors.New("smtp relay refused")
	_, err := f.svc.Transition(context.Background(), admin, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionDeliver})
	require.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Contains(t, err.Error(), "smtp relay refused")

	stored, err := f.store.GetJob(context.Background(), job.Kind, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReportReady, stored.Status)
	assert.Nil(t, stored.ReportsSentAt)
	assert.Equal(t, before, actions(t, f, job.ID))

	f.notifier.err = nil
	res, err := f.svc.Transition(context.Background(), admin, job.Kind, job.ID, TransitionInput{Action: lifecycle.ActionDeliver})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, res.Job.Status)
	assert.Len(t, f.notifier.calls, 2)
	assert.Equal(t, "status_delivered", actions(t, f, job.ID)[len(before)])
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.scheduled(t, models.KindAssessment, "a-sam")
	job = f.advance(t, tech, job, lifecycle.ActionEnRoute, lifecycle.ActionArrive)

	first, err := f.svc.RecordSettlement(ctx, models.SystemActor, job.Kind, job.ID, Settlement{Reference: "pi_123", Source: "webhook"})
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, models.StatusFieldComplete, first.Job.Status)
	assert.Equal(t, models.PaymentPaid, first.Job.PaymentStatus)
	require.NotNil(t, first.Job.PaymentReceivedAt)

	second, err := f.svc.RecordSettlement(ctx, tech, job.Kind, job.ID, Settlement{Source: "collector"})
	require.NoError(t, err)
	assert.False(t, second.Changed)

	stored, err := f.store.GetJob(ctx, job.Kind, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Job.Version, stored.Version)
	assert.Equal(t, *first.Job.PaymentReceivedAt, *stored.PaymentReceivedAt)

	log := actions(t, f, job.ID)
	assert.Equal(t, models.ActionPaymentDuplicate, log[len(log)-1])

	entries, err := f.store.ListActivity(ctx, job.ID)
	require.NoError(t, err)
	var paid []models.ActivityEntry
	for _, e := range entries {
		if e.Action == models.ActionPaymentReceived {
			paid = append(paid, e)
		}
	}
	require.Len(t, paid, 1)
	assert.Equal(t, "pi_123", paid[0].Metadata["settlement_ref"])
}

func TestSettlementRequiresOwnership(t *testing.T) {
	f := newFixture(t)
	job := f.scheduled(t, models.KindAssessment, "a-sam")
	_, err := f.svc.RecordSettlement(context.Background(), otherTech, job.Kind, job.ID, Settlement{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestStaleVersionIsRejected(t *testing.T) {
	f := newFixture(t)
	job := f.scheduled(t, models.KindAssessment, "a-sam")
	stale := job.Version - 1
	_, err := f.svc.Transition(context.Background(), admin, job.Kind, job.ID, TransitionInput{
		Action: lifecycle.ActionCancel, ExpectedVersion: &stale,
	})
	require.ErrorIs(t, err, apperr.ErrConflict)

	current := job.Version
	res, err := f.svc.Transition(context.Background(), admin, job.Kind, job.ID, TransitionInput{
		Action: lifecycle.ActionCancel, ExpectedVersion: &current, Reason: "customer sold the house",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, res.Job.Status)
	assert.Equal(t, "customer sold the house", res.Entries[0].Metadata["reason"])
}

func TestDeleteKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.scheduled(t, models.KindInspection, "i-sam")

	require.ErrorIs(t, f.svc.Delete(ctx, tech, job.Kind, job.ID, ""), apperr.ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, admin, job.Kind, job.ID, "duplicate booking"))

	_, err := f.svc.Get(ctx, admin, job.Kind, job.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	log, err := f.svc.Activity(ctx, admin, job.Kind, job.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	last := log[2]
	assert.Equal(t, models.ActionJobDeleted, last.Action)
	assert.Equal(t, models.KindInspection, last.JobKind)
	assert.Equal(t, "duplicate booking", last.Metadata["reason"])
	assert.Equal(t, "12 Alder St", last.Metadata["address"])

	_, err = f.svc.Activity(ctx, tech, job.Kind, job.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestNotesAndCustomerEdits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.scheduled(t, models.KindAssessment, "a-sam")

	_, err := f.svc.AddNote(ctx, otherTech, job.Kind, job.ID, "dog in yard")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.AddNote(ctx, tech, job.Kind, job.ID, "   ")
	require.ErrorIs(t, err, apperr.ErrMissingFields)
	note, err := f.svc.AddNote(ctx, tech, job.Kind, job.ID, "dog in yard")
	require.NoError(t, err)
	assert.Equal(t, models.ActionFieldNote, note.Action)

	bad := "not-an-email"
	_, err = f.svc.UpdateCustomer(ctx, tech, job.Kind, job.ID, CustomerPatch{Email: &bad})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	email, phone := "dana.ruiz@example.com", "(555) 010-1234"
	saved, err := f.svc.UpdateCustomer(ctx, tech, job.Kind, job.ID, CustomerPatch{Email: &email, Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, email, saved.Customer.Email)

	entries, err := f.store.ListActivity(ctx, job.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActionCustomerUpdated, last.Action)
	changes := last.Metadata["changes"].(map[string]any)
	assert.Contains(t, changes, "email")
	assert.NotContains(t, changes, "phone")

	// unchanged values write nothing
	again, err := f.svc.UpdateCustomer(ctx, tech, job.Kind, job.ID, CustomerPatch{Email: &email})
	require.NoError(t, err)
	assert.Equal(t, saved.Version, again.Version)
	assert.Len(t, actions(t, f, job.ID), len(entries))
}

func TestRequestAndCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.Request(ctx, homeowner, NewJob{
		Kind:          models.KindInspection,
		Customer:      models.Contact{Name: "Dana", Email: "dana@example.com"},
		Address:       "9 Birch Rd",
		InvoiceAmount: cents(1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, homeowner.ID, job.RequestedBy)
	assert.Nil(t, job.InvoiceAmount)
	assert.Equal(t, []string{models.ActionJobRequested}, actions(t, f, job.ID))

	_, err = f.svc.Create(ctx, homeowner, NewJob{Kind: models.KindInspection})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.Create(ctx, admin, NewJob{Kind: models.KindInspection})
	assert.ErrorIs(t, err, apperr.ErrMissingFields)
	_, err = f.svc.Create(ctx, admin, NewJob{Kind: "survey"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestAvailableActionsFollowOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.scheduled(t, models.KindAssessment, "a-sam")

	got, err := f.svc.AvailableActions(ctx, tech, job.Kind, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []lifecycle.Action{lifecycle.ActionEnRoute}, got)

	got, err = f.svc.AvailableActions(ctx, otherTech, job.Kind, job.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.svc.AvailableActions(ctx, admin, job.Kind, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got, lifecycle.ActionCancel)
	assert.Contains(t, got, lifecycle.ActionOverridePayment)
}

func TestOverridePaymentIsLedgered(t *testing.T) {
	f := newFixture(t)
	job := f.scheduled(t, models.KindAssessment, "a-sam")
	res, err := f.svc.OverridePayment(context.Background(), admin, job.Kind, job.ID, models.PaymentPaid, "paid by check")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, res.Job.PaymentStatus)
	log := actions(t, f, job.ID)
	assert.Equal(t, models.ActionPaymentOverridden, log[len(log)-1])

	_, err = f.svc.OverridePayment(context.Background(), tech, job.Kind, job.ID, models.PaymentUnpaid, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestPutMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := models.TeamMember{ID: "a-lee", Kind: models.KindAssessment, Name: "Lee", Email: "lee@example.com", Active: true}
	require.ErrorIs(t, f.svc.PutMember(ctx, tech, m), apperr.ErrForbidden)
	require.NoError(t, f.svc.PutMember(ctx, admin, m))
	bad := m
	bad.Email = ""
	assert.ErrorIs(t, f.svc.PutMember(ctx, admin, bad), apperr.ErrMissingFields)
}
