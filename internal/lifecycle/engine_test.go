package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

var (
	admin = models.Actor{ID: "u-admin", Name: "Dana Admin", Email: "dana@example.com", Role: models.RoleAdmin}
	tech  = models.Actor{ID: "u-tech", Name: "Sam Tech", Email: "sam@example.com", Role: models.RoleFieldTech}
	owner = models.Actor{ID: "u-home", Name: "Pat Owner", Email: "pat@example.com", Role: models.RoleHomeowner}

	memberSam = &models.TeamMember{ID: "m-sam", Kind: models.KindAssessment, Name: "Sam Tech", Email: "sam@example.com", Active: true}
	memberLee = &models.TeamMember{ID: "m-lee", Kind: models.KindAssessment, Name: "Lee Tech", Email: "lee@example.com", Active: true}

	now = time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)
)

func strPtr(s string) *string { return &s }

func cents(v int64) *models.Cents {
	c := models.Cents(v)
	return &c
}

// readyJob has every field any transition could require.
func readyJob(status models.Status) models.Job {
	return models.Job{
		ID:            "job-1",
		Kind:          models.KindAssessment,
		Status:        status,
		PaymentStatus: models.PaymentPaid,
		AssignedTo:    strPtr(memberSam.ID),
		ScheduledDate: strPtr("2026-03-10"),
		ScheduledTime: strPtr("09:30"),
		InvoiceAmount: cents(25000),
		ReportURLs:    map[string]string{"energy": "reports/job-1/energy.pdf"},
		Version:       3,
	}
}

func TestApply_RejectsEveryPairOutsideTable(t *testing.T) {
	for _, status := range models.Statuses {
		for action, target := range actionTargets {
			if CanTransition(status, target) {
				continue
			}
			job := readyJob(status)
			before := job.Clone()
			_, err := Apply(job, Request{Action: action, Assignee: memberSam, Now: now}, admin)
			require.Error(t, err, "%s via %s", status, action)
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "%s via %s", status, action)
			assert.Equal(t, before, job, "job must be untouched")
		}
	}
}

func TestApply_EveryTableEdgeWritesOneEntry(t *testing.T) {
	for _, status := range models.Statuses {
		for _, target := range Allowed(status) {
			action := targetActions[target]
			t.Run(string(status)+"->"+string(target), func(t *testing.T) {
				res, err := Apply(readyJob(status), Request{Action: action, Assignee: memberSam, Now: now}, admin)
				require.NoError(t, err)
				assert.True(t, res.Changed)
				assert.Equal(t, target, res.Job.Status)
				require.Len(t, res.Entries, 1)
				assert.Equal(t, models.StatusAction(target), res.Entries[0].Action)
				assert.Equal(t, "job-1", res.Entries[0].JobID)
				assert.Equal(t, models.KindAssessment, res.Entries[0].JobKind)
				assert.Equal(t, now, res.Entries[0].CreatedAt)
			})
		}
	}
}

func TestAllowed_ArchivedIsTerminal(t *testing.T) {
	assert.Empty(t, Allowed(models.StatusArchived))
	assert.Equal(t, []models.Status{models.StatusScheduled, models.StatusCancelled}, Allowed(models.StatusPending))
}

func TestApply_ScheduleFromPending(t *testing.T) {
	job := models.Job{ID: "job-2", Kind: models.KindAssessment, Status: models.StatusPending, PaymentStatus: models.PaymentUnpaid}

	_, err := Apply(job, Request{Action: ActionSchedule, Now: now}, admin)
	require.ErrorIs(t, err, apperr.ErrMissingFields)
	assert.ElementsMatch(t, []string{"scheduled_date", "scheduled_time", "assigned_to", "invoice_amount"}, apperr.FieldsOf(err))

	res, err := Apply(job, Request{
		Action:   ActionSchedule,
		Schedule: &Schedule{Date: "2026-03-10", Time: "09:30", AssigneeID: memberSam.ID, Amount: cents(18000)},
		Assignee: memberSam,
		Now:      now,
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, res.Job.Status)
	assert.Equal(t, "2026-03-10", *res.Job.ScheduledDate)
	assert.Equal(t, "09:30", *res.Job.ScheduledTime)
	assert.Equal(t, memberSam.ID, *res.Job.AssignedTo)
	assert.Equal(t, models.Cents(18000), *res.Job.InvoiceAmount)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "status_scheduled", res.Entries[0].Action)
	assert.Equal(t, models.StatusPending, job.Status)
}

func TestApply_ScheduleRejectsAssigneeFromOtherPool(t *testing.T) {
	inspector := &models.TeamMember{ID: "m-insp", Kind: models.KindInspection, Name: "Ina", Active: true}
	job := models.Job{ID: "job-3", Kind: models.KindAssessment, Status: models.StatusPending}

	_, err := Apply(job, Request{
		Action:   ActionSchedule,
		Schedule: &Schedule{Date: "2026-03-10", Time: "09:30", Amount: cents(0)},
		Assignee: inspector,
		Now:      now,
	}, admin)
	require.ErrorIs(t, err, apperr.ErrMissingFields)
	assert.Equal(t, []string{"assigned_to"}, apperr.FieldsOf(err))
}

func TestApply_ScheduleValidatesFormats(t *testing.T) {
	job := models.Job{ID: "job-3", Kind: models.KindAssessment, Status: models.StatusPending}
	_, err := Apply(job, Request{
		Action:   ActionSchedule,
		Schedule: &Schedule{Date: "03/10/2026", Time: "09:30", Amount: cents(100)},
		Assignee: memberSam,
	}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestApply_RescheduleWithNewAssigneeEmitsReassignment(t *testing.T) {
	job := readyJob(models.StatusScheduled)
	res, err := Apply(job, Request{
		Action:   ActionReschedule,
		Reason:   "homeowner asked for Friday",
		Schedule: &Schedule{Date: "2026-03-13", Time: "13:00", AssigneeID: memberLee.ID},
		Assignee: memberLee,
		Now:      now,
	}, admin)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, models.ActionJobRescheduled, res.Entries[0].Action)
	assert.Equal(t, "homeowner asked for Friday", res.Entries[0].Metadata["reason"])
	assert.Equal(t, models.ActionJobReassigned, res.Entries[1].Action)
	assert.Equal(t, memberSam.ID, res.Entries[1].Metadata["previous_assignee"])
	assert.Equal(t, memberLee.ID, res.Entries[1].Metadata["new_assignee"])
	assert.Equal(t, models.StatusRescheduled, res.Job.Status)
	assert.Equal(t, models.Cents(25000), *res.Job.InvoiceAmount)
}

func TestApply_RescheduleAssigningUnassignedJobEmitsReassignment(t *testing.T) {
	job := readyJob(models.StatusCancelled)
	job.AssignedTo = nil
	res, err := Apply(job, Request{Action: ActionReschedule, Assignee: memberLee, Now: now}, admin)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, models.ActionJobRescheduled, res.Entries[0].Action)
	assert.Equal(t, models.ActionJobReassigned, res.Entries[1].Action)
	assert.Nil(t, res.Entries[1].Metadata["previous_assignee"])
	assert.Equal(t, memberLee.ID, res.Entries[1].Metadata["new_assignee"])
	assert.Equal(t, memberLee.ID, *res.Job.AssignedTo)
}

func TestApply_FirstScheduleIsNotAReassignment(t *testing.T) {
	job := models.Job{ID: "job-4", Kind: models.KindAssessment, Status: models.StatusPending}
	res, err := Apply(job, Request{
		Action:   ActionSchedule,
		Schedule: &Schedule{Date: "2026-03-10", Time: "09:30", Amount: cents(100)},
		Assignee: memberSam,
		Now:      now,
	}, admin)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, models.StatusAction(models.StatusScheduled), res.Entries[0].Action)
}

func TestApply_RescheduleSameAssigneeSingleEntry(t *testing.T) {
	job := readyJob(models.StatusDelivered)
	job.EnRouteAt = &now
	res, err := Apply(job, Request{Action: ActionReschedule, Schedule: &Schedule{Date: "2026-04-01"}, Assignee: memberSam, Now: now}, admin)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Nil(t, res.Job.EnRouteAt)
	assert.Equal(t, "2026-04-01", *res.Job.ScheduledDate)
}

func TestApply_RolePermissions(t *testing.T) {
	tests := []struct {
		name    string
		status  models.Status
		action  Action
		actor   models.Actor
		wantErr error
	}{
		{name: "tech en route", status: models.StatusScheduled, action: ActionEnRoute, actor: tech},
		{name: "tech arrives", status: models.StatusEnRoute, action: ActionArrive, actor: tech},
		{name: "tech cannot cancel", status: models.StatusScheduled, action: ActionCancel, actor: tech, wantErr: apperr.ErrForbidden},
		{name: "tech cannot complete directly", status: models.StatusOnSite, action: ActionFieldComplete, actor: tech, wantErr: apperr.ErrForbidden},
		{name: "tech cannot mark paid", status: models.StatusOnSite, action: ActionMarkPaid, actor: tech, wantErr: apperr.ErrForbidden},
		{name: "homeowner cannot schedule", status: models.StatusPending, action: ActionSchedule, actor: owner, wantErr: apperr.ErrForbidden},
		{name: "illegal edge wins over role", status: models.StatusPending, action: ActionEnRoute, actor: tech, wantErr: apperr.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(readyJob(tt.status), Request{Action: tt.action, Now: now}, tt.actor)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApply_FieldTimestamps(t *testing.T) {
	res, err := Apply(readyJob(models.StatusScheduled), Request{Action: ActionEnRoute, Now: now}, tech)
	require.NoError(t, err)
	require.NotNil(t, res.Job.EnRouteAt)
	assert.Equal(t, "status_en_route", res.Entries[0].Action)

	later := now.Add(20 * time.Minute)
	res, err = Apply(res.Job, Request{Action: ActionArrive, Now: later}, tech)
	require.NoError(t, err)
	assert.Equal(t, later, *res.Job.ArrivedAt)

	res, err = Apply(res.Job, Request{Action: ActionStartWork, Now: later}, tech)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnSite, res.Job.Status)
	assert.Equal(t, later, *res.Job.StartedAt)
	assert.Equal(t, models.ActionWorkStarted, res.Entries[0].Action)

	_, err = Apply(res.Job, Request{Action: ActionStartWork, Now: later}, tech)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestApply_DeliveryRequiresPaidOrInvoiced(t *testing.T) {
	job := readyJob(models.StatusReportReady)
	job.PaymentStatus = models.PaymentUnpaid

	_, err := Apply(job, Request{Action: ActionDeliver, Now: now}, admin)
	require.ErrorIs(t, err, apperr.ErrMissingFields)
	assert.Equal(t, []string{"payment_status"}, apperr.FieldsOf(err))

	res, err := Apply(job, Request{Action: ActionDeliver, SendInvoice: true, Now: now}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, res.Job.Status)
	assert.Equal(t, models.PaymentInvoiced, res.Job.PaymentStatus)
	assert.Equal(t, now, *res.Job.InvoiceSentAt)
	assert.Equal(t, now, *res.Job.ReportsSentAt)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "status_delivered", res.Entries[0].Action)
	assert.Equal(t, models.ActionInvoiceSent, res.Entries[1].Action)

	job.ReportURLs = nil
	_, err = Apply(job, Request{Action: ActionDeliver, SendInvoice: true, Now: now}, admin)
	assert.ErrorIs(t, err, apperr.ErrMissingFields)
}

func TestApply_PaymentAxis(t *testing.T) {
	job := readyJob(models.StatusScheduled)
	job.PaymentStatus = models.PaymentUnpaid

	res, err := Apply(job, Request{Action: ActionSendInvoice, Now: now}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentInvoiced, res.Job.PaymentStatus)

	_, err = Apply(res.Job, Request{Action: ActionSendInvoice, Now: now}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	paid, err := Apply(res.Job, Request{Action: ActionMarkPaid, Now: now}, admin)
	require.NoError(t, err)
	assert.True(t, paid.Changed)
	assert.Equal(t, models.PaymentPaid, paid.Job.PaymentStatus)
	assert.Equal(t, models.ActionPaymentReceived, paid.Entries[0].Action)

	again, err := Apply(paid.Job, Request{Action: ActionMarkPaid, Now: now.Add(time.Second)}, models.SystemActor)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, paid.Job, again.Job)
	require.Len(t, again.Entries, 1)
	assert.Equal(t, models.ActionPaymentDuplicate, again.Entries[0].Action)
}

func TestApply_OverridePaymentIsAdminOnly(t *testing.T) {
	job := readyJob(models.StatusDelivered)

	_, err := Apply(job, Request{Action: ActionOverridePayment, PaymentStatus: models.PaymentUnpaid}, models.SystemActor)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := Apply(job, Request{Action: ActionOverridePayment, PaymentStatus: models.PaymentUnpaid, Reason: "chargeback", Now: now}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentUnpaid, res.Job.PaymentStatus)
	assert.Equal(t, "paid", res.Entries[0].Metadata["from"])
	assert.Equal(t, "chargeback", res.Entries[0].Metadata["reason"])

	_, err = Apply(job, Request{Action: ActionOverridePayment, PaymentStatus: "refunded"}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestCompleteWithPayment(t *testing.T) {
	job := readyJob(models.StatusOnSite)
	job.PaymentStatus = models.PaymentUnpaid

	res, err := CompleteWithPayment(job, tech, now)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusFieldComplete, res.Job.Status)
	assert.Equal(t, models.PaymentPaid, res.Job.PaymentStatus)
	assert.Equal(t, now, *res.Job.PaymentReceivedAt)
	assert.Equal(t, now, *res.Job.CompletedAt)
	require.Len(t, res.Entries, 2)

	again, err := CompleteWithPayment(res.Job, models.SystemActor, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, res.Job, again.Job)

	_, err = CompleteWithPayment(job, owner, now)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCompleteWithPayment_PrepaidJobOnlyCompletes(t *testing.T) {
	res, err := CompleteWithPayment(readyJob(models.StatusOnSite), tech, now)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, models.StatusFieldComplete, res.Job.Status)
}

func TestAvailableActions(t *testing.T) {
	job := readyJob(models.StatusScheduled)
	job.PaymentStatus = models.PaymentUnpaid

	assert.Equal(t, []Action{ActionEnRoute}, AvailableActions(job, tech))
	assert.Equal(t, []Action{
		ActionReschedule, ActionEnRoute, ActionCancel,
		ActionSendInvoice, ActionMarkPaid, ActionOverridePayment,
	}, AvailableActions(job, admin))
	assert.Empty(t, AvailableActions(job, owner))

	onSite := readyJob(models.StatusOnSite)
	assert.Equal(t, []Action{ActionStartWork}, AvailableActions(onSite, tech))
}

func TestApply_PaymentNeverRegresses(t *testing.T) {
	paid := readyJob(models.StatusReportReady)

	_, err := Apply(paid, Request{Action: ActionSendInvoice, Now: now}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	res, err := Apply(paid, Request{Action: ActionDeliver, SendInvoice: true, Now: now}, admin)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, res.Job.PaymentStatus)
	assert.Nil(t, res.Job.InvoiceSentAt)
	require.Len(t, res.Entries, 1)

	res, err = Apply(paid, Request{Action: ActionMarkPaid, Now: now}, admin)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, models.ActionPaymentDuplicate, res.Entries[0].Action)

	invoiced := readyJob(models.StatusReportReady)
	invoiced.PaymentStatus = models.PaymentInvoiced
	_, err = Apply(invoiced, Request{Action: ActionSendInvoice, Now: now}, admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}
