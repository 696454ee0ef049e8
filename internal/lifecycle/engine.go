package lifecycle

import (
	"fmt"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Schedule carries the scheduling inputs for schedule/reschedule. Empty fields fall back to the
// values already on the job.
type Schedule struct {
	Date       string        `json:"date"`
	Time       string        `json:"time"`
	AssigneeID string        `json:"assignee_id"`
	Amount     *models.Cents `json:"amount_cents"`
}

// Request is one call into the engine.
type Request struct {
	Action   Action
	Reason   string
	Schedule *Schedule
	// Assignee is the resolved team member for the schedule, looked up by the caller.
	Assignee *models.TeamMember
	// SendInvoice lets an unpaid job be delivered by invoicing it in the same step.
	SendInvoice   bool
	PaymentStatus models.PaymentStatus
	Now           time.Time
}

// Result is the next job state and the ledger entries describing the change. The caller persists
// both atomically. Changed is false when the job row must not be written.
type Result struct {
	Job     models.Job
	Entries []models.ActivityEntry
	Changed bool
}

// Apply validates req against job and actor and computes the next state. The input job is never
// modified.
func Apply(job models.Job, req Request, actor models.Actor) (Result, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	switch req.Action {
	case ActionSendInvoice, ActionMarkPaid, ActionOverridePayment:
		if !Permitted(actor.Role, req.Action) {
			return Result{}, apperr.Forbidden("role %q may not %s", actor.Role, req.Action)
		}
		return applyPayment(job, req, actor)
	case ActionStartWork:
		if job.Status != models.StatusOnSite {
			return Result{}, apperr.InvalidTransition("cannot start work while %s", job.Status)
		}
		if job.StartedAt != nil {
			return Result{}, apperr.InvalidTransition("work already started")
		}
		if !Permitted(actor.Role, req.Action) {
			return Result{}, apperr.Forbidden("role %q may not %s", actor.Role, req.Action)
		}
		next := job.Clone()
		next.StartedAt = timePtr(req.Now)
		e := newEntry(job, models.ActionWorkStarted, "Work started on site", actor, req.Now, withReason(nil, req.Reason))
		return Result{Job: next, Entries: []models.ActivityEntry{e}, Changed: true}, nil
	}

	target, ok := actionTargets[req.Action]
	if !ok {
		return Result{}, apperr.InvalidInput("unknown action %q", req.Action)
	}
	if !CanTransition(job.Status, target) {
		return Result{}, apperr.InvalidTransition("%s -> %s is not allowed", job.Status, target)
	}
	if !Permitted(actor.Role, req.Action) {
		return Result{}, apperr.Forbidden("role %q may not %s", actor.Role, req.Action)
	}

	next := job.Clone()
	next.Status = target
	meta := withReason(map[string]any{"from": string(job.Status), "to": string(target)}, req.Reason)
	var extra []models.ActivityEntry

	switch target {
	case models.StatusScheduled, models.StatusRescheduled:
		reassigned, err := applySchedule(&next, job, req)
		if err != nil {
			return Result{}, err
		}
		meta["scheduled_date"] = *next.ScheduledDate
		meta["scheduled_time"] = *next.ScheduledTime
		meta["assigned_to"] = *next.AssignedTo
		if target == models.StatusRescheduled {
			next.EnRouteAt, next.ArrivedAt, next.StartedAt = nil, nil, nil
		}
		// a first assignment on schedule is part of scheduling; on reschedule any change counts
		if reassigned && (job.AssignedTo != nil || target == models.StatusRescheduled) {
			var previous any
			if job.AssignedTo != nil {
				previous = *job.AssignedTo
			}
			extra = append(extra, newEntry(job, models.ActionJobReassigned,
				fmt.Sprintf("Reassigned to %s", req.Assignee.Name), actor, req.Now, map[string]any{
					"previous_assignee": previous,
					"new_assignee":      req.Assignee.ID,
				}))
		}
	case models.StatusEnRoute:
		next.EnRouteAt = timePtr(req.Now)
	case models.StatusOnSite:
		next.ArrivedAt = timePtr(req.Now)
	case models.StatusFieldComplete:
		next.CompletedAt = timePtr(req.Now)
	case models.StatusDelivered:
		invoiced, err := applyDelivery(&next, job, req)
		if err != nil {
			return Result{}, err
		}
		if invoiced {
			extra = append(extra, newEntry(job, models.ActionInvoiceSent, "Invoice sent with report delivery",
				actor, req.Now, map[string]any{"amount": amountString(next)}))
		}
	}

	entries := make([]models.ActivityEntry, 0, 1+len(extra))
	entries = append(entries, newEntry(job, models.StatusAction(target), statusSummary(target), actor, req.Now, meta))
	entries = append(entries, extra...)
	return Result{Job: next, Entries: entries, Changed: true}, nil
}

// applySchedule merges the schedule into next and reports whether the assignee changed.
func applySchedule(next *models.Job, job models.Job, req Request) (bool, error) {
	s := Schedule{}
	if req.Schedule != nil {
		s = *req.Schedule
	}
	date := pick(s.Date, job.ScheduledDate)
	clock := pick(s.Time, job.ScheduledTime)
	amount := job.InvoiceAmount
	if s.Amount != nil {
		amount = s.Amount
	}

	var missing []string
	if date == "" {
		missing = append(missing, "scheduled_date")
	}
	if clock == "" {
		missing = append(missing, "scheduled_time")
	}
	if req.Assignee == nil || req.Assignee.Kind != job.Kind || !req.Assignee.Active {
		missing = append(missing, "assigned_to")
	}
	if amount == nil || *amount < 0 {
		missing = append(missing, "invoice_amount")
	}
	if len(missing) > 0 {
		return false, apperr.MissingFields("scheduling requires date, time, an assignee from the "+string(job.Kind)+" pool and a non-negative amount", missing...)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return false, apperr.InvalidInput("scheduled_date %q must be YYYY-MM-DD", date)
	}
	if _, err := time.Parse(timeLayout, clock); err != nil {
		return false, apperr.InvalidInput("scheduled_time %q must be HH:MM", clock)
	}

	next.ScheduledDate = &date
	next.ScheduledTime = &clock
	a := *amount
	next.InvoiceAmount = &a
	assignee := req.Assignee.ID
	next.AssignedTo = &assignee
	return job.AssignedTo == nil || *job.AssignedTo != assignee, nil
}

// applyDelivery enforces the paid-or-invoiced branch and reports whether an invoice was sent.
func applyDelivery(next *models.Job, job models.Job, req Request) (bool, error) {
	if len(job.ReportURLs) == 0 {
		return false, apperr.MissingFields("delivery requires at least one report", "report_urls")
	}
	next.ReportsSentAt = timePtr(req.Now)
	if job.PaymentStatus.Rank() >= models.PaymentInvoiced.Rank() {
		return false, nil
	}
	if !req.SendInvoice {
		return false, apperr.MissingFields("delivery requires the job to be paid or invoiced", "payment_status")
	}
	if _, ok := job.AmountDue(); !ok {
		return false, apperr.MissingFields("invoicing requires an amount", "invoice_amount")
	}
	next.PaymentStatus = models.PaymentInvoiced
	next.InvoiceSentAt = timePtr(req.Now)
	return true, nil
}

func applyPayment(job models.Job, req Request, actor models.Actor) (Result, error) {
	next := job.Clone()
	switch req.Action {
	case ActionSendInvoice:
		if job.PaymentStatus.Rank() >= models.PaymentInvoiced.Rank() {
			return Result{}, apperr.InvalidTransition("cannot invoice a job that is %s", job.PaymentStatus)
		}
		if _, ok := job.AmountDue(); !ok {
			return Result{}, apperr.MissingFields("invoicing requires an amount", "invoice_amount")
		}
		next.PaymentStatus = models.PaymentInvoiced
		next.InvoiceSentAt = timePtr(req.Now)
		e := newEntry(job, models.ActionInvoiceSent, "Invoice sent", actor, req.Now,
			withReason(map[string]any{"amount": amountString(job)}, req.Reason))
		return Result{Job: next, Entries: []models.ActivityEntry{e}, Changed: true}, nil

	case ActionMarkPaid:
		return markPaid(job, actor, req.Now, req.Reason), nil

	case ActionOverridePayment:
		if !req.PaymentStatus.Valid() {
			return Result{}, apperr.InvalidInput("unknown payment status %q", req.PaymentStatus)
		}
		if req.PaymentStatus == job.PaymentStatus {
			return Result{}, apperr.InvalidInput("payment status is already %s", job.PaymentStatus)
		}
		next.PaymentStatus = req.PaymentStatus
		if req.PaymentStatus == models.PaymentPaid && next.PaymentReceivedAt == nil {
			next.PaymentReceivedAt = timePtr(req.Now)
		}
		e := newEntry(job, models.ActionPaymentOverridden,
			fmt.Sprintf("Payment status overridden to %s", req.PaymentStatus), actor, req.Now,
			withReason(map[string]any{"from": string(job.PaymentStatus), "to": string(req.PaymentStatus)}, req.Reason))
		return Result{Job: next, Entries: []models.ActivityEntry{e}, Changed: true}, nil
	}
	return Result{}, apperr.InvalidInput("unknown action %q", req.Action)
}

// markPaid advances the payment axis to paid. A second call is a no-op on the job but is still
// recorded.
func markPaid(job models.Job, actor models.Actor, now time.Time, reason string) Result {
	if job.PaymentStatus.Rank() >= models.PaymentPaid.Rank() {
		e := newEntry(job, models.ActionPaymentDuplicate, "Payment already recorded", actor, now,
			withReason(map[string]any{"duplicate": true}, reason))
		return Result{Job: job.Clone(), Entries: []models.ActivityEntry{e}, Changed: false}
	}
	next := job.Clone()
	next.PaymentStatus = models.PaymentPaid
	next.PaymentReceivedAt = timePtr(now)
	e := newEntry(job, models.ActionPaymentReceived, "Payment received", actor, now,
		withReason(map[string]any{"from": string(job.PaymentStatus), "amount": amountString(job)}, reason))
	return Result{Job: next, Entries: []models.ActivityEntry{e}, Changed: true}
}

// CompleteWithPayment applies a confirmed settlement. An on-site job is completed and paid in
// one step; a job elsewhere only has its payment recorded. Repeating it after the paid write is
// a no-op on the job.
func CompleteWithPayment(job models.Job, actor models.Actor, now time.Time) (Result, error) {
	switch actor.Role {
	case models.RoleAdmin, models.RoleFieldTech, models.RoleSystem:
	default:
		return Result{}, apperr.Forbidden("role %q may not record a settlement", actor.Role)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if job.Status != models.StatusOnSite {
		return markPaid(job, actor, now, ""), nil
	}

	next := job.Clone()
	next.Status = models.StatusFieldComplete
	next.CompletedAt = timePtr(now)
	entries := []models.ActivityEntry{
		newEntry(job, models.StatusAction(models.StatusFieldComplete), statusSummary(models.StatusFieldComplete), actor, now,
			map[string]any{"from": string(job.Status), "to": string(models.StatusFieldComplete), "via": "payment"}),
	}
	if job.PaymentStatus.Rank() < models.PaymentPaid.Rank() {
		next.PaymentStatus = models.PaymentPaid
		next.PaymentReceivedAt = timePtr(now)
		entries = append(entries, newEntry(job, models.ActionPaymentReceived, "Payment received", actor, now,
			map[string]any{"from": string(job.PaymentStatus), "amount": amountString(job)}))
	}
	return Result{Job: next, Entries: entries, Changed: true}, nil
}

func newEntry(job models.Job, action, summary string, actor models.Actor, now time.Time, meta map[string]any) models.ActivityEntry {
	return models.ActivityEntry{
		JobID:     job.ID,
		JobKind:   job.Kind,
		Action:    action,
		Summary:   summary,
		Actor:     actor,
		Metadata:  meta,
		CreatedAt: now,
	}
}

func statusSummary(s models.Status) string {
	switch s {
	case models.StatusScheduled:
		return "Job scheduled"
	case models.StatusRescheduled:
		return "Job rescheduled"
	case models.StatusEnRoute:
		return "Technician en route"
	case models.StatusOnSite:
		return "Technician arrived on site"
	case models.StatusFieldComplete:
		return "Field work complete"
	case models.StatusReportReady:
		return "Report ready"
	case models.StatusDelivered:
		return "Results delivered"
	case models.StatusCancelled:
		return "Job cancelled"
	case models.StatusArchived:
		return "Job archived"
	}
	return "Status changed to " + string(s)
}

func withReason(meta map[string]any, reason string) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	if reason != "" {
		meta["reason"] = reason
	}
	return meta
}

func amountString(job models.Job) string {
	if c, ok := job.AmountDue(); ok {
		return c.String()
	}
	return ""
}

func pick(v string, fallback *string) string {
	if v != "" {
		return v
	}
	if fallback != nil {
		return *fallback
	}
	return ""
}

func timePtr(t time.Time) *time.Time {
	return &t
}
