// Package lifecycle is the job transition engine: it validates a requested action against the
// legal-transition graph and the actor's role and computes the next job state together with the
// ledger entries that describe it. It performs no I/O.
package lifecycle

import (
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Action is a requested mutation of a job.
type Action string

const (
	ActionSchedule        Action = "schedule"
	ActionReschedule      Action = "reschedule"
	ActionEnRoute         Action = "en_route"
	ActionArrive          Action = "arrive"
	ActionStartWork       Action = "start_work"
	ActionFieldComplete   Action = "field_complete"
	ActionReportReady     Action = "report_ready"
	ActionDeliver         Action = "deliver"
	ActionCancel          Action = "cancel"
	ActionArchive         Action = "archive"
	ActionSendInvoice     Action = "send_invoice"
	ActionMarkPaid        Action = "mark_paid"
	ActionOverridePayment Action = "override_payment"
)

// transitions is the legal-transition graph, ordered by UI priority.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:       {models.StatusScheduled, models.StatusCancelled},
	models.StatusScheduled:     {models.StatusRescheduled, models.StatusEnRoute, models.StatusCancelled},
	models.StatusRescheduled:   {models.StatusRescheduled, models.StatusEnRoute, models.StatusCancelled},
	models.StatusEnRoute:       {models.StatusOnSite, models.StatusCancelled},
	models.StatusOnSite:        {models.StatusFieldComplete, models.StatusCancelled},
	models.StatusFieldComplete: {models.StatusReportReady, models.StatusCancelled},
	models.StatusReportReady:   {models.StatusDelivered, models.StatusCancelled},
	models.StatusDelivered:     {models.StatusRescheduled, models.StatusArchived},
	models.StatusCancelled:     {models.StatusRescheduled, models.StatusArchived},
	models.StatusArchived:      nil,
}

// actionTargets maps status-changing actions to the state they enter.
var actionTargets = map[Action]models.Status{
	ActionSchedule:      models.StatusScheduled,
	ActionReschedule:    models.StatusRescheduled,
	ActionEnRoute:       models.StatusEnRoute,
	ActionArrive:        models.StatusOnSite,
	ActionFieldComplete: models.StatusFieldComplete,
	ActionReportReady:   models.StatusReportReady,
	ActionDeliver:       models.StatusDelivered,
	ActionCancel:        models.StatusCancelled,
	ActionArchive:       models.StatusArchived,
}

var targetActions = func() map[models.Status]Action {
	out := make(map[models.Status]Action, len(actionTargets))
	for a, s := range actionTargets {
		out[s] = a
	}
	return out
}()

// Target returns the status an action enters, if it changes status at all.
func Target(a Action) (models.Status, bool) {
	s, ok := actionTargets[a]
	return s, ok
}

// Allowed returns the states reachable from s, in UI priority order.
func Allowed(s models.Status) []models.Status {
	next := transitions[s]
	out := make([]models.Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Field techs drive only the on-site portion of the workflow. Completion is reached through
// the payment collector, never through a direct action.
var fieldTechActions = map[Action]bool{
	ActionEnRoute:   true,
	ActionArrive:    true,
	ActionStartWork: true,
}

// Permitted reports whether role may request action at all. Ownership is checked separately.
func Permitted(role models.Role, a Action) bool {
	switch role {
	case models.RoleAdmin:
		return true
	case models.RoleFieldTech:
		return fieldTechActions[a]
	case models.RoleSystem:
		return a == ActionMarkPaid
	default:
		return false
	}
}

// AvailableActions lists what actor may request on job right now, in UI priority order.
func AvailableActions(job models.Job, actor models.Actor) []Action {
	var out []Action
	add := func(a Action) {
		if Permitted(actor.Role, a) {
			out = append(out, a)
		}
	}
	for _, next := range transitions[job.Status] {
		add(targetActions[next])
	}
	if job.Status == models.StatusOnSite && job.StartedAt == nil {
		add(ActionStartWork)
	}
	switch job.PaymentStatus {
	case models.PaymentUnpaid:
		add(ActionSendInvoice)
		add(ActionMarkPaid)
	case models.PaymentInvoiced:
		add(ActionMarkPaid)
	}
	add(ActionOverridePayment)
	return out
}
