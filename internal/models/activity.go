package models

import (
	"time"
)

// Role is the acting identity's role, resolved at the request boundary.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleFieldTech Role = "field_tech"
	RoleHomeowner Role = "homeowner"
	RoleSystem    Role = "system"
)

// Actor is who performs an operation. It is passed explicitly into every core call.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// SystemActor attributes writes made by the payment processor callback.
var SystemActor = Actor{ID: "system", Name: "Payment processor", Role: RoleSystem}

// Ledger action names.
const (
	ActionJobCreated        = "job_created"
	ActionJobRequested      = "job_requested"
	ActionJobRescheduled    = "job_rescheduled"
	ActionJobReassigned     = "job_reassigned"
	ActionWorkStarted       = "work_started"
	ActionInvoiceSent       = "invoice_sent"
	ActionPaymentReceived   = "payment_received"
	ActionPaymentDuplicate  = "payment_duplicate"
	ActionPaymentOverridden = "payment_status_overridden"
	ActionPaymentLink       = "payment_link_created"
	ActionFieldNote         = "field_note"
	ActionCustomerUpdated   = "customer_updated"
	ActionJobDeleted        = "job_deleted"
)

// StatusAction is the ledger action recorded when a job enters s.
func StatusAction(s Status) string {
	if s == StatusRescheduled {
		return ActionJobRescheduled
	}
	return "status_" + string(s)
}

// ActivityEntry is one immutable ledger row. It carries the job kind so it can be
// rendered after the job itself is gone.
type ActivityEntry struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	JobKind   Kind           `json:"job_kind"`
	Action    string         `json:"action"`
	Summary   string         `json:"summary"`
	Actor     Actor          `json:"actor"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
