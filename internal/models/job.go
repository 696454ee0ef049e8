package models

import (
	"time"
)

// Kind tags which backing collection a job lives in. Both kinds share one lifecycle.
type Kind string

const (
	KindAssessment Kind = "assessment"
	KindInspection Kind = "inspection"
)

// Kinds lists every job kind in lookup order.
var Kinds = []Kind{KindAssessment, KindInspection}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAssessment || k == KindInspection
}

// Status enumerates lifecycle states persisted in the job tables.
type Status string

const (
	StatusPending       Status = "pending"
	StatusScheduled     Status = "scheduled"
	StatusRescheduled   Status = "rescheduled"
	StatusEnRoute       Status = "en_route"
	StatusOnSite        Status = "on_site"
	StatusFieldComplete Status = "field_complete"
	StatusReportReady   Status = "report_ready"
	StatusDelivered     Status = "delivered"
	StatusCancelled     Status = "cancelled"
	StatusArchived      Status = "archived"
)

// Statuses lists every status the engine may write.
var Statuses = []Status{
	StatusPending, StatusScheduled, StatusRescheduled, StatusEnRoute, StatusOnSite,
	StatusFieldComplete, StatusReportReady, StatusDelivered, StatusCancelled, StatusArchived,
}

// legacyStatuses maps names still found in older rows onto the modern states.
var legacyStatuses = map[string]Status{
	"in_progress": StatusOnSite,
	"completed":   StatusDelivered,
	"confirmed":   StatusScheduled,
}

// NormalizeStatus translates a stored status, including legacy aliases, to a modern Status.
// It is applied when rows are read; nothing ever writes a legacy name back.
func NormalizeStatus(raw string) (Status, bool) {
	if s, ok := legacyStatuses[raw]; ok {
		return s, true
	}
	for _, s := range Statuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// PaymentStatus is the payment axis, independent of Status.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentInvoiced PaymentStatus = "invoiced"
	PaymentPaid     PaymentStatus = "paid"
)

// Rank orders payment states; a normal write never lowers it.
func (p PaymentStatus) Rank() int {
	switch p {
	case PaymentInvoiced:
		return 1
	case PaymentPaid:
		return 2
	default:
		return 0
	}
}

// Valid reports whether p is a known payment status.
func (p PaymentStatus) Valid() bool {
	return p == PaymentUnpaid || p == PaymentInvoiced || p == PaymentPaid
}

// Contact is a name/email/phone triple.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Job is the unified record for assessments and inspections.
type Job struct {
	ID                string            `json:"id"`
	Kind              Kind              `json:"kind"`
	Status            Status            `json:"status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	AssignedTo        *string           `json:"assigned_to,omitempty"`
	ScheduledDate     *string           `json:"scheduled_date,omitempty"`
	ScheduledTime     *string           `json:"scheduled_time,omitempty"`
	Customer          Contact           `json:"customer"`
	Address           string            `json:"address,omitempty"`
	RequestedBy       string            `json:"requested_by,omitempty"`
	Payer             Contact           `json:"payer"`
	InvoiceAmount     *Cents            `json:"invoice_amount_cents,omitempty"`
	CatalogTotalPrice *Cents            `json:"catalog_total_price_cents,omitempty"`
	ReportURLs        map[string]string `json:"report_urls,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ReportsSentAt     *time.Time        `json:"reports_sent_at,omitempty"`
	InvoiceSentAt     *time.Time        `json:"invoice_sent_at,omitempty"`
	EnRouteAt         *time.Time        `json:"en_route_at,omitempty"`
	ArrivedAt         *time.Time        `json:"arrived_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	PaymentReceivedAt *time.Time        `json:"payment_received_at,omitempty"`
	Version           int64             `json:"version"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.ReportURLs != nil {
		out.ReportURLs = make(map[string]string, len(j.ReportURLs))
		for k, v := range j.ReportURLs {
			out.ReportURLs[k] = v
		}
	}
	return out
}

// AmountDue is the invoice amount, falling back to the catalog total.
func (j Job) AmountDue() (Cents, bool) {
	if j.InvoiceAmount != nil {
		return *j.InvoiceAmount, true
	}
	if j.CatalogTotalPrice != nil {
		return *j.CatalogTotalPrice, true
	}
	return 0, false
}

// TeamMember is a technician in one kind's member pool.
type TeamMember struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Active bool   `json:"active"`
}
