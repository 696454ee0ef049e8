// Package store persists jobs, team members and the activity ledger. Each job kind has its own
// table; the kind is resolved to a table here and nowhere else.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

const jobColumns = `id, status, payment_status, assigned_to, scheduled_date, scheduled_time,
	customer_name, customer_email, customer_phone, address, requested_by,
	payer_name, payer_email, payer_phone, invoice_amount_cents, catalog_total_price_cents,
	report_urls, created_at, updated_at, reports_sent_at, invoice_sent_at, en_route_at,
	arrived_at, started_at, completed_at, payment_received_at, version`

func jobTable(kind models.Kind) (string, error) {
	switch kind {
	case models.KindAssessment:
		return "assessment_jobs", nil
	case models.KindInspection:
		return "inspection_jobs", nil
	}
	return "", apperr.InvalidInput("unknown job kind %q", kind)
}

// prepareEntries fills ids and timestamps for entries about to be written.
func prepareEntries(entries []models.ActivityEntry, now time.Time) []models.ActivityEntry {
	out := make([]models.ActivityEntry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		out[i] = e
	}
	return out
}

// bindEntries attaches the job identity to entries written alongside its insert.
func bindEntries(entries []models.ActivityEntry, job models.Job) []models.ActivityEntry {
	out := make([]models.ActivityEntry, len(entries))
	for i, e := range entries {
		if e.JobID == "" {
			e.JobID = job.ID
		}
		if e.JobKind == "" {
			e.JobKind = job.Kind
		}
		out[i] = e
	}
	return out
}

// prepareNewJob fills the fields owned by the store on insert.
func prepareNewJob(job models.Job, now time.Time) models.Job {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.PaymentStatus == "" {
		job.PaymentStatus = models.PaymentUnpaid
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	return job
}

func notFound(kind models.Kind, id string) error {
	return apperr.NotFound("%s job %s not found", kind, id)
}

func versionConflict(id string, expected int64) error {
	return apperr.Conflict("job %s changed since version %d; reload and retry", id, expected)
}

// normalizeRow applies the read-boundary translation of stored status names.
func normalizeRow(job *models.Job, status, payment string) error {
	s, ok := models.NormalizeStatus(status)
	if !ok {
		return fmt.Errorf("job %s has unknown status %q", job.ID, status)
	}
	job.Status = s
	job.PaymentStatus = models.PaymentStatus(payment)
	if !job.PaymentStatus.Valid() {
		return fmt.Errorf("job %s has unknown payment status %q", job.ID, payment)
	}
	return nil
}

func centsArg(c *models.Cents) any {
	if c == nil {
		return nil
	}
	return int64(*c)
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal report urls: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal report urls: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
