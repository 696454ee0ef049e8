// Package ledger is the append-only activity history for jobs. Entries are self-contained and
// outlive the job they describe.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/export"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/telemetry"
)

// Store is the datastore surface the ledger needs.
type Store interface {
	CreateActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error)
	ListActivity(ctx context.Context, jobID string) ([]models.ActivityEntry, error)
}

type Ledger struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Append writes one entry and waits for the store to acknowledge it. A failed write is returned
// so the calling operation fails with it.
func (l *Ledger) Append(ctx context.Context, jobID string, kind models.Kind, action, summary string, actor models.Actor, metadata map[string]any) (models.ActivityEntry, error) {
	var missing []string
	if strings.TrimSpace(jobID) == "" {
		missing = append(missing, "job_id")
	}
	if strings.TrimSpace(action) == "" {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		return models.ActivityEntry{}, apperr.MissingFields("activity entry is incomplete", missing...)
	}
	if !kind.Valid() {
		return models.ActivityEntry{}, apperr.InvalidInput("unknown job kind %q", kind)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	entry, err := l.store.CreateActivity(ctx, models.ActivityEntry{
		JobID:    jobID,
		JobKind:  kind,
		Action:   action,
		Summary:  summary,
		Actor:    actor,
		Metadata: metadata,
	})
	if err != nil {
		l.logger.Error("ledger.append.failed", "job_id", jobID, "action", action, "err", err)
		return models.ActivityEntry{}, fmt.Errorf("append activity: %w", err)
	}
	l.Observe(entry)
	return entry, nil
}

// Observe counts entries that were written as part of a job transaction.
func (l *Ledger) Observe(entries ...models.ActivityEntry) {
	for _, e := range entries {
		telemetry.LedgerEntries.WithLabelValues(e.Action).Inc()
		l.logger.Debug("ledger.entry", "job_id", e.JobID, "kind", e.JobKind, "action", e.Action, "actor", e.Actor.ID)
	}
}

// Fetch returns the entries for jobID, oldest first.
func (l *Ledger) Fetch(ctx context.Context, jobID string) ([]models.ActivityEntry, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, apperr.MissingFields("job id is required", "job_id")
	}
	entries, err := l.store.ListActivity(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return entries, nil
}

// Export renders the ledger for jobID as an XLSX workbook.
func (l *Ledger) Export(ctx context.Context, jobID string) ([]byte, error) {
	entries, err := l.Fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	raw, err := export.LedgerXLSX(entries)
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger.export.ok", "job_id", jobID, "rows", len(entries))
	return raw, nil
}
