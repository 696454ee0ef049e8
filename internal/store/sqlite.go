package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// SQLite is a single-file datastore on the pure-Go modernc driver. Timestamps are stored as
// unix nanoseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY out of the transaction paths
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("sqlite")
	if err != nil {
		return err
	}
	for i, script := range scripts {
		if _, err := s.db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, kind models.Kind, id string) (models.Job, error) {
	table, err := jobTable(kind)
	if err != nil {
		return models.Job{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM `+table+` WHERE id = ?`, id)
	job, err := scanLiteJob(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, notFound(kind, id)
	}
	return job, err
}

func (s *SQLite) CreateJob(ctx context.Context, job models.Job, entries []models.ActivityEntry) (models.Job, error) {
	table, err := jobTable(job.Kind)
	if err != nil {
		return models.Job{}, err
	}
	job = prepareNewJob(job, s.now())
	reportURLs, err := marshalMap(job.ReportURLs)
	if err != nil {
		return models.Job{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(job.PaymentStatus), job.AssignedTo, job.ScheduledDate, job.ScheduledTime,
		job.Customer.Name, job.Customer.Email, job.Customer.Phone, job.Address, job.RequestedBy,
		job.Payer.Name, job.Payer.Email, job.Payer.Phone, centsArg(job.InvoiceAmount), centsArg(job.CatalogTotalPrice),
		string(reportURLs), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
		nanos(job.ReportsSentAt), nanos(job.InvoiceSentAt), nanos(job.EnRouteAt), nanos(job.ArrivedAt),
		nanos(job.StartedAt), nanos(job.CompletedAt), nanos(job.PaymentReceivedAt), job.Version)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return models.Job{}, apperr.Conflict("job %s already exists", job.ID)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	for _, e := range prepareEntries(bindEntries(entries, job), job.CreatedAt) {
		if err := insertLiteActivity(ctx, tx, e); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, job models.Job, expectedVersion int64, entries []models.ActivityEntry) (models.Job, error) {
	table, err := jobTable(job.Kind)
	if err != nil {
		return models.Job{}, err
	}
	reportURLs, err := marshalMap(job.ReportURLs)
	if err != nil {
		return models.Job{}, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET
			status = ?, payment_status = ?, assigned_to = ?, scheduled_date = ?, scheduled_time = ?,
			customer_name = ?, customer_email = ?, customer_phone = ?, address = ?, requested_by = ?,
			payer_name = ?, payer_email = ?, payer_phone = ?,
			invoice_amount_cents = ?, catalog_total_price_cents = ?, report_urls = ?,
			reports_sent_at = ?, invoice_sent_at = ?, en_route_at = ?, arrived_at = ?,
			started_at = ?, completed_at = ?, payment_received_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(job.Status), string(job.PaymentStatus), job.AssignedTo, job.ScheduledDate, job.ScheduledTime,
		job.Customer.Name, job.Customer.Email, job.Customer.Phone, job.Address, job.RequestedBy,
		job.Payer.Name, job.Payer.Email, job.Payer.Phone,
		centsArg(job.InvoiceAmount), centsArg(job.CatalogTotalPrice), string(reportURLs),
		nanos(job.ReportsSentAt), nanos(job.InvoiceSentAt), nanos(job.EnRouteAt), nanos(job.ArrivedAt),
		nanos(job.StartedAt), nanos(job.CompletedAt), nanos(job.PaymentReceivedAt),
		now.UnixNano(), job.ID, expectedVersion)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Job{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, job.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, notFound(job.Kind, job.ID)
		}
		if err != nil {
			return models.Job{}, fmt.Errorf("check job: %w", err)
		}
		return models.Job{}, versionConflict(job.ID, expectedVersion)
	}
	for _, e := range prepareEntries(entries, now) {
		if err := insertLiteActivity(ctx, tx, e); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	job.UpdatedAt = now
	job.Version = expectedVersion + 1
	return job, nil
}

func (s *SQLite) DeleteJob(ctx context.Context, kind models.Kind, id string, entry models.ActivityEntry) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertLiteActivity(ctx, tx, prepareEntries([]models.ActivityEntry{entry}, s.now())[0]); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(kind, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) CreateActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error) {
	prepared := prepareEntries([]models.ActivityEntry{entry}, s.now())[0]
	if err := insertLiteActivity(ctx, s.db, prepared); err != nil {
		return models.ActivityEntry{}, err
	}
	return prepared, nil
}

func (s *SQLite) ListActivity(ctx context.Context, jobID string) ([]models.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, job_kind, action, summary, actor_id, actor_name, actor_email, actor_role, metadata, created_at
		FROM job_activity WHERE job_id = ?
		ORDER BY created_at, seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := make([]models.ActivityEntry, 0)
	for rows.Next() {
		var e models.ActivityEntry
		var kind, role, meta string
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &kind, &e.Action, &e.Summary, &e.Actor.ID, &e.Actor.Name,
			&e.Actor.Email, &role, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.JobKind = models.Kind(kind)
		e.Actor.Role = models.Role(role)
		e.CreatedAt = time.Unix(0, created).UTC()
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) FindAssignable(ctx context.Context, kind models.Kind, email string) ([]models.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, phone, active FROM team_members
		WHERE member_type = ? AND lower(email) = lower(?) AND active = 1
		ORDER BY id`, string(kind), email)
	if err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	defer rows.Close()

	var out []models.TeamMember
	for rows.Next() {
		m := models.TeamMember{Kind: kind}
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Active); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) GetMember(ctx context.Context, kind models.Kind, id string) (models.TeamMember, error) {
	m := models.TeamMember{Kind: kind}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, active FROM team_members WHERE member_type = ? AND id = ?`,
		string(kind), id).Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TeamMember{}, apperr.NotFound("%s team member %s not found", kind, id)
	}
	if err != nil {
		return models.TeamMember{}, fmt.Errorf("query team member: %w", err)
	}
	return m, nil
}

func (s *SQLite) PutMember(ctx context.Context, m models.TeamMember) error {
	if _, err := jobTable(m.Kind); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (id, member_type, name, email, phone, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (member_type, id) DO UPDATE
		SET name = excluded.name, email = excluded.email, phone = excluded.phone, active = excluded.active`,
		m.ID, string(m.Kind), m.Name, m.Email, m.Phone, m.Active)
	if err != nil {
		return fmt.Errorf("upsert team member: %w", err)
	}
	return nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLiteActivity(ctx context.Context, q sqlExecer, e models.ActivityEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO job_activity (id, job_id, job_kind, action, summary, actor_id, actor_name, actor_email, actor_role, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.JobKind), e.Action, e.Summary, e.Actor.ID, e.Actor.Name, e.Actor.Email,
		string(e.Actor.Role), string(meta), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func scanLiteJob(row *sql.Row, kind models.Kind) (models.Job, error) {
	job := models.Job{Kind: kind}
	var status, payment, reportURLs string
	var assigned, date, clock sql.NullString
	var invoice, catalog sql.NullInt64
	var created, updated int64
	var reportsSent, invoiceSent, enRoute, arrived, started, completed, paid sql.NullInt64

	err := row.Scan(&job.ID, &status, &payment, &assigned, &date, &clock,
		&job.Customer.Name, &job.Customer.Email, &job.Customer.Phone, &job.Address, &job.RequestedBy,
		&job.Payer.Name, &job.Payer.Email, &job.Payer.Phone, &invoice, &catalog,
		&reportURLs, &created, &updated, &reportsSent, &invoiceSent, &enRoute,
		&arrived, &started, &completed, &paid, &job.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := normalizeRow(&job, status, payment); err != nil {
		return models.Job{}, err
	}
	job.AssignedTo = nullString(assigned)
	job.ScheduledDate = nullString(date)
	job.ScheduledTime = nullString(clock)
	job.InvoiceAmount = nullCents(invoice)
	job.CatalogTotalPrice = nullCents(catalog)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	job.ReportsSentAt = nullTime(reportsSent)
	job.InvoiceSentAt = nullTime(invoiceSent)
	job.EnRouteAt = nullTime(enRoute)
	job.ArrivedAt = nullTime(arrived)
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)
	job.PaymentReceivedAt = nullTime(paid)
	if job.ReportURLs, err = unmarshalMap([]byte(reportURLs)); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullCents(v sql.NullInt64) *models.Cents {
	if !v.Valid {
		return nil
	}
	c := models.Cents(v.Int64)
	return &c
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
