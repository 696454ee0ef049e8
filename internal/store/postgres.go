package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts PoolOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "fieldjobs"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("postgres")
	if err != nil {
		return err
	}
	for i, sql := range scripts {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// GetJob fetches a job by kind and id, normalizing legacy statuses.
func (s *Postgres) GetJob(ctx context.Context, kind models.Kind, id string) (models.Job, error) {
	table, err := jobTable(kind)
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM `+table+` WHERE id = $1`, id)
	job, err := scanPgJob(row, kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, notFound(kind, id)
	}
	return job, err
}

// CreateJob inserts a job and its creation entries in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job, entries []models.ActivityEntry) (models.Job, error) {
	table, err := jobTable(job.Kind)
	if err != nil {
		return models.Job{}, err
	}
	reportURLs, err := marshalMap(job.ReportURLs)
	if err != nil {
		return models.Job{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var now pgtype.Timestamptz
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return models.Job{}, fmt.Errorf("read clock: %w", err)
	}
	job = prepareNewJob(job, now.Time.UTC())

	_, err = tx.Exec(ctx, `
		INSERT INTO `+table+` (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		        $20, $21, $22, $23, $24, $25, $26, $27)
	`, job.ID, string(job.Status), string(job.PaymentStatus), job.AssignedTo, job.ScheduledDate, job.ScheduledTime,
		job.Customer.Name, job.Customer.Email, job.Customer.Phone, job.Address, job.RequestedBy,
		job.Payer.Name, job.Payer.Email, job.Payer.Phone, centsArg(job.InvoiceAmount), centsArg(job.CatalogTotalPrice),
		reportURLs, job.CreatedAt, job.UpdatedAt, job.ReportsSentAt, job.InvoiceSentAt, job.EnRouteAt,
		job.ArrivedAt, job.StartedAt, job.CompletedAt, job.PaymentReceivedAt, job.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Job{}, apperr.Conflict("job %s already exists", job.ID)
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	for _, e := range prepareEntries(bindEntries(entries, job), job.CreatedAt) {
		if err := insertPgActivity(ctx, tx, e); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// UpdateJob writes the job row if its version still equals expectedVersion, and appends the
// entries in the same transaction.
func (s *Postgres) UpdateJob(ctx context.Context, job models.Job, expectedVersion int64, entries []models.ActivityEntry) (models.Job, error) {
	table, err := jobTable(job.Kind)
	if err != nil {
		return models.Job{}, err
	}
	reportURLs, err := marshalMap(job.ReportURLs)
	if err != nil {
		return models.Job{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE `+table+` SET
			status = $2, payment_status = $3, assigned_to = $4, scheduled_date = $5, scheduled_time = $6,
			customer_name = $7, customer_email = $8, customer_phone = $9, address = $10, requested_by = $11,
			payer_name = $12, payer_email = $13, payer_phone = $14,
			invoice_amount_cents = $15, catalog_total_price_cents = $16, report_urls = $17,
			reports_sent_at = $18, invoice_sent_at = $19, en_route_at = $20, arrived_at = $21,
			started_at = $22, completed_at = $23, payment_received_at = $24,
			updated_at = NOW(), version = version + 1
		WHERE id = $1 AND version = $25
		RETURNING created_at, updated_at, version
	`, job.ID, string(job.Status), string(job.PaymentStatus), job.AssignedTo, job.ScheduledDate, job.ScheduledTime,
		job.Customer.Name, job.Customer.Email, job.Customer.Phone, job.Address, job.RequestedBy,
		job.Payer.Name, job.Payer.Email, job.Payer.Phone,
		centsArg(job.InvoiceAmount), centsArg(job.CatalogTotalPrice), reportURLs,
		job.ReportsSentAt, job.InvoiceSentAt, job.EnRouteAt, job.ArrivedAt,
		job.StartedAt, job.CompletedAt, job.PaymentReceivedAt, expectedVersion,
	).Scan(&job.CreatedAt, &job.UpdatedAt, &job.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return models.Job{}, fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return models.Job{}, notFound(job.Kind, job.ID)
		}
		return models.Job{}, versionConflict(job.ID, expectedVersion)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	for _, e := range prepareEntries(entries, job.UpdatedAt) {
		if err := insertPgActivity(ctx, tx, e); err != nil {
			return models.Job{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// DeleteJob records entry and then removes the job row, atomically.
func (s *Postgres) DeleteJob(ctx context.Context, kind models.Kind, id string, entry models.ActivityEntry) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var now pgtype.Timestamptz
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return fmt.Errorf("read clock: %w", err)
	}
	if err := insertPgActivity(ctx, tx, prepareEntries([]models.ActivityEntry{entry}, now.Time.UTC())[0]); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(kind, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateActivity appends a single ledger row.
func (s *Postgres) CreateActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error) {
	var now pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return models.ActivityEntry{}, fmt.Errorf("read clock: %w", err)
	}
	prepared := prepareEntries([]models.ActivityEntry{entry}, now.Time.UTC())[0]
	if err := insertPgActivity(ctx, s.pool, prepared); err != nil {
		return models.ActivityEntry{}, err
	}
	return prepared, nil
}

// ListActivity returns the ledger for jobID, oldest first. It never joins the job tables.
func (s *Postgres) ListActivity(ctx context.Context, jobID string) ([]models.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, job_kind, action, summary, actor_id, actor_name, actor_email, actor_role, metadata, created_at
		FROM job_activity WHERE job_id = $1
		ORDER BY created_at, seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := make([]models.ActivityEntry, 0)
	for rows.Next() {
		var e models.ActivityEntry
		var kind, role string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.JobID, &kind, &e.Action, &e.Summary, &e.Actor.ID, &e.Actor.Name,
			&e.Actor.Email, &role, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		e.JobKind = models.Kind(kind)
		e.Actor.Role = models.Role(role)
		e.CreatedAt = e.CreatedAt.UTC()
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FindAssignable returns active members of kind's pool whose email matches, case-insensitively.
func (s *Postgres) FindAssignable(ctx context.Context, kind models.Kind, email string) ([]models.TeamMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, member_type, name, email, phone, active FROM team_members
		WHERE member_type = $1 AND lower(email) = lower($2) AND active
		ORDER BY id
	`, string(kind), email)
	if err != nil {
		return nil, fmt.Errorf("query team members: %w", err)
	}
	defer rows.Close()

	var out []models.TeamMember
	for rows.Next() {
		var m models.TeamMember
		var k string
		if err := rows.Scan(&m.ID, &k, &m.Name, &m.Email, &m.Phone, &m.Active); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		m.Kind = models.Kind(k)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMember fetches one member of kind's pool.
func (s *Postgres) GetMember(ctx context.Context, kind models.Kind, id string) (models.TeamMember, error) {
	m := models.TeamMember{Kind: kind}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, active FROM team_members WHERE member_type = $1 AND id = $2
	`, string(kind), id).Scan(&m.ID, &m.Name, &m.Email, &m.Phone, &m.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TeamMember{}, apperr.NotFound("%s team member %s not found", kind, id)
	}
	if err != nil {
		return models.TeamMember{}, fmt.Errorf("query team member: %w", err)
	}
	return m, nil
}

// PutMember inserts or replaces a team member.
func (s *Postgres) PutMember(ctx context.Context, m models.TeamMember) error {
	if _, err := jobTable(m.Kind); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO team_members (id, member_type, name, email, phone, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_type, id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone, active = EXCLUDED.active
	`, m.ID, string(m.Kind), m.Name, m.Email, m.Phone, m.Active)
	if err != nil {
		return fmt.Errorf("upsert team member: %w", err)
	}
	return nil
}

func insertPgActivity(ctx context.Context, q execer, e models.ActivityEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO job_activity (id, job_id, job_kind, action, summary, actor_id, actor_name, actor_email, actor_role, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.JobID, string(e.JobKind), e.Action, e.Summary, e.Actor.ID, e.Actor.Name, e.Actor.Email,
		string(e.Actor.Role), meta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func scanPgJob(row pgx.Row, kind models.Kind) (models.Job, error) {
	job := models.Job{Kind: kind}
	var status, payment string
	var assigned, date, clock pgtype.Text
	var invoice, catalog pgtype.Int8
	var reportURLs []byte
	var reportsSent, invoiceSent, enRoute, arrived, started, completed, paid pgtype.Timestamptz

	err := row.Scan(&job.ID, &status, &payment, &assigned, &date, &clock,
		&job.Customer.Name, &job.Customer.Email, &job.Customer.Phone, &job.Address, &job.RequestedBy,
		&job.Payer.Name, &job.Payer.Email, &job.Payer.Phone, &invoice, &catalog,
		&reportURLs, &job.CreatedAt, &job.UpdatedAt, &reportsSent, &invoiceSent, &enRoute,
		&arrived, &started, &completed, &paid, &job.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := normalizeRow(&job, status, payment); err != nil {
		return models.Job{}, err
	}
	job.AssignedTo = textPtr(assigned)
	job.ScheduledDate = textPtr(date)
	job.ScheduledTime = textPtr(clock)
	job.InvoiceAmount = int8Cents(invoice)
	job.CatalogTotalPrice = int8Cents(catalog)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.ReportsSentAt = tsPtr(reportsSent)
	job.InvoiceSentAt = tsPtr(invoiceSent)
	job.EnRouteAt = tsPtr(enRoute)
	job.ArrivedAt = tsPtr(arrived)
	job.StartedAt = tsPtr(started)
	job.CompletedAt = tsPtr(completed)
	job.PaymentReceivedAt = tsPtr(paid)
	if job.ReportURLs, err = unmarshalMap(reportURLs); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int8Cents(v pgtype.Int8) *models.Cents {
	if !v.Valid {
		return nil
	}
	c := models.Cents(v.Int64)
	return &c
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
