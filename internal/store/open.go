package store

import (
	"context"
	"fmt"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Backend is the full method set shared by every datastore driver.
type Backend interface {
	GetJob(ctx context.Context, kind models.Kind, id string) (models.Job, error)
	CreateJob(ctx context.Context, job models.Job, entries []models.ActivityEntry) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job, expectedVersion int64, entries []models.ActivityEntry) (models.Job, error)
	DeleteJob(ctx context.Context, kind models.Kind, id string, entry models.ActivityEntry) error
	CreateActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error)
	ListActivity(ctx context.Context, jobID string) ([]models.ActivityEntry, error)
	FindAssignable(ctx context.Context, kind models.Kind, email string) ([]models.TeamMember, error)
	GetMember(ctx context.Context, kind models.Kind, id string) (models.TeamMember, error)
	PutMember(ctx context.Context, m models.TeamMember) error
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Memory)(nil)
)

// Open connects to the datastore named by driver: "postgres", "sqlite" or "memory".
func Open(ctx context.Context, driver, dsn string, pool PoolOptions) (Backend, error) {
	switch driver {
	case "postgres":
		pg, err := NewPostgres(ctx, dsn, pool)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := NewSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return lite, nil
	case "memory", "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown datastore driver %q", driver)
}
