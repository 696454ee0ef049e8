package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Memory is a mutex-guarded in-process datastore for local runs and tests.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[models.Kind]map[string]models.Job
	members  map[models.Kind]map[string]models.TeamMember
	activity []models.ActivityEntry
	now      func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		jobs:    make(map[models.Kind]map[string]models.Job),
		members: make(map[models.Kind]map[string]models.TeamMember),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, k := range models.Kinds {
		m.jobs[k] = make(map[string]models.Job)
		m.members[k] = make(map[string]models.TeamMember)
	}
	return m
}

func (m *Memory) GetJob(_ context.Context, kind models.Kind, id string) (models.Job, error) {
	if _, err := jobTable(kind); err != nil {
		return models.Job{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[kind][id]
	if !ok {
		return models.Job{}, notFound(kind, id)
	}
	return job.Clone(), nil
}

func (m *Memory) CreateJob(_ context.Context, job models.Job, entries []models.ActivityEntry) (models.Job, error) {
	if _, err := jobTable(job.Kind); err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	job = prepareNewJob(job, now)
	if _, exists := m.jobs[job.Kind][job.ID]; exists {
		return models.Job{}, apperr.Conflict("job %s already exists", job.ID)
	}
	m.jobs[job.Kind][job.ID] = job.Clone()
	m.activity = append(m.activity, prepareEntries(bindEntries(entries, job), now)...)
	return job, nil
}

func (m *Memory) UpdateJob(_ context.Context, job models.Job, expectedVersion int64, entries []models.ActivityEntry) (models.Job, error) {
	if _, err := jobTable(job.Kind); err != nil {
		return models.Job{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.Kind][job.ID]
	if !ok {
		return models.Job{}, notFound(job.Kind, job.ID)
	}
	if current.Version != expectedVersion {
		return models.Job{}, versionConflict(job.ID, expectedVersion)
	}
	now := m.now()
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = now
	job.Version = expectedVersion + 1
	m.jobs[job.Kind][job.ID] = job.Clone()
	m.activity = append(m.activity, prepareEntries(entries, now)...)
	return job, nil
}

func (m *Memory) DeleteJob(_ context.Context, kind models.Kind, id string, entry models.ActivityEntry) error {
	if _, err := jobTable(kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[kind][id]; !ok {
		return notFound(kind, id)
	}
	m.activity = append(m.activity, prepareEntries([]models.ActivityEntry{entry}, m.now())...)
	delete(m.jobs[kind], id)
	return nil
}

func (m *Memory) CreateActivity(_ context.Context, entry models.ActivityEntry) (models.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepared := prepareEntries([]models.ActivityEntry{entry}, m.now())[0]
	m.activity = append(m.activity, prepared)
	return prepared, nil
}

func (m *Memory) ListActivity(_ context.Context, jobID string) ([]models.ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ActivityEntry, 0)
	for _, e := range m.activity {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindAssignable(_ context.Context, kind models.Kind, email string) ([]models.TeamMember, error) {
	if _, err := jobTable(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TeamMember
	for _, member := range m.members[kind] {
		if member.Active && strings.EqualFold(member.Email, email) {
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetMember(_ context.Context, kind models.Kind, id string) (models.TeamMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[kind][id]
	if !ok {
		return models.TeamMember{}, apperr.NotFound("%s team member %s not found", kind, id)
	}
	return member, nil
}

func (m *Memory) PutMember(_ context.Context, member models.TeamMember) error {
	if _, err := jobTable(member.Kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.Kind][member.ID] = member
	return nil
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RunMigrations(context.Context) error { return nil }
