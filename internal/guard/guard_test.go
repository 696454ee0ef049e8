package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/store"
)

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	for _, member := range []models.TeamMember{
		{ID: "a-1", Kind: models.KindAssessment, Name: "Sam", Email: "Sam@Example.com", Active: true},
		{ID: "i-7", Kind: models.KindInspection, Name: "Sam", Email: "sam@example.com", Active: true},
		{ID: "a-2", Kind: models.KindAssessment, Name: "Robin", Email: "robin@example.com", Active: true},
		{ID: "a-3", Kind: models.KindAssessment, Name: "Gone", Email: "gone@example.com", Active: false},
	} {
		require.NoError(t, m.PutMember(ctx, member))
	}
	return m
}

func assigned(kind models.Kind, id string) models.Job {
	return models.Job{ID: "job-1", Kind: kind, AssignedTo: &id}
}

func TestCanAct(t *testing.T) {
	g := New(seeded(t))
	cases := []struct {
		name  string
		actor models.Actor
		job   models.Job
		want  bool
	}{
		{"admin on anything", models.Actor{Role: models.RoleAdmin}, models.Job{ID: "x"}, true},
		{"assigned tech, same pool", models.Actor{Role: models.RoleFieldTech, Email: "sam@example.com"}, assigned(models.KindAssessment, "a-1"), true},
		{"assigned tech, other pool record", models.Actor{Role: models.RoleFieldTech, Email: "SAM@example.com"}, assigned(models.KindInspection, "i-7"), true},
		{"tech not assigned", models.Actor{Role: models.RoleFieldTech, Email: "robin@example.com"}, assigned(models.KindAssessment, "a-1"), false},
		{"inactive tech", models.Actor{Role: models.RoleFieldTech, Email: "gone@example.com"}, assigned(models.KindAssessment, "a-3"), false},
		{"tech without email", models.Actor{Role: models.RoleFieldTech}, assigned(models.KindAssessment, "a-1"), false},
		{"unassigned job", models.Actor{Role: models.RoleFieldTech, Email: "sam@example.com"}, models.Job{ID: "x", Kind: models.KindAssessment}, false},
		{"homeowner", models.Actor{Role: models.RoleHomeowner, Email: "sam@example.com"}, assigned(models.KindAssessment, "a-1"), false},
		{"unknown role", models.Actor{Role: "auditor", Email: "sam@example.com"}, assigned(models.KindAssessment, "a-1"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.CanAct(context.Background(), tc.actor, tc.job)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRequire(t *testing.T) {
	g := New(seeded(t))
	err := g.Require(context.Background(), models.Actor{ID: "u-2", Role: models.RoleFieldTech, Email: "robin@example.com"},
		assigned(models.KindAssessment, "a-1"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	assert.NoError(t, g.Require(context.Background(), models.Actor{Role: models.RoleFieldTech, Email: "sam@example.com"},
		assigned(models.KindAssessment, "a-1")))
}

type brokenFinder struct{}

func (brokenFinder) FindAssignable(context.Context, models.Kind, string) ([]models.TeamMember, error) {
	return nil, errors.New("connection reset")
}

func TestLookupFailureDenies(t *testing.T) {
	g := New(brokenFinder{})
	ok, err := g.CanAct(context.Background(), models.Actor{Role: models.RoleFieldTech, Email: "sam@example.com"},
		assigned(models.KindAssessment, "a-1"))
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, g.Require(context.Background(), models.Actor{Role: models.RoleFieldTech, Email: "sam@example.com"},
		assigned(models.KindAssessment, "a-1")))
}
