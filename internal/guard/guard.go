// Package guard decides whether an actor may act on a specific job.
package guard

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// MemberFinder looks up active team members by email within one kind's pool.
type MemberFinder interface {
	FindAssignable(ctx context.Context, kind models.Kind, email string) ([]models.TeamMember, error)
}

type Guard struct {
	members MemberFinder
}

func New(members MemberFinder) *Guard {
	return &Guard{members: members}
}

// CanAct reports whether actor may act on job. Admins always may. A field technician may only
// when one of their team-member records, in either pool, is the job's assignee. Anything else,
// including a technician without an email, is refused.
func (g *Guard) CanAct(ctx context.Context, actor models.Actor, job models.Job) (bool, error) {
	switch actor.Role {
	case models.RoleAdmin:
		return true, nil
	case models.RoleFieldTech:
	default:
		return false, nil
	}
	email := strings.TrimSpace(actor.Email)
	if email == "" || job.AssignedTo == nil || *job.AssignedTo == "" {
		return false, nil
	}
	// Casers carry state; one per call
	fold := cases.Fold()
	want := fold.String(email)
	for _, kind := range models.Kinds {
		members, err := g.members.FindAssignable(ctx, kind, email)
		if err != nil {
			return false, fmt.Errorf("find %s members: %w", kind, err)
		}
		for _, m := range members {
			if m.ID == *job.AssignedTo && fold.String(strings.TrimSpace(m.Email)) == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// Require is CanAct returning a Forbidden rejection on refusal.
func (g *Guard) Require(ctx context.Context, actor models.Actor, job models.Job) error {
	ok, err := g.CanAct(ctx, actor, job)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("%s %q is not assigned to job %s", actor.Role, actor.ID, job.ID)
	}
	return nil
}
