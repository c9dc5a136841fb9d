// Package access decides who may view, trade, edit or delete a portfolio.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"
)

var (
	ErrAccessDenied     = errors.New("access denied")
	ErrClassroomManaged = errors.New("portfolio is managed by its classroom")
	ErrPortfolioLimit   = errors.New("basic tier allows a single independent portfolio")
)

// Role is the relation between a requester and a portfolio
type Role int

const (
	Denied Role = iota
	Owner
	ClassroomTeacher
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case ClassroomTeacher:
		return "classroom_teacher"
	default:
		return "denied"
	}
}

// Classrooms resolves a classroom to its teacher
type Classrooms interface {
	ClassroomTeacher(ctx context.Context, classroomID int) (int, error)
}

// Guard answers access questions for portfolios
type Guard struct {
	classrooms Classrooms
}

// NewGuard creates a guard backed by a classroom lookup
func NewGuard(classrooms Classrooms) *Guard {
	return &Guard{classrooms: classrooms}
}

// Resolve returns the requester's role on p
func (g *Guard) Resolve(ctx context.Context, requesterID int, p models.Portfolio) (Role, error) {
	if requesterID == p.OwnerID {
		return Owner, nil
	}
	if p.ClassroomID == nil {
		return Denied, nil
	}
	teacherID, err := g.classrooms.ClassroomTeacher(ctx, *p.ClassroomID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Denied, nil
		}
		return Denied, fmt.Errorf("failed to resolve classroom %d: %w", *p.ClassroomID, err)
	}
	if teacherID == requesterID {
		return ClassroomTeacher, nil
	}
	return Denied, nil
}

// CanView reports whether the requester may read p
func (g *Guard) CanView(ctx context.Context, requesterID int, p models.Portfolio) (bool, error) {
	role, err := g.Resolve(ctx, requesterID, p)
	if err != nil {
		return false, err
	}
	switch role {
	case Owner, ClassroomTeacher:
		return true, nil
	case Denied:
		return false, nil
	}
	return false, nil
}

// CanMutate reports whether the requester may execute orders on p
func (g *Guard) CanMutate(ctx context.Context, requesterID int, p models.Portfolio) (bool, error) {
	role, err := g.Resolve(ctx, requesterID, p)
	if err != nil {
		return false, err
	}
	switch role {
	case Owner:
		return true, nil
	case ClassroomTeacher, Denied:
		return false, nil
	}
	return false, nil
}

// CheckEdit allows name and cash edits by the owner of an independent portfolio
func (g *Guard) CheckEdit(ctx context.Context, requesterID int, p models.Portfolio) error {
	return g.checkLifecycle(ctx, requesterID, p)
}

// CheckDelete allows deleting an independent portfolio by its owner.
// Classroom-backed portfolios are removed only by the classroom lifecycle.
func (g *Guard) CheckDelete(ctx context.Context, requesterID int, p models.Portfolio) error {
	return g.checkLifecycle(ctx, requesterID, p)
}

func (g *Guard) checkLifecycle(ctx context.Context, requesterID int, p models.Portfolio) error {
	if p.ClassroomBacked() {
		return ErrClassroomManaged
	}
	role, err := g.Resolve(ctx, requesterID, p)
	if err != nil {
		return err
	}
	switch role {
	case Owner:
		return nil
	case ClassroomTeacher, Denied:
		return ErrAccessDenied
	}
	return ErrAccessDenied
}

// CheckCreate enforces the per-tier limit on independent portfolios given
// how many the user already has. Stores call it between count and insert.
func CheckCreate(user models.User, classroomID *int, independent int) error {
	if classroomID != nil || user.Tier != models.TierBasic {
		return nil
	}
	if independent >= 1 {
		return ErrPortfolioLimit
	}
	return nil
}
