// Package service is the entry point transport layers call: order
// execution, valuation, access checks, history and portfolio lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/txlog"
	"github.com/xtrntr/papertrade/internal/valuation"
)

var (
	ErrQuoteUnavailable   = ledger.ErrQuoteUnavailable
	ErrInsufficientFunds  = ledger.ErrInsufficientFunds
	ErrInsufficientShares = ledger.ErrInsufficientShares
	ErrNotOwned           = ledger.ErrNotOwned
	ErrNotFound           = ledger.ErrNotFound
	ErrAccessDenied       = ledger.ErrAccessDenied
	ErrInvariantViolation = ledger.ErrInvariantViolation
	ErrClassroomManaged   = access.ErrClassroomManaged
	ErrPortfolioLimit     = access.ErrPortfolioLimit
	ErrConflict           = models.ErrConflict
)

// Store is the persistence the service needs beyond the ledger's
type Store interface {
	ledger.Store
	access.Classrooms
	txlog.Log
	GetUser(ctx context.Context, id int) (*models.User, error)
	CreateClassroom(ctx context.Context, name string, teacherID int) (models.Classroom, error)
	// CreatePortfolioChecked counts the owner's independent portfolios and
	// inserts p only if admit accepts the count, atomically per owner
	CreatePortfolioChecked(ctx context.Context, p models.Portfolio, admit func(independent int) error) (models.Portfolio, error)
	ListPortfolios(ctx context.Context, ownerID int) ([]models.Portfolio, error)
	UpdatePortfolio(ctx context.Context, id int, name string, cash decimal.Decimal) (models.Portfolio, error)
	DeletePortfolio(ctx context.Context, id int) error
}

// Notifier receives executed orders and removed portfolios, e.g. to push
// them to subscribers
type Notifier interface {
	Executed(rec models.TransactionRecord)
	Closed(portfolioID int)
}

// PortfolioPatch is a partial edit. Nil fields keep their stored value.
type PortfolioPatch struct {
	Name *string
	Cash *decimal.Decimal
}

// Service wires the ledger, valuation engine and access guard
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	engine   *valuation.Engine
	guard    *access.Guard
	notifier Notifier
	logger   *zap.Logger
}

func NewService(store Store, l *ledger.Ledger, engine *valuation.Engine, guard *access.Guard, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ledger: l, engine: engine, guard: guard, notifier: notifier, logger: logger}
}

// Execute runs an order on behalf of requesterID
func (s *Service) Execute(ctx context.Context, portfolioID, requesterID int, ticker string, shares int64, dir models.Direction) (models.TransactionRecord, error) {
	rec, err := s.ledger.Execute(ctx, portfolioID, requesterID, ticker, shares, dir)
	if err != nil {
		return models.TransactionRecord{}, err
	}
	if s.notifier != nil {
		s.notifier.Executed(rec)
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, portfolioID int) (models.Portfolio, error) {
	p, err := s.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Portfolio{}, fmt.Errorf("portfolio %d: %w", portfolioID, ErrNotFound)
		}
		return models.Portfolio{}, fmt.Errorf("s.store.GetPortfolio -> %w", err)
	}
	return p, nil
}

func (s *Service) loadViewable(ctx context.Context, requesterID, portfolioID int) (models.Portfolio, error) {
	p, err := s.load(ctx, portfolioID)
	if err != nil {
		return models.Portfolio{}, err
	}
	ok, err := s.guard.CanView(ctx, requesterID, p)
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("s.guard.CanView -> %w", err)
	}
	if !ok {
		return models.Portfolio{}, ErrAccessDenied
	}
	return p, nil
}

// Value prices a portfolio the requester may view
func (s *Service) Value(ctx context.Context, requesterID, portfolioID int) (valuation.Valuation, error) {
	p, err := s.loadViewable(ctx, requesterID, portfolioID)
	if err != nil {
		return valuation.Valuation{}, err
	}
	v, err := s.engine.Value(ctx, p)
	if err != nil {
		return valuation.Valuation{}, err
	}
	if len(v.Failed) > 0 {
		s.logger.Warn("valuation degraded", zap.Int("portfolio_id", p.ID), zap.Strings("tickers", v.Failed))
	}
	return v, nil
}

// Role returns the requester's relation to a portfolio
func (s *Service) Role(ctx context.Context, requesterID, portfolioID int) (access.Role, error) {
	p, err := s.load(ctx, portfolioID)
	if err != nil {
		return access.Denied, err
	}
	return s.guard.Resolve(ctx, requesterID, p)
}

func (s *Service) CanView(ctx context.Context, requesterID, portfolioID int) (bool, error) {
	p, err := s.load(ctx, portfolioID)
	if err != nil {
		return false, err
	}
	return s.guard.CanView(ctx, requesterID, p)
}

func (s *Service) CanMutate(ctx context.Context, requesterID, portfolioID int) (bool, error) {
	p, err := s.load(ctx, portfolioID)
	if err != nil {
		return false, err
	}
	return s.guard.CanMutate(ctx, requesterID, p)
}

// ListTransactions returns history oldest first. A user's own history is
// private to them; a portfolio's history follows the view rule, and stays
// readable by its executing user after the portfolio is deleted.
func (s *Service) ListTransactions(ctx context.Context, requesterID int, f txlog.Filter) ([]models.TransactionRecord, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("filter must select a user or a portfolio: %w", ErrInvariantViolation)
	}
	if f.UserID != nil {
		if *f.UserID != requesterID {
			return nil, ErrAccessDenied
		}
		return s.store.Query(ctx, f)
	}

	_, err := s.loadViewable(ctx, requesterID, *f.PortfolioID)
	switch {
	case err == nil:
		return s.store.Query(ctx, f)
	case errors.Is(err, ErrNotFound):
		recs, qerr := s.store.Query(ctx, f)
		if qerr != nil {
			return nil, qerr
		}
		own := recs[:0]
		for _, r := range recs {
			if r.UserID == requesterID {
				own = append(own, r)
			}
		}
		if len(own) == 0 {
			return nil, err
		}
		return own, nil
	default:
		return nil, err
	}
}

// CreatePortfolio opens an independent portfolio owned by the requester
func (s *Service) CreatePortfolio(ctx context.Context, requesterID int, name string, cash decimal.Decimal) (models.Portfolio, error) {
	return s.create(ctx, requesterID, name, cash, nil)
}

// CreateClassroom opens a classroom taught by the requester
func (s *Service) CreateClassroom(ctx context.Context, requesterID int, name string) (models.Classroom, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Classroom{}, fmt.Errorf("name required: %w", ErrInvariantViolation)
	}
	c, err := s.store.CreateClassroom(ctx, name, requesterID)
	if err != nil {
		return models.Classroom{}, fmt.Errorf("s.store.CreateClassroom -> %w", err)
	}
	return c, nil
}

// EnrollStudent opens a classroom-backed portfolio for a student. Only the
// classroom's teacher may do so.
func (s *Service) EnrollStudent(ctx context.Context, teacherID, classroomID, studentID int, name string, cash decimal.Decimal) (models.Portfolio, error) {
	owner, err := s.store.ClassroomTeacher(ctx, classroomID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Portfolio{}, fmt.Errorf("classroom %d: %w", classroomID, ErrNotFound)
		}
		return models.Portfolio{}, fmt.Errorf("s.store.ClassroomTeacher -> %w", err)
	}
	if owner != teacherID {
		return models.Portfolio{}, ErrAccessDenied
	}
	return s.create(ctx, studentID, name, cash, &classroomID)
}

func (s *Service) create(ctx context.Context, ownerID int, name string, cash decimal.Decimal, classroomID *int) (models.Portfolio, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Portfolio{}, fmt.Errorf("name required: %w", ErrInvariantViolation)
	}
	if cash.IsNegative() {
		return models.Portfolio{}, fmt.Errorf("cash must not be negative: %w", ErrInvariantViolation)
	}
	user, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Portfolio{}, fmt.Errorf("user %d: %w", ownerID, ErrNotFound)
		}
		return models.Portfolio{}, fmt.Errorf("s.store.GetUser -> %w", err)
	}
	p, err := s.store.CreatePortfolioChecked(ctx, models.Portfolio{
		Name:        name,
		Cash:        cash,
		OwnerID:     user.ID,
		ClassroomID: classroomID,
	}, func(independent int) error {
		return access.CheckCreate(*user, classroomID, independent)
	})
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("s.store.CreatePortfolioChecked -> %w", err)
	}
	return p, nil
}

// ListPortfolios returns the requester's own portfolios
func (s *Service) ListPortfolios(ctx context.Context, requesterID int) ([]models.Portfolio, error) {
	return s.store.ListPortfolios(ctx, requesterID)
}

// UpdatePortfolio renames a portfolio and/or sets its cash. Fields left
// nil in patch keep their stored value. Classroom-backed portfolios are
// refused.
func (s *Service) UpdatePortfolio(ctx context.Context, requesterID, portfolioID int, patch PortfolioPatch) (models.Portfolio, error) {
	if patch.Name == nil && patch.Cash == nil {
		return models.Portfolio{}, fmt.Errorf("nothing to update: %w", ErrInvariantViolation)
	}
	var updated models.Portfolio
	err := s.ledger.Exclusive(portfolioID, func() error {
		p, err := s.load(ctx, portfolioID)
		if err != nil {
			return err
		}
		if err := s.guard.CheckEdit(ctx, requesterID, p); err != nil {
			return err
		}
		name, cash := p.Name, p.Cash
		if patch.Name != nil {
			name = strings.TrimSpace(*patch.Name)
		}
		if patch.Cash != nil {
			cash = *patch.Cash
		}
		if name == "" || cash.IsNegative() {
			return fmt.Errorf("name required and cash must not be negative: %w", ErrInvariantViolation)
		}
		updated, err = s.store.UpdatePortfolio(ctx, portfolioID, name, cash)
		return err
	})
	if err != nil {
		return models.Portfolio{}, err
	}
	return updated, nil
}

// DeletePortfolio removes an independent portfolio. Its transaction
// history is preserved.
func (s *Service) DeletePortfolio(ctx context.Context, requesterID, portfolioID int) error {
	err := s.ledger.Exclusive(portfolioID, func() error {
		p, err := s.load(ctx, portfolioID)
		if err != nil {
			return err
		}
		if err := s.guard.CheckDelete(ctx, requesterID, p); err != nil {
			return err
		}
		if err := s.store.DeletePortfolio(ctx, portfolioID); err != nil {
			return fmt.Errorf("s.store.DeletePortfolio -> %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("portfolio deleted", zap.Int("portfolio_id", portfolioID), zap.Int("user_id", requesterID))
	s.closed(portfolioID)
	return nil
}

func (s *Service) closed(portfolioID int) {
	if s.notifier != nil {
		s.notifier.Closed(portfolioID)
	}
}

// WithdrawStudent removes a classroom-backed portfolio on behalf of the
// classroom's teacher. History is preserved as for DeletePortfolio.
func (s *Service) WithdrawStudent(ctx context.Context, teacherID, portfolioID int) error {
	err := s.ledger.Exclusive(portfolioID, func() error {
		p, err := s.load(ctx, portfolioID)
		if err != nil {
			return err
		}
		role, err := s.guard.Resolve(ctx, teacherID, p)
		if err != nil {
			return err
		}
		switch role {
		case access.ClassroomTeacher:
			if err := s.store.DeletePortfolio(ctx, portfolioID); err != nil {
				return fmt.Errorf("s.store.DeletePortfolio -> %w", err)
			}
			return nil
		case access.Owner, access.Denied:
			return ErrAccessDenied
		}
		return ErrAccessDenied
	})
	if err != nil {
		return err
	}
	s.logger.Info("student withdrawn", zap.Int("portfolio_id", portfolioID), zap.Int("teacher_id", teacherID))
	s.closed(portfolioID)
	return nil
}
