// Package store holds an in-process implementation of every persistence
// port: users, classrooms, portfolios and the transaction log. It backs the
// tests and the server when no database is configured.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/txlog"
)

var ErrUsernameTaken = models.ErrUsernameTaken

// Memory keeps all state behind one RWMutex. Reads return copies.
type Memory struct {
	mu         sync.RWMutex
	users      map[int]models.User
	classrooms map[int]models.Classroom
	portfolios map[int]models.Portfolio
	nextUser   int
	nextClass  int
	nextPortf  int

	log *txlog.Memory
}

func NewMemory() *Memory {
	return &Memory{
		users:      make(map[int]models.User),
		classrooms: make(map[int]models.Classroom),
		portfolios: make(map[int]models.Portfolio),
		log:        txlog.NewMemory(),
	}
}

// Log exposes the transaction log written by ApplyExecution
func (m *Memory) Log() *txlog.Memory { return m.log }

// CreateUser inserts a new user
func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string, tier models.Tier) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			return nil, fmt.Errorf("failed to create user: %w", ErrUsernameTaken)
		}
	}
	m.nextUser++
	u := models.User{ID: m.nextUser, Username: username, PasswordHash: passwordHash, Tier: tier, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return &u, nil
}

// GetUserByUsername retrieves a user by username, ignoring case
func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("failed to get user %q: %w", username, models.ErrNotFound)
}

// GetUser retrieves a user by ID
func (m *Memory) GetUser(ctx context.Context, id int) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("failed to get user %d: %w", id, models.ErrNotFound)
	}
	return &u, nil
}

// CreateClassroom inserts a classroom taught by teacherID
func (m *Memory) CreateClassroom(ctx context.Context, name string, teacherID int) (models.Classroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[teacherID]; !ok {
		return models.Classroom{}, fmt.Errorf("teacher %d: %w", teacherID, models.ErrNotFound)
	}
	m.nextClass++
	c := models.Classroom{ID: m.nextClass, Name: name, TeacherID: teacherID}
	m.classrooms[c.ID] = c
	return c, nil
}

// ClassroomTeacher returns the teacher of a classroom
func (m *Memory) ClassroomTeacher(ctx context.Context, classroomID int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classrooms[classroomID]
	if !ok {
		return 0, fmt.Errorf("classroom %d: %w", classroomID, models.ErrNotFound)
	}
	return c.TeacherID, nil
}

// CreatePortfolio inserts p and returns it with its assigned ID
func (m *Memory) CreatePortfolio(ctx context.Context, p models.Portfolio) (models.Portfolio, error) {
	return m.CreatePortfolioChecked(ctx, p, nil)
}

// CreatePortfolioChecked inserts p if admit accepts the owner's current
// number of independent portfolios. Count and insert happen under one lock.
func (m *Memory) CreatePortfolioChecked(ctx context.Context, p models.Portfolio, admit func(independent int) error) (models.Portfolio, error) {
	if p.Cash.IsNegative() {
		return models.Portfolio{}, errors.New("cash must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ClassroomID != nil {
		if _, ok := m.classrooms[*p.ClassroomID]; !ok {
			return models.Portfolio{}, fmt.Errorf("classroom %d: %w", *p.ClassroomID, models.ErrNotFound)
		}
	}
	if admit != nil {
		if err := admit(m.countIndependent(p.OwnerID)); err != nil {
			return models.Portfolio{}, err
		}
	}
	m.nextPortf++
	p = p.Clone()
	p.ID = m.nextPortf
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.portfolios[p.ID] = p
	return p.Clone(), nil
}

// GetPortfolio returns a copy of a portfolio
func (m *Memory) GetPortfolio(ctx context.Context, id int) (models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.portfolios[id]
	if !ok {
		return models.Portfolio{}, fmt.Errorf("portfolio %d: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

// ListPortfolios returns the portfolios owned by a user ordered by ID
func (m *Memory) ListPortfolios(ctx context.Context, ownerID int) ([]models.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Portfolio
	for _, p := range m.portfolios {
		if p.OwnerID == ownerID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CountIndependentPortfolios counts a user's portfolios without a classroom
func (m *Memory) CountIndependentPortfolios(ctx context.Context, ownerID int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countIndependent(ownerID), nil
}

func (m *Memory) countIndependent(ownerID int) int {
	n := 0
	for _, p := range m.portfolios {
		if p.OwnerID == ownerID && p.ClassroomID == nil {
			n++
		}
	}
	return n
}

// UpdatePortfolio changes the name and cash of a portfolio
func (m *Memory) UpdatePortfolio(ctx context.Context, id int, name string, cash decimal.Decimal) (models.Portfolio, error) {
	if cash.IsNegative() {
		return models.Portfolio{}, errors.New("cash must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[id]
	if !ok {
		return models.Portfolio{}, fmt.Errorf("portfolio %d: %w", id, models.ErrNotFound)
	}
	p.Name = name
	p.Cash = cash
	p.Version++
	m.portfolios[id] = p
	return p.Clone(), nil
}

// DeletePortfolio removes a portfolio and its holdings. Its transaction
// history is kept.
func (m *Memory) DeletePortfolio(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.portfolios[id]; !ok {
		return fmt.Errorf("portfolio %d: %w", id, models.ErrNotFound)
	}
	delete(m.portfolios, id)
	return nil
}

// ApplyExecution stores the new cash and holdings and appends rec in one
// step. p must carry the version it was read at.
func (m *Memory) ApplyExecution(ctx context.Context, p models.Portfolio, rec models.TransactionRecord) (models.TransactionRecord, error) {
	if p.Cash.IsNegative() {
		return models.TransactionRecord{}, errors.New("cash must not be negative")
	}
	if err := txlog.Validate(rec); err != nil {
		return models.TransactionRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.portfolios[p.ID]
	if !ok {
		return models.TransactionRecord{}, fmt.Errorf("portfolio %d: %w", p.ID, models.ErrNotFound)
	}
	if cur.Version != p.Version {
		return models.TransactionRecord{}, fmt.Errorf("portfolio %d at version %d, snapshot %d: %w", p.ID, cur.Version, p.Version, models.ErrConflict)
	}
	saved, err := m.log.Append(ctx, rec)
	if err != nil {
		return models.TransactionRecord{}, err
	}
	cur.Cash = p.Cash
	cur.Holdings = p.Clone().Holdings
	cur.Version++
	m.portfolios[p.ID] = cur
	return saved, nil
}

// Append writes to the transaction log directly
func (m *Memory) Append(ctx context.Context, rec models.TransactionRecord) (models.TransactionRecord, error) {
	return m.log.Append(ctx, rec)
}

// Query reads the transaction log
func (m *Memory) Query(ctx context.Context, f txlog.Filter) ([]models.TransactionRecord, error) {
	return m.log.Query(ctx, f)
}
