package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when a portfolio, user or classroom is missing
var ErrNotFound = errors.New("not found")

var ErrUsernameTaken = errors.New("username already taken")

// ErrConflict is returned when a portfolio changed after it was read
var ErrConflict = errors.New("portfolio changed concurrently")

// Tier is a user's account tier
type Tier string

const (
	TierBasic Tier = "basic" // restricted: one independent portfolio
	TierPro   Tier = "pro"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Tier         Tier
	CreatedAt    time.Time
}

// Classroom groups student portfolios under one teacher
type Classroom struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	TeacherID int    `json:"teacher_id"`
}

// Holding is a position of one ticker inside a portfolio
type Holding struct {
	Ticker    string          `json:"ticker"`
	Shares    int64           `json:"shares"`
	LastPrice decimal.Decimal `json:"last_price"` // last price that touched the position
}

// Portfolio is the cash and holdings ledger of one user
type Portfolio struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Cash        decimal.Decimal `json:"cash"`
	OwnerID     int             `json:"owner_id"`
	ClassroomID *int            `json:"classroom_id,omitempty"`
	Holdings    []Holding       `json:"holdings"`
	CreatedAt   time.Time       `json:"created_at"`
	Version     int             `json:"-"` // bumped on every write to cash or holdings
}

// ClassroomBacked reports whether the portfolio's lifecycle is owned by a classroom
func (p Portfolio) ClassroomBacked() bool {
	return p.ClassroomID != nil
}

// Clone returns a deep copy so callers can mutate it without touching shared state
func (p Portfolio) Clone() Portfolio {
	c := p
	if p.ClassroomID != nil {
		id := *p.ClassroomID
		c.ClassroomID = &id
	}
	c.Holdings = make([]Holding, len(p.Holdings))
	copy(c.Holdings, p.Holdings)
	return c
}

// Direction is the side of an order
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is buy or sell
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Order represents a buy or sell request against a quoted price
type Order struct {
	PortfolioID int
	RequesterID int
	Ticker      string
	Shares      int64 // always a positive magnitude
	Direction   Direction
	Price       decimal.Decimal // caller supplied, ignored on execution
}

// TransactionRecord represents an executed order
type TransactionRecord struct {
	ID          int             `json:"id"`
	PortfolioID int             `json:"portfolio_id"`
	UserID      int             `json:"user_id"`
	Ticker      string          `json:"ticker"`
	Shares      int64           `json:"shares"` // positive = buy, negative = sell
	Price       decimal.Decimal `json:"price"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Direction derives the order side from the signed share delta
func (r TransactionRecord) Direction() Direction {
	if r.Shares < 0 {
		return Sell
	}
	return Buy
}
