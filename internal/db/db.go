package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/txlog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/001_init.sql
var schema string

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ txlog.Log = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate applies the schema. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

func decimalFromText(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse numeric %q: %w", s, err)
	}
	return d, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, tier models.Tier) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, tier) VALUES ($1, $2, $3) RETURNING id, username, password_hash, tier, created_at",
		username, passwordHash, string(tier)).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Tier, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("failed to create user: %w", models.ErrUsernameTaken)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username, ignoring case
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, tier, created_at FROM users WHERE LOWER(username) = LOWER($1)",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Tier, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %q", username))
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(ctx context.Context, id int) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, tier, created_at FROM users WHERE id = $1",
		id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Tier, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", id))
	}
	return user, nil
}

// CreateClassroom inserts a classroom taught by teacherID
func (db *DB) CreateClassroom(ctx context.Context, name string, teacherID int) (models.Classroom, error) {
	c := models.Classroom{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO classrooms (name, teacher_id) VALUES ($1, $2) RETURNING id, name, teacher_id",
		name, teacherID).Scan(&c.ID, &c.Name, &c.TeacherID)
	if err != nil {
		return models.Classroom{}, fmt.Errorf("failed to create classroom: %w", err)
	}
	return c, nil
}

// ClassroomTeacher returns the teacher of a classroom
func (db *DB) ClassroomTeacher(ctx context.Context, classroomID int) (int, error) {
	var teacherID int
	err := db.Pool.QueryRow(ctx, "SELECT teacher_id FROM classrooms WHERE id = $1", classroomID).Scan(&teacherID)
	if err != nil {
		return 0, notFound(err, fmt.Sprintf("classroom %d", classroomID))
	}
	return teacherID, nil
}

// CreatePortfolio inserts p without holdings and returns it with its ID
func (db *DB) CreatePortfolio(ctx context.Context, p models.Portfolio) (models.Portfolio, error) {
	return db.CreatePortfolioChecked(ctx, p, nil)
}

// CreatePortfolioChecked inserts p if admit accepts the owner's current
// number of independent portfolios. The owner's row stays locked from the
// count to the insert, so concurrent creates for one owner run in turn.
func (db *DB) CreatePortfolioChecked(ctx context.Context, p models.Portfolio, admit func(independent int) error) (models.Portfolio, error) {
	if p.Cash.IsNegative() {
		return models.Portfolio{}, fmt.Errorf("cash must not be negative")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var ownerID int
	if err := tx.QueryRow(ctx, "SELECT id FROM users WHERE id = $1 FOR UPDATE", p.OwnerID).Scan(&ownerID); err != nil {
		return models.Portfolio{}, notFound(err, fmt.Sprintf("user %d", p.OwnerID))
	}
	if p.ClassroomID != nil {
		var classroomID int
		if err := tx.QueryRow(ctx, "SELECT id FROM classrooms WHERE id = $1", *p.ClassroomID).Scan(&classroomID); err != nil {
			return models.Portfolio{}, notFound(err, fmt.Sprintf("classroom %d", *p.ClassroomID))
		}
	}
	if admit != nil {
		var n int
		err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM portfolios WHERE owner_id = $1 AND classroom_id IS NULL", p.OwnerID).Scan(&n)
		if err != nil {
			return models.Portfolio{}, fmt.Errorf("failed to count portfolios: %w", err)
		}
		if err := admit(n); err != nil {
			return models.Portfolio{}, err
		}
	}

	out, err := scanPortfolio(tx.QueryRow(ctx,
		`INSERT INTO portfolios (name, cash, owner_id, classroom_id) VALUES ($1, $2::numeric, $3, $4)
		RETURNING `+portfolioColumns,
		p.Name, p.Cash.String(), p.OwnerID, p.ClassroomID))
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("failed to create portfolio: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Portfolio{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanPortfolio(row pgx.Row) (models.Portfolio, error) {
	var p models.Portfolio
	var cash string
	if err := row.Scan(&p.ID, &p.Name, &cash, &p.OwnerID, &p.ClassroomID, &p.CreatedAt, &p.Version); err != nil {
		return models.Portfolio{}, err
	}
	var err error
	p.Cash, err = decimalFromText(cash)
	return p, err
}

func loadHoldings(ctx context.Context, q querier, portfolioID int) ([]models.Holding, error) {
	rows, err := q.Query(ctx,
		"SELECT ticker, shares, last_price::text FROM holdings WHERE portfolio_id = $1 ORDER BY position",
		portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to get holdings: %w", err)
	}
	defer rows.Close()

	var hs []models.Holding
	for rows.Next() {
		var h models.Holding
		var last string
		if err := rows.Scan(&h.Ticker, &h.Shares, &last); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if h.LastPrice, err = decimalFromText(last); err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, rows.Err()
}

const portfolioColumns = "id, name, cash::text, owner_id, classroom_id, created_at, version"

// GetPortfolio returns a portfolio with its holdings
func (db *DB) GetPortfolio(ctx context.Context, id int) (models.Portfolio, error) {
	p, err := scanPortfolio(db.Pool.QueryRow(ctx,
		"SELECT "+portfolioColumns+" FROM portfolios WHERE id = $1", id))
	if err != nil {
		return models.Portfolio{}, notFound(err, fmt.Sprintf("portfolio %d", id))
	}
	if p.Holdings, err = loadHoldings(ctx, db.Pool, id); err != nil {
		return models.Portfolio{}, err
	}
	return p, nil
}

// ListPortfolios returns the portfolios owned by a user ordered by ID
func (db *DB) ListPortfolios(ctx context.Context, ownerID int) ([]models.Portfolio, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+portfolioColumns+" FROM portfolios WHERE owner_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	var out []models.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		out = append(out, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Holdings, err = loadHoldings(ctx, db.Pool, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountIndependentPortfolios counts a user's portfolios without a classroom
func (db *DB) CountIndependentPortfolios(ctx context.Context, ownerID int) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM portfolios WHERE owner_id = $1 AND classroom_id IS NULL", ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count portfolios: %w", err)
	}
	return n, nil
}

// UpdatePortfolio changes the name and cash of a portfolio
func (db *DB) UpdatePortfolio(ctx context.Context, id int, name string, cash decimal.Decimal) (models.Portfolio, error) {
	if cash.IsNegative() {
		return models.Portfolio{}, fmt.Errorf("cash must not be negative")
	}
	tag, err := db.Pool.Exec(ctx, "UPDATE portfolios SET name = $1, cash = $2::numeric, version = version + 1 WHERE id = $3", name, cash.String(), id)
	if err != nil {
		return models.Portfolio{}, fmt.Errorf("failed to update portfolio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Portfolio{}, fmt.Errorf("portfolio %d: %w", id, models.ErrNotFound)
	}
	return db.GetPortfolio(ctx, id)
}

// DeletePortfolio removes a portfolio and its holdings. Its transactions
// are kept.
func (db *DB) DeletePortfolio(ctx context.Context, id int) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM portfolios WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete portfolio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio %d: %w", id, models.ErrNotFound)
	}
	return nil
}

// ApplyExecution stores the new cash and holdings of p and appends rec in
// one database transaction. It fails with ErrConflict if the portfolio was
// written after p was read, so writers in other processes cannot be lost.
func (db *DB) ApplyExecution(ctx context.Context, p models.Portfolio, rec models.TransactionRecord) (models.TransactionRecord, error) {
	if p.Cash.IsNegative() {
		return models.TransactionRecord{}, fmt.Errorf("cash must not be negative")
	}
	if err := txlog.Validate(rec); err != nil {
		return models.TransactionRecord{}, err
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row for update to prevent concurrent modifications
	var version int
	err = tx.QueryRow(ctx, "SELECT version FROM portfolios WHERE id = $1 FOR UPDATE", p.ID).Scan(&version)
	if err != nil {
		return models.TransactionRecord{}, notFound(err, fmt.Sprintf("portfolio %d", p.ID))
	}
	if version != p.Version {
		return models.TransactionRecord{}, fmt.Errorf("portfolio %d at version %d, snapshot %d: %w", p.ID, version, p.Version, models.ErrConflict)
	}

	batch := &pgx.Batch{}
	batch.Queue("UPDATE portfolios SET cash = $1::numeric, version = version + 1 WHERE id = $2", p.Cash.String(), p.ID)
	batch.Queue("DELETE FROM holdings WHERE portfolio_id = $1", p.ID)
	for i, h := range p.Holdings {
		batch.Queue("INSERT INTO holdings (portfolio_id, ticker, shares, last_price, position) VALUES ($1, $2, $3, $4::numeric, $5)",
			p.ID, h.Ticker, h.Shares, h.LastPrice.String(), i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to write holdings: %w", err)
	}

	saved, err := appendRecord(ctx, tx, rec)
	if err != nil {
		return models.TransactionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

func appendRecord(ctx context.Context, q querier, rec models.TransactionRecord) (models.TransactionRecord, error) {
	err := q.QueryRow(ctx,
		`INSERT INTO transactions (portfolio_id, user_id, ticker, shares, price, executed_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6) RETURNING id`,
		rec.PortfolioID, rec.UserID, rec.Ticker, rec.Shares, rec.Price.String(), rec.ExecutedAt).Scan(&rec.ID)
	if err != nil {
		return models.TransactionRecord{}, fmt.Errorf("failed to append transaction: %w", err)
	}
	return rec, nil
}

// Append writes a record to the transaction log outside of an execution
func (db *DB) Append(ctx context.Context, rec models.TransactionRecord) (models.TransactionRecord, error) {
	if err := txlog.Validate(rec); err != nil {
		return models.TransactionRecord{}, err
	}
	return appendRecord(ctx, db.Pool, rec)
}

// Query reads the transaction log oldest first
func (db *DB) Query(ctx context.Context, f txlog.Filter) ([]models.TransactionRecord, error) {
	var where string
	var arg int
	switch {
	case !f.Valid():
		return nil, fmt.Errorf("filter must select exactly one of user or portfolio")
	case f.UserID != nil:
		where, arg = "user_id", *f.UserID
	default:
		where, arg = "portfolio_id", *f.PortfolioID
	}

	rows, err := db.Pool.Query(ctx,
		"SELECT id, portfolio_id, user_id, ticker, shares, price::text, executed_at FROM transactions WHERE "+where+" = $1 ORDER BY id",
		arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		var r models.TransactionRecord
		var price string
		if err := rows.Scan(&r.ID, &r.PortfolioID, &r.UserID, &r.Ticker, &r.Shares, &price, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if r.Price, err = decimalFromText(price); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
