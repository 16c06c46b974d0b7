package broker

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// execer is satisfied by both *database.DB and *sql.Tx, so repository
// writes can run standalone or inside a transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// AccountRepo persists the singleton account row in engine.db
type AccountRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewAccountRepo creates an account repository
func NewAccountRepo(db *database.DB, log zerolog.Logger) *AccountRepo {
	return &AccountRepo{
		db:  db,
		log: log.With().Str("repo", "account").Logger(),
	}
}

// Init creates the account row with the given starting cash if it does
// not exist yet. An existing row is left untouched.
func (r *AccountRepo) Init(initialCash float64) error {
	_, err := r.db.Exec(`
		INSERT INTO account (id, cash, equity_high_water_mark, circuit_breaker_active, circuit_breaker_reason, updated_at)
		VALUES (1, ?, ?, 0, '', ?)
		ON CONFLICT(id) DO NOTHING`,
		initialCash, initialCash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to initialize account: %w", err)
	}
	return nil
}

// Get returns the account row
func (r *AccountRepo) Get() (*domain.Account, error) {
	var acct domain.Account
	var breakerActive int
	var updatedAt int64
	err := r.db.QueryRow(`
		SELECT cash, equity_high_water_mark, circuit_breaker_active, circuit_breaker_reason, updated_at
		FROM account WHERE id = 1`).
		Scan(&acct.Cash, &acct.EquityHighWaterMark, &breakerActive, &acct.CircuitBreakerReason, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	acct.CircuitBreakerActive = breakerActive != 0
	acct.UpdatedAt = time.Unix(updatedAt, 0)
	return &acct, nil
}

// Save overwrites the account row
func (r *AccountRepo) Save(acct *domain.Account) error {
	return r.save(r.db, acct)
}

// SaveTx overwrites the account row inside a transaction
func (r *AccountRepo) SaveTx(tx *sql.Tx, acct *domain.Account) error {
	return r.save(tx, acct)
}

func (r *AccountRepo) save(q execer, acct *domain.Account) error {
	breaker := 0
	if acct.CircuitBreakerActive {
		breaker = 1
	}
	_, err := q.Exec(`
		UPDATE account
		SET cash = ?, equity_high_water_mark = ?, circuit_breaker_active = ?, circuit_breaker_reason = ?, updated_at = ?
		WHERE id = 1`,
		acct.Cash, acct.EquityHighWaterMark, breaker, acct.CircuitBreakerReason, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// PositionRepo persists open positions in engine.db
type PositionRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewPositionRepo creates a position repository
func NewPositionRepo(db *database.DB, log zerolog.Logger) *PositionRepo {
	return &PositionRepo{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// All returns every open position, ordered by symbol
func (r *PositionRepo) All() ([]domain.Position, error) {
	return r.all(r.db)
}

// AllTx returns every open position as seen inside a transaction
func (r *PositionRepo) AllTx(tx *sql.Tx) ([]domain.Position, error) {
	return r.all(tx)
}

func (r *PositionRepo) all(q execer) ([]domain.Position, error) {
	rows, err := q.Query(`
		SELECT symbol, amount, average_cost, opened_at, last_updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Get returns the position for a symbol, if any
func (r *PositionRepo) Get(symbol string) (*domain.Position, error) {
	return r.get(r.db, symbol)
}

// GetTx returns the position for a symbol as seen inside a transaction
func (r *PositionRepo) GetTx(tx *sql.Tx, symbol string) (*domain.Position, error) {
	return r.get(tx, symbol)
}

func (r *PositionRepo) get(q execer, symbol string) (*domain.Position, error) {
	row := q.QueryRow(`
		SELECT symbol, amount, average_cost, opened_at, last_updated_at
		FROM positions WHERE symbol = ?`, symbol)

	var p domain.Position
	var openedAt, updatedAt int64
	err := row.Scan(&p.Symbol, &p.Amount, &p.AverageCost, &openedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position %s: %w", symbol, err)
	}
	p.OpenedAt = time.Unix(openedAt, 0)
	p.LastUpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// Upsert writes a position row
func (r *PositionRepo) Upsert(p *domain.Position) error {
	return r.upsert(r.db, p)
}

// UpsertTx writes a position row inside a transaction
func (r *PositionRepo) UpsertTx(tx *sql.Tx, p *domain.Position) error {
	return r.upsert(tx, p)
}

func (r *PositionRepo) upsert(q execer, p *domain.Position) error {
	_, err := q.Exec(`
		INSERT INTO positions (symbol, amount, average_cost, opened_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			amount = excluded.amount,
			average_cost = excluded.average_cost,
			last_updated_at = excluded.last_updated_at`,
		p.Symbol, p.Amount, p.AverageCost, p.OpenedAt.Unix(), p.LastUpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// Delete removes a closed position
func (r *PositionRepo) Delete(symbol string) error {
	return r.delete(r.db, symbol)
}

// DeleteTx removes a closed position inside a transaction
func (r *PositionRepo) DeleteTx(tx *sql.Tx, symbol string) error {
	return r.delete(tx, symbol)
}

func (r *PositionRepo) delete(q execer, symbol string) error {
	_, err := q.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var openedAt, updatedAt int64
	if err := row.Scan(&p.Symbol, &p.Amount, &p.AverageCost, &openedAt, &updatedAt); err != nil {
		return domain.Position{}, err
	}
	p.OpenedAt = time.Unix(openedAt, 0)
	p.LastUpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}

// TradeRepo appends to the trade ledger in ledger.db. Rows are never
// updated or deleted.
type TradeRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewTradeRepo creates a trade repository
func NewTradeRepo(db *database.DB, log zerolog.Logger) *TradeRepo {
	return &TradeRepo{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// Append records an executed trade
func (r *TradeRepo) Append(t *domain.Trade) error {
	res, err := r.db.Exec(`
		INSERT INTO trades (strategy_id, symbol, side, price, amount, value, fee, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.StrategyID, t.Symbol, string(t.Side), t.Price, t.Amount, t.Value, t.Fee, t.Reason, t.ExecutedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// Recent returns the newest trades, optionally filtered by symbol
func (r *TradeRepo) Recent(symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, strategy_id, symbol, side, price, amount, value, fee, reason, executed_at
		FROM trades`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY executed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side string
		var executedAt int64
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.Symbol, &side, &t.Price, &t.Amount,
			&t.Value, &t.Fee, &t.Reason, &executedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExecutedAt = time.Unix(executedAt, 0)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
