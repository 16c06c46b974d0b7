// Package strategies persists strategy definitions and owns their
// lifecycle rows in engine.db. Status transitions themselves are decided
// by the scheduler and the admin surface; this package only validates
// and writes.
package strategies

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// Repo is the strategy repository
type Repo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepo creates a strategy repository
func NewRepo(db *database.DB, log zerolog.Logger) *Repo {
	return &Repo{
		db:  db,
		log: log.With().Str("repo", "strategies").Logger(),
	}
}

// Create validates and inserts a strategy, assigning ID and CreatedAt
func (r *Repo) Create(s *domain.Strategy) error {
	if err := validate(s); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}
	s.CreatedAt = time.Now()

	res, err := r.db.Exec(`
		INSERT INTO strategies (name, type, symbol, status, schedule_interval, parameters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Name, string(s.Type), s.Symbol, string(s.Status), s.ScheduleInterval,
		string(s.Parameters), s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create strategy: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		s.ID = id
	}
	r.log.Info().Int64("strategy_id", s.ID).Str("type", string(s.Type)).
		Str("symbol", s.Symbol).Msg("Strategy created")
	return nil
}

// Get returns a strategy by id, or nil when it does not exist
func (r *Repo) Get(id int64) (*domain.Strategy, error) {
	row := r.db.QueryRow(selectColumns+` FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %d: %w", id, err)
	}
	return &s, nil
}

// All returns every strategy, newest first
func (r *Repo) All() ([]domain.Strategy, error) {
	return r.list(selectColumns + ` FROM strategies ORDER BY id DESC`)
}

// Active returns the strategies the scheduler should be running
func (r *Repo) Active() ([]domain.Strategy, error) {
	return r.list(selectColumns+` FROM strategies WHERE status = ? ORDER BY id`,
		string(domain.StatusActive))
}

// Update rewrites a strategy's mutable fields. The type is immutable;
// parameters are validated against it.
func (r *Repo) Update(s *domain.Strategy) error {
	existing, err := r.Get(s.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("strategy %d not found", s.ID)
	}
	if s.Type != existing.Type {
		return fmt.Errorf("strategy type is immutable (is %s, got %s)", existing.Type, s.Type)
	}
	if err := validate(s); err != nil {
		return err
	}

	_, err = r.db.Exec(`
		UPDATE strategies
		SET name = ?, symbol = ?, schedule_interval = ?, parameters = ?
		WHERE id = ?`,
		s.Name, s.Symbol, s.ScheduleInterval, string(s.Parameters), s.ID)
	if err != nil {
		return fmt.Errorf("failed to update strategy %d: %w", s.ID, err)
	}
	return nil
}

// SetStatus writes a strategy's lifecycle state
func (r *Repo) SetStatus(id int64, status domain.StrategyStatus) error {
	res, err := r.db.Exec(`UPDATE strategies SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set status for strategy %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("strategy %d not found", id)
	}
	r.log.Info().Int64("strategy_id", id).Str("status", string(status)).Msg("Strategy status changed")
	return nil
}

// SetLastRun records the start of the most recent run
func (r *Repo) SetLastRun(id int64, at time.Time) error {
	_, err := r.db.Exec(`UPDATE strategies SET last_run_at = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set last_run_at for strategy %d: %w", id, err)
	}
	return nil
}

// SaveParameters persists evaluator-updated runtime state (grid levels
// and lots live inside the parameter blob).
func (r *Repo) SaveParameters(id int64, t domain.StrategyType, raw []byte) error {
	if err := domain.ValidateParameters(t, raw); err != nil {
		return err
	}
	_, err := r.db.Exec(`UPDATE strategies SET parameters = ? WHERE id = ?`, string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to save parameters for strategy %d: %w", id, err)
	}
	return nil
}

// Delete removes a strategy. Run logs and signals cascade; trades are in
// their own database and survive.
func (r *Repo) Delete(id int64) error {
	res, err := r.db.Exec(`DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete strategy %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("strategy %d not found", id)
	}
	return nil
}

const selectColumns = `SELECT id, name, type, symbol, status, schedule_interval, parameters, last_run_at, created_at`

func (r *Repo) list(query string, args ...interface{}) ([]domain.Strategy, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (domain.Strategy, error) {
	var s domain.Strategy
	var typ, status, params string
	var lastRun sql.NullInt64
	var createdAt int64
	err := row.Scan(&s.ID, &s.Name, &typ, &s.Symbol, &status, &s.ScheduleInterval,
		&params, &lastRun, &createdAt)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.Type = domain.StrategyType(typ)
	s.Status = domain.StrategyStatus(status)
	s.Parameters = []byte(params)
	if lastRun.Valid {
		t := time.Unix(lastRun.Int64, 0)
		s.LastRunAt = &t
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	return s, nil
}

func validate(s *domain.Strategy) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("strategy name must not be empty")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown strategy type %q", s.Type)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("strategy symbol must not be empty")
	}
	if s.ScheduleInterval < 1 {
		return fmt.Errorf("schedule_interval must be at least 1 second, got %d", s.ScheduleInterval)
	}
	return domain.ValidateParameters(s.Type, s.Parameters)
}
