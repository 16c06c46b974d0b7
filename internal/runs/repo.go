// Package runs persists the audit trail of strategy execution: run
// logs with their ordered trace steps, and the signals each run
// produced. All rows are append-only; only a run's outcome is finalized
// in place when it closes.
package runs

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// RunRepo persists run logs and trace steps in engine.db
type RunRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRunRepo creates a run repository
func NewRunRepo(db *database.DB, log zerolog.Logger) *RunRepo {
	return &RunRepo{
		db:  db,
		log: log.With().Str("repo", "runs").Logger(),
	}
}

// Open inserts a run log with a provisional OK outcome, assigning the
// id and start time when unset.
func (r *RunRepo) Open(run *domain.RunLog) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Outcome == "" {
		run.Outcome = domain.OutcomeOK
	}

	_, err := r.db.Exec(`
		INSERT INTO run_logs (id, strategy_id, started_at, outcome)
		VALUES (?, ?, ?, ?)`,
		run.ID, run.StrategyID, run.StartedAt.Unix(), string(run.Outcome))
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	return nil
}

// Close finalizes a run's outcome and stamps finished_at
func (r *RunRepo) Close(runID string, outcome domain.RunOutcome, errMsg string) error {
	_, err := r.db.Exec(`
		UPDATE run_logs SET finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		time.Now().Unix(), string(outcome), nullString(errMsg), runID)
	if err != nil {
		return fmt.Errorf("failed to close run %s: %w", runID, err)
	}
	return nil
}

// Get returns a run log by id, or nil when it does not exist
func (r *RunRepo) Get(runID string) (*domain.RunLog, error) {
	row := r.db.QueryRow(`
		SELECT id, strategy_id, started_at, finished_at, outcome, error
		FROM run_logs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &run, nil
}

// Recent returns a strategy's newest runs
func (r *RunRepo) Recent(strategyID int64, limit int) ([]domain.RunLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, strategy_id, started_at, finished_at, outcome, error
		FROM run_logs WHERE strategy_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load runs for strategy %d: %w", strategyID, err)
	}
	defer rows.Close()

	var out []domain.RunLog
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SaveTrace writes a run's trace steps in one transaction
func (r *RunRepo) SaveTrace(runID string, trace *domain.Trace) error {
	steps := trace.Steps()
	if len(steps) == 0 {
		return nil
	}
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO trace_steps (run_id, step_index, kind, label, input_digest, output_digest, details, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trace insert: %w", err)
		}
		defer stmt.Close()

		for _, step := range steps {
			_, err := stmt.Exec(runID, step.StepIndex, string(step.Kind), step.Label,
				step.InputDigest, step.OutputDigest, step.Details, step.DurationMs)
			if err != nil {
				return fmt.Errorf("failed to insert trace step %d: %w", step.StepIndex, err)
			}
		}
		return nil
	})
}

// Steps returns a run's trace steps in order
func (r *RunRepo) Steps(runID string) ([]domain.TraceStep, error) {
	rows, err := r.db.Query(`
		SELECT run_id, step_index, kind, label, input_digest, output_digest, details, duration_ms
		FROM trace_steps WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trace for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []domain.TraceStep
	for rows.Next() {
		var step domain.TraceStep
		var kind string
		if err := rows.Scan(&step.RunID, &step.StepIndex, &kind, &step.Label,
			&step.InputDigest, &step.OutputDigest, &step.Details, &step.DurationMs); err != nil {
			return nil, err
		}
		step.Kind = domain.StepKind(kind)
		out = append(out, step)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (domain.RunLog, error) {
	var run domain.RunLog
	var startedAt int64
	var finishedAt sql.NullInt64
	var outcome string
	var errMsg sql.NullString
	err := row.Scan(&run.ID, &run.StrategyID, &startedAt, &finishedAt, &outcome, &errMsg)
	if err != nil {
		return domain.RunLog{}, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &t
	}
	run.Outcome = domain.RunOutcome(outcome)
	run.Error = errMsg.String
	return run, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// SignalRepo persists evaluator signals in engine.db
type SignalRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSignalRepo creates a signal repository
func NewSignalRepo(db *database.DB, log zerolog.Logger) *SignalRepo {
	return &SignalRepo{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

// Append records a signal, assigning id and timestamp when unset
func (r *SignalRepo) Append(s *domain.Signal) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(`
		INSERT INTO signals (id, strategy_id, symbol, action, conviction, price_at_signal, reason, raw_analysis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StrategyID, s.Symbol, string(s.Action), s.Conviction,
		s.PriceAtSignal, s.Reason, s.RawAnalysis, s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// Recent returns the newest signals, optionally filtered by strategy
func (r *SignalRepo) Recent(strategyID int64, limit int) ([]domain.Signal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, strategy_id, symbol, action, conviction, price_at_signal, reason, raw_analysis, created_at
		FROM signals`
	args := []interface{}{}
	if strategyID > 0 {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var s domain.Signal
		var action string
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.StrategyID, &s.Symbol, &action, &s.Conviction,
			&s.PriceAtSignal, &s.Reason, &s.RawAnalysis, &createdAt); err != nil {
			return nil, err
		}
		s.Action = domain.Action(action)
		s.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}
