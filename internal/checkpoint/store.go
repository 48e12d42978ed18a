// Package checkpoint persists completed backtest windows so walk-forward
// batches can resume instead of recomputing.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quantkit/tradeledger/pkg/types"
)

// Store is a SQLite-backed checkpoint store. Runs are keyed by
// (algorithm id, window start, window end); writing the same key again
// replaces the stored run.
type Store struct {
	db *sql.DB
}

// Open opens or creates the checkpoint database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS backtest_runs (
		algorithm_id TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		run TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (algorithm_id, start_date, end_date)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_algorithm ON backtest_runs(algorithm_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a completed window, replacing any previous run for the
// same key.
func (s *Store) Save(ctx context.Context, run types.BacktestRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO backtest_runs (algorithm_id, start_date, end_date, run)
		VALUES (?, ?, ?, ?)
	`, run.AlgorithmID, run.StartDate.UTC(), run.EndDate.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Load returns the stored run for one window. The second return value is
// false when no checkpoint exists for the key.
func (s *Store) Load(ctx context.Context, algorithmID string, window types.DateRange) (types.BacktestRun, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT run FROM backtest_runs
		WHERE algorithm_id = ? AND start_date = ? AND end_date = ?
	`, algorithmID, window.Start.UTC(), window.End.UTC()).Scan(&payload)
	if err == sql.ErrNoRows {
		return types.BacktestRun{}, false, nil
	}
	if err != nil {
		return types.BacktestRun{}, false, fmt.Errorf("failed to load run: %w", err)
	}

	var run types.BacktestRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return types.BacktestRun{}, false, fmt.Errorf("failed to decode run: %w", err)
	}
	return run, true, nil
}

// List returns every stored window for an algorithm in chronological
// order.
func (s *Store) List(ctx context.Context, algorithmID string) ([]types.BacktestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run FROM backtest_runs
		WHERE algorithm_id = ?
		ORDER BY start_date ASC
	`, algorithmID)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []types.BacktestRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run types.BacktestRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Delete removes every stored window for an algorithm. Used when a
// strategy is dropped from a batch and its results are released.
func (s *Store) Delete(ctx context.Context, algorithmID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM backtest_runs WHERE algorithm_id = ?
	`, algorithmID)
	if err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return nil
}
