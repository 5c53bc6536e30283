// Package store persists positions and budget counters in SQLite so a
// restart neither resubmits sells nor resets the daily call budget.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
	"kis-autosell/internal/watcher"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	execution_id  TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	fill_price    REAL NOT NULL,
	quantity      INTEGER NOT NULL,
	filled_at     TIMESTAMP NOT NULL,
	state         TEXT NOT NULL,
	sell_order_id TEXT NOT NULL DEFAULT '',
	target_price  REAL NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_filled_at ON positions(filled_at);

CREATE TABLE IF NOT EXISTS budget_counters (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	hour_count INTEGER NOT NULL,
	day_count  INTEGER NOT NULL,
	as_of      TIMESTAMP NOT NULL
);
`

// Store is a SQLite-backed persistence layer.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
	log    zerolog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db, log: logging.WithComponent(logger, "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// SavePosition upserts one position by execution id.
func (s *Store) SavePosition(p watcher.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO positions
			(execution_id, symbol, fill_price, quantity, filled_at, state, sell_order_id, target_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			state = excluded.state,
			sell_order_id = excluded.sell_order_id,
			updated_at = excluded.updated_at`,
		p.ExecutionID, p.Symbol, p.FillPrice, p.Quantity, p.FilledAt,
		string(p.State), p.SellOrderID, p.TargetPrice, time.Now())
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.ExecutionID, err)
	}
	return nil
}

// OpenPositions returns every position filled on the given calendar day.
// Terminal positions are included so restart-time duplicate fills still
// dedupe against them.
func (s *Store) OpenPositions(day time.Time) ([]watcher.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.ErrStoreClosed
	}

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	rows, err := s.db.Query(`
		SELECT execution_id, symbol, fill_price, quantity, filled_at, state, sell_order_id, target_price
		FROM positions
		WHERE filled_at >= ? AND filled_at < ?
		ORDER BY filled_at`,
		dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var out []watcher.Position
	for rows.Next() {
		var p watcher.Position
		var state string
		if err := rows.Scan(&p.ExecutionID, &p.Symbol, &p.FillPrice, &p.Quantity,
			&p.FilledAt, &state, &p.SellOrderID, &p.TargetPrice); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.State = watcher.SellState(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveBudget persists the current hour and day counters.
func (s *Store) SaveBudget(asOf time.Time, hourCount, dayCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO budget_counters (id, hour_count, day_count, as_of)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hour_count = excluded.hour_count,
			day_count = excluded.day_count,
			as_of = excluded.as_of`,
		hourCount, dayCount, asOf)
	if err != nil {
		return fmt.Errorf("saving budget counters: %w", err)
	}
	return nil
}

// LoadBudget returns the persisted counters, or ok=false when none exist.
func (s *Store) LoadBudget() (asOf time.Time, hourCount, dayCount int, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, 0, 0, false, apperrors.ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT hour_count, day_count, as_of FROM budget_counters WHERE id = 1`)
	if err := row.Scan(&hourCount, &dayCount, &asOf); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, 0, 0, false, nil
		}
		return time.Time{}, 0, 0, false, fmt.Errorf("loading budget counters: %w", err)
	}
	return asOf, hourCount, dayCount, true, nil
}

var _ watcher.PositionStore = (*Store)(nil)
