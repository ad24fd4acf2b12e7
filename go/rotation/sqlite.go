package rotation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store: account rotation state survives process
// restarts so a redeploy doesn't reset fairness bookkeeping.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account_state (
	source               TEXT NOT NULL,
	handle               TEXT NOT NULL,
	priority             TEXT NOT NULL DEFAULT 'normal',
	last_attempted_at    INTEGER NOT NULL DEFAULT 0,
	last_completed_at    INTEGER NOT NULL DEFAULT 0,
	processed_last_run   INTEGER NOT NULL DEFAULT 0,
	was_completed        INTEGER NOT NULL DEFAULT 0,
	has_more_data        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, handle)
);`

// NewSQLiteStore opens (and if needed initializes) the state database at |path|.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening account state db: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing account state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(source message.Source, handle string) (AccountState, bool, error) {
	var row = s.db.QueryRow(`
		SELECT priority, last_attempted_at, last_completed_at, processed_last_run,
		       was_completed, has_more_data, consecutive_failures
		FROM account_state WHERE source = ? AND handle = ?`,
		string(source), handle)

	var state = AccountState{Source: source, Handle: handle}
	var attempted, completed int64
	var wasCompleted, hasMore int
	var err = row.Scan(&state.Priority, &attempted, &completed, &state.ProcessedLastRun,
		&wasCompleted, &hasMore, &state.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return AccountState{}, false, nil
	}
	if err != nil {
		return AccountState{}, false, fmt.Errorf("reading account state: %w", err)
	}
	state.LastAttemptedAt = unixTime(attempted)
	state.LastCompletedAt = unixTime(completed)
	state.WasCompleted = wasCompleted != 0
	state.HasMoreData = hasMore != 0
	return state, true, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(state AccountState) error {
	var _, err = s.db.Exec(`
		INSERT INTO account_state
			(source, handle, priority, last_attempted_at, last_completed_at,
			 processed_last_run, was_completed, has_more_data, consecutive_failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, handle) DO UPDATE SET
			priority = excluded.priority,
			last_attempted_at = excluded.last_attempted_at,
			last_completed_at = excluded.last_completed_at,
			processed_last_run = excluded.processed_last_run,
			was_completed = excluded.was_completed,
			has_more_data = excluded.has_more_data,
			consecutive_failures = excluded.consecutive_failures`,
		string(state.Source), state.Handle, string(state.Priority),
		unixOrZero(state.LastAttemptedAt), unixOrZero(state.LastCompletedAt),
		state.ProcessedLastRun, boolInt(state.WasCompleted), boolInt(state.HasMoreData),
		state.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("writing account state: %w", err)
	}
	return nil
}

// All implements Store.
func (s *SQLiteStore) All(source message.Source) ([]AccountState, error) {
	var rows, err = s.db.Query(`
		SELECT handle, priority, last_attempted_at, last_completed_at, processed_last_run,
		       was_completed, has_more_data, consecutive_failures
		FROM account_state WHERE source = ?`, string(source))
	if err != nil {
		return nil, fmt.Errorf("listing account state: %w", err)
	}
	defer rows.Close()

	var out []AccountState
	for rows.Next() {
		var state = AccountState{Source: source}
		var attempted, completed int64
		var wasCompleted, hasMore int
		if err := rows.Scan(&state.Handle, &state.Priority, &attempted, &completed,
			&state.ProcessedLastRun, &wasCompleted, &hasMore, &state.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scanning account state: %w", err)
		}
		state.LastAttemptedAt = unixTime(attempted)
		state.LastCompletedAt = unixTime(completed)
		state.WasCompleted = wasCompleted != 0
		state.HasMoreData = hasMore != 0
		out = append(out, state)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
