// Package kvstore is the durable key-value table behind each side of the
// two-phase commit protocol: a single `transactions` table keyed by TxId,
// backed by an embedded SQLite database file (one per coordinator or
// participant process — never shared across processes). Every mutation is
// an upsert, so replaying a WAL record twice is harmless: the row simply
// gets overwritten with the same values.
package kvstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Row is one transaction's durable record. CommittedTo is always empty on
// the participant side.
type Row struct {
	TxID        string
	State       string
	CommittedTo []int
}

// Store wraps a single-writer SQLite database holding the transactions table.
type Store struct {
	db *sql.DB
}

// Open creates (if necessary) and opens the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	// The coordinator/participant already serializes writes with its own
	// mutex; a single connection keeps SQLite's own locking out of the way.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		committed_to TEXT NOT NULL DEFAULT ''
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transactions table: %w", err)
	}
	return &Store{db: db}, nil
}

// Put upserts a row. Last writer wins, which is what makes WAL replay
// idempotent: re-applying an older record after a newer one was already
// applied would be a bug in the caller, not in this store, but applying the
// same record twice (the actual crash-recovery scenario) is always safe.
func (s *Store) Put(row Row) error {
	committedTo := joinIndices(row.CommittedTo)
	const stmt = `INSERT INTO transactions (id, state, committed_to) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, committed_to = excluded.committed_to`
	if _, err := s.db.Exec(stmt, row.TxID, row.State, committedTo); err != nil {
		return fmt.Errorf("upsert transaction %s: %w", row.TxID, err)
	}
	return nil
}

// Get returns the row for id, or ok=false if there is no record.
func (s *Store) Get(id string) (Row, bool, error) {
	var row Row
	var committedTo string
	err := s.db.QueryRow(`SELECT id, state, committed_to FROM transactions WHERE id = ?`, id).
		Scan(&row.TxID, &row.State, &committedTo)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("get transaction %s: %w", id, err)
	}
	row.CommittedTo = parseIndices(committedTo)
	return row, true, nil
}

// ListByState returns every row currently in the given state, used by
// startup recovery to find in-flight transactions.
func (s *Store) ListByState(state string) ([]Row, error) {
	rows, err := s.db.Query(`SELECT id, state, committed_to FROM transactions WHERE state = ?`, state)
	if err != nil {
		return nil, fmt.Errorf("list transactions in state %s: %w", state, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var committedTo string
		if err := rows.Scan(&row.TxID, &row.State, &committedTo); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		row.CommittedTo = parseIndices(committedTo)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func parseIndices(field string) []int {
	if field == "" {
		return nil
	}
	parts := strings.Split(field, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
