// Package wal implements the write-ahead log shared by the coordinator and
// participant sides of the two-phase commit protocol. It is a line-oriented,
// append-only CSV file: every state transition is appended here before it is
// applied to the durable key-value table, and the file is removed once a
// full replay has been materialized. Replay is idempotent by construction —
// each record fully describes the row's new state, so re-applying any
// prefix followed by the full log yields the same table as applying the
// full log once.
package wal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Record is one WAL entry. CommittedTo is nil for participant records; the
// coordinator is the only side that ever populates it.
type Record struct {
	TxID        string
	State       string
	CommittedTo []int
}

// WAL is an append-only log; its internal mutex serializes access to the
// file. Keeping an append together with the key-value write it precedes is
// up to the caller's own lock.
type WAL struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// Open creates or appends to the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file %s: %w", path, err)
	}
	return &WAL{path: path, file: f, w: csv.NewWriter(f)}, nil
}

// Append writes one record and flushes it to disk before returning, so the
// caller's subsequent key-value write is preceded by a durable log entry.
func (l *WAL) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := []string{r.TxID, r.State}
	if r.CommittedTo != nil {
		fields = append(fields, joinIndices(r.CommittedTo))
	}
	if err := l.w.Write(fields); err != nil {
		return fmt.Errorf("append WAL record: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush WAL writer: %w", err)
	}
	return l.file.Sync()
}

// Replay reads every record currently in the WAL file, in order.
func (l *WAL) Replay() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek WAL for replay: %w", err)
	}
	r := csv.NewReader(l.file)
	r.FieldsPerRecord = -1 // participant (2) and coordinator (3) widths differ

	var records []Record
	for {
		fields, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read WAL record: %w", err)
		}
		if len(fields) < 2 {
			continue
		}
		rec := Record{TxID: fields[0], State: fields[1]}
		if len(fields) >= 3 && fields[2] != "" {
			indices, err := parseIndices(fields[2])
			if err != nil {
				return nil, fmt.Errorf("parse committed_to field: %w", err)
			}
			rec.CommittedTo = indices
		} else if len(fields) >= 3 {
			rec.CommittedTo = []int{}
		}
		records = append(records, rec)
	}

	if _, err := l.file.Seek(0, 2); err != nil {
		return nil, fmt.Errorf("seek WAL back to end: %w", err)
	}
	return records, nil
}

// Remove deletes the WAL file and reopens a fresh, empty one at the same
// path for further appends. Call only after every replayed record has been
// durably materialized in the key-value store.
func (l *WAL) Remove() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close WAL before removal: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove WAL file: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen WAL file after removal: %w", err)
	}
	l.file = f
	l.w = csv.NewWriter(f)
	return nil
}

// Close closes the underlying file.
func (l *WAL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func joinIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ",")
}

func parseIndices(field string) ([]int, error) {
	parts := strings.Split(field, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid participant index %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
