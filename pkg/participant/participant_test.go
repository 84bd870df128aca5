package participant

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnohosten/twopc/pkg/txn"
)

func newTestParticipant(t *testing.T, coordURL string) *Participant {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(Config{
		Name:           "p1",
		CoordinatorURL: coordURL,
		WALPath:        filepath.Join(dir, "p.wal"),
		StorePath:      filepath.Join(dir, "p.db"),
		InitTimeout:    time.Hour,
		Deadline:       time.Second,
	})
	if err != nil {
		t.Fatalf("open participant: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestInitializeIsIdempotent(t *testing.T) {
	p := newTestParticipant(t, "http://unused")

	if err := p.Initialize("tx1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Initialize("tx1"); err != nil {
		t.Fatalf("second initialize: %v", err)
	}

	state, ok := p.State("tx1")
	if !ok || state != txn.ParticipantInitialized {
		t.Fatalf("expected INITIALIZED, got %v (ok=%v)", state, ok)
	}
}

func TestPrepareVotesYesAndIsDurable(t *testing.T) {
	p := newTestParticipant(t, "http://unused")
	p.Initialize("tx1")

	vote, err := p.Prepare("tx1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !vote {
		t.Fatal("expected YES vote")
	}

	state, _ := p.State("tx1")
	if state != txn.ParticipantPrepared {
		t.Fatalf("expected PREPARED, got %v", state)
	}
	row, ok, err := p.store.Get("tx1")
	if err != nil || !ok || row.State != string(txn.ParticipantPrepared) {
		t.Fatalf("expected PREPARED to be persisted, got %+v (ok=%v err=%v)", row, ok, err)
	}

	// Re-Prepare on an already-PREPARED transaction returns YES again.
	vote, err = p.Prepare("tx1")
	if err != nil || !vote {
		t.Fatalf("expected idempotent YES, got vote=%v err=%v", vote, err)
	}
}

func TestPrepareVotesNoWhenRestricted(t *testing.T) {
	p := newTestParticipant(t, "http://unused")
	p.Initialize("tx1")
	p.RestrictDBAccess()

	vote, err := p.Prepare("tx1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote {
		t.Fatal("expected NO vote while db access is restricted")
	}

	state, _ := p.State("tx1")
	if state != txn.ParticipantInitialized {
		t.Fatalf("expected state to remain INITIALIZED after a NO vote, got %v", state)
	}
}

func TestPrepareUnknownTransactionIsAnError(t *testing.T) {
	p := newTestParticipant(t, "http://unused")

	if _, err := p.Prepare("ghost"); err != txn.ErrUnknownTransaction {
		t.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}

func TestCommitIsIdempotentAndDoesNotRegress(t *testing.T) {
	p := newTestParticipant(t, "http://unused")
	p.Initialize("tx1")
	p.Prepare("tx1")

	if err := p.Commit("tx1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := p.Commit("tx1"); err != nil {
		t.Fatalf("duplicate commit: %v", err)
	}

	state, _ := p.State("tx1")
	if state != txn.ParticipantCommitted {
		t.Fatalf("expected COMMITTED, got %v", state)
	}
}

func TestAbortOnUnknownTransactionStoresAbortedGhostRow(t *testing.T) {
	p := newTestParticipant(t, "http://unused")

	if err := p.Abort("ghost"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	state, ok := p.State("ghost")
	if !ok || state != txn.ParticipantAborted {
		t.Fatalf("expected ghost row in ABORTED, got %v (ok=%v)", state, ok)
	}
}

func TestInitTimeoutAbortsTransaction(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{
		Name:           "p1",
		CoordinatorURL: "http://unused",
		WALPath:        filepath.Join(dir, "p.wal"),
		StorePath:      filepath.Join(dir, "p.db"),
		InitTimeout:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	p.Initialize("tx1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state, ok := p.State("tx1"); ok && state == txn.ParticipantAborted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected tx1 to be aborted after its init timer fired")
}

func TestInitTimeoutDoesNotFireAfterPrepare(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Config{
		Name:           "p1",
		CoordinatorURL: "http://unused",
		WALPath:        filepath.Join(dir, "p.wal"),
		StorePath:      filepath.Join(dir, "p.db"),
		InitTimeout:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	p.Initialize("tx1")
	if _, err := p.Prepare("tx1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	state, _ := p.State("tx1")
	if state != txn.ParticipantPrepared {
		t.Fatalf("expected PREPARED to survive the init timer, got %v", state)
	}
}

func TestRecoveryAsksCoordinatorForPreparedOutcome(t *testing.T) {
	coordCalls := 0
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coordCalls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"commit": true}`))
	}))
	defer coord.Close()

	dir := t.TempDir()
	walPath := filepath.Join(dir, "p.wal")
	storePath := filepath.Join(dir, "p.db")

	p1, err := Open(Config{Name: "p1", CoordinatorURL: coord.URL, WALPath: walPath, StorePath: storePath, InitTimeout: time.Hour, Deadline: time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p1.Initialize("tx1")
	p1.Prepare("tx1")
	p1.Close()

	p2, err := Open(Config{Name: "p1", CoordinatorURL: coord.URL, WALPath: walPath, StorePath: storePath, InitTimeout: time.Hour, Deadline: time.Second})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	if coordCalls == 0 {
		t.Fatal("expected recovery to call the coordinator's FetchCommit")
	}
	state, ok := p2.State("tx1")
	if !ok || state != txn.ParticipantCommitted {
		t.Fatalf("expected COMMITTED after recovery, got %v (ok=%v)", state, ok)
	}
}

func TestRecoveryAbortsWhenCoordinatorSaysNotCommitted(t *testing.T) {
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"commit": false}`))
	}))
	defer coord.Close()

	dir := t.TempDir()
	walPath := filepath.Join(dir, "p.wal")
	storePath := filepath.Join(dir, "p.db")

	p1, err := Open(Config{Name: "p1", CoordinatorURL: coord.URL, WALPath: walPath, StorePath: storePath, InitTimeout: time.Hour, Deadline: time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	p1.Initialize("tx2")
	p1.Prepare("tx2")
	p1.Close()

	p2, err := Open(Config{Name: "p1", CoordinatorURL: coord.URL, WALPath: walPath, StorePath: storePath, InitTimeout: time.Hour, Deadline: time.Second})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	state, ok := p2.State("tx2")
	if !ok || state != txn.ParticipantAborted {
		t.Fatalf("expected ABORTED after recovery, got %v (ok=%v)", state, ok)
	}
}
