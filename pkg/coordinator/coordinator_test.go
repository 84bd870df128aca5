package coordinator

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnohosten/twopc/pkg/participant"
	"github.com/mnohosten/twopc/pkg/txn"
)

// testNode bundles a participant and the httptest server fronting it, so
// tests can crash/restart individual participants by reusing the same
// on-disk WAL/store paths across a Close+Open cycle.
type testNode struct {
	name      string
	walPath   string
	storePath string
	srv       *httptest.Server
	part      *participant.Participant
}

func newTestNode(t *testing.T, name, coordURL string, initTimeout time.Duration) *testNode {
	t.Helper()
	dir := t.TempDir()
	n := &testNode{
		name:      name,
		walPath:   filepath.Join(dir, name+".wal"),
		storePath: filepath.Join(dir, name+".db"),
	}
	n.start(t, coordURL, initTimeout)
	return n
}

func (n *testNode) start(t *testing.T, coordURL string, initTimeout time.Duration) {
	t.Helper()
	p, err := participant.Open(participant.Config{
		Name:           n.name,
		CoordinatorURL: coordURL,
		WALPath:        n.walPath,
		StorePath:      n.storePath,
		InitTimeout:    initTimeout,
		Deadline:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("open participant %s: %v", n.name, err)
	}
	n.part = p
	psrv := participant.NewServer(p, participant.ServerConfig{Addr: ":0"})
	n.srv = httptest.NewServer(psrv.Handler())
}

func (n *testNode) url() string { return n.srv.URL }

// crash closes both the listener and the participant, simulating an
// ungraceful process exit: no further state is flushed beyond what was
// already durable.
func (n *testNode) crash() {
	n.srv.Close()
	n.part.Close()
}

func (n *testNode) restart(t *testing.T, coordURL string, initTimeout time.Duration) {
	t.Helper()
	n.start(t, coordURL, initTimeout)
}

func (n *testNode) state(id txn.ID) (txn.ParticipantState, bool) {
	return n.part.State(id)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
