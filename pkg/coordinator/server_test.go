package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnohosten/twopc/pkg/txn"
)

func newServerTestCoordinator(t *testing.T, cfg ServerConfig) (*Coordinator, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	coord, err := Open(Config{
		Participants: []txn.ParticipantConfig{{Name: "p1", URL: "http://127.0.0.1:1"}},
		WALPath:      filepath.Join(dir, "coord.wal"),
		StorePath:    filepath.Join(dir, "coord.db"),
		Deadline:     time.Second,
	})
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	srv, err := NewServer(coord, cfg)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return coord, ts
}

func TestServerHealth(t *testing.T) {
	_, ts := newServerTestCoordinator(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/_health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServerFetchCommitUnknownTransaction(t *testing.T) {
	_, ts := newServerTestCoordinator(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/tx/ghost/fetch-commit")
	if err != nil {
		t.Fatalf("fetch-commit: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tx, got %d", resp.StatusCode)
	}
}

func TestServerDebugPrepareHookGatedBehindConfig(t *testing.T) {
	_, ts := newServerTestCoordinator(t, ServerConfig{EnableDebugPrepareHook: false})

	resp, err := http.Post(ts.URL+"/tx/tx1/prepare", "application/json", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected the debug hook to be absent when disabled, got %d", resp.StatusCode)
	}
}

func TestServerDebugPrepareHookWhenEnabled(t *testing.T) {
	coord, ts := newServerTestCoordinator(t, ServerConfig{EnableDebugPrepareHook: true})
	coord.Run(context.Background(), "tx1")

	resp, err := http.Post(ts.URL+"/tx/tx1/prepare", "application/json", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected debug hook to respond 200, got %d", resp.StatusCode)
	}
}

func TestServerGraphQLAdminQuery(t *testing.T) {
	_, ts := newServerTestCoordinator(t, ServerConfig{EnableGraphQL: true})

	body, _ := json.Marshal(map[string]string{"query": "{ participantCount }"})
	resp, err := http.Post(ts.URL+"/admin/graphql", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("graphql: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			ParticipantCount int `json:"participantCount"`
		} `json:"data"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Data.ParticipantCount != 1 {
		t.Fatalf("expected participantCount 1, got %d", out.Data.ParticipantCount)
	}
}

func TestServerGraphQLDisabledByDefault(t *testing.T) {
	_, ts := newServerTestCoordinator(t, ServerConfig{})

	resp, err := http.Post(ts.URL+"/admin/graphql", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("graphql: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when GraphQL is disabled, got %d", resp.StatusCode)
	}
}
