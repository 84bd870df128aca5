package participant

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *Participant) {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(Config{
		Name:           "p1",
		CoordinatorURL: "http://unused",
		WALPath:        filepath.Join(dir, "p.wal"),
		StorePath:      filepath.Join(dir, "p.db"),
		InitTimeout:    time.Hour,
		Deadline:       time.Second,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return NewServer(p, ServerConfig{Addr: ":0"}), p
}

func TestServerFullLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	post := func(path string) *http.Response {
		resp, err := http.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		return resp
	}

	resp := post("/tx/tx1/initialize")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d", resp.StatusCode)
	}

	resp = post("/tx/tx1/prepare")
	var prepareResp struct {
		Vote bool `json:"vote"`
	}
	json.NewDecoder(resp.Body).Decode(&prepareResp)
	if !prepareResp.Vote {
		t.Fatal("expected YES vote")
	}

	resp = post("/tx/tx1/commit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit: expected 200, got %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/tx/tx1/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	var stateResp struct {
		State string `json:"state"`
	}
	json.NewDecoder(resp.Body).Decode(&stateResp)
	if stateResp.State != "COMMITTED" {
		t.Fatalf("expected COMMITTED, got %s", stateResp.State)
	}
}

func TestServerRestrictAndAllowDBAccess(t *testing.T) {
	srv, part := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	http.Post(ts.URL+"/_test/restrict-db-access", "application/json", nil)
	part.Initialize("tx1")

	resp, _ := http.Post(ts.URL+"/tx/tx1/prepare", "application/json", nil)
	var prepareResp struct {
		Vote bool `json:"vote"`
	}
	json.NewDecoder(resp.Body).Decode(&prepareResp)
	if prepareResp.Vote {
		t.Fatal("expected NO vote while restricted")
	}

	http.Post(ts.URL+"/_test/allow-db-access", "application/json", nil)
	resp, _ = http.Post(ts.URL+"/tx/tx1/prepare", "application/json", nil)
	json.NewDecoder(resp.Body).Decode(&prepareResp)
	if !prepareResp.Vote {
		t.Fatal("expected YES vote once access is restored")
	}
}

func TestServerHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/_health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
