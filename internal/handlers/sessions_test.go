package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/database"
	"github.com/shellgate/shellgate/internal/session"
)

// setupAdminAPI wires the registry, a fake sandbox and a temp database behind
// the admin routes.
func setupAdminAPI(t *testing.T) (*chi.Mux, *fakeSandbox) {
	t.Helper()
	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	if err := database.Init(); err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(database.Close)

	sandbox := &fakeSandbox{}
	Registry = session.NewRegistry(session.Config{
		StartDeadline: 5 * time.Second,
		IdleTimeout:   time.Minute,
		GraceWindow:   time.Minute,
		RingBytes:     4096,
	}, sandbox, database.Auditor{})
	t.Cleanup(func() { Registry.DrainAll(session.ReasonShutdown) })

	mux := chi.NewRouter()
	mux.Get("/api/v1/sessions", ListSessions)
	mux.Get("/api/v1/sessions/history", SessionHistory)
	mux.Delete("/api/v1/sessions/{sessionId}", TerminateSession)
	return mux, sandbox
}

// activateFakeSession registers a session backed by the fake sandbox.
func activateFakeSession(t *testing.T, fp string) *session.Session {
	t.Helper()
	sess := Registry.Create(fp, "10.0.0.1:1000")
	if !Registry.BeginProvision(sess) {
		t.Fatal("BeginProvision failed")
	}
	if !Registry.AttachContainer(sess, "ctr-"+fp) {
		t.Fatal("AttachContainer failed")
	}
	sh := newFakeShell()
	if !Registry.Activate(sess, &nullConn{}, sh) {
		t.Fatal("Activate failed")
	}
	return sess
}

// nullConn is a ClientConn that discards everything.
type nullConn struct{}

func (nullConn) WriteOutput([]byte) error { return nil }
func (nullConn) End(session.Reason)       {}

func TestListSessions_Empty(t *testing.T) {
	mux, _ := setupAdminAPI(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 0 || resp.Sessions == nil {
		t.Errorf("expected empty list, got %+v", resp)
	}
}

func TestListSessions_ReportsLiveSessions(t *testing.T) {
	mux, _ := setupAdminAPI(t)
	sess := activateFakeSession(t, "fp-1")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions", nil))

	var resp struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 1 || len(resp.Sessions) != 1 {
		t.Fatalf("expected one session, got %+v", resp)
	}
	info := resp.Sessions[0]
	if info.ID != sess.ID || info.State != session.StateActive || !info.Connected {
		t.Errorf("unexpected session info: %+v", info)
	}
}

func TestTerminateSession_NotFound(t *testing.T) {
	mux, _ := setupAdminAPI(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/sessions/no-such-id", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTerminateSession_EndsSessionAndContainer(t *testing.T) {
	mux, sandbox := setupAdminAPI(t)
	sess := activateFakeSession(t, "fp-1")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if Registry.Count() != 0 {
		t.Errorf("expected registry emptied, got %d", Registry.Count())
	}
	if sandbox.releaseCount() != 1 {
		t.Errorf("expected 1 container release, got %d", sandbox.releaseCount())
	}

	// A second delete of the same id is a clean 404, not an error.
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an already-terminated session, got %d", w.Code)
	}
}

func TestSessionHistory(t *testing.T) {
	mux, _ := setupAdminAPI(t)
	sess := activateFakeSession(t, "fp-1")
	Registry.Terminate(sess, session.ReasonOperator)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/history", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Sessions []database.SessionRecord `json:"sessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(resp.Sessions))
	}
	rec := resp.Sessions[0]
	if rec.SessionID != sess.ID || rec.TerminatedAt == nil || rec.Reason != string(session.ReasonOperator) {
		t.Errorf("unexpected audit row: %+v", rec)
	}
}

func TestSessionHistory_InvalidLimit(t *testing.T) {
	mux, _ := setupAdminAPI(t)

	for _, limit := range []string{"abc", "0", "-5", "100000"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/sessions/history?limit="+limit, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
		}
	}
}
