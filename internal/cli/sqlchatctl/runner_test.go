package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedCall struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]string
}

func newFakeAPI(t *testing.T) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		call := recordedCall{Method: r.Method, Path: r.URL.Path, APIKey: r.Header.Get("X-API-Key")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&call.Body)
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
	}
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = w.Write([]byte(`{"status":"ok","service":"sqlchat-api"}`))
	})
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s-1","turns":[]}`))
	})
	mux.HandleFunc("POST /v1/sessions/{id}/connect", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error_code":"CONNECTION_ERROR","message":"could not connect to the database: Access denied","retryable":true}`))
	})
	mux.HandleFunc("POST /v1/sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = w.Write([]byte(`{"answer":"**Anna** works in IT.","sql":"SELECT Name FROM contacts","turns":[]}`))
	})
	mux.HandleFunc("GET /v1/sessions/{id}/schema", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = w.Write([]byte(`{"schema":"CREATE TABLE contacts (\n\tName TEXT\n)"}`))
	})
	mux.HandleFunc("DELETE /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func TestRunHealthCommand(t *testing.T) {
	srv, calls := newFakeAPI(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-api-key", "k1", "health"}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	got := calls()
	if len(got) != 1 || got[0].Path != "/v1/health" || got[0].APIKey != "k1" {
		t.Fatalf("calls = %+v", got)
	}
	if !strings.Contains(stdout.String(), `"status": "ok"`) {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestRunAskCreatesSessionAndPrintsRawAnswer(t *testing.T) {
	srv, calls := newFakeAPI(t)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-persona", "helpdesk", "-raw", "-show-sql", "ask", "Who", "works", "in", "IT?"}, Options{
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	got := calls()
	if len(got) != 2 {
		t.Fatalf("calls = %+v", got)
	}
	if got[0].Path != "/v1/sessions" || got[0].Body["persona"] != "helpdesk" {
		t.Fatalf("create call = %+v", got[0])
	}
	if got[1].Path != "/v1/sessions/s-1/messages" || got[1].Body["question"] != "Who works in IT?" {
		t.Fatalf("message call = %+v", got[1])
	}
	if !strings.HasPrefix(stdout.String(), "**Anna** works in IT.") || !strings.Contains(stdout.String(), "SELECT Name FROM contacts") {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "session: s-1") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunAskRendersMarkdown(t *testing.T) {
	srv, _ := newFakeAPI(t)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-9", "-style", "notty", "ask", "Who?"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout.String(), "Anna") || strings.Contains(stdout.String(), "SELECT") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunSchemaReusesSession(t *testing.T) {
	srv, calls := newFakeAPI(t)

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-7", "schema"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != http.MethodGet || got[0].Path != "/v1/sessions/s-7/schema" {
		t.Fatalf("calls = %+v", got)
	}
	if !strings.Contains(stdout.String(), "CREATE TABLE contacts") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunReportsAPIErrors(t *testing.T) {
	srv, _ := newFakeAPI(t)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-db-host", "db", "-db-password", "wrong", "ask", "Who?"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "CONNECTION_ERROR") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunEndDeletesSession(t *testing.T) {
	srv, calls := newFakeAPI(t)

	if code := Run(context.Background(), []string{"-base-url", srv.URL, "end"}, Options{}); code != 2 {
		t.Fatalf("end without session exit code = %d", code)
	}
	if code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-3", "end"}, Options{}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != http.MethodDelete || got[0].Path != "/v1/sessions/s-3" {
		t.Fatalf("calls = %+v", got)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	if code := Run(context.Background(), []string{"bogus"}, Options{Stderr: &stderr}); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if code := Run(context.Background(), []string{}, Options{Stderr: &stderr}); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if code := Run(context.Background(), []string{"ask"}, Options{Stderr: &stderr}); code != 2 {
		t.Fatalf("exit code = %d", code)
	}
}
