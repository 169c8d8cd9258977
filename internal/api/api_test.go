package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/console"
	"github.com/energizer-project/courier/internal/db"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transport/transporttest"
)

type stubHistory struct{}

func (stubHistory) Recent(ctx context.Context, limit int) ([]db.TransferRecord, error) {
	return []db.TransferRecord{{ID: 7, URL: "http://old.test/", Result: "completed"}}, nil
}

func (stubHistory) Stats(ctx context.Context) (db.TransferStats, error) {
	return db.TransferStats{Total: 1, TotalBytes: 10, ByResult: map[string]int64{"completed": 1}}, nil
}

type fixture struct {
	srv *Server
	mgr *fetch.Manager
	tr  *transporttest.Fake
	cfg *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	td := cfg.GetTransferData()
	td.DownloadDirectory = t.TempDir()
	cfg.SetTransferData(td)
	if mutate != nil {
		mutate(cfg)
	}

	bus := events.NewEventBus()
	tr := transporttest.New()
	mgr := fetch.NewManager(cfg, bus, tr)
	dispatcher := console.New(cfg, bus, mgr, stubHistory{}, "1.2.3")
	return &fixture{
		srv: NewServer(cfg, bus, mgr, dispatcher, stubHistory{}, "1.2.3"),
		mgr: mgr,
		tr:  tr,
		cfg: cfg,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) doForm(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) drain() {
	for i := 0; i < 50 && f.mgr.ActiveCount() > 0; i++ {
		f.mgr.Tick(time.Now())
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Unexpected response body %q: %v", w.Body.String(), err)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do("GET", "/api/public/ping", "")

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("Unexpected response %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Server") != "Courier" {
		t.Fatalf("Unexpected Server header %q", w.Header().Get("Server"))
	}
}

func TestTransferLifecycle(t *testing.T) {
	// Arrange
	f := newFixture(t, nil)
	body := "hello"
	conn := f.tr.Expect("files.test:80", transporttest.NewConn().Feed(
		fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)))

	// Act
	created := f.do("POST", "/api/transfers", `{"url":"http://files.test/a.txt","headers":{"X-Trace":"1"}}`)
	running := f.do("GET", "/api/transfers/1/body", "")
	f.drain()
	info := f.do("GET", "/api/transfers/1", "")
	result := f.do("GET", "/api/transfers/1/body", "")

	// Assert
	if created.Code != http.StatusAccepted || strings.TrimSpace(created.Body.String()) != `{"id":1}` {
		t.Fatalf("Unexpected create response %d %s", created.Code, created.Body.String())
	}
	if running.Code != http.StatusConflict {
		t.Fatalf("Unexpected status for a running transfer: %d", running.Code)
	}
	var job struct {
		State string `json:"state"`
		Bytes int64  `json:"bytes"`
	}
	decode(t, info, &job)
	if job.State != "completed" || job.Bytes != int64(len(body)) {
		t.Fatalf("Unexpected job %+v", job)
	}
	if result.Code != http.StatusOK || result.Body.String() != body {
		t.Fatalf("Unexpected body response %d %q", result.Code, result.Body.String())
	}
	if !strings.Contains(conn.Sent.String(), "X-Trace: 1\r\n") {
		t.Fatalf("Unexpected request %q", conn.Sent.String())
	}
}

func TestTransferSavedToDiskIsServedFromFile(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.Expect("files.test:80", transporttest.NewConn().Feed("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nDATA"))

	if w := f.do("POST", "/api/transfers", `{"url":"http://files.test/d","save_as":"out/d.bin"}`); w.Code != http.StatusAccepted {
		t.Fatalf("Unexpected create response %d %s", w.Code, w.Body.String())
	}
	f.drain()

	w := f.do("GET", "/api/transfers/1/body", "")
	if w.Code != http.StatusOK || w.Body.String() != "DATA" {
		t.Fatalf("Unexpected body response %d %q", w.Code, w.Body.String())
	}
}

func TestTransferErrors(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		td := cfg.GetTransferData()
		td.MaxConcurrent = 1
		cfg.SetTransferData(td)
	})
	f.tr.Expect("files.test:80", transporttest.NewConn())

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing url", "POST", "/api/transfers", `{}`, http.StatusBadRequest},
		{"bad scheme", "POST", "/api/transfers", `{"url":"gopher://x/"}`, http.StatusBadRequest},
		{"escaping save_as", "POST", "/api/transfers", `{"url":"http://files.test/","save_as":"../x"}`, http.StatusBadRequest},
		{"first", "POST", "/api/transfers", `{"url":"http://files.test/"}`, http.StatusAccepted},
		{"busy", "POST", "/api/transfers", `{"url":"http://files.test/"}`, http.StatusServiceUnavailable},
		{"invalid id", "GET", "/api/transfers/abc", "", http.StatusBadRequest},
		{"unknown id", "GET", "/api/transfers/99", "", http.StatusNotFound},
		{"unknown body", "GET", "/api/transfers/99/body", "", http.StatusNotFound},
		{"cancel", "DELETE", "/api/transfers/1", "", http.StatusOK},
		{"cancel again", "DELETE", "/api/transfers/1", "", http.StatusConflict},
		{"unknown route", "GET", "/api/nope", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := f.do(tc.method, tc.path, tc.body); w.Code != tc.want {
			t.Fatalf("Unexpected status for %s: %d %s", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestIPWhitelistBlocksProtectedRoutes(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		app := cfg.GetApplicationData()
		app.Security.IPWhitelist = []string{"10.0.0.0/8"}
		cfg.SetApplicationData(app)
	})

	if w := f.do("GET", "/api/transfers", ""); w.Code != http.StatusForbidden {
		t.Fatalf("Unexpected status %d", w.Code)
	}
	if w := f.do("GET", "/api/public/ping", ""); w.Code != http.StatusOK {
		t.Fatalf("Unexpected status for a public route %d", w.Code)
	}
}

func TestConsoleEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	ok := f.do("POST", "/api/console", `{"command":"status"}`)
	bad := f.do("POST", "/api/console", `{"command":"frobnicate"}`)

	var out struct {
		Output string `json:"output"`
	}
	decode(t, ok, &out)
	if ok.Code != http.StatusOK || !strings.Contains(out.Output, "Version:    1.2.3") {
		t.Fatalf("Unexpected console response %d %q", ok.Code, out.Output)
	}
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("Unexpected status for an unknown command %d", bad.Code)
	}
}

func TestFormEncodedBodies(t *testing.T) {
	// Arrange
	f := newFixture(t, nil)
	conn := f.tr.Expect("files.test:80", transporttest.NewConn())

	// Act
	created := f.doForm("/api/transfers", "url=http%3A%2F%2Ffiles.test%2Fform&method=post&body=x%3D1+y&header=X-Trace%3A+2")
	f.mgr.Tick(time.Now())
	console := f.doForm("/api/console", "command=status")
	badEscape := f.doForm("/api/console", "command=%zz")
	missingURL := f.doForm("/api/transfers", "method=GET")

	// Assert
	if created.Code != http.StatusAccepted {
		t.Fatalf("Unexpected create response %d %s", created.Code, created.Body.String())
	}
	sent := conn.Sent.String()
	if !strings.HasPrefix(sent, "POST /form HTTP/1.1\r\n") ||
		!strings.Contains(sent, "X-Trace: 2\r\n") ||
		!strings.HasSuffix(sent, "\r\n\r\nx=1 y") {
		t.Fatalf("Unexpected request %q", sent)
	}
	var out struct {
		Output string `json:"output"`
	}
	decode(t, console, &out)
	if console.Code != http.StatusOK || !strings.Contains(out.Output, "Version:    1.2.3") {
		t.Fatalf("Unexpected console response %d %q", console.Code, out.Output)
	}
	if badEscape.Code != http.StatusBadRequest {
		t.Fatalf("Unexpected status for a malformed escape %d", badEscape.Code)
	}
	if missingURL.Code != http.StatusBadRequest {
		t.Fatalf("Unexpected status for a form without url %d", missingURL.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	recent := f.do("GET", "/api/history?limit=5", "")
	stats := f.do("GET", "/api/history/stats", "")

	if recent.Code != http.StatusOK || !strings.Contains(recent.Body.String(), "http://old.test/") {
		t.Fatalf("Unexpected history response %d %s", recent.Code, recent.Body.String())
	}
	var s db.TransferStats
	decode(t, stats, &s)
	if s.Total != 1 || s.ByResult["completed"] != 1 {
		t.Fatalf("Unexpected stats %+v", s)
	}
}

func TestConfigEndpoints(t *testing.T) {
	// Arrange
	f := newFixture(t, func(cfg *config.Config) {
		td := cfg.GetTransferData()
		td.FTPPassword = "secret"
		cfg.SetTransferData(td)
	})

	// Act
	got := f.do("GET", "/api/config", "")
	rejected := f.do("POST", "/api/config/transfer", `{"max_redirects": 99, "user_agent": "other"}`)
	unknown := f.do("POST", "/api/config/transfer", `{"nope": 1}`)
	accepted := f.do("POST", "/api/config/transfer", `{"max_redirects": 3}`)

	// Assert
	if strings.Contains(got.Body.String(), "secret") || !strings.Contains(got.Body.String(), redacted) {
		t.Fatalf("Unexpected config response %s", got.Body.String())
	}
	if rejected.Code != http.StatusBadRequest || unknown.Code != http.StatusBadRequest {
		t.Fatalf("Unexpected statuses %d %d", rejected.Code, unknown.Code)
	}
	if accepted.Code != http.StatusOK {
		t.Fatalf("Unexpected status %d %s", accepted.Code, accepted.Body.String())
	}
	td := f.cfg.GetTransferData()
	if td.MaxRedirects != 3 || td.UserAgent == "other" {
		t.Fatalf("Unexpected transfer config %+v", td)
	}
}

func TestPatchEndpointsWhenDisabled(t *testing.T) {
	f := newFixture(t, nil)

	if w := f.do("GET", "/api/patch", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"enabled":false`) {
		t.Fatalf("Unexpected patch status %d %s", w.Code, w.Body.String())
	}
	if w := f.do("POST", "/api/patch/check", ""); w.Code != http.StatusConflict {
		t.Fatalf("Unexpected status %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()

	if !rl.Allow("a", now) || !rl.Allow("a", now) {
		t.Fatalf("Unexpected rejection within the burst")
	}
	if rl.Allow("a", now) {
		t.Fatalf("Unexpected success after the burst")
	}
	if !rl.Allow("b", now) {
		t.Fatalf("Unexpected rejection for another client")
	}
	if !rl.Allow("a", now.Add(time.Second)) {
		t.Fatalf("Unexpected rejection after refill")
	}
	if !NewRateLimiter(0).Allow("a", now) {
		t.Fatalf("Unexpected rejection with limiting disabled")
	}
}

func TestReadRecentLogEntries(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "courier_2026-01-01.log", `{"level":"info","message":"old"}`+"\n")
	writeLog(t, dir, "courier_2026-01-02.log", `{"level":"info","message":"a","id":1}`+"\nplain\n"+`{"level":"warn","time":"t","message":"b"}`+"\n")

	entries, err := readRecentLogEntries(dir, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "plain" || entries[1].Level != "warn" || entries[1].Timestamp != "t" {
		t.Fatalf("Unexpected entries %+v", entries)
	}
}

func writeLog(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestDashboardPage(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do("GET", "/", "")

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<title>Courier</title>") {
		t.Fatalf("Unexpected dashboard response %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("Unexpected content type %q", w.Header().Get("Content-Type"))
	}
}
