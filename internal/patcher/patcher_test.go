package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transport/transporttest"
)

const manifest = `a:2:{s:14:"latest_version";s:5:"1.1.0";s:5:"files";a:1:{i:0;a:2:{s:4:"path";s:11:"bin/app.bin";s:3:"url";s:22:"http://cdn.test/appbin";}}}`

func httpOK(body string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func setup(t *testing.T, autoDownload bool) (*Patcher, *fetch.Manager, *transporttest.Fake, *events.EventBus, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	td := cfg.GetTransferData()
	td.DownloadDirectory = t.TempDir()
	cfg.SetTransferData(td)
	app := cfg.GetApplicationData()
	app.Patch.Enabled = true
	app.Patch.ManifestURL = "http://patch.test/manifest.php"
	app.Patch.CurrentVersion = "1.0.0"
	app.Patch.OS = "linux"
	app.Patch.Arch = "amd64"
	app.Patch.AutoDownload = autoDownload
	cfg.SetApplicationData(app)

	bus := events.NewEventBus()
	tr := transporttest.New()
	mgr := fetch.NewManager(cfg, bus, tr)
	return New(cfg, bus, mgr), mgr, tr, bus, cfg
}

func drain(mgr *fetch.Manager) {
	for i := 0; i < 50 && mgr.ActiveCount() > 0; i++ {
		mgr.Tick(time.Now())
	}
}

func TestCheckFindsPatchAndDownloads(t *testing.T) {
	// Arrange
	p, mgr, tr, bus, cfg := setup(t, true)
	server := tr.Expect("patch.test:80", transporttest.NewConn().Feed(httpOK(manifest)))
	tr.Expect("cdn.test:80", transporttest.NewConn().Feed(httpOK("BINARY")))

	var mu sync.Mutex
	var available *events.PatchAvailablePayload
	bus.Subscribe(events.EventPatchAvailable, "test", func(ctx context.Context, e events.Event) error {
		payload := e.Payload.(events.PatchAvailablePayload)
		mu.Lock()
		available = &payload
		mu.Unlock()
		return nil
	})

	// Act
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	drain(mgr)
	bus.Wait()

	// Assert
	sent := server.Sent.String()
	if !strings.HasPrefix(sent, "POST /manifest.php HTTP/1.1\r\n") ||
		!strings.Contains(sent, "Content-Type: application/x-www-form-urlencoded\r\n") ||
		!strings.HasSuffix(sent, `a:3:{s:4:"arch";s:5:"amd64";s:2:"os";s:5:"linux";s:7:"version";s:5:"1.0.0";}`) {
		t.Fatalf("Unexpected request %q", sent)
	}
	mu.Lock()
	defer mu.Unlock()
	if available == nil || available.LatestVersion != "1.1.0" || len(available.Files) != 1 {
		t.Fatalf("Unexpected patch event %+v", available)
	}
	st := p.Status()
	if !st.Available || st.Checking || st.LastError != "" {
		t.Fatalf("Unexpected status %+v", st)
	}
	saved := filepath.Join(cfg.GetTransferData().DownloadDirectory, "patches", "1.1.0", "bin", "app.bin")
	if data, err := os.ReadFile(saved); err != nil || string(data) != "BINARY" {
		t.Fatalf("Unexpected patch file %q: %v", data, err)
	}
}

func TestCheckUpToDate(t *testing.T) {
	p, mgr, tr, _, cfg := setup(t, true)
	app := cfg.GetApplicationData()
	app.Patch.CurrentVersion = "1.1.0"
	cfg.SetApplicationData(app)
	tr.Expect("patch.test:80", transporttest.NewConn().Feed(httpOK(manifest)))

	p.Check(context.Background())
	drain(mgr)

	if st := p.Status(); st.Available || st.LatestVersion != "1.1.0" {
		t.Fatalf("Unexpected status %+v", st)
	}
	if len(tr.Dials()) != 1 {
		t.Fatalf("Unexpected downloads %v", tr.Dials())
	}
}

func TestCheckRecordsFailure(t *testing.T) {
	p, mgr, tr, _, _ := setup(t, false)
	tr.Expect("patch.test:80", transporttest.NewConn().Feed(httpOK("not php")))

	p.Check(context.Background())
	drain(mgr)

	if st := p.Status(); st.LastError == "" || st.Checking {
		t.Fatalf("Unexpected status %+v", st)
	}
}

func TestCheckDisabled(t *testing.T) {
	p, _, _, _, cfg := setup(t, false)
	app := cfg.GetApplicationData()
	app.Patch.Enabled = false
	cfg.SetApplicationData(app)

	if err := p.Check(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifest))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m.LatestVersion != "1.1.0" || m.Files[0].Path != "bin/app.bin" || m.Files[0].URL != "http://cdn.test/appbin" {
		t.Fatalf("Unexpected manifest %+v", m)
	}

	for _, bad := range []string{
		`a:0:{}`,
		`s:3:"abc";`,
		`a:2:{s:14:"latest_version";s:1:"2";s:5:"files";s:1:"x";}`,
		`a:2:{s:14:"latest_version";s:1:"2";s:5:"files";a:1:{i:0;a:1:{s:4:"path";s:1:"p";}}}`,
	} {
		if _, err := ParseManifest([]byte(bad)); err == nil {
			t.Fatalf("Unexpected success for %s", bad)
		}
	}
}
