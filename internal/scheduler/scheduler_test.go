package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/db"
	"github.com/energizer-project/courier/internal/events"
)

type fakeHistory struct {
	mu     sync.Mutex
	pruned []time.Time
}

func (f *fakeHistory) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, olderThan)
	return 3, nil
}

func (f *fakeHistory) Stats(ctx context.Context) (db.TransferStats, error) {
	return db.TransferStats{Total: 2, TotalBytes: 2048, ByResult: map[string]int64{"completed": 2}}, nil
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestRunCleaner(t *testing.T) {
	// Arrange
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	td := cfg.GetTransferData()
	td.DownloadDirectory = dir
	cfg.SetTransferData(td)
	app := cfg.GetApplicationData()
	app.Cleaner.RetentionDays = 7
	app.Cleaner.HistoryRetentionDays = 30
	cfg.SetApplicationData(app)

	now := time.Now()
	old := now.Add(-8 * 24 * time.Hour)
	touch(t, filepath.Join(dir, "old.bin"), old)
	touch(t, filepath.Join(dir, "patches", "1.0", "old.pak"), old)
	touch(t, filepath.Join(dir, "new.bin"), now)

	history := &fakeHistory{}
	s := NewScheduler(cfg, events.NewEventBus(), history)

	// Act
	s.RunCleaner(context.Background(), now)

	// Assert
	if _, err := os.Stat(filepath.Join(dir, "old.bin")); !os.IsNotExist(err) {
		t.Fatalf("Unexpected: old file kept")
	}
	if _, err := os.Stat(filepath.Join(dir, "patches")); !os.IsNotExist(err) {
		t.Fatalf("Unexpected: emptied directory kept")
	}
	if _, err := os.Stat(filepath.Join(dir, "new.bin")); err != nil {
		t.Fatalf("Unexpected: new file removed: %v", err)
	}
	if len(history.pruned) != 1 || !history.pruned[0].Equal(now.Add(-30*24*time.Hour)) {
		t.Fatalf("Unexpected prune calls %v", history.pruned)
	}
}

func TestCollectStatsPublishes(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.MQTTPayload, 1)
	bus.Subscribe(events.EventNotifyMQTT, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.MQTTPayload)
		return nil
	})
	s := NewScheduler(config.DefaultConfig(), bus, &fakeHistory{})

	s.CollectStats(context.Background())
	bus.Wait()

	select {
	case p := <-got:
		data := p.Data.(map[string]interface{})
		if data["type"] != "daily_stats" || data["transfers"] != int64(2) {
			t.Fatalf("Unexpected payload %+v", data)
		}
	default:
		t.Fatalf("Unexpected: no stats published")
	}
}

func TestNextCleanupTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
	}{
		{"11:15", time.Date(2026, 3, 1, 11, 15, 0, 0, time.UTC)},
		{"10:30", time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)},
		{"02:00", time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)},
		{"bogus", time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)},
		{"25:00", time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := nextCleanupTime(tc.in, now); !got.Equal(tc.want) {
			t.Fatalf("Unexpected next run for %q: %v", tc.in, got)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(1536); got != "1.50 KB" {
		t.Fatalf("Unexpected %q", got)
	}
	if got := formatBytes(12); got != "12 B" {
		t.Fatalf("Unexpected %q", got)
	}
}
