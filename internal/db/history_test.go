package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/courier/internal/events"
)

func openHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(filepath.Join(t.TempDir(), "nested", "courier.db"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRecordAndRecent(t *testing.T) {
	// Arrange
	h := openHistory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Act
	for i, result := range []string{"completed", "failed", "completed"} {
		_, err := h.Record(ctx, TransferRecord{
			URL:       "http://example.com/" + result,
			Protocol:  "http",
			Method:    "GET",
			Bytes:     int64(100 * (i + 1)),
			Result:    result,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	recent, err := h.Recent(ctx, 2)

	// Assert
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(recent) != 2 || recent[0].Bytes != 300 || recent[1].Result != "failed" {
		t.Fatalf("Unexpected records %+v", recent)
	}
	if recent[0].CreatedAt.UnixMilli() != base.Add(2*time.Minute).UnixMilli() {
		t.Fatalf("Unexpected timestamp %v", recent[0].CreatedAt)
	}
}

func TestStats(t *testing.T) {
	h := openHistory(t)
	ctx := context.Background()
	h.Record(ctx, TransferRecord{URL: "a", Protocol: "http", Result: "completed", Bytes: 10})
	h.Record(ctx, TransferRecord{URL: "b", Protocol: "ftp", Result: "completed", Bytes: 5})
	h.Record(ctx, TransferRecord{URL: "c", Protocol: "http", Result: "timed_out"})

	stats, err := h.Stats(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.Total != 3 || stats.TotalBytes != 15 || stats.ByResult["completed"] != 2 || stats.ByResult["timed_out"] != 1 {
		t.Fatalf("Unexpected stats %+v", stats)
	}
}

func TestPrune(t *testing.T) {
	h := openHistory(t)
	ctx := context.Background()
	now := time.Now()
	h.Record(ctx, TransferRecord{URL: "old", Protocol: "http", Result: "completed", CreatedAt: now.AddDate(0, 0, -40)})
	h.Record(ctx, TransferRecord{URL: "new", Protocol: "http", Result: "completed", CreatedAt: now})

	n, err := h.Prune(ctx, now.AddDate(0, 0, -30))
	if err != nil || n != 1 {
		t.Fatalf("Unexpected prune result %d: %v", n, err)
	}
	recent, _ := h.Recent(ctx, 10)
	if len(recent) != 1 || recent[0].URL != "new" {
		t.Fatalf("Unexpected survivors %+v", recent)
	}
}

func TestSubscribeRecordsFinishedTransfers(t *testing.T) {
	// Arrange
	h := openHistory(t)
	bus := events.NewEventBus()
	h.Subscribe(bus)

	// Act
	err := bus.EmitSync(context.Background(), events.Event{
		Type: events.EventTransferFailed,
		Payload: events.TransferPayload{
			URL:      "ftp://files.test/x",
			Protocol: "ftp",
			Method:   "RETR",
			State:    events.JobStateFailed,
			Duration: 1500 * time.Millisecond,
			Error:    "ftp pass: unexpected reply 530",
		},
	})

	// Assert
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	recent, _ := h.Recent(context.Background(), 1)
	if len(recent) != 1 || recent[0].Result != "failed" || recent[0].DurationMS != 1500 || recent[0].Error == "" {
		t.Fatalf("Unexpected record %+v", recent)
	}
}
