package health

import (
	"context"
	"sync"
	"testing"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transport/transporttest"
	"github.com/energizer-project/courier/internal/util"
)

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(ctx context.Context, e events.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *collector) take() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func newHealth(t *testing.T) (*Manager, *fetch.Manager, *transporttest.Fake, *events.EventBus, *config.Config, *collector) {
	t.Helper()
	cfg := config.DefaultConfig()
	td := cfg.GetTransferData()
	td.DownloadDirectory = t.TempDir()
	td.MaxConcurrent = 1
	cfg.SetTransferData(td)

	bus := events.NewEventBus()
	c := &collector{}
	for _, et := range []events.EventType{events.EventNotifyAdmin, events.EventNotifyMQTT, events.EventPatchCheck} {
		bus.Subscribe(et, "test", c.handle)
	}
	tr := transporttest.New()
	mgr := fetch.NewManager(cfg, bus, tr)
	return NewManager(cfg, bus, mgr), mgr, tr, bus, cfg, c
}

func TestDiskLevel(t *testing.T) {
	cases := map[float64]string{50: "", 80: "info", 91: "warning", 95: "error", 100: "critical"}
	for pct, want := range cases {
		if got := diskLevel(pct); got != want {
			t.Fatalf("Unexpected level for %.0f%%: %q", pct, got)
		}
	}
}

func TestDiskAlertsOnlyWhenRising(t *testing.T) {
	// Arrange
	h, _, _, bus, cfg, c := newHealth(t)
	app := cfg.GetApplicationData()
	app.Notify.NotifyOnDisk = true
	cfg.SetApplicationData(app)
	pct := 85.0
	h.diskUsage = func(path string) (*util.DiskUsage, error) {
		return &util.DiskUsage{Path: path, TotalBytes: 100 << 30, UsedPercent: pct, FreeBytes: 15 << 30}, nil
	}
	ctx := context.Background()

	// Act
	var counts []int
	for _, p := range []float64{85, 86, 92, 70, 81} {
		pct = p
		h.checkDiskUtilization(ctx)
		bus.Wait()
		counts = append(counts, len(c.take()))
	}

	// Assert
	want := []int{1, 0, 1, 0, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("Unexpected alert counts %v, want %v", counts, want)
		}
	}
}

func TestBacklogReportsTransitions(t *testing.T) {
	h, mgr, tr, bus, _, c := newHealth(t)
	ctx := context.Background()

	h.checkBacklog(ctx)
	bus.Wait()
	if got := c.take(); len(got) != 0 {
		t.Fatalf("Unexpected events while idle %+v", got)
	}

	tr.Expect("a.test:80", transporttest.NewConn())
	id, err := mgr.Submit(fetch.JobSpec{URL: "http://a.test/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	h.checkBacklog(ctx)
	h.checkBacklog(ctx)
	bus.Wait()
	got := c.take()
	if len(got) != 1 {
		t.Fatalf("Unexpected events %+v", got)
	}
	data := got[0].Payload.(events.MQTTPayload).Data.(map[string]interface{})
	if data["full"] != true {
		t.Fatalf("Unexpected payload %+v", data)
	}

	mgr.Cancel(id)
	h.checkBacklog(ctx)
	bus.Wait()
	if got := c.take(); len(got) != 1 || got[0].Payload.(events.MQTTPayload).Data.(map[string]interface{})["full"] != false {
		t.Fatalf("Unexpected events after cancel %+v", got)
	}
}

func TestHeartbeatAndPatchCheck(t *testing.T) {
	h, _, _, bus, cfg, c := newHealth(t)
	ctx := context.Background()

	h.checkPatch(ctx)
	h.heartbeat(ctx)
	bus.Wait()
	got := c.take()
	if len(got) != 1 || got[0].Type != events.EventNotifyMQTT {
		t.Fatalf("Unexpected events %+v", got)
	}
	if p := got[0].Payload.(events.MQTTPayload); p.Topic != "courier/status" {
		t.Fatalf("Unexpected topic %q", p.Topic)
	}

	app := cfg.GetApplicationData()
	app.Patch.Enabled = true
	cfg.SetApplicationData(app)
	h.checkPatch(ctx)
	bus.Wait()
	if got := c.take(); len(got) != 1 || got[0].Type != events.EventPatchCheck {
		t.Fatalf("Unexpected events %+v", got)
	}
}
