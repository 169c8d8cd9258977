package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventTransferCompleted, "a", func(ctx context.Context, e Event) error {
		if p, ok := e.Payload.(TransferPayload); !ok || p.ID != 7 {
			t.Errorf("Unexpected payload %#v", e.Payload)
		}
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventTransferCompleted, "b", func(ctx context.Context, e Event) error {
		calls.Add(1)
		panic("handler bug")
	})
	bus.Subscribe(EventTransferFailed, "c", func(ctx context.Context, e Event) error {
		t.Errorf("Unexpected delivery of %s", e.Type)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventTransferCompleted, Payload: TransferPayload{ID: 7}})
	bus.Wait()

	if calls.Load() != 2 {
		t.Fatalf("Unexpected call count %d", calls.Load())
	}
}

func TestEmitSyncReturnsError(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	bus.Subscribe(EventPatchCheck, "fails", func(ctx context.Context, e Event) error { return boom })

	if err := bus.EmitSync(context.Background(), Event{Type: EventPatchCheck}); !errors.Is(err, boom) {
		t.Fatalf("Unexpected error: %v", err)
	}

	bus.Unsubscribe(EventPatchCheck, "fails")
	if bus.HandlerCount(EventPatchCheck) != 0 {
		t.Fatalf("Unexpected handler after unsubscribe")
	}
	if err := bus.EmitSync(context.Background(), Event{Type: EventPatchCheck}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestStopDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventShutdown, "count", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})

	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventShutdown})
	bus.Wait()

	if calls.Load() != 0 {
		t.Fatalf("Unexpected delivery after stop")
	}
	select {
	case <-bus.StopCh():
	default:
		t.Fatalf("Unexpected open stop channel")
	}
}

func TestJobStateJSON(t *testing.T) {
	b, _ := JobStateTimedOut.MarshalJSON()
	if string(b) != `"timed_out"` {
		t.Fatalf("Unexpected JSON %s", b)
	}
	if !JobStateCancelled.Finished() || JobStateRunning.Finished() {
		t.Fatalf("Unexpected Finished result")
	}
}
