package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/events"
)

func newTestTracker(t *testing.T) (*Tracker, *events.Bus, *time.Time) {
	t.Helper()
	bus := events.NewBus()
	tr := NewTracker(Config{
		StaleAfter:   5 * time.Minute,
		TimeoutAfter: 30 * time.Minute,
	}, bus, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &now
	tr.SetNowFunc(func() time.Time { return *clock })
	return tr, bus, clock
}

func drainEvents(sub *events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRegisterTouchUnregister(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.Register("t1", "p", nil)
	if tr.Len() != 1 {
		t.Fatalf("Len = %d", tr.Len())
	}
	tr.Touch("t1")
	tr.Touch("never-registered") // no-op
	tr.Unregister("t1")
	if tr.Len() != 0 {
		t.Fatalf("Len after unregister = %d", tr.Len())
	}
}

func TestReapFlagsStaleOnce(t *testing.T) {
	tr, bus, clock := newTestTracker(t)
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	tr.Register("t1", "p", nil)
	*clock = clock.Add(6 * time.Minute)

	tr.Reap()
	evts := drainEvents(sub)
	if len(evts) != 1 || evts[0].Type != events.EventTaskStale {
		t.Fatalf("first reap events = %+v", evts)
	}
	if evts[0].IdleSeconds != 360 {
		t.Errorf("idle seconds = %v, want 360", evts[0].IdleSeconds)
	}

	// Second reap: still stale, no duplicate signal.
	*clock = clock.Add(time.Minute)
	tr.Reap()
	if evts := drainEvents(sub); len(evts) != 0 {
		t.Fatalf("stale signalled twice: %+v", evts)
	}

	// A heartbeat clears the flag; going stale again re-signals.
	tr.Touch("t1")
	*clock = clock.Add(6 * time.Minute)
	tr.Reap()
	evts = drainEvents(sub)
	if len(evts) != 1 || evts[0].Type != events.EventTaskStale {
		t.Fatalf("re-stale events = %+v", evts)
	}
}

func TestReapCancelsTimedOut(t *testing.T) {
	tr, bus, clock := newTestTracker(t)
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Register("t1", "p", cancel)

	*clock = clock.Add(31 * time.Minute)
	tr.Reap()

	if tr.Len() != 0 {
		t.Error("timed-out task still tracked")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("timed-out task not cancelled")
	}

	evts := drainEvents(sub)
	if len(evts) != 1 || evts[0].Type != events.EventTaskTimeout {
		t.Fatalf("events = %+v", evts)
	}
}

func TestTouchKeepsTaskAlive(t *testing.T) {
	tr, bus, clock := newTestTracker(t)
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	tr.Register("t1", "p", nil)
	for i := 0; i < 7; i++ {
		*clock = clock.Add(4 * time.Minute)
		tr.Touch("t1")
		tr.Reap()
	}
	if tr.Len() != 1 {
		t.Error("active task was reaped")
	}
	if evts := drainEvents(sub); len(evts) != 0 {
		t.Errorf("active task signalled: %+v", evts)
	}
}

func TestReapTimeoutIgnoresHeartbeats(t *testing.T) {
	tr, bus, clock := newTestTracker(t)
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Register("t1", "p", cancel)

	// A wedged dispatch keeps beating from its retry loop. The timeout is
	// measured from registration, so the task must still go at 30 minutes.
	for i := 0; i < 40; i++ {
		*clock = clock.Add(time.Minute)
		tr.Touch("t1")
		tr.Reap()
		if tr.Len() == 0 {
			break
		}
	}
	if tr.Len() != 0 {
		t.Fatal("task beating past the timeout was never reaped")
	}
	if clock.Sub(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) != 30*time.Minute {
		t.Errorf("reaped at %v after start, want 30m", clock.Sub(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)))
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("timed-out task not cancelled")
	}
	evts := drainEvents(sub)
	if len(evts) != 1 || evts[0].Type != events.EventTaskTimeout {
		t.Fatalf("events = %+v", evts)
	}
}

func TestSnapshotsReportStale(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	tr.Register("fresh", "p", nil)
	tr.Register("old", "p", nil)

	// Backdate only "old" by touching fresh after advancing.
	*clock = clock.Add(6 * time.Minute)
	tr.Touch("fresh")
	tr.Reap()

	snaps := tr.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	byID := map[string]Snapshot{}
	for _, s := range snaps {
		byID[s.TaskID] = s
	}
	if !byID["old"].Stale {
		t.Error("old task not marked stale")
	}
	if byID["fresh"].Stale {
		t.Error("fresh task marked stale")
	}
}
