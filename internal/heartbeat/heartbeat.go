// Package heartbeat tracks in-flight task activity and reaps tasks that go
// quiet. A stale task is flagged once; a timed-out task is cancelled and
// removed.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/events"
)

const (
	DefaultReapInterval = 30 * time.Second
	DefaultStaleAfter   = 5 * time.Minute
	DefaultTimeoutAfter = 30 * time.Minute
)

type record struct {
	taskID     string
	projectID  string
	startedAt  time.Time
	lastBeat   time.Time
	staleSince time.Time // zero until flagged
	cancel     context.CancelFunc
}

// Snapshot is one task's activity as served by the admin surface.
type Snapshot struct {
	TaskID    string    `json:"task_id"`
	ProjectID string    `json:"project_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastBeat  time.Time `json:"last_beat"`
	Stale     bool      `json:"stale"`
}

// Tracker holds the activity map and runs the reaper loop.
type Tracker struct {
	mu      sync.RWMutex
	tasks   map[string]*record
	nowFunc func() time.Time

	interval     time.Duration
	staleAfter   time.Duration
	timeoutAfter time.Duration

	bus    *events.Bus
	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
}

// Config bounds the reaper. Zero fields select the defaults.
type Config struct {
	ReapInterval time.Duration
	StaleAfter   time.Duration
	TimeoutAfter time.Duration
}

// NewTracker creates a tracker. Call Start to run the reaper; bus may be nil.
func NewTracker(cfg Config, bus *events.Bus, logger *slog.Logger) *Tracker {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.TimeoutAfter <= 0 {
		cfg.TimeoutAfter = DefaultTimeoutAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		tasks:        make(map[string]*record),
		nowFunc:      time.Now,
		interval:     cfg.ReapInterval,
		staleAfter:   cfg.StaleAfter,
		timeoutAfter: cfg.TimeoutAfter,
		bus:          bus,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// SetNowFunc overrides the clock for tests.
func (t *Tracker) SetNowFunc(f func() time.Time) { t.nowFunc = f }

// Register adds a task with its cancel func. Registering an existing task ID
// replaces the old entry.
func (t *Tracker) Register(taskID, projectID string, cancel context.CancelFunc) {
	now := t.nowFunc()
	t.mu.Lock()
	t.tasks[taskID] = &record{
		taskID:    taskID,
		projectID: projectID,
		startedAt: now,
		lastBeat:  now,
		cancel:    cancel,
	}
	t.mu.Unlock()
}

// Touch records activity for a task and clears any stale flag. Touching an
// unknown task is a no-op: the task may already have been reaped.
func (t *Tracker) Touch(taskID string) {
	t.mu.Lock()
	if r, ok := t.tasks[taskID]; ok {
		r.lastBeat = t.nowFunc()
		r.staleSince = time.Time{}
	}
	t.mu.Unlock()
}

// Unregister removes a task without cancelling it. Called on normal
// completion.
func (t *Tracker) Unregister(taskID string) {
	t.mu.Lock()
	delete(t.tasks, taskID)
	t.mu.Unlock()
}

// Len reports tracked tasks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// Snapshots lists tracked tasks for the admin surface.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.tasks))
	for _, r := range t.tasks {
		out = append(out, Snapshot{
			TaskID:    r.taskID,
			ProjectID: r.projectID,
			StartedAt: r.startedAt,
			LastBeat:  r.lastBeat,
			Stale:     !r.staleSince.IsZero(),
		})
	}
	return out
}

// Start runs the reaper loop until Stop.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Reap()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop terminates the reaper loop.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Reap scans the activity map once. Tasks idle past the stale threshold are
// flagged and signalled at most once. The timeout is a hard wall-clock cap
// measured from registration, so a stuck dispatch that keeps beating is still
// cancelled and removed once it has run too long.
func (t *Tracker) Reap() {
	now := t.nowFunc()

	var stale, timedOut []*record
	t.mu.Lock()
	for id, r := range t.tasks {
		idle := now.Sub(r.lastBeat)
		switch {
		case now.Sub(r.startedAt) >= t.timeoutAfter:
			delete(t.tasks, id)
			timedOut = append(timedOut, r)
		case idle >= t.staleAfter && r.staleSince.IsZero():
			r.staleSince = now
			stale = append(stale, r)
		}
	}
	t.mu.Unlock()

	// Cancel and publish outside the lock.
	for _, r := range stale {
		t.logger.Warn("task stale", "task_id", r.taskID, "project_id", r.projectID)
		t.publish(events.EventTaskStale, r, now)
	}
	for _, r := range timedOut {
		t.logger.Error("task timed out, cancelling", "task_id", r.taskID, "project_id", r.projectID)
		if r.cancel != nil {
			r.cancel()
		}
		t.publish(events.EventTaskTimeout, r, now)
	}
}

func (t *Tracker) publish(typ events.EventType, r *record, now time.Time) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.Event{
		Type:        typ,
		TaskID:      r.taskID,
		ProjectID:   r.projectID,
		IdleSeconds: now.Sub(r.lastBeat).Seconds(),
	})
}
