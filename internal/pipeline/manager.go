package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/photodup/photodup/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in flight.
	ErrAlreadyRunning = errors.New("pipeline: a run is already in progress")
	// ErrNoActiveRun is returned by Cancel when nothing is running.
	ErrNoActiveRun = errors.New("pipeline: no active run")
)

// ActiveRun describes the run currently in flight. Progress points at the
// live tracker, so callers can read counters without further coordination.
type ActiveRun struct {
	ID          int64
	Mode        store.RunMode
	StartedAt   time.Time
	TriggeredBy string
	Progress    *Progress
}

// Manager enforces the single-active-run policy: Start rejects a second run
// instead of queueing it, and Cancel stops the current one cooperatively.
type Manager struct {
	co *Coordinator
	st *store.Store

	mu     sync.Mutex
	active *ActiveRun
	cancel context.CancelFunc
}

// NewManager returns a manager executing runs through co.
func NewManager(co *Coordinator, st *store.Store) *Manager {
	return &Manager{co: co, st: st}
}

// Start launches a run in the background and returns its id. The run row is
// created before the goroutine starts so the id is immediately addressable.
func (m *Manager) Start(mode store.RunMode, triggeredBy string, cb func(Snapshot)) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return 0, ErrAlreadyRunning
	}

	startedAt := time.Now()
	runID, err := m.st.InsertRun(mode, triggeredBy, startedAt)
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}

	pr := NewProgress(cb)
	ctx, cancel := context.WithCancel(context.Background())
	m.active = &ActiveRun{
		ID:          runID,
		Mode:        mode,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Progress:    pr,
	}
	m.cancel = cancel

	go func() {
		defer cancel()
		slog.Info("run started", "run", runID, "mode", mode, "trigger", triggeredBy)
		runErr := m.co.Run(ctx, runID, mode, pr)
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			slog.Error("run failed", "run", runID, "error", runErr)
		}
		if err := m.co.Finalize(runID, pr, runErr); err != nil {
			slog.Error("finalize run failed", "run", runID, "error", err)
		}
		slog.Info("run finished", "run", runID,
			"duration", time.Since(startedAt).Round(time.Millisecond))
		m.clear(runID)
	}()

	return runID, nil
}

// Cancel requests cancellation of the active run and returns its last known
// state. The run keeps running briefly while it unwinds; its row finalizes
// as cancelled.
func (m *Manager) Cancel() (ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ActiveRun{}, ErrNoActiveRun
	}
	snap := *m.active
	m.cancel()
	return snap, nil
}

// Active returns a copy of the in-flight run descriptor, if any.
func (m *Manager) Active() (ActiveRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ActiveRun{}, false
	}
	return *m.active, true
}

// Wait blocks until no run is active. Polling keeps the locking trivial; the
// only callers are shutdown paths and tests.
func (m *Manager) Wait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := m.Active(); !ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pipeline: run still active after %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *Manager) clear(runID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.ID == runID {
		m.active = nil
		m.cancel = nil
	}
}
