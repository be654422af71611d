// Package tracker holds the single in-memory source of truth for the actor's
// currently running work session. It reconciles against the server through
// two overlapping mechanisms, a fixed-cadence poll and push-channel events,
// and applies user actions optimistically with rollback on failure.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/protomem/shift-agent/internal/api"
	"github.com/protomem/shift-agent/internal/cache"
	"github.com/protomem/shift-agent/internal/durafmt"
	"github.com/protomem/shift-agent/internal/model"
)

const (
	_defaultPollInterval = 5 * time.Second
	_defaultTickInterval = time.Second
	_fetchTimeout        = 4 * time.Second
)

type Option func(*Tracker)

// WithClock injects a time source. Tests drive a fixed clock through this.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.pollInterval = d }
}

func WithTickInterval(d time.Duration) Option {
	return func(t *Tracker) { t.tickInterval = d }
}

// WithCache persists reconciled snapshots so a restarted agent can report
// last-known state while the first poll is in flight.
func WithCache(store *cache.Cache, workerID model.ID) Option {
	return func(t *Tracker) {
		t.cache = store
		t.workerID = workerID
	}
}

type Tracker struct {
	logger *slog.Logger
	api    *api.Client
	cache  *cache.Cache

	workerID     model.ID
	now          func() time.Time
	pollInterval time.Duration
	tickInterval time.Duration

	mu          sync.Mutex
	session     *model.Session
	displayTime time.Time
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	notifier *Notifier
}

func New(logger *slog.Logger, client *api.Client, opts ...Option) *Tracker {
	t := &Tracker{
		logger:       logger.With("module", "tracker"),
		api:          client,
		now:          time.Now,
		pollInterval: _defaultPollInterval,
		tickInterval: _defaultTickInterval,
		notifier:     NewNotifier(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.displayTime = t.now()

	return t
}

// OnChange subscribes to the coarse "something changed, re-fetch" signal and
// returns the unsubscribe function.
func (t *Tracker) OnChange(fn func()) func() {
	return t.notifier.Subscribe(fn)
}

// Session returns a copy of the current session, or nil when the actor is
// absent.
func (t *Tracker) Session() *model.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Clone()
}

// Start launches the poll and display-tick loops. The first fetch happens
// immediately; last-known state is restored from the cache beforehand so
// consumers see something while it is in flight.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	stop := t.stopCh
	t.mu.Unlock()

	t.restoreFromCache()

	t.wg.Add(2)
	go t.pollLoop(stop)
	go t.tickLoop(stop)
}

// Shutdown cancels both timers and waits for the loops to exit. Idempotent.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) pollLoop(stop <-chan struct{}) {
	defer t.wg.Done()

	t.poll()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.poll()
		}
	}
}

func (t *Tracker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), _fetchTimeout)
	defer cancel()

	if err := t.FetchActiveSession(ctx); err != nil {
		// Poll failures clear state rather than preserving it; see the
		// fetch contract below.
		t.logger.Debug("poll failed", "err", err)
	}
}

// tickLoop advances the display clock once a second. It exists purely so
// elapsed-time rendering moves between polls; it never mutates session data.
func (t *Tracker) tickLoop(stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.displayTime = t.now()
			t.mu.Unlock()
		}
	}
}

// FetchActiveSession polls the active-session endpoint and reconciles with
// the result. A network failure reconciles to "no session" rather than
// leaving stale data: callers must not assume a failed poll preserves prior
// state.
func (t *Tracker) FetchActiveSession(ctx context.Context) error {
	sessions, err := t.api.ActiveSessions(ctx)
	if err != nil {
		t.Reconcile(nil)
		return err
	}

	if len(sessions) == 0 {
		t.Reconcile(nil)
		return nil
	}

	t.Reconcile(&sessions[0])
	return nil
}

// Reconcile installs a server snapshot as the new baseline. Both the poller
// and channel-event handling funnel through here, so the merge behaviour
// lives in exactly one place. The server wins all conflicts: whatever local
// state exists is replaced. Subscribers are notified only when the snapshot
// differs from the current state.
func (t *Tracker) Reconcile(snapshot *model.Session) {
	t.mu.Lock()
	changed := !sessionsEqual(t.session, snapshot)
	t.session = snapshot.Clone()
	t.displayTime = t.now()
	t.mu.Unlock()

	if !changed {
		return
	}

	t.persistSnapshot(snapshot)
	t.notifier.Notify()
}

// HandleChannelEvent is the push-side reconciliation trigger. The event is a
// signal, not data: the tracker re-fetches from the server, which may race
// with the next poll tick. Both paths are idempotent, so order is irrelevant.
func (t *Tracker) HandleChannelEvent(event model.ChannelEvent) {
	switch event.Type {
	case model.EventAssignmentStarted, model.EventAssignmentStopped, model.EventAssignmentUpdated,
		model.EventTaskCreated, model.EventTaskUpdated, model.EventTaskDeleted:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), _fetchTimeout)
	defer cancel()

	if err := t.FetchActiveSession(ctx); err != nil {
		t.logger.Debug("event-triggered fetch failed", "type", event.Type, "err", err)
	}

	// List views hold data beyond the active session; let them re-fetch even
	// when the session itself came back unchanged.
	t.notifier.Notify()
}

// Elapsed computes the displayable work/pause counters at the last display
// tick.
func (t *Tracker) Elapsed() durafmt.Elapsed {
	t.mu.Lock()
	session := t.session.Clone()
	now := t.displayTime
	t.mu.Unlock()

	return durafmt.Session(session, now)
}

// ElapsedAt is the pure variant: counters for the current snapshot at an
// arbitrary instant. For a fixed snapshot the result is non-decreasing in
// now.
func (t *Tracker) ElapsedAt(now time.Time) durafmt.Elapsed {
	t.mu.Lock()
	session := t.session.Clone()
	t.mu.Unlock()

	return durafmt.Session(session, now)
}

// StopSession ends the active session. The local state clears before the
// network call is issued; on failure the snapshot is restored exactly and the
// error is returned to the caller.
func (t *Tracker) StopSession(ctx context.Context) error {
	t.mu.Lock()
	if t.session == nil {
		t.mu.Unlock()
		return model.ErrNoSession
	}
	snapshot := t.session.Clone()
	t.session = nil
	t.mu.Unlock()

	t.notifier.Notify()

	if err := t.api.Stop(ctx, snapshot.ID); err != nil {
		t.rollback(snapshot)
		return err
	}

	t.persistSnapshot(nil)
	return nil
}

// TogglePause flips the session between work and pause. The flip is applied
// locally first; on success the server's cumulative counters are re-fetched
// as the authoritative baseline, on failure the snapshot is restored.
func (t *Tracker) TogglePause(ctx context.Context) error {
	t.mu.Lock()
	if t.session == nil {
		t.mu.Unlock()
		return model.ErrNoSession
	}
	snapshot := t.session.Clone()

	if t.session.SessionType == model.SessionWork {
		t.session.SessionType = model.SessionPause
	} else {
		t.session.SessionType = model.SessionWork
	}
	t.mu.Unlock()

	t.notifier.Notify()

	var err error
	if snapshot.SessionType == model.SessionWork {
		err = t.api.Pause(ctx, snapshot.ID)
	} else {
		err = t.api.Resume(ctx, snapshot.ID)
	}
	if err != nil {
		t.rollback(snapshot)
		return err
	}

	if err := t.FetchActiveSession(ctx); err != nil {
		t.logger.Debug("post-toggle fetch failed", "err", err)
	}
	t.notifier.Notify()
	return nil
}

// SwitchTask closes the current open segment and opens a new work segment
// under the same assignment. The session stays active throughout, so there is
// no optimistic local change to make; the re-fetch installs the new segment.
func (t *Tracker) SwitchTask(ctx context.Context, description string) error {
	t.mu.Lock()
	if t.session == nil {
		t.mu.Unlock()
		return model.ErrNoSession
	}
	assignmentID := t.session.AssignmentID
	t.mu.Unlock()

	err := t.api.SwitchTask(ctx, assignmentID, api.SwitchTaskDTO{Description: description})
	if err != nil {
		return err
	}

	if err := t.FetchActiveSession(ctx); err != nil {
		t.logger.Debug("post-switch fetch failed", "err", err)
	}
	t.notifier.Notify()
	return nil
}

// StartSession creates a new assignment with its first segment and installs
// the returned session.
func (t *Tracker) StartSession(ctx context.Context, dto api.StartAssignmentDTO) error {
	t.mu.Lock()
	if t.session != nil {
		t.mu.Unlock()
		return model.NewError("session", model.ErrExists)
	}
	t.mu.Unlock()

	session, err := t.api.StartAssignment(ctx, dto)
	if err != nil {
		return err
	}

	t.Reconcile(&session)
	return nil
}

func (t *Tracker) rollback(snapshot *model.Session) {
	t.mu.Lock()
	t.session = snapshot.Clone()
	t.mu.Unlock()

	t.notifier.Notify()
}

func (t *Tracker) restoreFromCache() {
	if t.cache == nil || t.workerID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), _fetchTimeout)
	defer cancel()

	session, err := t.cache.LoadSession(ctx, t.workerID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			t.logger.Warn("cache restore failed", "err", err)
		}
		return
	}

	t.mu.Lock()
	if t.session == nil {
		t.session = session
	}
	t.mu.Unlock()
}

func (t *Tracker) persistSnapshot(snapshot *model.Session) {
	if t.cache == nil || t.workerID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), _fetchTimeout)
	defer cancel()

	var err error
	if snapshot == nil {
		err = t.cache.DeleteSession(ctx, t.workerID)
	} else {
		err = t.cache.SaveSession(ctx, snapshot)
	}
	if err != nil {
		t.logger.Warn("cache write failed", "err", err)
	}
}

func sessionsEqual(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
