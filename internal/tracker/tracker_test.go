package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/protomem/shift-agent/internal/api"
	"github.com/protomem/shift-agent/internal/model"
)

var testStart = time.Date(2024, time.March, 11, 9, 0, 0, 0, time.UTC)

func testSession() model.Session {
	return model.Session{
		ID:                101,
		AssignmentID:      7,
		WorkerID:          3,
		SessionType:       model.SessionWork,
		AssignmentDate:    testStart.Truncate(24 * time.Hour),
		StartTime:         testStart,
		TotalWorkSeconds:  600,
		TotalPauseSeconds: 60,
	}
}

// fakeServer stands in for the shift server: a mutable active-session list
// plus switches that make individual transition endpoints fail or block.
type fakeServer struct {
	*httptest.Server

	mu         sync.Mutex
	active     []model.Session
	activeHits int
	failActive bool
	failStop   bool
	failPause  bool

	pauseStarted chan struct{}
	pauseRelease chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{}

	mux := chi.NewRouter()
	mux.Get("/assignments/active", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.activeHits++
		if fs.failActive {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(fs.active)
	})
	mux.Post("/assignments/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fail := fs.failStop
		fs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fs.setActive(nil)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Post("/assignments/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fail, started, release := fs.failPause, fs.pauseStarted, fs.pauseRelease
		fs.mu.Unlock()
		if started != nil {
			close(started)
		}
		if release != nil {
			<-release
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Post("/assignments/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Post("/assignments/{id}/switch-task", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Post("/assignments/start", func(w http.ResponseWriter, r *http.Request) {
		session := testSession()
		fs.setActive([]model.Session{session})
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(session)
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)

	return fs
}

func (fs *fakeServer) setActive(sessions []model.Session) {
	fs.mu.Lock()
	fs.active = sessions
	fs.mu.Unlock()
}

func (fs *fakeServer) activePolls() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.activeHits
}

// testClock is a controllable time source for the display-tick loop.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestTracker(t *testing.T, fs *fakeServer) *Tracker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := api.NewClient(logger, fs.URL, func() string { return "test-token" })

	return New(logger, client, WithClock(func() time.Time { return testStart }))
}

func TestFetchActiveSession(t *testing.T) {
	t.Run("stores the first returned session", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		tr := newTestTracker(t, fs)
		if err := tr.FetchActiveSession(context.Background()); err != nil {
			t.Fatalf("fetch returned error: %v", err)
		}

		got := tr.Session()
		want := testSession()
		if got == nil || !reflect.DeepEqual(*got, want) {
			t.Fatalf("stored session = %+v, want %+v", got, want)
		}
	})

	t.Run("empty collection clears state", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())

		fs.setActive(nil)
		if err := tr.FetchActiveSession(context.Background()); err != nil {
			t.Fatalf("fetch returned error: %v", err)
		}
		if tr.Session() != nil {
			t.Fatal("expected no session after empty poll")
		}
	})

	t.Run("network failure clears state rather than preserving it", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())

		fs.mu.Lock()
		fs.failActive = true
		fs.mu.Unlock()

		if err := tr.FetchActiveSession(context.Background()); err == nil {
			t.Fatal("expected fetch error")
		}
		if tr.Session() != nil {
			t.Fatal("failed poll must not leave stale session data")
		}
	})
}

func TestStopSession(t *testing.T) {
	t.Run("clears locally and stays cleared on success", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())

		if err := tr.StopSession(context.Background()); err != nil {
			t.Fatalf("stop returned error: %v", err)
		}
		if tr.Session() != nil {
			t.Fatal("expected cleared session after stop")
		}
	})

	t.Run("rolls back the exact snapshot on failure", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})
		fs.failStop = true

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())
		before := tr.Session()

		if err := tr.StopSession(context.Background()); err == nil {
			t.Fatal("expected stop to fail")
		}

		after := tr.Session()
		if !reflect.DeepEqual(before, after) {
			t.Fatalf("rollback mismatch:\nbefore %+v\nafter  %+v", before, after)
		}
	})

	t.Run("without a session reports ErrNoSession", func(t *testing.T) {
		fs := newFakeServer(t)
		tr := newTestTracker(t, fs)

		if err := tr.StopSession(context.Background()); !errors.Is(err, model.ErrNoSession) {
			t.Fatalf("expected ErrNoSession, got %v", err)
		}
	})
}

func TestTogglePause(t *testing.T) {
	t.Run("flips locally before the network call resolves", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})
		fs.pauseStarted = make(chan struct{})
		fs.pauseRelease = make(chan struct{})

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- tr.TogglePause(context.Background())
		}()

		<-fs.pauseStarted
		if got := tr.Session(); got == nil || got.SessionType != model.SessionPause {
			t.Fatalf("expected optimistic flip to pause while request in flight, got %+v", got)
		}

		// The server closes the work segment and reports new cumulative
		// counters; the post-toggle fetch must install them.
		reconciled := testSession()
		reconciled.SessionType = model.SessionPause
		reconciled.TotalWorkSeconds = 900
		reconciled.StartTime = testStart.Add(5 * time.Minute)
		fs.setActive([]model.Session{reconciled})

		close(fs.pauseRelease)
		if err := <-done; err != nil {
			t.Fatalf("toggle returned error: %v", err)
		}

		got := tr.Session()
		if got == nil || !reflect.DeepEqual(*got, reconciled) {
			t.Fatalf("expected server counters after toggle, got %+v", got)
		}
	})

	t.Run("rolls back the exact snapshot on failure", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})
		fs.failPause = true

		tr := newTestTracker(t, fs)
		tr.FetchActiveSession(context.Background())
		before := tr.Session()

		if err := tr.TogglePause(context.Background()); err == nil {
			t.Fatal("expected toggle to fail")
		}

		after := tr.Session()
		if !reflect.DeepEqual(before, after) {
			t.Fatalf("rollback mismatch:\nbefore %+v\nafter  %+v", before, after)
		}
	})
}

func TestStartSession(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTracker(t, fs)

	err := tr.StartSession(context.Background(), api.StartAssignmentDTO{
		WorkerID:        3,
		EmployerID:      1,
		Description:     "morning shift",
		TaskDescription: "front desk",
	})
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}

	got := tr.Session()
	want := testSession()
	if got == nil || !reflect.DeepEqual(*got, want) {
		t.Fatalf("expected started session installed, got %+v", got)
	}

	if err := tr.StartSession(context.Background(), api.StartAssignmentDTO{}); !errors.Is(err, model.ErrExists) {
		t.Fatalf("expected ErrExists with a running session, got %v", err)
	}
}

func TestReconcileNotifiesOnlyOnChange(t *testing.T) {
	fs := newFakeServer(t)
	tr := newTestTracker(t, fs)

	var mu sync.Mutex
	notified := 0
	unsubscribe := tr.OnChange(func() {
		mu.Lock()
		notified++
		mu.Unlock()
	})
	defer unsubscribe()

	session := testSession()
	tr.Reconcile(&session)
	tr.Reconcile(&session)

	mu.Lock()
	got := notified
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected one notification for an unchanged snapshot, got %d", got)
	}

	tr.Reconcile(nil)
	mu.Lock()
	got = notified
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected a notification for the cleared snapshot, got %d", got)
	}
}

func TestHandleChannelEvent(t *testing.T) {
	t.Run("relevant events trigger a re-fetch", func(t *testing.T) {
		fs := newFakeServer(t)
		tr := newTestTracker(t, fs)

		fs.setActive([]model.Session{testSession()})
		tr.HandleChannelEvent(model.ChannelEvent{Type: model.EventAssignmentStarted})

		if tr.Session() == nil {
			t.Fatal("expected event-triggered fetch to install the session")
		}
	})

	t.Run("irrelevant events are ignored", func(t *testing.T) {
		fs := newFakeServer(t)
		tr := newTestTracker(t, fs)

		fs.setActive([]model.Session{testSession()})
		tr.HandleChannelEvent(model.ChannelEvent{Type: "unrelated"})

		if tr.Session() != nil {
			t.Fatal("unrelated event must not trigger a fetch")
		}
	})
}

func TestElapsedAtUsesSnapshotBaseline(t *testing.T) {
	fs := newFakeServer(t)
	fs.setActive([]model.Session{testSession()})

	tr := newTestTracker(t, fs)
	tr.FetchActiveSession(context.Background())

	elapsed := tr.ElapsedAt(testStart.Add(30 * time.Second))
	if elapsed.WorkSeconds != 630 {
		t.Fatalf("expected 630 work seconds, got %d", elapsed.WorkSeconds)
	}
	if elapsed.PauseSeconds != 60 {
		t.Fatalf("expected pause baseline 60, got %d", elapsed.PauseSeconds)
	}

	// A fresh poll baseline replaces, not integrates, the running counter.
	corrected := testSession()
	corrected.TotalWorkSeconds = 615
	fs.setActive([]model.Session{corrected})
	tr.FetchActiveSession(context.Background())

	elapsed = tr.ElapsedAt(testStart.Add(30 * time.Second))
	if elapsed.WorkSeconds != 645 {
		t.Fatalf("expected corrected baseline 645, got %d", elapsed.WorkSeconds)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	t.Run("poll loop fetches repeatedly until shutdown", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		client := api.NewClient(logger, fs.URL, func() string { return "test-token" })
		tr := New(logger, client,
			WithClock(func() time.Time { return testStart }),
			WithPollInterval(15*time.Millisecond),
			WithTickInterval(10*time.Millisecond),
		)

		tr.Start()
		waitFor(t, 2*time.Second, func() bool { return fs.activePolls() >= 3 })

		if tr.Session() == nil {
			t.Fatal("expected the poll loop to install the active session")
		}

		tr.Shutdown()
		tr.Shutdown() // second shutdown must be a no-op

		polls := fs.activePolls()
		time.Sleep(80 * time.Millisecond)
		if got := fs.activePolls(); got != polls {
			t.Fatalf("poll loop survived shutdown: %d polls grew to %d", polls, got)
		}

		// A stopped tracker can be started again and resumes polling.
		tr.Start()
		waitFor(t, 2*time.Second, func() bool { return fs.activePolls() > polls })
		tr.Shutdown()
	})

	t.Run("display tick advances elapsed between polls", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		clock := newTestClock(testStart)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		client := api.NewClient(logger, fs.URL, func() string { return "test-token" })

		// The poll interval is effectively infinite here, so any movement in
		// the elapsed counters comes from the 1s-equivalent display tick
		// alone.
		tr := New(logger, client,
			WithClock(clock.Now),
			WithPollInterval(time.Hour),
			WithTickInterval(10*time.Millisecond),
		)

		tr.Start()
		defer tr.Shutdown()

		waitFor(t, 2*time.Second, func() bool { return tr.Session() != nil })
		if got := tr.Elapsed().WorkSeconds; got != 600 {
			t.Fatalf("expected baseline 600 work seconds, got %d", got)
		}

		clock.Advance(5 * time.Second)
		waitFor(t, 2*time.Second, func() bool { return tr.Elapsed().WorkSeconds == 605 })

		// The tick only moves the display clock; session data is untouched.
		got := tr.Session()
		want := testSession()
		if got == nil || !reflect.DeepEqual(*got, want) {
			t.Fatalf("display tick mutated session data: %+v", got)
		}
	})

	t.Run("shutdown stops the display tick", func(t *testing.T) {
		fs := newFakeServer(t)
		fs.setActive([]model.Session{testSession()})

		clock := newTestClock(testStart)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		client := api.NewClient(logger, fs.URL, func() string { return "test-token" })
		tr := New(logger, client,
			WithClock(clock.Now),
			WithPollInterval(time.Hour),
			WithTickInterval(10*time.Millisecond),
		)

		tr.Start()
		waitFor(t, 2*time.Second, func() bool { return tr.Session() != nil })
		tr.Shutdown()

		clock.Advance(30 * time.Second)
		time.Sleep(80 * time.Millisecond)
		if got := tr.Elapsed().WorkSeconds; got != 600 {
			t.Fatalf("display tick survived shutdown, counter moved to %d", got)
		}
	})
}
