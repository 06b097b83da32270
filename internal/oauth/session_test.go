package oauth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/easycli/internal/management"
)

func newTestClient(t *testing.T, handler http.Handler) *management.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return management.NewClient(staticSource{conn: management.Connection{
		Mode:       management.ModeLocal,
		BaseURL:    srv.URL,
		Credential: management.ManagementKey("k"),
	}})
}

// scriptedStatus serves get-auth-status responses in order, repeating the
// last one once the script is exhausted.
type scriptedStatus struct {
	mu     sync.Mutex
	bodies []string
	calls  int
}

func (s *scriptedStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.bodies) {
		idx = len(s.bodies) - 1
	}
	body := s.bodies[idx]
	s.mu.Unlock()
	w.Write([]byte(body))
}

func (s *scriptedStatus) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitResult(t *testing.T, s *Session) Result {
	t.Helper()
	select {
	case <-s.Done():
		return s.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("session did not resolve in time")
		return Result{}
	}
}

func TestSessionSucceedsAfterPolling(t *testing.T) {
	script := &scriptedStatus{bodies: []string{
		`{"status":"wait"}`,
		`{"status":"wait"}`,
		`{"status":"ok"}`,
	}}
	client := newTestClient(t, script)

	var cleanups int32
	s := newSession(providers[0], client, 10*time.Millisecond, time.Second)
	s.begin("https://auth.example.com/authorize", "state-1", func() {
		atomic.AddInt32(&cleanups, 1)
	})

	if got := s.AuthURL(); got != "https://auth.example.com/authorize" {
		t.Fatalf("AuthURL = %q", got)
	}
	if got := s.State(); got != "state-1" {
		t.Fatalf("State = %q", got)
	}

	result := waitResult(t, s)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err: %v)", result.Outcome, result.Err)
	}
	if got := s.Phase(); got != PhaseSucceeded {
		t.Fatalf("Phase = %v, want %v", got, PhaseSucceeded)
	}
	if got := script.callCount(); got != 3 {
		t.Fatalf("poll count = %d, want 3", got)
	}
	if got := atomic.LoadInt32(&cleanups); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}
}

func TestSessionFailsOnErrorStatus(t *testing.T) {
	script := &scriptedStatus{bodies: []string{
		`{"status":"wait"}`,
		`{"status":"error","error":"access denied"}`,
	}}
	client := newTestClient(t, script)

	s := newSession(providers[0], client, 10*time.Millisecond, time.Second)
	s.begin("u", "state-1", nil)

	result := waitResult(t, s)
	if result.Outcome != OutcomeFailure {
		t.Fatalf("Outcome = %v, want failure", result.Outcome)
	}
	if result.Err == nil || result.Err.Error() != "access denied" {
		t.Fatalf("Err = %v, want backend message", result.Err)
	}
	if got := s.Phase(); got != PhaseFailed {
		t.Fatalf("Phase = %v, want %v", got, PhaseFailed)
	}
}

func TestSessionFailsOnHTTPError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	s := newSession(providers[0], client, 10*time.Millisecond, time.Second)
	s.begin("u", "state-1", nil)

	result := waitResult(t, s)
	if result.Outcome != OutcomeFailure {
		t.Fatalf("Outcome = %v, want failure", result.Outcome)
	}
	var statusErr *management.StatusError
	if !errors.As(result.Err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Fatalf("Err = %v, want StatusError 500", result.Err)
	}
}

func TestSessionFailsOnUnknownStatus(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"maybe"}`}}
	client := newTestClient(t, script)

	s := newSession(providers[0], client, 10*time.Millisecond, time.Second)
	s.begin("u", "state-1", nil)

	result := waitResult(t, s)
	if !errors.Is(result.Err, management.ErrProtocol) {
		t.Fatalf("Err = %v, want ErrProtocol", result.Err)
	}
}

func TestSessionTimesOut(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"wait"}`}}
	client := newTestClient(t, script)

	start := time.Now()
	s := newSession(providers[0], client, 10*time.Millisecond, 80*time.Millisecond)
	s.begin("u", "state-1", nil)

	result := waitResult(t, s)
	if result.Outcome != OutcomeFailure {
		t.Fatalf("Outcome = %v, want failure", result.Outcome)
	}
	if !errors.Is(result.Err, ErrAuthTimeout) {
		t.Fatalf("Err = %v, want ErrAuthTimeout", result.Err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("resolved after %v, before the timeout", elapsed)
	}
	if got := s.Phase(); got != PhaseTimedOut {
		t.Fatalf("Phase = %v, want %v", got, PhaseTimedOut)
	}
}

func TestSessionCancelStopsPolling(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"wait"}`}}
	client := newTestClient(t, script)

	var cleanups int32
	s := newSession(providers[0], client, 10*time.Millisecond, time.Minute)
	s.begin("u", "state-1", func() {
		atomic.AddInt32(&cleanups, 1)
	})

	// Let at least one poll land before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for script.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Cancel()

	result := waitResult(t, s)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", result.Outcome)
	}
	if got := s.Phase(); got != PhaseCancelled {
		t.Fatalf("Phase = %v, want %v", got, PhaseCancelled)
	}
	if got := atomic.LoadInt32(&cleanups); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}

	// No further polls once cancelled.
	settled := script.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := script.callCount(); got > settled+1 {
		t.Fatalf("polling continued after cancel: %d -> %d", settled, got)
	}
}

func TestSessionCancelledBeforeBeginNeverPolls(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"wait"}`}}
	client := newTestClient(t, script)

	s := newSession(providers[0], client, 10*time.Millisecond, time.Minute)
	// Cancel lands while the auth-url fetch is still in flight.
	s.Cancel()

	var cleanups int32
	s.begin("u", "state-1", func() {
		atomic.AddInt32(&cleanups, 1)
	})

	result := waitResult(t, s)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", result.Outcome)
	}
	if got := s.Phase(); got != PhaseCancelled {
		t.Fatalf("Phase = %v, want %v", got, PhaseCancelled)
	}
	// The late-registered cleanup still runs, exactly once.
	if got := atomic.LoadInt32(&cleanups); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}

	// The poll loop never starts for an already-resolved session.
	time.Sleep(50 * time.Millisecond)
	if got := script.callCount(); got != 0 {
		t.Fatalf("cancelled session polled %d times, want 0", got)
	}
}

func TestSessionTickTimeoutTieBreak(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"ok"}`}}
	client := newTestClient(t, script)

	// Tick and deadline armed to coincide; whichever wins, exactly one
	// terminal outcome may be observed.
	s := newSession(providers[0], client, 30*time.Millisecond, 30*time.Millisecond)
	s.begin("u", "state-1", nil)

	result := waitResult(t, s)
	phase := s.Phase()
	switch result.Outcome {
	case OutcomeSuccess:
		if phase != PhaseSucceeded {
			t.Fatalf("Outcome success but Phase = %v", phase)
		}
	case OutcomeFailure:
		if !errors.Is(result.Err, ErrAuthTimeout) {
			t.Fatalf("Err = %v, want ErrAuthTimeout for the losing tick", result.Err)
		}
		if phase != PhaseTimedOut {
			t.Fatalf("Outcome timeout but Phase = %v", phase)
		}
	default:
		t.Fatalf("Outcome = %v, want success or timeout", result.Outcome)
	}

	// The losing side of the race is discarded, never re-resolved.
	time.Sleep(50 * time.Millisecond)
	if again := s.Result(); again.Outcome != result.Outcome {
		t.Fatalf("Result changed after resolution: %v -> %v", result.Outcome, again.Outcome)
	}
	if s.Phase() != phase {
		t.Fatalf("Phase changed after resolution: %v -> %v", phase, s.Phase())
	}
}

func TestSessionResolvesExactlyOnce(t *testing.T) {
	script := &scriptedStatus{bodies: []string{`{"status":"wait"}`}}
	client := newTestClient(t, script)

	s := newSession(providers[0], client, 10*time.Millisecond, time.Minute)
	s.begin("u", "state-1", nil)

	s.Cancel()
	s.Cancel()

	result := waitResult(t, s)
	if result.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", result.Outcome)
	}
	// Every waiter observes the same single result.
	<-s.Done()
	if again := s.Result(); again.Outcome != OutcomeCancelled {
		t.Fatalf("second Result = %v, want cancelled", again.Outcome)
	}
}
