package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/easycli/internal/management"
)

// Phase is the lifecycle state of a login session.
type Phase int

const (
	// PhaseIdle is the zero value before Start is called.
	PhaseIdle Phase = iota
	// PhaseRequesting covers the auth-url fetch.
	PhaseRequesting
	// PhaseAwaitingUser means the authorization URL is known.
	PhaseAwaitingUser
	// PhasePolling means the status poll loop is running.
	PhasePolling
	// PhaseSucceeded is terminal: the backend reported status ok.
	PhaseSucceeded
	// PhaseFailed is terminal: a tick failed or the backend reported an error.
	PhaseFailed
	// PhaseCancelled is terminal: Cancel was called.
	PhaseCancelled
	// PhaseTimedOut is terminal: the absolute timeout elapsed.
	PhaseTimedOut
)

// String returns the lowercase phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequesting:
		return "requesting"
	case PhaseAwaitingUser:
		return "awaiting-user"
	case PhasePolling:
		return "polling"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		return true
	default:
		return false
	}
}

// Outcome classifies how a session ended.
type Outcome int

const (
	// OutcomeSuccess means authentication completed.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure means the session ended with an error.
	OutcomeFailure
	// OutcomeCancelled means the user cancelled the session.
	OutcomeCancelled
)

// Result is the single terminal outcome of a session. Err is set only for
// OutcomeFailure.
type Result struct {
	Outcome Outcome
	Err     error
}

// ErrAuthTimeout is the failure reported when a login does not resolve
// within the session timeout. The message is shown to the user verbatim.
var ErrAuthTimeout = errors.New("Authentication timeout, please try again")

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 300 * time.Second
)

// Session tracks one in-flight provider login: the authorization URL and
// state token handed out by the backend, and the poll loop that watches for
// completion. Terminal transitions go through resolve, which runs exactly
// once; a racing poll result and timeout can never both be observed.
type Session struct {
	provider Provider
	client   *management.Client

	pollInterval time.Duration
	timeout      time.Duration

	mu       sync.Mutex
	phase    Phase
	authURL  string
	state    string
	cancel   context.CancelFunc
	cleanup  func()
	result   Result
	done     chan struct{}
	resolved bool
}

func newSession(provider Provider, client *management.Client, pollInterval, timeout time.Duration) *Session {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Session{
		provider:     provider,
		client:       client,
		pollInterval: pollInterval,
		timeout:      timeout,
		phase:        PhaseRequesting,
		done:         make(chan struct{}),
	}
}

// Provider returns the provider this session authenticates.
func (s *Session) Provider() Provider {
	return s.provider
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AuthURL returns the provider consent URL; empty until the session reaches
// AwaitingUser.
func (s *Session) AuthURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authURL
}

// State returns the backend's opaque correlation token.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal phase. Every waiter
// observes the close; read the outcome with Result afterwards.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal outcome. Valid only after Done is closed.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// begin records the fetched authorization URL and state, registers the
// cleanup hook (redirector unbind), and starts the poll loop. Polling starts
// immediately; whether the user has opened the URL yet does not gate it.
// A session cancelled during the auth-url fetch is already resolved when
// begin runs: the poll loop must not start and the cleanup runs right away so
// no listener stays bound.
func (s *Session) begin(authURL, state string, cleanup func()) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.authURL = authURL
	s.state = state
	if s.resolved {
		s.mu.Unlock()
		cancel()
		if cleanup != nil {
			cleanup()
		}
		return
	}
	s.cleanup = cleanup
	s.cancel = cancel
	s.phase = PhaseAwaitingUser
	s.mu.Unlock()

	go s.run(ctx)
}

// run drives the poll loop: one tick every pollInterval, one absolute
// timeout armed for the whole session. The select ordering implements the
// tie-break rule: a tick that already produced a terminal status resolves the
// session before the timeout case can be taken, and resolve discards
// whichever of the two loses the race.
func (s *Session) run(ctx context.Context) {
	s.mu.Lock()
	if !s.resolved {
		s.phase = PhasePolling
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	// In-flight ticks share the session deadline so a timeout aborts the
	// current request instead of waiting for it.
	tickCtx, cancelTicks := context.WithTimeout(ctx, s.timeout)
	defer cancelTicks()

	for {
		select {
		case <-ctx.Done():
			// Cancelled; Cancel already resolved the session.
			return
		case <-deadline.C:
			s.resolve(Result{Outcome: OutcomeFailure, Err: ErrAuthTimeout})
			return
		case <-ticker.C:
			status, message, err := s.client.AuthStatus(tickCtx, s.state)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(tickCtx.Err(), context.DeadlineExceeded) {
					s.resolve(Result{Outcome: OutcomeFailure, Err: ErrAuthTimeout})
					return
				}
				// A single failed tick is fatal; transient and terminal
				// backend errors are not distinguished at this layer.
				s.resolve(Result{Outcome: OutcomeFailure, Err: err})
				return
			}
			switch status {
			case "ok":
				s.resolve(Result{Outcome: OutcomeSuccess})
				return
			case "error":
				if message == "" {
					message = "Authentication failed"
				}
				s.resolve(Result{Outcome: OutcomeFailure, Err: errors.New(message)})
				return
			case "wait":
				// Keep polling.
			default:
				s.resolve(Result{Outcome: OutcomeFailure, Err: fmt.Errorf("%w: unknown auth status %q", management.ErrProtocol, status)})
				return
			}
		}
	}
}

// Cancel aborts the session from any non-terminal phase: the in-flight poll
// request is aborted, both timers stop, and the redirector (if bound) is
// released. Cancelling a terminal session is a no-op. Cancellation is not an
// error and triggers no callback.
func (s *Session) Cancel() {
	s.resolve(Result{Outcome: OutcomeCancelled})
}

// resolve performs the single terminal transition. The first caller wins;
// every later call is discarded, which is what makes the ok-versus-timeout
// race safe.
func (s *Session) resolve(result Result) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.result = result
	switch {
	case result.Outcome == OutcomeSuccess:
		s.phase = PhaseSucceeded
	case result.Outcome == OutcomeCancelled:
		s.phase = PhaseCancelled
	case errors.Is(result.Err, ErrAuthTimeout):
		s.phase = PhaseTimedOut
	default:
		s.phase = PhaseFailed
	}
	cancel := s.cancel
	cleanup := s.cleanup
	s.cancel = nil
	s.cleanup = nil
	s.mu.Unlock()

	// Stop the poll loop and abort any in-flight request before the caller
	// observes the terminal phase.
	if cancel != nil {
		cancel()
	}
	if cleanup != nil {
		cleanup()
	}

	log.WithFields(log.Fields{"provider": s.provider.ID, "phase": s.Phase()}).Debug("oauth session resolved")
	close(s.done)
}
