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

var (
	// ErrUnknownProvider is returned for provider IDs outside the registry.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrLoginInProgress is returned when a login for the same provider is
	// already running.
	ErrLoginInProgress = errors.New("login already in progress")
)

// StartOptions tunes a single login attempt.
type StartOptions struct {
	// ProjectID is forwarded as the project_id query parameter for providers
	// that support project selection; ignored otherwise.
	ProjectID string
	// OnSuccess runs after the backend confirms the login. Optional.
	OnSuccess func(provider Provider)
	// OnError runs when the login fails or times out. Optional. Neither
	// callback runs for cancelled logins.
	OnError func(provider Provider, err error)
}

// Orchestrator is the single entry point for provider logins. It sequences
// the callback redirector, the auth-url fetch, and the polling session, and
// enforces one active login per provider.
type Orchestrator struct {
	client     *management.Client
	redirector *Redirector

	pollInterval time.Duration
	timeout      time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewOrchestrator builds an orchestrator over the management client and
// redirector. Both are required.
func NewOrchestrator(client *management.Client, redirector *Redirector) *Orchestrator {
	return &Orchestrator{
		client:     client,
		redirector: redirector,
		sessions:   make(map[string]*Session),
	}
}

// SetTimings overrides the poll interval and session timeout. Zero keeps the
// default for that value.
func (o *Orchestrator) SetTimings(pollInterval, timeout time.Duration) {
	o.pollInterval = pollInterval
	o.timeout = timeout
}

// Start begins a login for the named provider. The returned session exposes
// the authorization URL once known and delivers its terminal result on
// Done(). A second Start for a provider whose session is still running fails
// with ErrLoginInProgress.
func (o *Orchestrator) Start(ctx context.Context, providerID string, opts StartOptions) (*Session, error) {
	provider, ok := Lookup(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	session := newSession(provider, o.client, o.pollInterval, o.timeout)

	o.mu.Lock()
	if existing, found := o.sessions[provider.ID]; found && !existing.Phase().Terminal() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLoginInProgress, provider.ID)
	}
	o.sessions[provider.ID] = session
	o.mu.Unlock()

	fail := func(err error) (*Session, error) {
		o.remove(provider.ID, session)
		return nil, err
	}

	cleanup := func() {}
	if provider.NeedsRedirector() {
		if err := o.redirector.Bind(provider); err != nil {
			return fail(err)
		}
		cleanup = func() { o.redirector.Unbind(provider.CallbackPort) }
	}

	projectID := ""
	if provider.SupportsProject {
		projectID = opts.ProjectID
	}
	authURL, state, err := o.client.AuthURL(ctx, provider.AuthURLPath, projectID)
	if err != nil {
		cleanup()
		return fail(err)
	}

	log.WithFields(log.Fields{
		"provider": provider.ID,
		"state":    state,
		"port":     provider.CallbackPort,
	}).Info("login started")

	session.begin(authURL, state, cleanup)
	go o.watch(session, opts)
	return session, nil
}

// Cancel aborts the active login for the provider, if any. Cancelling an
// unknown or idle provider is a no-op.
func (o *Orchestrator) Cancel(providerID string) {
	provider, ok := Lookup(providerID)
	if !ok {
		return
	}
	o.mu.Lock()
	session := o.sessions[provider.ID]
	o.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

// Session returns the active session for the provider, or nil.
func (o *Orchestrator) Session(providerID string) *Session {
	provider, ok := Lookup(providerID)
	if !ok {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[provider.ID]
}

// Close cancels every active session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}

// watch forwards the session's terminal result to the caller's callbacks and
// releases the provider slot. Cancellation invokes neither callback.
func (o *Orchestrator) watch(session *Session, opts StartOptions) {
	<-session.Done()
	result := session.Result()
	o.remove(session.provider.ID, session)

	switch result.Outcome {
	case OutcomeSuccess:
		log.WithField("provider", session.provider.ID).Info("login succeeded")
		if opts.OnSuccess != nil {
			opts.OnSuccess(session.provider)
		}
	case OutcomeFailure:
		log.WithFields(log.Fields{
			"provider": session.provider.ID,
			"error":    result.Err,
		}).Warn("login failed")
		if opts.OnError != nil {
			opts.OnError(session.provider, result.Err)
		}
	case OutcomeCancelled:
		log.WithField("provider", session.provider.ID).Info("login cancelled")
	}
}

// remove clears the provider slot only if it still holds this session.
func (o *Orchestrator) remove(providerID string, session *Session) {
	o.mu.Lock()
	if o.sessions[providerID] == session {
		delete(o.sessions, providerID)
	}
	o.mu.Unlock()
}
