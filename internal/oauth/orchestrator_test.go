package oauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/easycli/internal/management"
)

// fakeBackend serves the management auth routes with a scriptable status.
type fakeBackend struct {
	mu       sync.Mutex
	status   string
	authCode int
}

func (b *fakeBackend) setStatus(status string) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status := b.status
	authCode := b.authCode
	b.mu.Unlock()

	switch r.URL.Path {
	case "/v0/management/get-auth-status":
		w.Write([]byte(`{"status":"` + status + `"}`))
	default:
		if authCode != 0 {
			http.Error(w, "backend unavailable", authCode)
			return
		}
		w.Write([]byte(`{"url":"https://auth.example.com/authorize","state":"state-1"}`))
	}
}

func newTestOrchestrator(t *testing.T, backend http.Handler) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	source := staticSource{conn: management.Connection{
		Mode:       management.ModeLocal,
		BaseURL:    srv.URL,
		Credential: management.ManagementKey("k"),
		LocalPort:  8317,
	}}
	client := management.NewClient(source)
	redirector := NewRedirector(source)
	t.Cleanup(redirector.Close)

	o := NewOrchestrator(client, redirector)
	o.SetTimings(10*time.Millisecond, time.Second)
	return o
}

// portFree reports whether the fixed callback port can be bound on this
// machine; tests that need it skip otherwise.
func portFree(port int) bool {
	listener, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

func TestOrchestratorStartUnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t, &fakeBackend{status: "wait"})
	if _, err := o.Start(context.Background(), "copilot", StartOptions{}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("want ErrUnknownProvider, got %v", err)
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	backend := &fakeBackend{status: "ok"}
	o := newTestOrchestrator(t, backend)

	success := make(chan Provider, 1)
	failure := make(chan error, 1)
	session, err := o.Start(context.Background(), Qwen, StartOptions{
		OnSuccess: func(p Provider) { success <- p },
		OnError:   func(_ Provider, errLogin error) { failure <- errLogin },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.AuthURL() != "https://auth.example.com/authorize" {
		t.Fatalf("AuthURL = %q", session.AuthURL())
	}

	result := waitResult(t, session)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %v (err %v), want success", result.Outcome, result.Err)
	}

	select {
	case p := <-success:
		if p.ID != Qwen {
			t.Fatalf("OnSuccess provider = %q", p.ID)
		}
	case err = <-failure:
		t.Fatalf("OnError fired: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnSuccess never fired")
	}
}

func TestOrchestratorRejectsConcurrentLogin(t *testing.T) {
	backend := &fakeBackend{status: "wait"}
	o := newTestOrchestrator(t, backend)

	session, err := o.Start(context.Background(), Qwen, StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err = o.Start(context.Background(), Qwen, StartOptions{}); !errors.Is(err, ErrLoginInProgress) {
		t.Fatalf("second Start: want ErrLoginInProgress, got %v", err)
	}

	// A different provider is unaffected.
	if _, err = o.Start(context.Background(), Antigravity, StartOptions{}); err != nil {
		t.Fatalf("Start for another provider failed: %v", err)
	}

	o.Cancel(Qwen)
	if result := waitResult(t, session); result.Outcome != OutcomeCancelled {
		t.Fatalf("Outcome = %v, want cancelled", result.Outcome)
	}
	o.Cancel(Antigravity)
}

func TestOrchestratorRestartAfterTerminal(t *testing.T) {
	backend := &fakeBackend{status: "ok"}
	o := newTestOrchestrator(t, backend)

	session, err := o.Start(context.Background(), Qwen, StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitResult(t, session)

	// The slot frees as soon as the session resolves.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = o.Start(context.Background(), Qwen, StartOptions{}); err == nil {
			o.Cancel(Qwen)
			return
		}
		if !errors.Is(err, ErrLoginInProgress) {
			t.Fatalf("restart failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("provider slot never freed after terminal session")
}

func TestOrchestratorCancelInvokesNoCallbacks(t *testing.T) {
	backend := &fakeBackend{status: "wait"}
	o := newTestOrchestrator(t, backend)

	called := make(chan string, 2)
	session, err := o.Start(context.Background(), Qwen, StartOptions{
		OnSuccess: func(Provider) { called <- "success" },
		OnError:   func(Provider, error) { called <- "error" },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	o.Cancel(Qwen)
	waitResult(t, session)

	select {
	case name := <-called:
		t.Fatalf("callback %q fired for a cancelled login", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrchestratorFailureCallback(t *testing.T) {
	backend := &fakeBackend{status: "error"}
	o := newTestOrchestrator(t, backend)

	failure := make(chan error, 1)
	if _, err := o.Start(context.Background(), Qwen, StartOptions{
		OnError: func(_ Provider, errLogin error) { failure <- errLogin },
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-failure:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}
}

func TestOrchestratorBindsAndReleasesCallbackPort(t *testing.T) {
	provider, _ := Lookup(Codex)
	if !portFree(provider.CallbackPort) {
		t.Skipf("port %d busy on this machine", provider.CallbackPort)
	}

	backend := &fakeBackend{status: "ok"}
	o := newTestOrchestrator(t, backend)

	session, err := o.Start(context.Background(), Codex, StartOptions{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := o.redirector.BoundPorts(); len(got) != 1 || got[0] != provider.CallbackPort {
		t.Fatalf("BoundPorts = %v, want [%d]", got, provider.CallbackPort)
	}

	waitResult(t, session)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(o.redirector.BoundPorts()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("BoundPorts = %v, want released after login", o.redirector.BoundPorts())
}

func TestOrchestratorCancelDuringAuthURLFetch(t *testing.T) {
	provider, _ := Lookup(Codex)
	if !portFree(provider.CallbackPort) {
		t.Skipf("port %d busy on this machine", provider.CallbackPort)
	}

	// The auth-url response is held back until release closes, so Cancel
	// lands while the fetch is still in flight.
	release := make(chan struct{})
	var statusPolls int32
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v0/management/get-auth-status" {
			atomic.AddInt32(&statusPolls, 1)
			w.Write([]byte(`{"status":"wait"}`))
			return
		}
		<-release
		w.Write([]byte(`{"url":"https://auth.example.com/authorize","state":"state-1"}`))
	})
	o := newTestOrchestrator(t, backend)

	called := make(chan string, 2)
	started := make(chan error, 1)
	go func() {
		_, err := o.Start(context.Background(), Codex, StartOptions{
			OnSuccess: func(Provider) { called <- "success" },
			OnError:   func(Provider, error) { called <- "error" },
		})
		started <- err
	}()

	// The callback port binds before the fetch; once it is up the fetch is
	// in flight.
	deadline := time.Now().Add(2 * time.Second)
	for len(o.redirector.BoundPorts()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("callback port never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o.Cancel(Codex)
	close(release)

	if err := <-started; err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// The cancelled session releases its port without starting to poll.
	deadline = time.Now().Add(2 * time.Second)
	for len(o.redirector.BoundPorts()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("BoundPorts = %v, want released after cancel", o.redirector.BoundPorts())
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&statusPolls); got != 0 {
		t.Fatalf("cancelled session polled get-auth-status %d times, want 0", got)
	}
	select {
	case name := <-called:
		t.Fatalf("callback %q fired for a cancelled login", name)
	default:
	}

	// The slot is free for the next attempt.
	if _, err := o.Start(context.Background(), Codex, StartOptions{}); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
	o.Cancel(Codex)
}

func TestOrchestratorAuthURLFailureReleasesPort(t *testing.T) {
	provider, _ := Lookup(Codex)
	if !portFree(provider.CallbackPort) {
		t.Skipf("port %d busy on this machine", provider.CallbackPort)
	}

	backend := &fakeBackend{status: "wait", authCode: http.StatusInternalServerError}
	o := newTestOrchestrator(t, backend)

	_, err := o.Start(context.Background(), Codex, StartOptions{})
	if err == nil {
		t.Fatal("expected Start to fail when the auth-url fetch fails")
	}
	if !management.IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
	if got := o.redirector.BoundPorts(); len(got) != 0 {
		t.Fatalf("BoundPorts = %v, want port released on failure", got)
	}

	// The provider slot is also free again.
	backend.mu.Lock()
	backend.authCode = 0
	backend.mu.Unlock()
	backend.setStatus("ok")
	session, err := o.Start(context.Background(), Codex, StartOptions{})
	if err != nil {
		t.Fatalf("restart after failed fetch: %v", err)
	}
	waitResult(t, session)
}
