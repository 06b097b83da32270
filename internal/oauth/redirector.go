package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/easycli/internal/config"
	"github.com/router-for-me/easycli/internal/logging"
	"github.com/router-for-me/easycli/internal/management"
)

// ErrPortInUse indicates the fixed callback port could not be bound.
var ErrPortInUse = errors.New("oauth: callback port is already in use")

// unbindGraceDelay is how long a redirector stays up after forwarding a
// callback, so the 302 response flushes before the port is released.
const unbindGraceDelay = time.Second

// Redirector manages the ephemeral local HTTP listeners that catch OAuth
// provider redirects on fixed ports and forward the browser to the backend's
// callback route. At most one listener exists per port.
type Redirector struct {
	source management.ConnectionSource

	mu      sync.Mutex
	servers map[int]*redirectServer

	grace time.Duration
}

type redirectServer struct {
	provider Provider
	listener net.Listener
	server   *http.Server
	stopOnce sync.Once
}

// NewRedirector creates a redirector resolving forward targets from source at
// callback time, so config changes between bind and callback are honored.
func NewRedirector(source management.ConnectionSource) *Redirector {
	return &Redirector{
		source:  source,
		servers: make(map[int]*redirectServer),
		grace:   unbindGraceDelay,
	}
}

// Bind starts a listener on the provider's fixed callback port. Binding an
// already-bound port fails with ErrPortInUse; the caller must treat that as a
// hard start failure.
func (r *Redirector) Bind(provider Provider) error {
	if !provider.NeedsRedirector() {
		return nil
	}
	port := provider.CallbackPort

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[port]; exists {
		return fmt.Errorf("%w: port %d", ErrPortInUse, port)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrPortInUse, port, err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinRecovery())
	engine.NoRoute(r.forwardHandler(provider))

	srv := &http.Server{
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	entry := &redirectServer{provider: provider, listener: listener, server: srv}
	r.servers[port] = entry

	go func() {
		if errServe := srv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.WithField("port", port).Errorf("callback redirector stopped: %v", errServe)
		}
	}()

	log.WithFields(log.Fields{"provider": provider.ID, "port": port}).Debug("callback redirector bound")
	return nil
}

// forwardHandler builds the catch-all handler that 302-forwards an inbound
// provider redirect to the backend callback route, then schedules self-unbind
// after the grace delay.
func (r *Redirector) forwardHandler(provider Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := r.source.Connection()
		if err != nil {
			// Do not crash the listener; report and stay up so the user
			// can fix the configuration and retry.
			c.String(http.StatusBadRequest, "management connection is not configured: %v", err)
			return
		}
		if conn.Mode == management.ModeRemote && conn.BaseURL == "" {
			c.String(http.StatusBadRequest, "remote management base URL is not configured")
			return
		}

		target := forwardTarget(conn, provider, c.Request.URL.RawQuery)
		c.Redirect(http.StatusFound, target)

		port := provider.CallbackPort
		time.AfterFunc(r.grace, func() {
			r.Unbind(port)
		})
	}
}

// forwardTarget computes the backend callback URL for a received provider
// redirect. Local mode always targets loopback on the current management
// port; remote mode joins the configured base URL without a double slash.
func forwardTarget(conn management.Connection, provider Provider, rawQuery string) string {
	var target string
	if conn.Mode == management.ModeLocal {
		port := conn.LocalPort
		if port == 0 {
			port = config.DefaultPort
		}
		target = fmt.Sprintf("http://127.0.0.1:%d%s", port, provider.CallbackPath)
	} else {
		target = management.JoinBaseURL(conn.BaseURL, provider.CallbackPath)
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Unbind stops the listener on port and releases it. Unbinding an unbound
// port is a no-op.
func (r *Redirector) Unbind(port int) {
	r.mu.Lock()
	entry, ok := r.servers[port]
	if ok {
		delete(r.servers, port)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	entry.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := entry.server.Shutdown(ctx); err != nil {
			_ = entry.listener.Close()
		}
		log.WithFields(log.Fields{"provider": entry.provider.ID, "port": port}).Debug("callback redirector unbound")
	})
}

// BoundPorts returns the ports with live listeners, sorted ascending.
func (r *Redirector) BoundPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.servers))
	for port := range r.servers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// Close unbinds every live listener.
func (r *Redirector) Close() {
	for _, port := range r.BoundPorts() {
		r.Unbind(port)
	}
}
