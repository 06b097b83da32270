// Package keepalive pings the management backend on a fixed interval so the
// backend can tell whether its controlling shell is still attached.
package keepalive

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/easycli/internal/management"
)

const defaultInterval = 5 * time.Second

// Runner drives the periodic keep-alive ping. Start and Stop are idempotent.
type Runner struct {
	client   *management.Client
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds a runner over the management client. A non-positive
// interval selects the default.
func NewRunner(client *management.Client, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Runner{client: client, interval: interval}
}

// Start launches the ping loop. Calling Start on a running runner is a
// no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

// Stop halts the loop and waits for the in-flight ping, if any, to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, r.interval)
			err := r.client.KeepAlive(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// The backend may simply be restarting; keep pinging.
				log.WithField("error", err).Debug("keep-alive ping failed")
			}
		}
	}
}
