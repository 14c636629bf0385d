package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/spiretf/dispenser/internal/metrics"
	"github.com/spiretf/dispenser/internal/ownership"
	"github.com/spiretf/dispenser/internal/schedule"
)

// Run is the daemon loop: a single-threaded cooperative poll that feeds
// scheduler triggers into the state machine. Action-level errors are logged
// and the loop moves on to the next tick; only context cancellation ends it.
func (c *Controller) Run(ctx context.Context, sched *schedule.Scheduler, interval time.Duration) {
	log.Printf("lifecycle: daemon started (poll interval %s)", interval)
	c.logInitialState(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("lifecycle: daemon stopping")
			return
		case now := <-ticker.C:
			c.HandleTrigger(ctx, sched.Tick(now))
		}
	}
}

// HandleTrigger runs one scheduler trigger through the state machine.
func (c *Controller) HandleTrigger(ctx context.Context, trigger schedule.Trigger) {
	switch trigger {
	case schedule.TriggerStart:
		inst, err := c.Start(ctx)
		switch {
		case err == nil:
			metrics.TransitionsTotal.WithLabelValues("start", "ok").Inc()
			log.Printf("lifecycle: started server %s at %s", inst.ID, inst.PublicIP)
		case errors.Is(err, ErrAlreadyRunning):
			metrics.TransitionsTotal.WithLabelValues("start", "noop").Inc()
			log.Printf("lifecycle: start trigger ignored, server %s already running", inst.ID)
		case errors.Is(err, ownership.ErrForeignInstance):
			metrics.TransitionsTotal.WithLabelValues("start", "refused").Inc()
			log.Printf("lifecycle: start refused: %v (retrying next cycle)", err)
		default:
			metrics.TransitionsTotal.WithLabelValues("start", "error").Inc()
			log.Printf("lifecycle: start failed: %v", err)
		}

	case schedule.TriggerStop:
		err := c.Stop(ctx)
		switch {
		case err == nil:
			metrics.TransitionsTotal.WithLabelValues("stop", "ok").Inc()
		case errors.Is(err, ErrNotRunning):
			metrics.TransitionsTotal.WithLabelValues("stop", "noop").Inc()
		case errors.Is(err, ErrPlayersOnline), errors.Is(err, ErrProbeFailed):
			metrics.TransitionsTotal.WithLabelValues("stop", "deferred").Inc()
		default:
			metrics.TransitionsTotal.WithLabelValues("stop", "error").Inc()
			log.Printf("lifecycle: stop failed: %v", err)
		}
	}
}

// logInitialState resolves ownership once at daemon start so the log shows
// whether an instance survived a restart.
func (c *Controller) logInitialState(ctx context.Context) {
	res, _, err := c.Resolve(ctx)
	switch {
	case err != nil:
		log.Printf("lifecycle: initial inventory resolution failed: %v", err)
	case res.Managed != nil:
		c.mu.Lock()
		c.state = StateActive
		c.mu.Unlock()
		metrics.ServerUp.Set(1)
		log.Printf("lifecycle: recovered managed server %s at %s from inventory", res.Managed.ID, res.Managed.PublicIP)
	case res.Foreign > 0:
		log.Printf("lifecycle: %d untagged running instance(s) present, start failsafe engaged", res.Foreign)
	default:
		log.Printf("lifecycle: no server running")
	}
}
