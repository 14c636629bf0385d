// Package lifecycle drives the provisioning and teardown state machine.
//
// Every decision starts from a fresh provider inventory; the controller keeps
// no durable state of its own. All transitions, whether from the scheduler or
// from a one-shot command, serialize through one mutex so two overlapping
// evaluations can never both observe an empty inventory and double-provision.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/spiretf/dispenser/internal/bootstrap"
	"github.com/spiretf/dispenser/internal/cloud"
	"github.com/spiretf/dispenser/internal/config"
	"github.com/spiretf/dispenser/internal/metrics"
	"github.com/spiretf/dispenser/internal/ownership"
)

// State is the controller's view of the managed server lifecycle. It is
// informational; truth is always re-derived from the provider inventory.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReady State = "awaiting_ready"
	StateActive        State = "active"
	StateDestroying    State = "destroying"
)

var (
	// ErrAlreadyRunning reports a start no-op: a managed server exists.
	ErrAlreadyRunning = errors.New("lifecycle: server already running")
	// ErrNotRunning reports a stop no-op: there is nothing to tear down.
	ErrNotRunning = errors.New("lifecycle: no server running")
	// ErrPlayersOnline reports a deferred stop: players are connected.
	ErrPlayersOnline = errors.New("lifecycle: players still connected, teardown deferred")
	// ErrProbeFailed reports a deferred stop: the safety probe failed and
	// the configured policy is to abstain.
	ErrProbeFailed = errors.New("lifecycle: player probe failed, teardown deferred")
	// ErrProvisionTimeout means the instance never became reachable. The
	// instance is deliberately left as-is: it may be a billed, half
	// configured machine, and destroying or re-provisioning it without
	// operator judgment risks a duplicate.
	ErrProvisionTimeout = errors.New("lifecycle: instance did not become ready before the deadline")
)

// Probe queries the live game server for its player count.
type Probe interface {
	PlayerCount(ctx context.Context, addr string) (int, error)
}

// DNSUpdater pushes a freshly assigned IP to a dynamic DNS endpoint.
type DNSUpdater interface {
	Update(ctx context.Context, ip string) error
}

// Bootstrapper pushes the setup script to a booted host.
type Bootstrapper interface {
	Run(ctx context.Context, host, script string) error
}

// Options wires a Controller.
type Options struct {
	Provider  cloud.Provider
	Probe     Probe
	DNS       DNSUpdater   // nil when dyndns is not configured
	Bootstrap Bootstrapper // nil when setup runs via provider user data
	Config    *config.Config

	// Dial checks TCP reachability of a booted host; defaults to a real
	// dialer against the SSH port.
	Dial func(ctx context.Context, host string) error
	// PollInterval is the describe/list polling cadence while waiting for
	// readiness or teardown; defaults to 2s.
	PollInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller owns the lifecycle state machine.
type Controller struct {
	mu sync.Mutex

	provider cloud.Provider
	probe    Probe
	dns      DNSUpdater
	boot     Bootstrapper
	cfg      *config.Config

	dial func(ctx context.Context, host string) error
	poll time.Duration
	now  func() time.Time

	state State
	// adoptedID tracks an adopted instance whose backend tags could not be
	// updated; it lives only for this process run.
	adoptedID string
	// stopBlockedSince marks when a pending stop first got deferred, for
	// the grace-time cap.
	stopBlockedSince time.Time
}

const teardownTimeout = 2 * time.Minute

// New creates a Controller.
func New(opts Options) *Controller {
	c := &Controller{
		provider: opts.Provider,
		probe:    opts.Probe,
		dns:      opts.DNS,
		boot:     opts.Bootstrap,
		cfg:      opts.Config,
		dial:     opts.Dial,
		poll:     opts.PollInterval,
		now:      opts.Now,
		state:    StateIdle,
	}
	if c.dial == nil {
		c.dial = dialSSH
	}
	if c.poll <= 0 {
		c.poll = 2 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resolve reads a fresh inventory and runs the ownership rules over it.
func (c *Controller) Resolve(ctx context.Context) (ownership.Resolution, []cloud.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(ctx)
}

func (c *Controller) resolve(ctx context.Context) (ownership.Resolution, []cloud.Instance, error) {
	inventory, err := c.provider.List(ctx)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("list").Inc()
		return ownership.Resolution{}, nil, err
	}
	res, err := ownership.Resolve(inventory, c.adoptedID, c.cfg.Server.ManageExisting)
	if err != nil {
		return ownership.Resolution{}, inventory, err
	}
	if res.Managed != nil && res.Adopted {
		c.adopt(ctx, res.Managed)
	}
	return res, inventory, nil
}

// adopt records ownership of an untagged instance: tag it on the provider
// when tags are mutable, otherwise remember the id for this process run.
func (c *Controller) adopt(ctx context.Context, inst *cloud.Instance) {
	if c.adoptedID == inst.ID {
		return
	}
	if tagger, ok := c.provider.(cloud.Tagger); ok {
		err := tagger.Tag(ctx, inst.ID)
		if err == nil {
			log.Printf("lifecycle: adopted instance %s and tagged it", inst.ID)
			return
		}
		log.Printf("lifecycle: adopted instance %s but tagging failed: %v", inst.ID, err)
	}
	c.adoptedID = inst.ID
	log.Printf("lifecycle: adopted instance %s (tracked in-process only)", inst.ID)
}

// Start runs the start transition: provision a server unless one already
// exists or the failsafe refuses. Returns the managed instance together with
// ErrAlreadyRunning when there was nothing to do.
func (c *Controller) Start(ctx context.Context) (*cloud.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, _, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if res.Managed != nil {
		c.state = StateActive
		return res.Managed, ErrAlreadyRunning
	}
	if res.Foreign > 0 {
		// cannot prove the right to destroy that instance later, so refuse
		// to provision next to it
		return nil, fmt.Errorf("%w (%d untagged running)", ownership.ErrForeignInstance, res.Foreign)
	}

	hostname := ""
	if c.cfg.DynDns != nil {
		hostname = c.cfg.DynDns.Hostname
	}
	script := bootstrap.Script(c.cfg.Server, hostname)

	opts := cloud.ProvisionOpts{SSHKeys: c.cfg.Server.SSHKeys}
	if c.boot == nil {
		opts.UserData = script
	}

	provisionStart := c.now()
	created, err := c.provider.Provision(ctx, opts)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("provision").Inc()
		return nil, err
	}
	c.state = StateAwaitingReady
	log.Printf("lifecycle: provisioned instance %s, waiting for it to become ready", created.ID)

	inst, err := c.awaitReady(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	metrics.ProvisionDuration.Observe(c.now().Sub(provisionStart).Seconds())

	if c.dns != nil {
		// DNS failure never blocks the transition
		if err := c.dns.Update(ctx, inst.PublicIP); err != nil {
			log.Printf("lifecycle: dns update for %s failed: %v", inst.PublicIP, err)
		} else {
			log.Printf("lifecycle: dns updated to %s", inst.PublicIP)
		}
	}

	if c.boot != nil {
		if err := c.boot.Run(ctx, inst.PublicIP, script); err != nil {
			return &inst, fmt.Errorf("lifecycle: setup of %s failed: %w", inst.ID, err)
		}
	}

	c.confirmListening(ctx, inst)

	c.state = StateActive
	c.stopBlockedSince = time.Time{}
	metrics.ServerUp.Set(1)
	log.Printf("lifecycle: instance %s active at %s", inst.ID, inst.PublicIP)
	return &inst, nil
}

// awaitReady polls the instance until it has a public IP and the host accepts
// TCP connections, bounded by the configured boot timeout. On timeout the
// instance is left as-is.
func (c *Controller) awaitReady(ctx context.Context, id string) (cloud.Instance, error) {
	deadline := c.now().Add(c.cfg.BootTimeout())

	var inst cloud.Instance
	for {
		var err error
		inst, err = c.provider.Describe(ctx, id)
		if err != nil {
			metrics.ProviderErrorsTotal.WithLabelValues("describe").Inc()
			return cloud.Instance{}, err
		}
		if inst.PublicIP != "" {
			break
		}
		if c.now().After(deadline) {
			return cloud.Instance{}, fmt.Errorf("%w: %s has no public ip", ErrProvisionTimeout, id)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return cloud.Instance{}, err
		}
	}

	for {
		if err := c.dial(ctx, inst.PublicIP); err == nil {
			return inst, nil
		}
		if c.now().After(deadline) {
			return cloud.Instance{}, fmt.Errorf("%w: %s (%s) is not reachable", ErrProvisionTimeout, id, inst.PublicIP)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return cloud.Instance{}, err
		}
	}
}

// confirmListening makes one best-effort RCON probe so the log shows whether
// the game server came up; a fresh install can take minutes, so failure here
// is expected and not acted on.
func (c *Controller) confirmListening(ctx context.Context, inst cloud.Instance) {
	if c.probe == nil {
		return
	}
	if count, err := c.probe.PlayerCount(ctx, c.rconAddr(inst)); err != nil {
		log.Printf("lifecycle: game server on %s not answering rcon yet: %v", inst.PublicIP, err)
	} else {
		log.Printf("lifecycle: game server on %s is up (%d players)", inst.PublicIP, count)
	}
}

// Stop runs the stop transition: tear the managed server down unless players
// are connected (or the probe failed and policy says abstain), in which case
// the decision is deferred to the next cycle. A configured grace time caps
// how long teardown can be held off.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, _, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	if res.Managed == nil {
		c.state = StateIdle
		return ErrNotRunning
	}
	inst := *res.Managed

	if deferErr := c.checkPlayers(ctx, inst); deferErr != nil {
		return deferErr
	}

	if err := c.provider.Terminate(ctx, inst.ID); err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("terminate").Inc()
		return err
	}
	c.state = StateDestroying
	log.Printf("lifecycle: terminating instance %s", inst.ID)

	if err := c.awaitGone(ctx, inst.ID); err != nil {
		return err
	}

	c.state = StateIdle
	c.adoptedID = ""
	c.stopBlockedSince = time.Time{}
	metrics.ServerUp.Set(0)
	metrics.PlayerCount.Set(0)
	log.Printf("lifecycle: instance %s destroyed", inst.ID)
	return nil
}

// checkPlayers gates destruction on live server state. A nil return means
// teardown may proceed.
func (c *Controller) checkPlayers(ctx context.Context, inst cloud.Instance) error {
	grace := c.cfg.StopGraceTime()
	graceExceeded := func() bool {
		if c.stopBlockedSince.IsZero() {
			c.stopBlockedSince = c.now()
		}
		return grace > 0 && c.now().Sub(c.stopBlockedSince) > grace
	}

	count, err := c.probe.PlayerCount(ctx, c.rconAddr(inst))
	if err != nil {
		if c.cfg.Server.StopOnProbeFailure {
			log.Printf("lifecycle: player probe failed (%v), proceeding with teardown per policy", err)
			return nil
		}
		if graceExceeded() {
			log.Printf("lifecycle: player probe failed (%v) past the grace time of %s, tearing down anyway", err, grace)
			return nil
		}
		metrics.StopsDeferredTotal.WithLabelValues("probe_failure").Inc()
		log.Printf("lifecycle: player probe failed, deferring teardown: %v", err)
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	metrics.PlayerCount.Set(float64(count))
	if count == 0 {
		return nil
	}
	if graceExceeded() {
		log.Printf("lifecycle: %d player(s) still connected past the grace time of %s, tearing down anyway", count, grace)
		return nil
	}
	metrics.StopsDeferredTotal.WithLabelValues("players").Inc()
	log.Printf("lifecycle: %d player(s) still connected, deferring teardown", count)
	return fmt.Errorf("%w (%d connected)", ErrPlayersOnline, count)
}

// awaitGone polls the inventory until the instance is absent.
func (c *Controller) awaitGone(ctx context.Context, id string) error {
	deadline := c.now().Add(teardownTimeout)
	for {
		inventory, err := c.provider.List(ctx)
		if err != nil {
			metrics.ProviderErrorsTotal.WithLabelValues("list").Inc()
			return err
		}
		present := false
		for _, inst := range inventory {
			if inst.ID == id {
				present = true
				break
			}
		}
		if !present {
			return nil
		}
		if c.now().After(deadline) {
			return fmt.Errorf("lifecycle: instance %s still present %s after terminate", id, teardownTimeout)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return err
		}
	}
}

// PlayerCount probes one instance, used by the list command.
func (c *Controller) PlayerCount(ctx context.Context, inst cloud.Instance) (int, error) {
	return c.probe.PlayerCount(ctx, c.rconAddr(inst))
}

func (c *Controller) rconAddr(inst cloud.Instance) string {
	return net.JoinHostPort(inst.PublicIP, strconv.Itoa(c.cfg.Server.RconPort))
}

func dialSSH(ctx context.Context, host string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, "22"))
	if err != nil {
		return err
	}
	return conn.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
