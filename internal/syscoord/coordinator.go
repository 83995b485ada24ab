// Package syscoord implements the System Coordinator (§4.7): service
// registration with a dependency graph, Kahn's-algorithm start
// ordering, periodic health probing, and bounded, cooling-down restarts.
package syscoord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rjrtgarcia/consultease/internal/errs"
	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// Service is one managed unit. Start blocks until ctx is cancelled or
// the service fails; Healthy reports current liveness without blocking.
type Service struct {
	Name      string
	DependsOn []string
	Start     func(ctx context.Context) error
	Healthy   func() bool
}

type registered struct {
	svc      Service
	restarts int
	cancel   context.CancelFunc

	// restartRequested is signaled by probeLoop when Healthy reports
	// false, forcing superviseLoop to treat the current run as failed
	// even if Start itself never returns an error.
	restartRequested chan struct{}
}

// Coordinator owns the service registry and persistence health signal.
type Coordinator struct {
	log            *slog.Logger
	restartBudget  int
	healthInterval time.Duration

	mu       sync.Mutex
	services map[string]*registered
	order    []string

	persistenceHealthy atomic.Bool
	onRecovery         []func(ctx context.Context)
}

// New constructs a Coordinator. restartBudget caps the total number of
// restarts per service before it's reported *errs.Fatal and left stopped.
func New(log *slog.Logger, restartBudget int, healthInterval time.Duration) *Coordinator {
	c := &Coordinator{
		log:            log,
		restartBudget:  restartBudget,
		healthInterval: healthInterval,
		services:       make(map[string]*registered),
	}
	c.persistenceHealthy.Store(true)
	return c
}

// Register adds svc to the dependency graph. Call Register for every
// service before calling Run.
func (c *Coordinator) Register(svc Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[svc.Name] = &registered{svc: svc, restartRequested: make(chan struct{}, 1)}
}

// OnPersistenceRecovery registers fn to run once persistence transitions
// from unhealthy back to healthy, used to replay deferred presence
// updates.
func (c *Coordinator) OnPersistenceRecovery(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecovery = append(c.onRecovery, fn)
}

// SetPersistenceHealthy updates the shared health flag and fires
// recovery callbacks on a false-to-true edge.
func (c *Coordinator) SetPersistenceHealthy(healthy bool) {
	was := c.persistenceHealthy.Swap(healthy)
	if !was && healthy {
		c.mu.Lock()
		callbacks := append([]func(ctx context.Context){}, c.onRecovery...)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn(context.Background())
		}
	}
}

// PersistenceHealthy reports the shared health flag.
func (c *Coordinator) PersistenceHealthy() bool { return c.persistenceHealthy.Load() }

// startOrder returns service names in dependency order (a service's
// dependencies always precede it) via Kahn's algorithm, or an error if
// the graph has a cycle.
func (c *Coordinator) startOrder() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inDegree := make(map[string]int, len(c.services))
	dependents := make(map[string][]string, len(c.services))

	for name, r := range c.services {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range r.svc.DependsOn {
			if _, ok := c.services[dep]; !ok {
				return nil, fmt.Errorf("syscoord: service %q depends on unregistered service %q", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, dep := range dependents[n] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(c.services) {
		return nil, fmt.Errorf("syscoord: dependency cycle detected among registered services")
	}
	return order, nil
}

// Run computes the dependency order, launches one supervisor per service
// in that order, and blocks until ctx is cancelled or a service exhausts
// its restart budget; in the latter case every other service's context
// is cancelled and the *errs.Fatal is returned. Supervisors run
// concurrently: a service's Start is not held back until its
// dependencies are running, and on shutdown every service observes the
// same cancellation at once rather than stopping in reverse order.
func (c *Coordinator) Run(ctx context.Context) error {
	order, err := c.startOrder()
	if err != nil {
		return err
	}
	c.order = order

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		name := name
		g.Go(func() error {
			return c.superviseLoop(gctx, name)
		})
	}

	go c.probeLoop(gctx)

	err = g.Wait()
	return err
}

// superviseLoop runs one service, restarting it with an exponential
// cooldown up to restartBudget times before giving up and reporting
// *errs.Fatal. A service is also restarted, independent of its own
// Start return value, when a probeLoop tick finds its Healthy func
// reporting false.
func (c *Coordinator) superviseLoop(ctx context.Context, name string) error {
	c.mu.Lock()
	r := c.services[name]
	c.mu.Unlock()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel

		done := make(chan error, 1)
		go func() { done <- r.svc.Start(runCtx) }()

		var err error
		forcedRestart := false
		select {
		case err = <-done:
		case <-r.restartRequested:
			cancel()
			<-done // Start must still return before this service restarts.
			forcedRestart = true
			err = fmt.Errorf("service %q restarted: failing health check", name)
		}
		cancel()

		if ctx.Err() != nil && !forcedRestart {
			return nil // parent shutdown, not a failure
		}
		if err == nil {
			return nil // service completed its work voluntarily
		}

		r.restarts++
		telemetry.ServiceRestartsTotal.WithLabelValues(name).Inc()
		if r.restarts > c.restartBudget {
			fatalErr := errs.NewFatal(name, err)
			if c.log != nil {
				c.log.Error("service exhausted restart budget", "service", name, "error", fatalErr)
			}
			return fatalErr
		}

		backoffDur := time.Second << (r.restarts - 1)
		if c.log != nil {
			c.log.Warn("service failed, restarting", "service", name, "attempt", r.restarts, "error", err, "backoff", backoffDur)
		}
		select {
		case <-time.After(backoffDur):
		case <-ctx.Done():
			return nil
		}
	}
}

// probeLoop checks every registered service's Healthy func on a timer
// and forces a restart of any service reporting unhealthy, via
// superviseLoop's restartRequested channel — this is the generic
// restart trigger for any service whose Start keeps running while
// internally broken. Persistence's own restart policy (§4.1) is a
// separate, more specific mechanism owned by HealthMonitor and is not
// routed through this loop.
func (c *Coordinator) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			services := make([]*registered, 0, len(c.services))
			for _, r := range c.services {
				services = append(services, r)
			}
			c.mu.Unlock()
			for _, r := range services {
				if r.svc.Healthy == nil || r.svc.Healthy() {
					continue
				}
				if c.log != nil {
					c.log.Warn("service health check failing", "service", r.svc.Name)
				}
				select {
				case r.restartRequested <- struct{}{}:
				default:
				}
			}
		}
	}
}
