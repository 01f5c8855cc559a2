// Package controller drives a composition through its lifecycle: wave-ordered
// startup with readiness gating and retries, bootstrap execution on freshly
// created volumes, and reverse-order teardown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/envinject"
	"github.com/dfxkuma/mixir-stack/internal/core/plan"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/bootstrap"
	"github.com/dfxkuma/mixir-stack/internal/shell/journal"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
	"github.com/dfxkuma/mixir-stack/internal/shell/volume"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds lifecycle tuning knobs.
type Config struct {
	// HealthInterval is how often readiness is polled.
	HealthInterval time.Duration
	// StartTimeout bounds one attempt's wait for readiness.
	StartTimeout time.Duration
	// StopGracePeriod is used for services that declare no stop_grace_period.
	StopGracePeriod time.Duration
	// MaxAttempts bounds retries for restartable services during startup.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:  2 * time.Second,
		StartTimeout:    60 * time.Second,
		StopGracePeriod: 10 * time.Second,
		MaxAttempts:     3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      10 * time.Second,
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns the lifecycle of one composition. All service status
// mutation happens under its lock; the journal receives every transition.
type Controller struct {
	rt         runtime.API
	journal    journal.Journal
	volumes    *volume.Manager
	bootstrap  *bootstrap.Runner
	decl       *declaration.Declaration
	plan       *plan.StartPlan
	cfg        Config
	processEnv map[string]string
	logger     *slog.Logger

	mu         sync.Mutex
	run        *stack.Run
	statuses   map[string]*stack.ServiceStatus
	startOrder []string // realized start order, teardown reverses it
	peers      envinject.PeerValues
	handles    map[string]*volume.Handle
}

// New creates a controller for one composition.
func New(rt runtime.API, jrnl journal.Journal, volumes *volume.Manager, boot *bootstrap.Runner,
	decl *declaration.Declaration, startPlan *plan.StartPlan, cfg Config,
	processEnv map[string]string, logger *slog.Logger) *Controller {

	return &Controller{
		rt:         rt,
		journal:    jrnl,
		volumes:    volumes,
		bootstrap:  boot,
		decl:       decl,
		plan:       startPlan,
		cfg:        cfg,
		processEnv: processEnv,
		logger:     logger.With(slog.String("component", "controller")),
	}
}

// =============================================================================
// Up
// =============================================================================

// Up starts the composition wave by wave. Within a wave services start
// concurrently; a wave begins only after every service of the previous wave
// is ready and its bootstrap scripts have run. On failure, everything already
// started is torn down in reverse order and a StartupError is returned.
func (c *Controller) Up(ctx context.Context) error {
	c.mu.Lock()
	if c.run != nil && c.run.Status == stack.RunRunning {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	run := stack.NewRun(c.decl.Name)
	c.run = run
	c.statuses = make(map[string]*stack.ServiceStatus, len(c.decl.Services))
	c.startOrder = nil
	c.peers = make(envinject.PeerValues)
	for _, svc := range c.decl.Services {
		c.statuses[svc.Name] = &stack.ServiceStatus{Name: svc.Name, State: stack.StatePending}
	}
	c.mu.Unlock()

	if err := c.journal.BeginRun(ctx, run); err != nil {
		return err
	}

	c.logger.Info("starting composition",
		slog.String("stack", c.decl.Name),
		slog.String("run", run.ID),
		slog.Int("waves", len(c.plan.Waves)))

	if err := c.prepare(ctx); err != nil {
		c.finishRun(ctx, stack.RunFailed)
		return err
	}

	for i, wave := range c.plan.Waves {
		if err := c.startWave(ctx, run.ID, i, wave); err != nil {
			c.logger.Error("wave failed, tearing down",
				slog.Int("wave", i), slog.Any("error", err))
			c.teardown(context.WithoutCancel(ctx), stack.RunFailed)
			return err
		}
	}

	c.mu.Lock()
	c.run.Status = stack.RunRunning
	c.mu.Unlock()

	c.logger.Info("composition running", slog.String("stack", c.decl.Name))
	return nil
}

// prepare creates the composition network and volume backing storage.
func (c *Controller) prepare(ctx context.Context) error {
	labels := map[string]string{
		stack.LabelManaged: "true",
		stack.LabelStack:   c.decl.Name,
	}
	if _, err := c.rt.EnsureNetwork(ctx, stack.NetworkName(c.decl.Name), labels); err != nil {
		return fmt.Errorf("prepare network: %w", err)
	}

	handles, err := c.volumes.PrepareAll(ctx, c.decl)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handles = handles
	c.mu.Unlock()
	return nil
}

// startWave starts one wave's services concurrently and waits for all of
// them. The first failure wins; remaining services of the wave still run to
// completion of their attempt before the wave reports it.
func (c *Controller) startWave(ctx context.Context, runID string, index int, wave plan.Wave) error {
	c.logger.Info("starting wave",
		slog.Int("wave", index),
		slog.Any("services", wave.Names()))

	// Environments resolve against earlier waves only, so the peer snapshot
	// is stable for the whole wave.
	envs := make(map[string]map[string]string, len(wave))
	c.mu.Lock()
	peers := c.peers
	c.mu.Unlock()
	for _, svc := range wave {
		env, err := envinject.Resolve(svc, peers, c.processEnv)
		if err != nil {
			return err
		}
		envs[svc.Name] = env
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(wave))

	for _, svc := range wave {
		wg.Add(1)
		go func(svc declaration.Service) {
			defer wg.Done()
			if err := c.startService(ctx, runID, svc, envs[svc.Name]); err != nil {
				errCh <- err
			}
		}(svc)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}

	// Expose resolved environments, then run bootstrap scripts owned by this
	// wave's services. Scripts see their owner ready and reachable.
	c.mu.Lock()
	for _, svc := range wave {
		c.peers[svc.Name] = envinject.Expose(svc, envs[svc.Name])
	}
	handles := c.handles
	c.mu.Unlock()

	for _, svc := range wave {
		if err := c.bootstrap.RunForService(ctx, runID, c.decl, svc, handles, envs[svc.Name]); err != nil {
			return err
		}
	}
	return nil
}

// startService runs the attempt loop for one service.
func (c *Controller) startService(ctx context.Context, runID string, svc declaration.Service, env map[string]string) error {
	log := c.logger.With(slog.String("service", svc.Name))

	maxAttempts := 1
	if svc.Restart == declaration.RestartOnFailure || svc.Restart == declaration.RestartAlways {
		maxAttempts = c.cfg.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.transition(ctx, runID, svc.Name, stack.StateStarting,
			fmt.Sprintf("attempt %d", attempt)); err != nil {
			return err
		}
		c.mu.Lock()
		c.statuses[svc.Name].Attempts = attempt
		c.mu.Unlock()

		id, err := c.runAttempt(ctx, svc, env)
		if err == nil {
			c.mu.Lock()
			c.statuses[svc.Name].ContainerID = id
			c.startOrder = append(c.startOrder, svc.Name)
			c.mu.Unlock()
			if err := c.transition(ctx, runID, svc.Name, stack.StateRunning, ""); err != nil {
				return err
			}
			log.Info("service ready", slog.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		c.mu.Lock()
		c.statuses[svc.Name].Error = err.Error()
		c.mu.Unlock()
		log.Warn("start attempt failed",
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt < maxAttempts {
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
	}

	if err := c.transition(context.WithoutCancel(ctx), runID, svc.Name, stack.StateFailed, lastErr.Error()); err != nil {
		log.Warn("failed to record terminal state", slog.Any("error", err))
	}
	return &StartupError{Service: svc.Name, Attempts: maxAttempts, Err: lastErr}
}

// runAttempt creates, starts, and readiness-gates one container. On failure
// the container is removed so the next attempt starts clean.
func (c *Controller) runAttempt(ctx context.Context, svc declaration.Service, env map[string]string) (string, error) {
	if err := c.rt.EnsureImage(ctx, svc.Image); err != nil {
		return "", err
	}

	spec := c.containerSpec(svc, env)

	id, err := c.rt.CreateContainer(ctx, spec)
	if errors.Is(err, runtime.ErrContainerAlreadyExists) {
		// Leftover from an earlier run or attempt; replace it.
		if rmErr := c.rt.RemoveContainer(ctx, spec.Name, true); rmErr != nil {
			return "", rmErr
		}
		id, err = c.rt.CreateContainer(ctx, spec)
	}
	if err != nil {
		return "", err
	}

	// Cleanup must survive the ctx that caused the failure.
	if err := c.rt.StartContainer(ctx, id); err != nil {
		c.removeQuietly(context.WithoutCancel(ctx), id)
		return "", err
	}

	if err := c.waitReady(ctx, svc, id); err != nil {
		c.removeQuietly(context.WithoutCancel(ctx), id)
		return "", err
	}
	return id, nil
}

// containerSpec maps a declared service onto a runtime container spec.
func (c *Controller) containerSpec(svc declaration.Service, env map[string]string) runtime.ContainerSpec {
	spec := runtime.ContainerSpec{
		Name:       stack.ContainerName(c.decl.Name, svc.Name),
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        env,
		Network:    stack.NetworkName(c.decl.Name),
		// The alias is what makes ${svc.host} resolution static.
		NetworkAliases: []string{svc.Name},
		Labels: map[string]string{
			stack.LabelManaged: "true",
			stack.LabelStack:   c.decl.Name,
			stack.LabelService: svc.Name,
			stack.LabelRun:     c.run.ID,
		},
	}
	for k, v := range svc.Labels {
		spec.Labels[k] = v
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, runtime.PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, m := range svc.Mounts {
		source := m.Source
		if m.Type == declaration.MountTypeVolume {
			source = stack.VolumeName(c.decl.Name, m.Source)
		}
		spec.Mounts = append(spec.Mounts, runtime.Mount{
			Source:   source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
			Bind:     m.Type == declaration.MountTypeBind,
		})
	}

	if hc := svc.HealthCheck; hc != nil {
		spec.HealthCheck = &runtime.HealthCheck{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}
	return spec
}

// waitReady blocks until the container is ready: healthy when a health check
// is declared, plainly running otherwise.
func (c *Controller) waitReady(ctx context.Context, svc declaration.Service, id string) error {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(c.cfg.StartTimeout)

	for {
		state, err := c.rt.InspectContainer(ctx, id)
		if err != nil {
			return err
		}
		if !state.Running {
			return fmt.Errorf("container exited with code %d before becoming ready", state.ExitCode)
		}

		if svc.HealthCheck == nil {
			return nil
		}
		switch state.Health {
		case runtime.HealthHealthy:
			return nil
		case runtime.HealthUnhealthy:
			return fmt.Errorf("container reported unhealthy")
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for healthy", c.cfg.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sleepBackoff waits before the next attempt: BackoffBase doubled per
// attempt, capped at BackoffMax.
func (c *Controller) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.BackoffBase << (attempt - 1)
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// =============================================================================
// Down
// =============================================================================

// Down stops the composition: services stop in reverse realized start order,
// each getting its stop grace period, then the network is removed. Volumes
// are never removed.
func (c *Controller) Down(ctx context.Context) error {
	c.mu.Lock()
	if c.run == nil {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.mu.Unlock()

	c.teardown(ctx, stack.RunStopped)
	c.logger.Info("composition stopped", slog.String("stack", c.decl.Name))
	return nil
}

// teardown stops started services in reverse order and finishes the run.
func (c *Controller) teardown(ctx context.Context, final stack.RunStatus) {
	c.mu.Lock()
	order := make([]string, len(c.startOrder))
	copy(order, c.startOrder)
	runID := c.run.ID
	c.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		svc, ok := c.decl.ServiceByName(name)
		if !ok {
			continue
		}
		c.stopService(ctx, runID, svc)
	}

	if err := c.rt.RemoveNetwork(ctx, stack.NetworkName(c.decl.Name)); err != nil &&
		!errors.Is(err, runtime.ErrNetworkNotFound) {
		c.logger.Warn("failed to remove network", slog.Any("error", err))
	}

	c.finishRun(ctx, final)
}

// stopService stops and removes one service's container.
func (c *Controller) stopService(ctx context.Context, runID string, svc declaration.Service) {
	log := c.logger.With(slog.String("service", svc.Name))

	c.mu.Lock()
	status := c.statuses[svc.Name]
	id := status.ContainerID
	c.mu.Unlock()
	if id == "" {
		return
	}

	if err := c.transition(ctx, runID, svc.Name, stack.StateStopping, ""); err != nil {
		log.Warn("stop transition rejected", slog.Any("error", err))
		return
	}

	grace := svc.StopGracePeriod
	if grace == 0 {
		grace = c.cfg.StopGracePeriod
	}

	if err := c.rt.StopContainer(ctx, id, grace); err != nil &&
		!errors.Is(err, runtime.ErrContainerNotFound) &&
		!errors.Is(err, runtime.ErrContainerNotRunning) {
		log.Warn("failed to stop container", slog.Any("error", err))
	}
	c.removeQuietly(ctx, id)

	if err := c.transition(ctx, runID, svc.Name, stack.StateStopped, ""); err != nil {
		log.Warn("stopped transition rejected", slog.Any("error", err))
	}
	log.Info("service stopped")
}

// =============================================================================
// Status
// =============================================================================

// Snapshot returns a copy of the current run and per-service statuses,
// ordered by service name.
func (c *Controller) Snapshot() (*stack.Run, []stack.ServiceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var run *stack.Run
	if c.run != nil {
		r := *c.run
		run = &r
	}

	statuses := make([]stack.ServiceStatus, 0, len(c.statuses))
	for _, s := range c.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return run, statuses
}

// ServiceStatus returns the status of one service.
func (c *Controller) ServiceStatus(name string) (stack.ServiceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.statuses[name]
	if !ok {
		return stack.ServiceStatus{}, false
	}
	return *s, true
}

// =============================================================================
// Internal Helpers
// =============================================================================

// transition applies a state change under the lock and journals it.
func (c *Controller) transition(ctx context.Context, runID, service string, to stack.ServiceState, detail string) error {
	c.mu.Lock()
	status := c.statuses[service]
	from := status.State
	err := status.Transition(to)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("service %s: %s -> %s: %w", service, from, to, err)
	}

	if _, jErr := c.journal.RecordTransition(ctx, &stack.TransitionEvent{
		RunID:   runID,
		Service: service,
		From:    from,
		To:      to,
		Detail:  detail,
	}); jErr != nil {
		c.logger.Warn("failed to journal transition",
			slog.String("service", service), slog.Any("error", jErr))
	}
	return nil
}

func (c *Controller) finishRun(ctx context.Context, status stack.RunStatus) {
	c.mu.Lock()
	c.run.Status = status
	runID := c.run.ID
	c.mu.Unlock()

	if err := c.journal.FinishRun(ctx, runID, status); err != nil {
		c.logger.Warn("failed to finish run", slog.Any("error", err))
	}
}

func (c *Controller) removeQuietly(ctx context.Context, id string) {
	if err := c.rt.RemoveContainer(ctx, id, true); err != nil &&
		!errors.Is(err, runtime.ErrContainerNotFound) {
		c.logger.Warn("failed to remove container",
			slog.String("container", id), slog.Any("error", err))
	}
}
