package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/plan"
	"github.com/dfxkuma/mixir-stack/internal/shell/bootstrap"
	"github.com/dfxkuma/mixir-stack/internal/shell/controller"
	"github.com/dfxkuma/mixir-stack/internal/shell/journal"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
	"github.com/dfxkuma/mixir-stack/internal/shell/volume"
)

// =============================================================================
// Stub Runtime
// =============================================================================

type stubContainer struct {
	id      string
	spec    runtime.ContainerSpec
	running bool
}

// stubRuntime is an in-memory runtime.API for engine lifecycle tests.
// healthSeq scripts the health states Inspect reports for a named container;
// a single-element sequence repeats forever.
type stubRuntime struct {
	runtime.API

	mu         sync.Mutex
	nextID     int
	containers map[string]*stubContainer
	events     []string
	healthSeq  map[string][]runtime.Health
	volumes    map[string]runtime.VolumeInfo
	networks   map[string]bool
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{
		containers: make(map[string]*stubContainer),
		healthSeq:  make(map[string][]runtime.Health),
		volumes:    make(map[string]runtime.VolumeInfo),
		networks:   make(map[string]bool),
	}
}

func (s *stubRuntime) record(format string, args ...any) {
	s.events = append(s.events, fmt.Sprintf(format, args...))
}

func (s *stubRuntime) eventsMatching(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (s *stubRuntime) EnsureImage(_ context.Context, _ string) error { return nil }

func (s *stubRuntime) CreateContainer(_ context.Context, spec runtime.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("ctr-%d", s.nextID)
	s.containers[id] = &stubContainer{id: id, spec: spec}
	s.record("create %s", spec.Name)
	return id, nil
}

func (s *stubRuntime) StartContainer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return runtime.NewRuntimeError("StartContainer", "container", id, "container not found", runtime.ErrContainerNotFound)
	}
	c.running = true
	s.record("start %s", c.spec.Name)
	return nil
}

func (s *stubRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return runtime.NewRuntimeError("StopContainer", "container", id, "container not found", runtime.ErrContainerNotFound)
	}
	c.running = false
	s.record("stop %s", c.spec.Name)
	return nil
}

func (s *stubRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return runtime.NewRuntimeError("RemoveContainer", "container", id, "container not found", runtime.ErrContainerNotFound)
	}
	delete(s.containers, id)
	s.record("remove %s", c.spec.Name)
	return nil
}

func (s *stubRuntime) InspectContainer(_ context.Context, id string) (*runtime.ContainerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, runtime.NewRuntimeError("InspectContainer", "container", id, "container not found", runtime.ErrContainerNotFound)
	}

	health := runtime.HealthNone
	if seq := s.healthSeq[c.spec.Name]; len(seq) > 0 {
		health = seq[0]
		if len(seq) > 1 {
			s.healthSeq[c.spec.Name] = seq[1:]
		}
	} else if c.spec.HealthCheck != nil {
		health = runtime.HealthHealthy
	}

	return &runtime.ContainerState{
		ID:      c.id,
		Name:    c.spec.Name,
		Running: c.running,
		Health:  health,
		Labels:  c.spec.Labels,
	}, nil
}

func (s *stubRuntime) EnsureNetwork(_ context.Context, name string, _ map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[name] = true
	return "net-" + name, nil
}

func (s *stubRuntime) RemoveNetwork(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.networks[name] {
		return runtime.NewRuntimeError("RemoveNetwork", "network", name, "network not found", runtime.ErrNetworkNotFound)
	}
	delete(s.networks, name)
	return nil
}

func (s *stubRuntime) InspectVolume(_ context.Context, name string) (*runtime.VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.volumes[name]
	if !ok {
		return nil, runtime.NewRuntimeError("InspectVolume", "volume", name, "volume not found", runtime.ErrVolumeNotFound)
	}
	return &info, nil
}

func (s *stubRuntime) CreateVolume(_ context.Context, spec runtime.VolumeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}
	s.volumes[spec.Name] = runtime.VolumeInfo{Name: spec.Name, Driver: driver, Labels: spec.Labels}
	return nil
}

// =============================================================================
// Fixtures
// =============================================================================

// twoWaveDecl is a db-then-app composition. With appHealth the app declares a
// health check, so its readiness can be held open from the test.
func twoWaveDecl(appHealth bool) *declaration.Declaration {
	decl := &declaration.Declaration{
		Name: "mixir",
		Services: []declaration.Service{
			{Name: "db", Image: "mongo:7"},
			{Name: "app", Image: "mixir/app:latest", DependsOn: []string{"db"}},
		},
	}
	if appHealth {
		decl.Services[1].HealthCheck = &declaration.HealthCheck{Test: []string{"CMD", "true"}}
	}
	return decl
}

func newTestEngine(t *testing.T, decl *declaration.Declaration, rt *stubRuntime) *Engine {
	t.Helper()

	startPlan, err := plan.Resolve(decl)
	require.NoError(t, err)

	jrnl, err := journal.NewSQLiteJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	cfg := &Config{
		Server: ServerConfig{Enabled: false, ShutdownTimeout: time.Second},
		Lifecycle: LifecycleConfig{
			HealthInterval:  time.Millisecond,
			StartTimeout:    10 * time.Second,
			StopGracePeriod: time.Second,
			MaxAttempts:     1,
			BackoffBase:     time.Millisecond,
			BackoffMax:      time.Millisecond,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vols := volume.NewManager(rt, decl.Name, logger)
	boot := bootstrap.NewRunner(rt, jrnl, decl.Name, ".", logger)
	ctrl := controller.New(rt, jrnl, vols, boot, decl, startPlan,
		cfg.Lifecycle.ControllerConfig(), nil, logger)

	return &Engine{
		config:  cfg,
		decl:    decl,
		plan:    startPlan,
		rt:      rt,
		journal: jrnl,
		ctrl:    ctrl,
		logger:  logger,
	}
}

// =============================================================================
// Up Lifecycle Tests
// =============================================================================

func TestEngineUp_CancelTriggersTeardown(t *testing.T) {
	rt := newStubRuntime()
	e := newTestEngine(t, twoWaveDecl(false), rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Up(ctx) }()

	require.Eventually(t, func() bool {
		return len(rt.eventsMatching("start mixir-app")) > 0
	}, 2*time.Second, time.Millisecond, "composition never came up")
	cancel()

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"stop mixir-app", "stop mixir-db"}, rt.eventsMatching("stop "),
		"teardown reverses start order")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.containers)
	assert.Empty(t, rt.networks)
}

func TestEngineUp_CancelDuringStartupStopsStartedServices(t *testing.T) {
	rt := newStubRuntime()
	rt.healthSeq["mixir-app"] = []runtime.Health{runtime.HealthStarting}
	e := newTestEngine(t, twoWaveDecl(true), rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Up(ctx) }()

	// The app is health-gated and never becomes healthy, so the cancellation
	// lands mid-startup, as a signal would during a slow start.
	require.Eventually(t, func() bool {
		return len(rt.eventsMatching("start mixir-app")) > 0
	}, 2*time.Second, time.Millisecond, "wave 2 never began")
	cancel()

	err := <-errCh
	require.Error(t, err)
	var eErr *EngineError
	require.ErrorAs(t, err, &eErr)
	assert.Equal(t, ExitStartupError, eErr.ExitCode)

	assert.Equal(t, []string{"stop mixir-db"}, rt.eventsMatching("stop "),
		"already-started services are torn down")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.containers, "no containers leak past an aborted startup")
}
