package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/envinject"
	"github.com/dfxkuma/mixir-stack/internal/core/plan"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/api"
	"github.com/dfxkuma/mixir-stack/internal/shell/bootstrap"
	"github.com/dfxkuma/mixir-stack/internal/shell/controller"
	"github.com/dfxkuma/mixir-stack/internal/shell/journal"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
	"github.com/dfxkuma/mixir-stack/internal/shell/volume"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess          = 0
	ExitConfigError      = 1
	ExitDeclarationError = 2
	ExitJournalError     = 3
	ExitRuntimeError     = 4
	ExitStartupError     = 5
	ExitHTTPServerError  = 6
)

// EngineError carries the exit code for a failed engine operation.
type EngineError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Engine
// =============================================================================

// Engine wires the composition components for one declaration file.
type Engine struct {
	config  *Config
	decl    *declaration.Declaration
	plan    *plan.StartPlan
	rt      runtime.API
	journal journal.Journal
	ctrl    *controller.Controller
	logger  *slog.Logger
}

// NewEngine loads the declaration, resolves the start plan, validates
// environment references, and connects the shell components.
func NewEngine(cfg *Config, declPath string, logger *slog.Logger) (*Engine, error) {
	content, err := os.ReadFile(declPath)
	if err != nil {
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitDeclarationError}
	}

	decl, err := declaration.Load(string(content))
	if err != nil {
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitDeclarationError}
	}

	startPlan, err := plan.Resolve(decl)
	if err != nil {
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitDeclarationError}
	}

	if err := envinject.Validate(decl, startPlan); err != nil {
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitDeclarationError}
	}

	jrnl, err := journal.NewSQLiteJournal(cfg.Journal.DSN)
	if err != nil {
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitJournalError}
	}

	rt, err := runtime.NewDockerRuntime(cfg.Docker.Host)
	if err != nil {
		jrnl.Close()
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitRuntimeError}
	}
	if err := rt.Ping(context.Background()); err != nil {
		jrnl.Close()
		rt.Close()
		return nil, &EngineError{Op: "NewEngine", Err: err, ExitCode: ExitRuntimeError}
	}

	scriptDir := filepath.Dir(declPath)
	vols := volume.NewManager(rt, decl.Name, logger)
	boot := bootstrap.NewRunner(rt, jrnl, decl.Name, scriptDir, logger)
	ctrl := controller.New(rt, jrnl, vols, boot, decl, startPlan,
		cfg.Lifecycle.ControllerConfig(), processEnviron(), logger)

	return &Engine{
		config:  cfg,
		decl:    decl,
		plan:    startPlan,
		rt:      rt,
		journal: jrnl,
		ctrl:    ctrl,
		logger:  logger,
	}, nil
}

// Close releases the engine's connections.
func (e *Engine) Close() {
	if err := e.journal.Close(); err != nil {
		e.logger.Warn("failed to close journal", slog.Any("error", err))
	}
	if err := e.rt.Close(); err != nil {
		e.logger.Warn("failed to close runtime", slog.Any("error", err))
	}
}

// =============================================================================
// Up
// =============================================================================

// Up starts the composition, serves the status API, and blocks until ctx is
// cancelled, then tears everything down. The caller cancels ctx on SIGINT or
// SIGTERM; a cancellation arriving mid-startup aborts the in-flight wave and
// the controller tears down what already started.
func (e *Engine) Up(ctx context.Context) error {
	if err := e.ctrl.Up(ctx); err != nil {
		return &EngineError{Op: "Up", Err: err, ExitCode: ExitStartupError}
	}

	var httpServer *http.Server
	httpErrCh := make(chan error, 1)
	if e.config.Server.Enabled {
		handler := api.NewHandler(e.decl, e.ctrl, e.rt, e.logger)
		httpServer = &http.Server{
			Addr:         e.config.Server.Address(),
			Handler:      handler.Routes(),
			ReadTimeout:  e.config.Server.ReadTimeout,
			WriteTimeout: e.config.Server.WriteTimeout,
		}
		go func() {
			e.logger.Info("status API listening", slog.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		e.logger.Info("shutdown requested, tearing down")
	case err := <-httpErrCh:
		e.logger.Error("status API failed", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.Server.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("status API shutdown failed", slog.Any("error", err))
		}
	}

	if err := e.ctrl.Down(context.Background()); err != nil && !errors.Is(err, controller.ErrNotRunning) {
		return &EngineError{Op: "Up", Err: err, ExitCode: ExitRuntimeError}
	}
	return nil
}

// =============================================================================
// Down
// =============================================================================

// Down tears down a composition left behind by an earlier process: every
// managed container of this stack is stopped and removed, then the network.
// Volumes are preserved.
func (e *Engine) Down(ctx context.Context) error {
	containers, err := e.rt.ListContainers(ctx, map[string]string{
		stack.LabelManaged: "true",
		stack.LabelStack:   e.decl.Name,
	})
	if err != nil {
		return &EngineError{Op: "Down", Err: err, ExitCode: ExitRuntimeError}
	}

	// Reverse of plan order approximates the realized start order.
	for i := len(e.plan.Waves) - 1; i >= 0; i-- {
		for _, svc := range e.plan.Waves[i] {
			for _, c := range containers {
				if c.Labels[stack.LabelService] != svc.Name {
					continue
				}
				e.stopAndRemove(ctx, c, svc.StopGracePeriod)
			}
		}
	}

	if err := e.rt.RemoveNetwork(ctx, stack.NetworkName(e.decl.Name)); err != nil &&
		!errors.Is(err, runtime.ErrNetworkNotFound) {
		e.logger.Warn("failed to remove network", slog.Any("error", err))
	}
	return nil
}

func (e *Engine) stopAndRemove(ctx context.Context, c runtime.ContainerState, grace time.Duration) {
	if grace == 0 {
		grace = e.config.Lifecycle.StopGracePeriod
	}
	if c.Running {
		if err := e.rt.StopContainer(ctx, c.ID, grace); err != nil {
			e.logger.Warn("failed to stop container",
				slog.String("container", c.Name), slog.Any("error", err))
		}
	}
	if err := e.rt.RemoveContainer(ctx, c.ID, true); err != nil {
		e.logger.Warn("failed to remove container",
			slog.String("container", c.Name), slog.Any("error", err))
	}
	e.logger.Info("removed container", slog.String("container", c.Name))
}

// =============================================================================
// Status
// =============================================================================

// Status prints the state of the stack's managed containers.
func (e *Engine) Status(ctx context.Context, out *os.File) error {
	containers, err := e.rt.ListContainers(ctx, map[string]string{
		stack.LabelManaged: "true",
		stack.LabelStack:   e.decl.Name,
	})
	if err != nil {
		return &EngineError{Op: "Status", Err: err, ExitCode: ExitRuntimeError}
	}

	byService := make(map[string]runtime.ContainerState, len(containers))
	for _, c := range containers {
		byService[c.Labels[stack.LabelService]] = c
	}

	fmt.Fprintf(out, "%-20s %-12s %s\n", "SERVICE", "STATE", "CONTAINER")
	for _, svc := range e.decl.Services {
		state := "absent"
		id := "-"
		if c, ok := byService[svc.Name]; ok {
			id = c.ID
			if len(id) > 12 {
				id = id[:12]
			}
			if c.Running {
				state = "running"
			} else {
				state = "stopped"
			}
		}
		fmt.Fprintf(out, "%-20s %-12s %s\n", svc.Name, state, id)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// processEnviron converts os.Environ into the map placeholder resolution uses.
func processEnviron() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}
