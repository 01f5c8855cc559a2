// Package bootstrap executes one-time initialization scripts gated on the
// first creation of their target volume.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/journal"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
	"github.com/dfxkuma/mixir-stack/internal/shell/volume"
)

// =============================================================================
// Errors
// =============================================================================

// ErrBootstrapFailed is returned when a bootstrap script exits nonzero or
// cannot be executed.
var ErrBootstrapFailed = errors.New("bootstrap script failed")

// Error identifies the failed script and its exit code. ExitCode is -1 when
// the script never ran to completion.
type Error struct {
	Volume   string
	Script   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bootstrap %s for volume %s: %v", e.Script, e.Volume, e.Err)
	}
	return fmt.Sprintf("bootstrap %s for volume %s: exit code %d", e.Script, e.Volume, e.ExitCode)
}

func (e *Error) Unwrap() error {
	return ErrBootstrapFailed
}

// defaultCommand interprets scripts that declare no interpreter.
var defaultCommand = []string{"/bin/sh", "-e"}

// scriptMountDir is where the script file is bind-mounted inside the
// one-shot container.
const scriptMountDir = "/bootstrap"

// =============================================================================
// Runner
// =============================================================================

// Runner executes bootstrap scripts as one-shot containers. The container
// uses the owning service's image and joins the composition network, so
// scripts can reach the owning service by name.
type Runner struct {
	rt        runtime.API
	journal   journal.Journal
	stackName string
	scriptDir string // directory script paths are resolved against
	logger    *slog.Logger
}

// NewRunner creates a bootstrap runner for one composition. Relative script
// paths are resolved against scriptDir, normally the declaration file's
// directory.
func NewRunner(rt runtime.API, jrnl journal.Journal, stackName, scriptDir string, logger *slog.Logger) *Runner {
	return &Runner{
		rt:        rt,
		journal:   jrnl,
		stackName: stackName,
		scriptDir: scriptDir,
		logger:    logger.With(slog.String("component", "bootstrap")),
	}
}

// RunForService executes the pending scripts owned by a service, in
// declaration order. The controller calls this once the owning service is
// running, so scripts can connect to it. Scripts whose volume was not freshly
// created are skipped; the freshness gate is consumed by the attempt, so a
// later retry of the service never re-runs a script.
func (r *Runner) RunForService(ctx context.Context, runID string, decl *declaration.Declaration,
	svc declaration.Service, handles map[string]*volume.Handle, env map[string]string) error {

	for i, script := range decl.Bootstrap {
		if script.Service != svc.Name {
			continue
		}
		if err := r.runScript(ctx, runID, decl, script, i, handles, env); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runScript(ctx context.Context, runID string, decl *declaration.Declaration,
	script declaration.BootstrapScript, index int, handles map[string]*volume.Handle, env map[string]string) error {

	log := r.logger.With(
		slog.String("script", script.Script),
		slog.String("volume", script.Volume))

	handle, ok := handles[script.Volume]
	if !ok || !handle.Fresh {
		log.Debug("skipping bootstrap, volume not freshly created")
		return nil
	}

	// The journal check guards against the storage being created by a run
	// that crashed between creating it and recording the execution twice.
	executed, err := r.journal.HasBootstrapRun(ctx, script.Volume, script.Script)
	if err != nil {
		return &Error{Volume: script.Volume, Script: script.Script, ExitCode: -1, Err: err}
	}
	if executed {
		log.Warn("skipping bootstrap, already recorded for this volume")
		return nil
	}

	exitCode, err := r.execute(ctx, decl, script, index, handle, env)
	if err != nil {
		return &Error{Volume: script.Volume, Script: script.Script, ExitCode: -1, Err: err}
	}

	if recErr := r.journal.RecordBootstrap(ctx, &stack.BootstrapRecord{
		RunID:    runID,
		Volume:   script.Volume,
		Script:   script.Script,
		ExitCode: exitCode,
	}); recErr != nil && !errors.Is(recErr, journal.ErrDuplicateBootstrap) {
		return &Error{Volume: script.Volume, Script: script.Script, ExitCode: exitCode, Err: recErr}
	}

	if exitCode != 0 {
		log.Error("bootstrap script failed", slog.Int("exit_code", exitCode))
		return &Error{Volume: script.Volume, Script: script.Script, ExitCode: exitCode}
	}

	log.Info("bootstrap script completed")
	return nil
}

// execute runs the script container to completion and returns its exit code.
func (r *Runner) execute(ctx context.Context, decl *declaration.Declaration,
	script declaration.BootstrapScript, index int, handle *volume.Handle, env map[string]string) (int, error) {

	owner, ok := decl.ServiceByName(script.Service)
	if !ok {
		return -1, fmt.Errorf("owning service %s not declared", script.Service)
	}

	hostPath := script.Script
	if !filepath.IsAbs(hostPath) {
		hostPath = filepath.Join(r.scriptDir, hostPath)
	}
	containerPath := filepath.Join(scriptMountDir, filepath.Base(script.Script))

	command := script.Command
	if len(command) == 0 {
		command = defaultCommand
	}
	command = append(append([]string{}, command...), containerPath)

	mounts := []runtime.Mount{
		{Source: hostPath, Target: containerPath, ReadOnly: true, Bind: true},
		{Source: handle.Storage, Target: volumeTarget(owner, script.Volume)},
	}

	spec := runtime.ContainerSpec{
		Name:    stack.BootstrapContainerName(r.stackName, script.Volume, index),
		Image:   owner.Image,
		Command: command,
		Env:     env,
		Labels: map[string]string{
			stack.LabelManaged: "true",
			stack.LabelStack:   r.stackName,
		},
		Mounts:  mounts,
		Network: stack.NetworkName(r.stackName),
	}

	if err := r.rt.EnsureImage(ctx, owner.Image); err != nil {
		return -1, err
	}

	id, err := r.rt.CreateContainer(ctx, spec)
	if err != nil {
		return -1, err
	}
	defer func() {
		if rmErr := r.rt.RemoveContainer(context.WithoutCancel(ctx), id, true); rmErr != nil {
			r.logger.Warn("failed to remove bootstrap container",
				slog.String("container", spec.Name), slog.Any("error", rmErr))
		}
	}()

	if err := r.rt.StartContainer(ctx, id); err != nil {
		return -1, err
	}

	return r.rt.WaitContainer(ctx, id)
}

// volumeTarget returns where the owning service mounts the volume, falling
// back to a path under /mnt when the owner does not mount it directly.
func volumeTarget(owner declaration.Service, volumeName string) string {
	for _, m := range owner.Mounts {
		if m.Type == declaration.MountTypeVolume && m.Source == volumeName {
			return m.Target
		}
	}
	return filepath.Join("/mnt", volumeName)
}
