// Package volume manages named volume backing storage and the
// freshly-created determination that gates bootstrap scripts.
package volume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
)

// =============================================================================
// Errors
// =============================================================================

// ErrVolumeConflict is returned when existing backing storage does not match
// the declared volume.
var ErrVolumeConflict = errors.New("volume conflicts with existing storage")

// ConflictError carries the declared and actual configuration of a volume
// whose backing storage does not match its declaration.
type ConflictError struct {
	Volume         string
	DeclaredDriver string
	ActualDriver   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("volume %s: declared driver %q but existing storage uses %q",
		e.Volume, e.DeclaredDriver, e.ActualDriver)
}

func (e *ConflictError) Unwrap() error {
	return ErrVolumeConflict
}

// =============================================================================
// Handle
// =============================================================================

// Handle is a prepared volume: the backing storage exists and Fresh records
// whether this preparation created it. Fresh is true exactly once per volume
// lifetime, on the run that created the storage; it survives engine restarts
// because the determination is made against the storage itself, not against
// engine state.
type Handle struct {
	// Declared is the volume as named in the composition.
	Declared declaration.Volume
	// Storage is the backing storage identifier, stable across runs.
	Storage string
	// Fresh reports whether this preparation created the storage.
	Fresh bool
}

// =============================================================================
// Manager
// =============================================================================

// Manager prepares named volumes against the container runtime.
type Manager struct {
	rt        runtime.API
	stackName string
	logger    *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	labels map[string]string
}

// NewManager creates a volume manager for one composition.
func NewManager(rt runtime.API, stackName string, logger *slog.Logger) *Manager {
	return &Manager{
		rt:        rt,
		stackName: stackName,
		logger:    logger.With(slog.String("component", "volume-manager")),
		locks:     make(map[string]*sync.Mutex),
		labels: map[string]string{
			stack.LabelManaged: "true",
			stack.LabelStack:   stackName,
		},
	}
}

// lockFor returns the mutex serializing preparation of one volume name.
// Concurrent Prepare calls for the same volume must not both observe
// "not found" and race to create.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Prepare ensures backing storage exists for a declared volume and reports
// whether it was freshly created. Preparing an already-existing volume is not
// an error: the storage is reused and Fresh is false.
func (m *Manager) Prepare(ctx context.Context, vol declaration.Volume) (*Handle, error) {
	l := m.lockFor(vol.Name)
	l.Lock()
	defer l.Unlock()

	storageName := stack.VolumeName(m.stackName, vol.Name)

	info, err := m.rt.InspectVolume(ctx, storageName)
	if err == nil {
		declared := vol.Driver
		if declared == "" {
			declared = "local"
		}
		if info.Driver != declared {
			return nil, &ConflictError{
				Volume:         vol.Name,
				DeclaredDriver: declared,
				ActualDriver:   info.Driver,
			}
		}
		m.logger.Debug("reusing existing volume",
			slog.String("volume", vol.Name),
			slog.String("storage", storageName))
		return &Handle{Declared: vol, Storage: storageName, Fresh: false}, nil
	}
	if !errors.Is(err, runtime.ErrVolumeNotFound) {
		return nil, fmt.Errorf("inspect volume %s: %w", vol.Name, err)
	}

	labels := make(map[string]string, len(m.labels)+len(vol.Labels))
	for k, v := range m.labels {
		labels[k] = v
	}
	for k, v := range vol.Labels {
		labels[k] = v
	}

	if err := m.rt.CreateVolume(ctx, runtime.VolumeSpec{
		Name:   storageName,
		Driver: vol.Driver,
		Labels: labels,
	}); err != nil {
		return nil, fmt.Errorf("create volume %s: %w", vol.Name, err)
	}

	m.logger.Info("created volume",
		slog.String("volume", vol.Name),
		slog.String("storage", storageName))
	return &Handle{Declared: vol, Storage: storageName, Fresh: true}, nil
}

// PrepareAll prepares every declared volume and returns handles keyed by
// declared volume name.
func (m *Manager) PrepareAll(ctx context.Context, decl *declaration.Declaration) (map[string]*Handle, error) {
	handles := make(map[string]*Handle, len(decl.Volumes))
	for _, vol := range decl.Volumes {
		h, err := m.Prepare(ctx, vol)
		if err != nil {
			return nil, err
		}
		handles[vol.Name] = h
	}
	return handles, nil
}
