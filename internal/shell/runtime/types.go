// Package runtime is the process boundary of the composition engine: it
// starts, stops, and inspects the containers a declaration describes. The
// docker implementation lives in docker.go; consumers depend on the API
// interface so tests can substitute a fake.
package runtime

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Entrypoint     []string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Mounts         []Mount
	Network        string
	NetworkAliases []string // e.g. the service name, for static name resolution
	HealthCheck    *HealthCheck
}

// PortBinding defines a host:container port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// Mount defines a volume or bind mount.
type Mount struct {
	Source   string // volume name or host path
	Target   string // container path
	ReadOnly bool
	Bind     bool // true for host-path bind mounts
}

// HealthCheck defines the container health check configuration.
type HealthCheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Container State
// =============================================================================

// Health is the reported health of a container.
type Health string

const (
	HealthNone      Health = ""
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ContainerState is the observable state of a container.
type ContainerState struct {
	ID       string
	Name     string
	Running  bool
	Health   Health
	ExitCode int
	Labels   map[string]string
}

// =============================================================================
// Volume Types
// =============================================================================

// VolumeSpec defines the specification for creating a volume.
type VolumeSpec struct {
	Name   string
	Driver string
	Labels map[string]string
}

// VolumeInfo describes existing backing storage.
type VolumeInfo struct {
	Name      string
	Driver    string
	Labels    map[string]string
	CreatedAt time.Time
}

// =============================================================================
// API Interface
// =============================================================================

// API is the contract the lifecycle controller, volume manager, and bootstrap
// runner program against.
type API interface {
	// Container lifecycle
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	// WaitContainer blocks until the container exits and returns its exit code.
	WaitContainer(ctx context.Context, id string) (int, error)
	ListContainers(ctx context.Context, labelFilters map[string]string) ([]ContainerState, error)

	// Network
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error

	// Volumes
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) error

	// Images
	EnsureImage(ctx context.Context, ref string) error

	Ping(ctx context.Context) error
	Close() error
}
