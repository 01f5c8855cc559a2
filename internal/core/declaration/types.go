package declaration

import "time"

// =============================================================================
// Declaration - Main Output Type
// =============================================================================

// Declaration is a fully loaded composition: services, volumes, networks, and
// bootstrap scripts. It is immutable after Load; downstream components read it
// but never mutate it. Slice order is declaration order, which later doubles
// as the deterministic tie-break for start planning.
type Declaration struct {
	Name      string            `json:"name"`
	Services  []Service         `json:"services"`
	Volumes   []Volume          `json:"volumes,omitempty"`
	Networks  []Network         `json:"networks,omitempty"`
	Bootstrap []BootstrapScript `json:"bootstrap,omitempty"`
}

// ServiceByName returns the service with the given name.
func (d *Declaration) ServiceByName(name string) (Service, bool) {
	for _, svc := range d.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return Service{}, false
}

// VolumeByName returns the named volume with the given name.
func (d *Declaration) VolumeByName(name string) (Volume, bool) {
	for _, vol := range d.Volumes {
		if vol.Name == name {
			return vol, true
		}
	}
	return Volume{}, false
}

// ScriptsForVolume returns the bootstrap scripts targeting a volume,
// in declaration order.
func (d *Declaration) ScriptsForVolume(volume string) []BootstrapScript {
	var scripts []BootstrapScript
	for _, s := range d.Bootstrap {
		if s.Volume == volume {
			scripts = append(scripts, s)
		}
	}
	return scripts
}

// =============================================================================
// Service Types
// =============================================================================

// Service represents a single declared service.
type Service struct {
	Name            string            `json:"name"`
	Image           string            `json:"image,omitempty"`
	Build           *BuildConfig      `json:"build,omitempty"`
	Command         []string          `json:"command,omitempty"`
	Entrypoint      []string          `json:"entrypoint,omitempty"`
	Ports           []PortMapping     `json:"ports,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	Mounts          []Mount           `json:"mounts,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
	Restart         RestartPolicy     `json:"restart,omitempty"`
	HealthCheck     *HealthCheck      `json:"healthcheck,omitempty"`
	// StopGracePeriod is 0 when not declared; the lifecycle configuration
	// supplies the fallback.
	StopGracePeriod time.Duration     `json:"stop_grace_period,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// FirstPort returns the container port of the first declared mapping,
// or 0 if the service declares none. Used as the ${svc.port} builtin.
func (s Service) FirstPort() int {
	if len(s.Ports) == 0 {
		return 0
	}
	return s.Ports[0].ContainerPort
}

// BuildConfig represents a build context (tagged variant of image).
type BuildConfig struct {
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile,omitempty"`
}

// PortMapping represents a host:container port mapping.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // tcp, udp
	HostIP        string `json:"host_ip,omitempty"`
}

// Mount represents a volume or bind mount in a service.
type Mount struct {
	Type     MountType `json:"type"` // volume, bind, tmpfs
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	ReadOnly bool      `json:"readonly"`
}

// MountType represents the kind of mount.
type MountType string

const (
	MountTypeVolume MountType = "volume"
	MountTypeBind   MountType = "bind"
	MountTypeTmpfs  MountType = "tmpfs"
)

// RestartPolicy represents a service restart policy.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// HealthCheck represents a declared health check.
type HealthCheck struct {
	Test        []string      `json:"test"`
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	StartPeriod time.Duration `json:"start_period,omitempty"`
}

// =============================================================================
// Volume Types
// =============================================================================

// Volume represents a named persistent volume. Its identity is stable across
// restarts of the composition engine.
type Volume struct {
	Name   string            `json:"name"`
	Driver string            `json:"driver,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// =============================================================================
// Network Types
// =============================================================================

// Network represents a declared network. Name resolution between services is
// static: each service is reachable at its own name.
type Network struct {
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
}

// =============================================================================
// Bootstrap Types
// =============================================================================

// BootstrapScript is a one-time initialization action gated on the first
// creation of its target volume. Service names the owning service, which
// supplies the image and admin credentials for the run. Command, if set, is
// the interpreter invocation; the mounted script path is appended as the last
// argument. An empty Command defaults to ["/bin/sh", "-e"].
type BootstrapScript struct {
	Script  string   `json:"script"`
	Volume  string   `json:"volume"`
	Service string   `json:"service"`
	Command []string `json:"command,omitempty"`
}
