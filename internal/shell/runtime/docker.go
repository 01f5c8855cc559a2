package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Runtime Implementation
// =============================================================================

// DockerRuntime implements API using the Docker SDK.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker-backed runtime.
// If host is empty, the default Docker host from the environment is used.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewRuntimeError("NewDockerRuntime", "", "", "failed to create client", ErrConnectionFailed)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewRuntimeError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the client connection.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Container Operations
// =============================================================================

// CreateContainer creates a container from the given spec.
func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Entrypoint: spec.Entrypoint,
		Labels:     spec.Labels,
	}

	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		portBindings := nat.PortMap{}
		exposedPorts := nat.PortSet{}

		for _, p := range spec.Ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
			exposedPorts[containerPort] = struct{}{}

			hostPort := ""
			if p.HostPort != 0 {
				hostPort = fmt.Sprintf("%d", p.HostPort)
			}
			portBindings[containerPort] = []nat.PortBinding{
				{HostIP: p.HostIP, HostPort: hostPort},
			}
		}

		config.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	for _, m := range spec.Mounts {
		mountType := mount.TypeVolume
		if m.Bind {
			mountType = mount.TypeBind
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mountType,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	if spec.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.HealthCheck.Test,
			Interval:    spec.HealthCheck.Interval,
			Timeout:     spec.HealthCheck.Timeout,
			Retries:     spec.HealthCheck.Retries,
			StartPeriod: spec.HealthCheck.StartPeriod,
		}
	}

	// Restart policy stays "no": retries and backoff are the controller's
	// job, not the daemon's, so the engine sees every failure.

	var networkConfig *network.NetworkingConfig
	if spec.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.NetworkAliases},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		if strings.Contains(err.Error(), "port is already allocated") {
			return "", NewRuntimeError("CreateContainer", "container", spec.Name, err.Error(), ErrPortAlreadyAllocated)
		}
		if strings.Contains(err.Error(), "Conflict") {
			return "", NewRuntimeError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
		return "", NewRuntimeError("CreateContainer", "container", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	err := d.cli.ContainerStart(ctx, id, container.StartOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("StartContainer", "container", id, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "port is already allocated") {
			return NewRuntimeError("StartContainer", "container", id, err.Error(), ErrPortAlreadyAllocated)
		}
		if strings.Contains(err.Error(), "is already running") {
			return NewRuntimeError("StartContainer", "container", id, "container is already running", ErrContainerAlreadyRunning)
		}
		return NewRuntimeError("StartContainer", "container", id, err.Error(), err)
	}
	return nil
}

// StopContainer stops a container, allowing it the given grace period before
// the daemon kills it.
func (d *DockerRuntime) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	stopOptions := container.StopOptions{}
	if grace > 0 {
		seconds := int(grace.Seconds())
		stopOptions.Timeout = &seconds
	}

	err := d.cli.ContainerStop(ctx, id, stopOptions)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("StopContainer", "container", id, "container not found", ErrContainerNotFound)
		}
		if strings.Contains(err.Error(), "is not running") {
			return NewRuntimeError("StopContainer", "container", id, "container is not running", ErrContainerNotRunning)
		}
		return NewRuntimeError("StopContainer", "container", id, err.Error(), err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveContainer", "container", id, "container not found", ErrContainerNotFound)
		}
		return NewRuntimeError("RemoveContainer", "container", id, err.Error(), err)
	}
	return nil
}

// InspectContainer returns the observable state of a container.
func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, NewRuntimeError("InspectContainer", "container", id, "container not found", ErrContainerNotFound)
		}
		return nil, NewRuntimeError("InspectContainer", "container", id, err.Error(), err)
	}

	health := HealthNone
	if resp.State.Health != nil {
		health = Health(resp.State.Health.Status)
	}

	return &ContainerState{
		ID:       resp.ID,
		Name:     strings.TrimPrefix(resp.Name, "/"),
		Running:  resp.State.Running,
		Health:   health,
		ExitCode: resp.State.ExitCode,
		Labels:   resp.Config.Labels,
	}, nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (d *DockerRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, NewRuntimeError("WaitContainer", "container", id, err.Error(), err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), NewRuntimeError("WaitContainer", "container", id, status.Error.Message, nil)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// ListContainers lists containers matching all given label filters,
// including stopped ones.
func (d *DockerRuntime) ListContainers(ctx context.Context, labelFilters map[string]string) ([]ContainerState, error) {
	f := filters.NewArgs()
	for k, v := range labelFilters {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, NewRuntimeError("ListContainers", "container", "", err.Error(), err)
	}

	result := make([]ContainerState, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ContainerState{
			ID:      c.ID,
			Name:    name,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return result, nil
}

// =============================================================================
// Network Operations
// =============================================================================

// EnsureNetwork creates the named bridge network if it does not exist and
// returns its ID.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	existing, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", NewRuntimeError("EnsureNetwork", "network", name, err.Error(), err)
	}

	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", NewRuntimeError("EnsureNetwork", "network", name, err.Error(), err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network by name or ID.
func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	err := d.cli.NetworkRemove(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return NewRuntimeError("RemoveNetwork", "network", name, "network not found", ErrNetworkNotFound)
		}
		return NewRuntimeError("RemoveNetwork", "network", name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// InspectVolume returns information about existing backing storage, or
// ErrVolumeNotFound if no volume with the name exists. The volume manager's
// freshly-created determination depends on this distinction.
func (d *DockerRuntime) InspectVolume(ctx context.Context, name string) (*VolumeInfo, error) {
	resp, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "no such volume") {
			return nil, NewRuntimeError("InspectVolume", "volume", name, "volume not found", ErrVolumeNotFound)
		}
		return nil, NewRuntimeError("InspectVolume", "volume", name, err.Error(), err)
	}

	createdAt, _ := time.Parse(time.RFC3339, resp.CreatedAt)
	return &VolumeInfo{
		Name:      resp.Name,
		Driver:    resp.Driver,
		Labels:    resp.Labels,
		CreatedAt: createdAt,
	}, nil
}

// CreateVolume creates backing storage for a named volume.
func (d *DockerRuntime) CreateVolume(ctx context.Context, spec VolumeSpec) error {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	_, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return NewRuntimeError("CreateVolume", "volume", spec.Name, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Image Operations
// =============================================================================

// EnsureImage pulls the image if it is not present locally.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return NewRuntimeError("EnsureImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewRuntimeError("EnsureImage", "image", ref, err.Error(), ErrImagePullFailed)
	}
	return nil
}
