package declaration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// allowedTopLevelKeys are the top-level keys the schema accepts. Extension
// keys (x-*) are always allowed.
var allowedTopLevelKeys = map[string]bool{
	"version":  true,
	"name":     true,
	"services": true,
	"volumes":  true,
	"networks": true,
}

// =============================================================================
// Load
// =============================================================================

// Load parses a compose-style YAML declaration into a Declaration.
// This is a pure function - no I/O, no side effects.
//
// Failure modes map to the composition error taxonomy:
//   - ErrParse: malformed YAML
//   - ErrSchema: unknown top-level key, missing required field
//   - ErrDuplicateKey: two services or volumes share a name
//   - ErrPortConflict: two mappings claim the same host port
func Load(content string) (*Declaration, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyInput
	}

	// Structural pre-scan: declaration order, duplicate keys, unknown
	// top-level keys, and x-bootstrap entries. compose-go loses key order
	// and silently merges duplicates, so this must happen on the raw tree.
	scan, err := preScan(content)
	if err != nil {
		return nil, err
	}

	project, err := loadProject(content, scan.name)
	if err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	decl := &Declaration{
		Name:      scan.name,
		Services:  make([]Service, 0, len(project.Services)),
		Volumes:   make([]Volume, 0, len(project.Volumes)),
		Bootstrap: scan.bootstrap,
	}

	// Convert services in declaration order.
	for _, name := range scan.serviceOrder {
		svc, ok := project.Services[name]
		if !ok {
			continue
		}
		converted, err := convertService(name, svc)
		if err != nil {
			return nil, err
		}
		decl.Services = append(decl.Services, converted)
	}

	// Convert named volumes in declaration order.
	for _, name := range scan.volumeOrder {
		vol, ok := project.Volumes[name]
		if !ok {
			continue
		}
		decl.Volumes = append(decl.Volumes, Volume{
			Name:   name,
			Driver: vol.Driver,
			Labels: vol.Labels,
		})
	}

	for name, net := range project.Networks {
		decl.Networks = append(decl.Networks, Network{Name: name, Driver: net.Driver})
	}

	if err := validateReferences(decl); err != nil {
		return nil, err
	}
	if err := validateHostPorts(decl.Services); err != nil {
		return nil, err
	}
	if err := validateBootstrap(decl); err != nil {
		return nil, err
	}

	return decl, nil
}

// loadProject loads the declaration using compose-go.
func loadProject(content, name string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil {
		return nil, NewDeclError("", "invalid YAML syntax", ErrParse)
	}
	if dict == nil {
		return nil, NewDeclError("", "invalid YAML syntax", ErrParse)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(content),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(name, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = true // process env is injected later, not at parse time
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewDeclError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, NewDeclError("", errStr, ErrSchema)
	}

	return project, nil
}

// =============================================================================
// Structural Pre-Scan
// =============================================================================

// scanResult holds what the raw YAML tree provides that compose-go does not.
type scanResult struct {
	name         string
	serviceOrder []string
	volumeOrder  []string
	bootstrap    []BootstrapScript
}

// bootstrapYAML mirrors one x-bootstrap entry.
type bootstrapYAML struct {
	Script  string   `yaml:"script"`
	Volume  string   `yaml:"volume"`
	Service string   `yaml:"service"`
	Command []string `yaml:"command"`
}

func preScan(content string) (*scanResult, error) {
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(content), &root); err != nil {
		return nil, NewDeclError("", "invalid YAML syntax", ErrParse)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, NewDeclError("", "declaration must be a mapping", ErrParse)
	}

	result := &scanResult{name: "stack"}
	top := root.Content[0]

	seen := make(map[string]bool)
	for i := 0; i+1 < len(top.Content); i += 2 {
		key := top.Content[i]
		value := top.Content[i+1]

		if seen[key.Value] {
			return nil, NewDeclError(key.Value, "top-level key declared twice", ErrDuplicateKey)
		}
		seen[key.Value] = true

		if !allowedTopLevelKeys[key.Value] && !strings.HasPrefix(key.Value, "x-") {
			return nil, NewDeclError(key.Value, "unknown top-level key", ErrSchema)
		}

		switch key.Value {
		case "name":
			result.name = value.Value
		case "services":
			order, err := mappingKeys(value, "services")
			if err != nil {
				return nil, err
			}
			result.serviceOrder = order
		case "volumes":
			order, err := mappingKeys(value, "volumes")
			if err != nil {
				return nil, err
			}
			result.volumeOrder = order
		case "x-bootstrap":
			var entries []bootstrapYAML
			if err := value.Decode(&entries); err != nil {
				return nil, NewDeclError("x-bootstrap", "must be a list of {script, volume, service}", ErrInvalidBootstrap)
			}
			for _, e := range entries {
				result.bootstrap = append(result.bootstrap, BootstrapScript{
					Script:  e.Script,
					Volume:  e.Volume,
					Service: e.Service,
					Command: e.Command,
				})
			}
		}
	}

	return result, nil
}

// mappingKeys returns the keys of a mapping node in source order, rejecting
// duplicates.
func mappingKeys(node *yaml.Node, field string) ([]string, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, NewDeclError(field, "must be a mapping", ErrSchema)
	}

	seen := make(map[string]bool)
	keys := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if seen[name] {
			return nil, NewDeclError(field+"."+name, "declared twice", ErrDuplicateKey)
		}
		seen[name] = true
		keys = append(keys, name)
	}
	return keys, nil
}

// =============================================================================
// Conversion
// =============================================================================

// convertService converts a compose-go service to our Service type.
func convertService(name string, svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:            name,
		Image:           svc.Image,
		Command:         svc.Command,
		Entrypoint:      svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		DependsOn:   make([]string, 0),
	}

	if svc.Build != nil {
		service.Build = &BuildConfig{
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
		}
	}

	// Tagged variant check: image-based or build-based, nothing else.
	if service.Image == "" && service.Build == nil {
		return Service{}, NewDeclError("services."+name, "service must have image or build", ErrServiceNoImage)
	}

	for i, p := range svc.Ports {
		var published int
		if p.Published != "" {
			pub, err := strconv.Atoi(p.Published)
			if err != nil {
				return Service{}, NewDeclError(
					fmt.Sprintf("services.%s.ports[%d]", name, i),
					"host port must be numeric",
					ErrInvalidPort,
				)
			}
			published = pub
		}
		if p.Target == 0 || p.Target > 65535 || published < 0 || published > 65535 {
			return Service{}, NewDeclError(
				fmt.Sprintf("services.%s.ports[%d]", name, i),
				"port must be in 1-65535",
				ErrInvalidPort,
			)
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		service.Ports = append(service.Ports, PortMapping{
			HostPort:      published,
			ContainerPort: int(p.Target),
			Protocol:      proto,
			HostIP:        p.HostIP,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		} else {
			service.Environment[k] = ""
		}
	}

	for _, v := range svc.Volumes {
		mount := Mount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Type = MountTypeBind
		case "volume":
			mount.Type = MountTypeVolume
		case "tmpfs":
			mount.Type = MountTypeTmpfs
		default:
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
				mount.Type = MountTypeBind
			} else {
				mount.Type = MountTypeVolume
			}
		}
		service.Mounts = append(service.Mounts, mount)
	}

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}

	service.Restart = convertRestartPolicy(svc.Restart)

	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		service.HealthCheck = &HealthCheck{
			Test: svc.HealthCheck.Test,
		}
		if svc.HealthCheck.Retries != nil {
			service.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			service.HealthCheck.Interval = time.Duration(*svc.HealthCheck.Interval)
		}
		if svc.HealthCheck.Timeout != nil {
			service.HealthCheck.Timeout = time.Duration(*svc.HealthCheck.Timeout)
		}
		if svc.HealthCheck.StartPeriod != nil {
			service.HealthCheck.StartPeriod = time.Duration(*svc.HealthCheck.StartPeriod)
		}
	}

	if svc.StopGracePeriod != nil {
		service.StopGracePeriod = time.Duration(*svc.StopGracePeriod)
	}

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	return service, nil
}

// convertRestartPolicy maps compose restart strings onto the closed policy set.
func convertRestartPolicy(restart string) RestartPolicy {
	switch restart {
	case "always", "unless-stopped":
		return RestartAlways
	case "on-failure":
		return RestartOnFailure
	default:
		return RestartNever
	}
}

// =============================================================================
// Validation
// =============================================================================

// validateReferences checks that depends_on and named-volume mounts point at
// declared entities.
func validateReferences(decl *Declaration) error {
	services := make(map[string]bool, len(decl.Services))
	for _, svc := range decl.Services {
		services[svc.Name] = true
	}
	volumes := make(map[string]bool, len(decl.Volumes))
	for _, vol := range decl.Volumes {
		volumes[vol.Name] = true
	}

	for _, svc := range decl.Services {
		for _, dep := range svc.DependsOn {
			if !services[dep] {
				return NewDeclError(
					"services."+svc.Name+".depends_on",
					"unknown service "+strconv.Quote(dep),
					ErrUnknownDependency,
				)
			}
		}
		for _, m := range svc.Mounts {
			if m.Type == MountTypeVolume && !volumes[m.Source] {
				return NewDeclError(
					"services."+svc.Name+".volumes",
					"unknown volume "+strconv.Quote(m.Source),
					ErrUnknownVolume,
				)
			}
		}
	}
	return nil
}

// validateHostPorts enforces host-port uniqueness across the composition.
// Published port 0 means dynamic allocation and never conflicts.
func validateHostPorts(services []Service) error {
	type binding struct {
		service string
		proto   string
	}
	bound := make(map[string]binding)

	for _, svc := range services {
		for _, p := range svc.Ports {
			if p.HostPort == 0 {
				continue
			}
			key := fmt.Sprintf("%d/%s", p.HostPort, p.Protocol)
			if prev, exists := bound[key]; exists {
				return NewDeclError(
					"services."+svc.Name+".ports",
					fmt.Sprintf("host port %s already bound by service %q", key, prev.service),
					ErrPortConflict,
				)
			}
			bound[key] = binding{service: svc.Name, proto: p.Protocol}
		}
	}
	return nil
}

// validateBootstrap checks that every x-bootstrap entry names a declared
// volume and an image-based owning service.
func validateBootstrap(decl *Declaration) error {
	for i, s := range decl.Bootstrap {
		field := fmt.Sprintf("x-bootstrap[%d]", i)
		if s.Script == "" {
			return NewDeclError(field, "script is required", ErrInvalidBootstrap)
		}
		if _, ok := decl.VolumeByName(s.Volume); !ok {
			return NewDeclError(field, "unknown volume "+strconv.Quote(s.Volume), ErrInvalidBootstrap)
		}
		owner, ok := decl.ServiceByName(s.Service)
		if !ok {
			return NewDeclError(field, "unknown service "+strconv.Quote(s.Service), ErrInvalidBootstrap)
		}
		if owner.Image == "" {
			return NewDeclError(field, "owning service must be image-based", ErrInvalidBootstrap)
		}
	}
	return nil
}
