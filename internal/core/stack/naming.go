package stack

import "strconv"

// =============================================================================
// Resource Naming
// =============================================================================

// Labels attached to every resource the engine creates, so a later run can
// find and adopt or tear down what an earlier one left behind.
const (
	LabelManaged = "io.mixir.stack.managed"
	LabelStack   = "io.mixir.stack.name"
	LabelService = "io.mixir.stack.service"
	LabelRun     = "io.mixir.stack.run"
)

// ContainerName returns the container name for a service.
// Pattern: <stack>-<service>
func ContainerName(stackName, serviceName string) string {
	return stackName + "-" + serviceName
}

// NetworkName returns the composition network name.
// Pattern: <stack>_default
func NetworkName(stackName string) string {
	return stackName + "_default"
}

// VolumeName returns the backing storage identifier for a named volume.
// Pattern: <stack>_<volume> - stable across restarts, which is what makes
// the freshly-created determination meaningful.
func VolumeName(stackName, volumeName string) string {
	return stackName + "_" + volumeName
}

// BootstrapContainerName returns the name for a one-shot bootstrap container.
func BootstrapContainerName(stackName, volumeName string, index int) string {
	return stackName + "-bootstrap-" + volumeName + "-" + strconv.Itoa(index)
}
