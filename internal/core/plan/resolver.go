// Package plan computes deterministic start plans from a declaration.
// This is part of the Functional Core - all functions are pure.
package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrCycle is the sentinel for dependency cycles.
var ErrCycle = errors.New("dependency cycle detected")

// CycleError names the services forming a dependency cycle.
type CycleError struct {
	Cycle []string // e.g. ["a", "b", "a"]
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// =============================================================================
// Start Plan Types
// =============================================================================

// Wave is a set of services with no dependency ordering among them,
// scheduled to start concurrently.
type Wave []declaration.Service

// Names returns the service names in the wave.
func (w Wave) Names() []string {
	names := make([]string, len(w))
	for i, svc := range w {
		names[i] = svc.Name
	}
	return names
}

// StartPlan is an ordered sequence of waves. Every service's dependencies
// live in a strictly earlier wave.
type StartPlan struct {
	Waves []Wave
}

// WaveOf returns the wave index of a service, or -1 if the plan does not
// contain it.
func (p *StartPlan) WaveOf(name string) int {
	for i, wave := range p.Waves {
		for _, svc := range wave {
			if svc.Name == name {
				return i
			}
		}
	}
	return -1
}

// Services returns all services in start order, waves flattened.
func (p *StartPlan) Services() []declaration.Service {
	var out []declaration.Service
	for _, wave := range p.Waves {
		out = append(out, wave...)
	}
	return out
}

// =============================================================================
// Resolver
// =============================================================================

// Resolve computes a start plan from declared dependency references using a
// layered Kahn's algorithm: wave N holds every service whose dependencies all
// sit in waves < N. Services with no ordering constraint between them keep
// declaration order inside their wave, so the output is deterministic across
// runs.
//
// Returns a CycleError naming the cycle if the references are cyclic.
//
// Example:
//
//	// db <- app, db-admin independent of app
//	plan, _ := Resolve(decl)
//	// Waves: [[db], [db-admin, app]]
func Resolve(decl *declaration.Declaration) (*StartPlan, error) {
	services := decl.Services
	if len(services) == 0 {
		return &StartPlan{}, nil
	}

	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)
	for _, svc := range services {
		inDegree[svc.Name] = len(svc.DependsOn)
		for _, dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	placed := 0
	plan := &StartPlan{}
	ready := make(map[string]bool)

	for placed < len(services) {
		var wave Wave
		// Declaration order is the tie-break within a wave.
		for _, svc := range services {
			if !ready[svc.Name] && inDegree[svc.Name] == 0 {
				wave = append(wave, svc)
			}
		}
		if len(wave) == 0 {
			return nil, &CycleError{Cycle: findCycle(services)}
		}
		for _, svc := range wave {
			ready[svc.Name] = true
			for _, dependent := range dependents[svc.Name] {
				inDegree[dependent]--
			}
		}
		placed += len(wave)
		plan.Waves = append(plan.Waves, wave)
	}

	return plan, nil
}

// findCycle locates one dependency cycle via DFS. Only called after Kahn's
// algorithm stalled, so a cycle is guaranteed to exist.
func findCycle(services []declaration.Service) []string {
	deps := make(map[string][]string, len(services))
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(services))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		stack = append(stack, name)

		for _, dep := range deps[name] {
			switch state[dep] {
			case inStack:
				// Found it: slice the stack from the first occurrence.
				for i, n := range stack {
					if n == dep {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, svc := range services {
		if state[svc.Name] == unvisited && visit(svc.Name) {
			break
		}
	}
	return cycle
}
