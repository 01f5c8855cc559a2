// Package envinject materializes per-service environment variables, including
// cross-service references like ${db.MONGO_INITDB_ROOT_USERNAME}.
// This is part of the Functional Core - resolution is pure and deterministic.
package envinject

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/plan"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrUnresolvedReference is the sentinel for references that cannot resolve.
var ErrUnresolvedReference = errors.New("unresolved service reference")

// UnresolvedReferenceError names the service and the reference that failed.
type UnresolvedReferenceError struct {
	Service   string // service whose environment references something unresolved
	Reference string // e.g. "db.MONGO_INITDB_ROOT_PASSWORD"
	Reason    string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("service %q: reference ${%s}: %s", e.Service, e.Reference, e.Reason)
}

func (e *UnresolvedReferenceError) Unwrap() error {
	return ErrUnresolvedReference
}

// =============================================================================
// Placeholder Grammar
// =============================================================================

// refPlaceholderRegex matches ${service.KEY} cross-service references.
// Service names may contain hyphens; keys follow env-var naming.
var refPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z0-9][A-Za-z0-9_-]*)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} process-environment
// placeholders.
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// =============================================================================
// Peer Values
// =============================================================================

// PeerValues holds the exposed values of already-started services:
// the service's fully resolved environment plus the builtins.
type PeerValues map[string]map[string]string

// Builtins returns the reference keys every service exposes regardless of its
// declared environment: "host" (static network alias = service name) and
// "port" (first declared container port).
func Builtins(svc declaration.Service) map[string]string {
	builtins := map[string]string{
		"host": svc.Name,
	}
	if p := svc.FirstPort(); p != 0 {
		builtins["port"] = strconv.Itoa(p)
	}
	return builtins
}

// Expose merges a service's resolved environment with its builtins into the
// value set peers resolve against.
func Expose(svc declaration.Service, resolved map[string]string) map[string]string {
	exposed := make(map[string]string, len(resolved)+2)
	for k, v := range resolved {
		exposed[k] = v
	}
	for k, v := range Builtins(svc) {
		exposed[k] = v
	}
	return exposed
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve materializes the concrete environment mapping for one service.
// Cross-service references resolve against peers; remaining ${VAR} and
// ${VAR:-default} placeholders resolve against processEnv. Same inputs always
// yield the same output.
//
// Example:
//
//	peers := PeerValues{"db": {"MONGO_USER": "root", "host": "db", "port": "27017"}}
//	env, _ := Resolve(svc, peers, nil)
//	// "mongodb://${db.MONGO_USER}@${db.host}:${db.port}/" -> "mongodb://root@db:27017/"
func Resolve(svc declaration.Service, peers PeerValues, processEnv map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(svc.Environment))

	for key, value := range svc.Environment {
		withRefs, err := substituteReferences(svc.Name, value, peers)
		if err != nil {
			return nil, err
		}
		resolved[key] = substituteProcessEnv(withRefs, processEnv)
	}

	return resolved, nil
}

// substituteReferences replaces every ${service.KEY} placeholder, failing on
// the first reference whose peer or key is unknown.
func substituteReferences(serviceName, value string, peers PeerValues) (string, error) {
	var refErr error

	out := refPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		if refErr != nil {
			return match
		}
		sub := refPlaceholderRegex.FindStringSubmatch(match)
		peer, key := sub[1], sub[2]

		values, ok := peers[peer]
		if !ok {
			refErr = &UnresolvedReferenceError{
				Service:   serviceName,
				Reference: peer + "." + key,
				Reason:    "service " + strconv.Quote(peer) + " has not been resolved",
			}
			return match
		}
		v, ok := values[key]
		if !ok {
			refErr = &UnresolvedReferenceError{
				Service:   serviceName,
				Reference: peer + "." + key,
				Reason:    "service " + strconv.Quote(peer) + " exposes no value " + strconv.Quote(key),
			}
			return match
		}
		return v
	})

	return out, refErr
}

// substituteProcessEnv replaces ${VAR} and ${VAR:-default} placeholders.
//
// Behavior:
//   - ${VAR} - replaced with processEnv["VAR"] if set, otherwise kept as-is
//   - ${VAR:-default} - replaced with processEnv["VAR"] if set, otherwise "default"
func substituteProcessEnv(value string, processEnv map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		idx := varPlaceholderRegex.FindStringSubmatchIndex(match)
		name := match[idx[2]:idx[3]]
		if v, ok := processEnv[name]; ok {
			return v
		}
		// idx[4] >= 0 means the ":-default" group matched; an empty default
		// (${VAR:-}) resolves to the empty string.
		if idx[4] >= 0 {
			return match[idx[4]:idx[5]]
		}
		return match
	})
}

// =============================================================================
// Load-Time Validation
// =============================================================================

// Validate checks every cross-service reference against the start plan:
// a reference resolves only if its target sits in a strictly earlier wave.
// Violations are fatal before any process starts.
func Validate(decl *declaration.Declaration, startPlan *plan.StartPlan) error {
	for _, svc := range decl.Services {
		svcWave := startPlan.WaveOf(svc.Name)

		for _, value := range svc.Environment {
			for _, sub := range refPlaceholderRegex.FindAllStringSubmatch(value, -1) {
				peer, key := sub[1], sub[2]

				target, ok := decl.ServiceByName(peer)
				if !ok {
					return &UnresolvedReferenceError{
						Service:   svc.Name,
						Reference: peer + "." + key,
						Reason:    "service " + strconv.Quote(peer) + " is not declared",
					}
				}
				if startPlan.WaveOf(peer) >= svcWave {
					return &UnresolvedReferenceError{
						Service:   svc.Name,
						Reference: peer + "." + key,
						Reason:    "service " + strconv.Quote(peer) + " does not start before " + strconv.Quote(svc.Name) + " (add a depends_on)",
					}
				}
				if _, isBuiltin := Builtins(target)[key]; !isBuiltin {
					if _, declared := target.Environment[key]; !declared {
						return &UnresolvedReferenceError{
							Service:   svc.Name,
							Reference: peer + "." + key,
							Reason:    "service " + strconv.Quote(peer) + " declares no value " + strconv.Quote(key),
						}
					}
				}
			}
		}
	}
	return nil
}
