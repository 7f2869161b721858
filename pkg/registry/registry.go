// Package registry implements the Engine Registry (C3): a static, boot-time
// catalog of engine types mapping engine_id to its EngineSpec template
// (slots, replicas, spare slots, VM caps), plus the naming convention EPUM
// uses to turn an engine_id into the domain_id it scales. Grounded on the
// teacher's read-mostly, rebuild-on-leader-change in-memory caches
// (pkg/manager.Manager's GetNode/ListNodes style direct-from-store reads,
// generalized here to a pure in-memory catalog since engine specs come
// from config, not the store).
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/types"
)

const domainPrefix = "pd_domain_"

// Registry is the read-only-after-boot catalog of known engine specs.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]types.EngineSpec
	fallback string
}

// New builds a Registry from the configured engine specs. fallback, if
// non-empty, must name a spec present in specs; it is returned for unknown
// engine IDs instead of ENGINE_UNKNOWN.
func New(specs map[string]types.EngineSpec, fallback string) (*Registry, error) {
	if fallback != "" {
		if _, ok := specs[fallback]; !ok {
			return nil, ctlerr.New(ctlerr.ProgrammerError, fmt.Sprintf("default engine %q not present in engine specs", fallback))
		}
	}
	copySpecs := make(map[string]types.EngineSpec, len(specs))
	for id, spec := range specs {
		if spec.Slots < 1 {
			return nil, ctlerr.New(ctlerr.ClientError, fmt.Sprintf("engine %q: slots must be >= 1", id))
		}
		if spec.Replicas < 1 {
			return nil, ctlerr.New(ctlerr.ClientError, fmt.Sprintf("engine %q: replicas must be >= 1", id))
		}
		if spec.SpareSlots < 0 {
			return nil, ctlerr.New(ctlerr.ClientError, fmt.Sprintf("engine %q: spare_slots must be >= 0", id))
		}
		if spec.MaximumVMs < 0 {
			return nil, ctlerr.New(ctlerr.ClientError, fmt.Sprintf("engine %q: maximum_vms must be >= 0", id))
		}
		copySpecs[id] = spec
	}
	return &Registry{specs: copySpecs, fallback: fallback}, nil
}

// Get returns the spec for engineID, falling back to the default engine
// when set, or ctlerr.LookupError "ENGINE_UNKNOWN" otherwise.
func (r *Registry) Get(engineID string) (types.EngineSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if spec, ok := r.specs[engineID]; ok {
		return spec, nil
	}
	if r.fallback != "" {
		return r.specs[r.fallback], nil
	}
	return types.EngineSpec{}, ctlerr.New(ctlerr.LookupError, fmt.Sprintf("ENGINE_UNKNOWN: %s", engineID))
}

// Iter returns every known engine spec, sorted by engine_id for
// deterministic iteration order.
func (r *Registry) Iter() []types.EngineSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.EngineSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineID < out[j].EngineID })
	return out
}

// EngineIDFromDomain extracts the engine_id from an EPUM domain_id of the
// form pd_domain_<engine_id>, validating the prefix and a non-empty
// suffix.
func EngineIDFromDomain(domainID string) (string, error) {
	if !strings.HasPrefix(domainID, domainPrefix) {
		return "", ctlerr.New(ctlerr.ClientError, fmt.Sprintf("domain_id %q missing required prefix %q", domainID, domainPrefix))
	}
	engineID := strings.TrimPrefix(domainID, domainPrefix)
	if engineID == "" {
		return "", ctlerr.New(ctlerr.ClientError, fmt.Sprintf("domain_id %q has empty engine suffix", domainID))
	}
	return engineID, nil
}

// DomainIDFromEngine builds the EPUM domain_id that PD uses to scale
// engineID, validating engineID is non-empty.
func DomainIDFromEngine(engineID string) (string, error) {
	if engineID == "" {
		return "", ctlerr.New(ctlerr.ClientError, "engine_id must not be empty")
	}
	return domainPrefix + engineID, nil
}
