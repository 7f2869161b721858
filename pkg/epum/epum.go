// Package epum implements the EPUM Decision Engine (C5): a per-domain
// policy loop that converts (desired N, current instances, health) into
// provision/terminate actions, driven by a pluggable DecisionEngine.
// Grounded on the teacher's pkg/scheduler.Scheduler (per-tick evaluation
// loop over a collection, with per-item decisions) and
// pkg/reconciler.Reconciler (heartbeat-age health checks), generalized
// from Warren's fixed service/container schema to EPUM's domain/instance
// model.
package epum

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/notifier"
	"github.com/cuemby/epum/pkg/provisioner"
	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
)

const domainPrefix = "/domains/"

func domainPath(owner, domainID string) string { return fmt.Sprintf("%s%s/%s", domainPrefix, owner, domainID) }

// EPUM is the C5 component. One instance runs per replica; only the
// elected epum_doer drives ticks (enforced by the caller wiring
// pkg/election before calling Tick).
type EPUM struct {
	mu          sync.Mutex
	st          store.Store
	reg         *registry.Registry
	prov        *provisioner.Provisioner
	notif       *notifier.Notifier
	logger      zerolog.Logger
	engines     map[string]DecisionEngine // domain_id -> live engine instance
	heartbeatTO time.Duration
	grace       time.Duration
	eventFn     func(source, name string, extra map[string]any)
}

// Options configures an EPUM.
type Options struct {
	Store            store.Store
	Registry         *registry.Registry
	Provisioner      *provisioner.Provisioner
	Notifier         *notifier.Notifier
	Logger           zerolog.Logger
	HeartbeatTimeout time.Duration
	// Grace is how long past HeartbeatTimeout an instance stays MISSING
	// before being terminated.
	Grace   time.Duration
	EventFn func(source, name string, extra map[string]any)
}

// New creates an EPUM.
func New(opts Options) *EPUM {
	eventFn := opts.EventFn
	if eventFn == nil {
		eventFn = func(string, string, map[string]any) {}
	}
	hb := opts.HeartbeatTimeout
	if hb <= 0 {
		hb = 60 * time.Second
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = 60 * time.Second
	}
	return &EPUM{
		st:          opts.Store,
		reg:         opts.Registry,
		prov:        opts.Provisioner,
		notif:       opts.Notifier,
		logger:      opts.Logger.With().Str("component", "epum").Logger(),
		engines:     make(map[string]DecisionEngine),
		heartbeatTO: hb,
		grace:       grace,
		eventFn:     eventFn,
	}
}

// AddDomain implements add_domain: validates the engine_id against the
// registry, writes a NEW domain record, then transitions it RUNNING.
func (e *EPUM) AddDomain(ctx context.Context, owner, engineID string, config types.DomainConfig, healthCheck bool) (types.Domain, error) {
	if owner == "" {
		return types.Domain{}, ctlerr.New(ctlerr.ClientError, "owner must not be empty")
	}
	if _, err := e.reg.Get(engineID); err != nil {
		return types.Domain{}, err
	}
	domainID, err := registry.DomainIDFromEngine(engineID)
	if err != nil {
		return types.Domain{}, err
	}

	if config.EngineClass == "" {
		config.EngineClass = "simplest"
	}

	now := time.Now()
	domain := types.Domain{
		DomainID:    domainID,
		Owner:       owner,
		EngineID:    engineID,
		Config:      config,
		State:       types.DomainNew,
		HealthCheck: healthCheck,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := e.st.Get(ctx, domainPath(owner, domainID)); err == nil {
		return types.Domain{}, ctlerr.New(ctlerr.ClientError, fmt.Sprintf("domain %s already exists", domainID))
	} else if err != store.ErrNotFound {
		return types.Domain{}, ctlerr.Wrap(ctlerr.TransientError, "check existing domain", err)
	}

	if err := e.putDomain(ctx, domain, 0); err != nil {
		return types.Domain{}, ctlerr.Wrap(ctlerr.TransientError, "write domain record", err)
	}

	engine, err := NewEngine(config.EngineClass)
	if err != nil {
		return types.Domain{}, ctlerr.Wrap(ctlerr.ClientError, "instantiate decision engine", err)
	}
	if err := engine.Initialize(config); err != nil {
		return types.Domain{}, ctlerr.Wrap(ctlerr.ClientError, "initialize decision engine", err)
	}

	e.mu.Lock()
	e.engines[domainID] = engine
	e.mu.Unlock()

	domain.State = types.DomainRunning
	domain.UpdatedAt = time.Now()
	if err := e.casDomain(ctx, domain, 1); err != nil {
		return types.Domain{}, ctlerr.Wrap(ctlerr.TransientError, "transition domain to running", err)
	}
	e.eventFn("epum", "domain_added", map[string]any{"domain_id": domainID})
	return domain, nil
}

// RemoveDomain implements remove_domain: marks the domain REMOVED, then
// terminates every owned instance. The record is deleted here only when
// the domain owns no instance records at all; otherwise it stays in the
// store in state REMOVED, and no later recovery or tick pass deletes it.
func (e *EPUM) RemoveDomain(ctx context.Context, owner, domainID string) error {
	entry, err := e.st.Get(ctx, domainPath(owner, domainID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return ctlerr.Wrap(ctlerr.TransientError, "read domain", err)
	}
	var domain types.Domain
	if err := json.Unmarshal(entry.Value, &domain); err != nil {
		return fmt.Errorf("decode domain %s: %w", domainID, err)
	}

	domain.State = types.DomainRemoved
	domain.UpdatedAt = time.Now()
	if err := e.casDomain(ctx, domain, entry.Version); err != nil {
		return err
	}
	removedVersion := entry.Version + 1

	instances, err := e.instancesForDomain(ctx, domainID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceID)
	}
	if len(ids) > 0 {
		if err := e.prov.TerminateNodes(ctx, ids); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.engines, domainID)
	e.mu.Unlock()

	if len(ids) == 0 {
		if err := e.st.Delete(ctx, domainPath(owner, domainID), removedVersion); err != nil && err != store.ErrNotFound {
			e.logger.Warn().Err(err).Str("domain_id", domainID).Msg("failed to delete emptied domain record")
		}
	}
	e.eventFn("epum", "domain_removed", map[string]any{"domain_id": domainID})
	return nil
}

// ReconfigureDomain merges patch into the domain's config; the next tick
// picks up the new target.
func (e *EPUM) ReconfigureDomain(ctx context.Context, owner, domainID string, patch map[string]any) error {
	entry, err := e.st.Get(ctx, domainPath(owner, domainID))
	if err != nil {
		if err == store.ErrNotFound {
			return ctlerr.New(ctlerr.LookupError, fmt.Sprintf("domain %s not found", domainID))
		}
		return ctlerr.Wrap(ctlerr.TransientError, "read domain", err)
	}
	var domain types.Domain
	if err := json.Unmarshal(entry.Value, &domain); err != nil {
		return fmt.Errorf("decode domain %s: %w", domainID, err)
	}

	if n, ok := patch["preserve_n"]; ok {
		switch v := n.(type) {
		case int:
			domain.Config.PreserveN = v
		case float64:
			domain.Config.PreserveN = int(v)
		}
	}
	if domain.Config.Extra == nil {
		domain.Config.Extra = map[string]any{}
	}
	for k, v := range patch {
		if k != "preserve_n" {
			domain.Config.Extra[k] = v
		}
	}
	domain.UpdatedAt = time.Now()

	if err := e.casDomain(ctx, domain, entry.Version); err != nil {
		return err
	}

	e.mu.Lock()
	engine, ok := e.engines[domainID]
	e.mu.Unlock()
	if ok {
		_ = engine.Reconfigure(patch)
	}
	return nil
}

// ListDomains implements list_domains.
func (e *EPUM) ListDomains(ctx context.Context) ([]types.Domain, error) {
	entries, err := e.st.List(ctx, domainPrefix)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransientError, "list domains", err)
	}
	out := make([]types.Domain, 0, len(entries))
	for _, e := range entries {
		var d types.Domain
		if err := json.Unmarshal(e.Value, &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// DescribeDomain implements describe_domain.
func (e *EPUM) DescribeDomain(ctx context.Context, owner, domainID string) (types.Domain, error) {
	entry, err := e.st.Get(ctx, domainPath(owner, domainID))
	if err != nil {
		if err == store.ErrNotFound {
			return types.Domain{}, ctlerr.New(ctlerr.LookupError, fmt.Sprintf("domain %s not found", domainID))
		}
		return types.Domain{}, ctlerr.Wrap(ctlerr.TransientError, "read domain", err)
	}
	var d types.Domain
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return types.Domain{}, fmt.Errorf("decode domain %s: %w", domainID, err)
	}
	return d, nil
}

// SubscribeDT implements subscribe_dt: registers a subscriber to receive
// every instance-state-change for the domain.
func (e *EPUM) SubscribeDT(ctx context.Context, owner, domainID string, sub types.Subscriber) error {
	entry, err := e.st.Get(ctx, domainPath(owner, domainID))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, fmt.Sprintf("domain %s not found", domainID))
	}
	var d types.Domain
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return fmt.Errorf("decode domain %s: %w", domainID, err)
	}
	for _, s := range d.Subscribers {
		if s == sub {
			return nil
		}
	}
	d.Subscribers = append(d.Subscribers, sub)
	d.UpdatedAt = time.Now()
	return e.casDomain(ctx, d, entry.Version)
}

// UnsubscribeDT implements unsubscribe_dt.
func (e *EPUM) UnsubscribeDT(ctx context.Context, owner, domainID string, sub types.Subscriber) error {
	entry, err := e.st.Get(ctx, domainPath(owner, domainID))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, fmt.Sprintf("domain %s not found", domainID))
	}
	var d types.Domain
	if err := json.Unmarshal(entry.Value, &d); err != nil {
		return fmt.Errorf("decode domain %s: %w", domainID, err)
	}
	filtered := d.Subscribers[:0]
	for _, s := range d.Subscribers {
		if s != sub {
			filtered = append(filtered, s)
		}
	}
	d.Subscribers = filtered
	d.UpdatedAt = time.Now()
	return e.casDomain(ctx, d, entry.Version)
}

// Heartbeat implements heartbeat(): updates an instance's liveness and
// health, clearing any MISSING mark.
func (e *EPUM) Heartbeat(ctx context.Context, instanceID, health string) error {
	entry, err := e.st.Get(ctx, "/nodes/"+instanceID)
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, fmt.Sprintf("instance %s not found", instanceID))
	}
	var inst types.Instance
	if err := json.Unmarshal(entry.Value, &inst); err != nil {
		return fmt.Errorf("decode instance %s: %w", instanceID, err)
	}
	inst.LastHeartbeat = time.Now()
	if health != "" {
		inst.Health = health
	} else if inst.Health == "MISSING" {
		inst.Health = ""
	}
	if inst.State != types.InstanceRunning && inst.State.CanTransition(types.InstanceRunning) {
		inst.State = types.InstanceRunning
		e.eventFn("epum", "node_started", map[string]any{"instance_id": inst.InstanceID})
	}
	inst.UpdatedAt = time.Now()
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = e.st.Put(ctx, "/nodes/"+instanceID, data, entry.Version)
	return err
}

// InstanceInfo implements instance_info(): returns the current record.
func (e *EPUM) InstanceInfo(ctx context.Context, instanceID string) (types.Instance, error) {
	entry, err := e.st.Get(ctx, "/nodes/"+instanceID)
	if err != nil {
		return types.Instance{}, ctlerr.New(ctlerr.LookupError, fmt.Sprintf("instance %s not found", instanceID))
	}
	var inst types.Instance
	if err := json.Unmarshal(entry.Value, &inst); err != nil {
		return types.Instance{}, fmt.Errorf("decode instance %s: %w", instanceID, err)
	}
	return inst, nil
}

// SensorInfo implements sensor_info(): a summary of a domain's instance
// set, holding its domain_id, instance_count and a count of instances per
// state (by_state). It carries no latency or sensor values.
func (e *EPUM) SensorInfo(ctx context.Context, domainID string) (map[string]any, error) {
	instances, err := e.instancesForDomain(ctx, domainID)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, inst := range instances {
		counts[string(inst.State)]++
	}
	return map[string]any{"domain_id": domainID, "instance_count": len(instances), "by_state": counts}, nil
}

func (e *EPUM) instancesForDomain(ctx context.Context, domainID string) ([]types.Instance, error) {
	entries, err := e.st.List(ctx, "/nodes/")
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransientError, "list instances", err)
	}
	var out []types.Instance
	for _, e2 := range entries {
		var inst types.Instance
		if err := json.Unmarshal(e2.Value, &inst); err != nil {
			continue
		}
		if inst.DomainID == domainID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (e *EPUM) putDomain(ctx context.Context, d types.Domain, expected int64) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = e.st.Put(ctx, domainPath(d.Owner, d.DomainID), data, expected)
	return err
}

func (e *EPUM) casDomain(ctx context.Context, d types.Domain, expected int64) error {
	return e.putDomain(ctx, d, expected)
}
