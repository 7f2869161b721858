// Package provisioner implements the Provisioner Core (C4): it translates
// launch requests into IaaS calls, tracks node lifecycles through the
// instance state enum, reconciles on a periodic query pass, and resumes
// incomplete work during recovery. Grounded on the teacher's
// pkg/manager.Manager (Apply-wraps-Command write path, direct-from-store
// reads) and pkg/reconciler.Reconciler (periodic liveness sweep), adapted
// from Warren's fixed cluster schema to the launch/instance state machine.
package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/driver"
	"github.com/cuemby/epum/pkg/notifier"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
)

// DeployableType is the DTRS template a launch is created from. DTRS
// itself is an external collaborator contracted only through this
// interface, per the spec's non-goals.
type DeployableType struct {
	Name string
	Vars map[string]string
}

// DTRS resolves a deployable_type name, or returns a LookupError when the
// name is unknown.
type DTRS interface {
	Lookup(ctx context.Context, name string) (DeployableType, error)
}

// ProvisionRequest is the provision() operation's argument set.
type ProvisionRequest struct {
	LaunchID       string
	DomainID       string
	InstanceIDs    []string
	DeployableType string
	Subscribers    []types.Subscriber
	Site           string
	Allocation     string
	Vars           map[string]string
}

const (
	launchPrefix   = "/launches/"
	instancePrefix = "/nodes/"
)

// Provisioner is the C4 component. One instance runs per replica; only
// the elected provisioner_doer issues writes (enforced by the caller
// wiring pkg/election before driving this type).
type Provisioner struct {
	st       store.Store
	drv      driver.Driver
	dtrs     DTRS
	notif    *notifier.Notifier
	logger   zerolog.Logger
	backoff  ctlerr.BackoffPolicy
	eventFn  func(source, name string, extra map[string]any)
}

// Options configures a Provisioner.
type Options struct {
	Store    store.Store
	Driver   driver.Driver
	DTRS     DTRS
	Notifier *notifier.Notifier
	Logger   zerolog.Logger
	// EventFn, if set, is called for every emitted event (provision
	// accepted, node started, launch failed, ...), wiring into
	// pkg/eventlog without this package importing it directly.
	EventFn func(source, name string, extra map[string]any)
}

// New creates a Provisioner.
func New(opts Options) *Provisioner {
	eventFn := opts.EventFn
	if eventFn == nil {
		eventFn = func(string, string, map[string]any) {}
	}
	return &Provisioner{
		st:      opts.Store,
		drv:     opts.Driver,
		dtrs:    opts.DTRS,
		notif:   opts.Notifier,
		logger:  opts.Logger.With().Str("component", "provisioner").Logger(),
		backoff: ctlerr.DefaultBackoff,
		eventFn: eventFn,
	}
}

func launchPath(id string) string   { return launchPrefix + id }
func instancePath(id string) string { return instancePrefix + id }

// Provision implements provision(): validates the request, writes launch
// and instance records in REQUESTED, then asynchronously drives them
// toward RUNNING. Idempotent on launch_id: a second call with the same
// launch_id is a no-op once the first has been recorded (P5).
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) error {
	if req.LaunchID == "" {
		return ctlerr.New(ctlerr.ClientError, "launch_id must not be empty")
	}
	if len(req.InstanceIDs) == 0 {
		return ctlerr.New(ctlerr.ClientError, "instance_ids must not be empty")
	}

	if _, err := p.st.Get(ctx, launchPath(req.LaunchID)); err == nil {
		p.logger.Debug().Str("launch_id", req.LaunchID).Msg("provision called again for existing launch_id, ignoring")
		return nil
	} else if err != store.ErrNotFound {
		return ctlerr.Wrap(ctlerr.TransientError, "read existing launch", err)
	}

	now := time.Now()
	launch := types.Launch{
		LaunchID:       req.LaunchID,
		DomainID:       req.DomainID,
		DeployableType: req.DeployableType,
		Subscribers:    req.Subscribers,
		State:          types.LaunchRequested,
		NodeIDs:        req.InstanceIDs,
		Site:           req.Site,
		Allocation:     req.Allocation,
		Vars:           req.Vars,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.putLaunch(ctx, launch, 0); err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "write launch record", err)
	}

	for _, id := range req.InstanceIDs {
		inst := types.Instance{
			InstanceID: id,
			DomainID:   req.DomainID,
			LaunchID:   req.LaunchID,
			Site:       req.Site,
			Allocation: req.Allocation,
			State:      types.InstanceRequested,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := p.putInstance(ctx, inst, 0); err != nil {
			return ctlerr.Wrap(ctlerr.TransientError, "write instance record", err)
		}
	}

	p.eventFn("provisioner", "launch_accepted", map[string]any{"launch_id": req.LaunchID})
	go p.executeProvision(context.Background(), launch)
	return nil
}

// executeProvision is the provision-execution algorithm: DTRS lookup,
// then per-node create_node, stopping on first failure within the launch.
func (p *Provisioner) executeProvision(ctx context.Context, launch types.Launch) {
	logger := p.logger.With().Str("launch_id", launch.LaunchID).Logger()

	if p.dtrs != nil {
		if _, err := p.dtrs.Lookup(ctx, launch.DeployableType); err != nil {
			desc := ctlerr.StateDesc(ctlerr.LookupError, fmt.Sprintf("DTRS_LOOKUP_FAILED: %v", err))
			p.failLaunch(ctx, launch, desc)
			return
		}
	}

	allAdvanced := true
	for _, nodeID := range launch.NodeIDs {
		entry, err := p.st.Get(ctx, instancePath(nodeID))
		if err != nil {
			logger.Warn().Err(err).Str("instance_id", nodeID).Msg("instance record vanished mid-provision")
			allAdvanced = false
			break
		}
		var inst types.Instance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			logger.Error().Err(err).Msg("decode instance record")
			allAdvanced = false
			break
		}

		node, err := p.drv.CreateNode(ctx, driver.CreateRequest{Site: launch.Site, Allocation: launch.Allocation, Vars: launch.Vars})
		if err != nil {
			inst.State = types.InstanceFailed
			inst.StateDesc = ctlerr.StateDesc(ctlerr.PermanentError, fmt.Sprintf("create_node failed: %v", err))
			inst.UpdatedAt = time.Now()
			p.casInstance(ctx, inst, entry.Version)
			p.notifyInstance(ctx, inst, launch.Subscribers)
			allAdvanced = false
			break
		}

		inst.IaaSID = node.IaaSID
		inst.PublicIP = node.PublicIP
		inst.PrivateIP = node.PrivateIP
		inst.State = types.InstancePending
		inst.PendingAt = time.Now()
		inst.UpdatedAt = inst.PendingAt
		if err := p.casInstance(ctx, inst, entry.Version); err != nil {
			logger.Warn().Err(err).Str("instance_id", nodeID).Msg("CAS lost writing PENDING, will be picked up by next query pass")
		}
		p.notifyInstance(ctx, inst, launch.Subscribers)
	}

	finalEntry, err := p.st.Get(ctx, launchPath(launch.LaunchID))
	if err != nil {
		logger.Warn().Err(err).Msg("launch record vanished before final state write")
		return
	}
	var cur types.Launch
	if err := json.Unmarshal(finalEntry.Value, &cur); err != nil {
		logger.Error().Err(err).Msg("decode launch record")
		return
	}
	if allAdvanced {
		cur.State = types.LaunchStarted
	} else {
		cur.State = types.LaunchFailed
	}
	cur.UpdatedAt = time.Now()
	if err := p.casLaunch(ctx, cur, finalEntry.Version); err != nil {
		logger.Warn().Err(err).Msg("CAS lost writing final launch state")
	}
}

func (p *Provisioner) failLaunch(ctx context.Context, launch types.Launch, desc string) {
	entry, err := p.st.Get(ctx, launchPath(launch.LaunchID))
	if err == nil {
		var cur types.Launch
		if jsonErr := json.Unmarshal(entry.Value, &cur); jsonErr == nil {
			cur.State = types.LaunchFailed
			cur.UpdatedAt = time.Now()
			_ = p.casLaunch(ctx, cur, entry.Version)
		}
	}

	for _, nodeID := range launch.NodeIDs {
		ientry, err := p.st.Get(ctx, instancePath(nodeID))
		if err != nil {
			continue
		}
		var inst types.Instance
		if jsonErr := json.Unmarshal(ientry.Value, &inst); jsonErr != nil {
			continue
		}
		inst.State = types.InstanceFailed
		inst.StateDesc = desc
		inst.UpdatedAt = time.Now()
		_ = p.casInstance(ctx, inst, ientry.Version)
		p.notifyInstance(ctx, inst, launch.Subscribers)
	}
	p.eventFn("provisioner", "launch_failed", map[string]any{"launch_id": launch.LaunchID, "reason": desc})
}

func (p *Provisioner) notifyInstance(ctx context.Context, inst types.Instance, subscribers []types.Subscriber) {
	if p.notif == nil || len(subscribers) == 0 {
		return
	}
	p.notif.SendRecord(ctx, inst, subscribers)
	p.eventFn("provisioner", "instance_state_changed", map[string]any{"instance_id": inst.InstanceID, "state": string(inst.State)})
}

// TerminateLaunches marks every instance of each launch TERMINATING, then
// destroys it via IaaS, then marks it TERMINATED.
func (p *Provisioner) TerminateLaunches(ctx context.Context, launchIDs []string) error {
	for _, id := range launchIDs {
		entry, err := p.st.Get(ctx, launchPath(id))
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return ctlerr.Wrap(ctlerr.TransientError, "read launch", err)
		}
		var launch types.Launch
		if err := json.Unmarshal(entry.Value, &launch); err != nil {
			return fmt.Errorf("decode launch %s: %w", id, err)
		}
		launch.State = types.LaunchTerminating
		launch.UpdatedAt = time.Now()
		if err := p.casLaunch(ctx, launch, entry.Version); err != nil {
			return err
		}
		if err := p.TerminateNodes(ctx, launch.NodeIDs); err != nil {
			return err
		}

		finalEntry, err := p.st.Get(ctx, launchPath(id))
		if err != nil {
			continue
		}
		var final types.Launch
		if err := json.Unmarshal(finalEntry.Value, &final); err != nil {
			continue
		}
		final.State = types.LaunchTerminated
		final.UpdatedAt = time.Now()
		_ = p.casLaunch(ctx, final, finalEntry.Version)
	}
	return nil
}

// TerminateNodes marks each node TERMINATING, destroys it via IaaS, then
// marks it TERMINATED.
func (p *Provisioner) TerminateNodes(ctx context.Context, nodeIDs []string) error {
	for _, id := range nodeIDs {
		entry, err := p.st.Get(ctx, instancePath(id))
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return ctlerr.Wrap(ctlerr.TransientError, "read instance", err)
		}
		var inst types.Instance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			return fmt.Errorf("decode instance %s: %w", id, err)
		}
		if inst.State.IsTerminal() {
			continue
		}

		inst.State = types.InstanceTerminating
		inst.UpdatedAt = time.Now()
		version := entry.Version
		if err := p.casInstance(ctx, inst, version); err != nil {
			return err
		}
		version++

		if inst.IaaSID != "" {
			if err := p.drv.DestroyNode(ctx, inst.IaaSID); err != nil {
				p.logger.Warn().Err(err).Str("instance_id", id).Msg("destroy_node failed during termination")
			}
		}

		inst.State = types.InstanceTerminated
		inst.UpdatedAt = time.Now()
		if err := p.casInstance(ctx, inst, version); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", id).Msg("CAS lost writing TERMINATED")
		}
	}
	return nil
}

// TerminateAll is a bulk sweep: it lists every instance that is
// non-terminal at that moment and terminates them via TerminateNodes. It
// is not serialised against Provision: instances written after the
// listing are not terminated, and new launches are not rejected while
// the sweep runs.
func (p *Provisioner) TerminateAll(ctx context.Context) error {
	entries, err := p.st.List(ctx, instancePrefix)
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "list instances", err)
	}

	var ids []string
	for _, e := range entries {
		var inst types.Instance
		if err := json.Unmarshal(e.Value, &inst); err != nil {
			continue
		}
		if !inst.State.IsTerminal() {
			ids = append(ids, inst.InstanceID)
		}
	}
	return p.TerminateNodes(ctx, ids)
}

// DescribeNodes implements describe_nodes(node_ids?): nil/empty means
// every known instance.
func (p *Provisioner) DescribeNodes(ctx context.Context, nodeIDs []string) ([]types.Instance, error) {
	if len(nodeIDs) == 0 {
		entries, err := p.st.List(ctx, instancePrefix)
		if err != nil {
			return nil, ctlerr.Wrap(ctlerr.TransientError, "list instances", err)
		}
		out := make([]types.Instance, 0, len(entries))
		for _, e := range entries {
			var inst types.Instance
			if err := json.Unmarshal(e.Value, &inst); err != nil {
				continue
			}
			out = append(out, inst)
		}
		return out, nil
	}

	out := make([]types.Instance, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		entry, err := p.st.Get(ctx, instancePath(id))
		if err == store.ErrNotFound {
			continue
		} else if err != nil {
			return nil, ctlerr.Wrap(ctlerr.TransientError, "read instance", err)
		}
		var inst types.Instance
		if err := json.Unmarshal(entry.Value, &inst); err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// DumpState implements dump_state(node_ids, force_subscribe?): re-notifies
// each known node's launch subscribers, plus forceSubscribe when given,
// with the node's current record. For a node_id with no record, a
// synthesised FAILED record is delivered to forceSubscribe alone so the
// caller learns the node no longer exists.
func (p *Provisioner) DumpState(ctx context.Context, nodeIDs []string, forceSubscribe *types.Subscriber) error {
	instances, err := p.DescribeNodes(ctx, nodeIDs)
	if err != nil {
		return err
	}

	known := make(map[string]types.Instance, len(instances))
	for _, inst := range instances {
		known[inst.InstanceID] = inst
	}

	for _, id := range nodeIDs {
		inst, ok := known[id]
		if !ok {
			inst = types.Instance{InstanceID: id, State: types.InstanceFailed, StateDesc: "unknown node"}
		}
		subs := []types.Subscriber{}
		if ok && inst.LaunchID != "" {
			if lentry, err := p.st.Get(ctx, launchPath(inst.LaunchID)); err == nil {
				var launch types.Launch
				if json.Unmarshal(lentry.Value, &launch) == nil {
					subs = append(subs, launch.Subscribers...)
				}
			}
		}
		if forceSubscribe != nil {
			subs = append(subs, *forceSubscribe)
		}
		p.notifyInstance(ctx, inst, subs)
	}
	return nil
}

// Query is the periodic reconciliation pass: lists all non-terminal
// instances, queries the IaaS driver, and advances state via the mapping
// table, emitting node_started when RUNNING is first observed.
func (p *Provisioner) Query(ctx context.Context) error {
	entries, err := p.st.List(ctx, instancePrefix)
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "list instances", err)
	}

	nodes, err := p.drv.ListNodes(ctx)
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "list_nodes", err)
	}
	byIaaSID := make(map[string]driver.Node, len(nodes))
	for _, n := range nodes {
		byIaaSID[n.IaaSID] = n
	}

	for _, e := range entries {
		var inst types.Instance
		if err := json.Unmarshal(e.Value, &inst); err != nil {
			continue
		}
		if inst.State.IsTerminal() || inst.IaaSID == "" {
			continue
		}
		node, ok := byIaaSID[inst.IaaSID]
		if !ok {
			continue
		}

		next := MapIaaSState(node.State)
		if next == inst.State || !inst.State.CanTransition(next) {
			continue
		}

		wasRunning := inst.State == types.InstanceRunning
		inst.State = next
		inst.PublicIP = node.PublicIP
		inst.PrivateIP = node.PrivateIP
		inst.UpdatedAt = time.Now()
		if err := p.casInstance(ctx, inst, e.Version); err != nil {
			continue
		}
		if next == types.InstanceRunning && !wasRunning {
			p.eventFn("provisioner", "node_started", map[string]any{"instance_id": inst.InstanceID})
		}
	}
	return nil
}

// MapIaaSState implements the IaaS state mapping table from §6.
func MapIaaSState(s driver.NodeState) types.InstanceState {
	switch s {
	case driver.NodeAborted, driver.NodeInaccessible, driver.NodeStuck, driver.NodeListing:
		return types.InstanceErrorRetrying
	case driver.NodeNotCreated, driver.NodePoweredOff, driver.NodeSaved:
		return types.InstanceTerminated
	case driver.NodeRunning:
		return types.InstanceStarted
	default:
		return types.InstanceErrorRetrying
	}
}

func (p *Provisioner) putLaunch(ctx context.Context, l types.Launch, expected int64) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = p.st.Put(ctx, launchPath(l.LaunchID), data, expected)
	return err
}

func (p *Provisioner) casLaunch(ctx context.Context, l types.Launch, expected int64) error {
	return p.putLaunch(ctx, l, expected)
}

func (p *Provisioner) putInstance(ctx context.Context, inst types.Instance, expected int64) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = p.st.Put(ctx, instancePath(inst.InstanceID), data, expected)
	return err
}

func (p *Provisioner) casInstance(ctx context.Context, inst types.Instance, expected int64) error {
	return p.putInstance(ctx, inst, expected)
}
