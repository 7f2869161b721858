// Package pd implements the PD Matchmaker (C6): the densest subsystem,
// assigning queued processes to engine slots once per tick, pushing
// need-updates to EPUM, and advancing process state machines. Grounded on
// the teacher's pkg/scheduler.Scheduler (per-tick placement across nodes,
// least-loaded/round-robin selection) and pkg/reconciler.Reconciler
// (heartbeat-age liveness), generalized from Warren's container/service
// schema to PD's process/resource/queue model.
package pd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/notifier"
	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
)

const (
	resourcePrefix = "/resources/"
	processPrefix  = "/processes/"
	queuePrefix    = "/queues/"
)

func resourcePath(id string) string { return resourcePrefix + id }
func processPath(upid string) string { return processPrefix + upid }
func queuePath(engineID string, priority int, upid string) string {
	return fmt.Sprintf("%s%s/%d/%s", queuePrefix, engineID, priority, upid)
}
func queueEnginePrefix(engineID string) string { return fmt.Sprintf("%s%s/", queuePrefix, engineID) }

// DomainReconfigurer is EPUM's reconfigure_domain operation, as seen from
// PD: PD writes need into the corresponding EPUM domain config.
type DomainReconfigurer interface {
	ReconfigureDomain(ctx context.Context, owner, domainID string, patch map[string]any) error
}

// AgentDispatcher sends a launch RPC to the EEAgent holding a resource.
// Implementations wrap whatever transport actually reaches the agent
// (pkg/bus's in-memory or grpc transports).
type AgentDispatcher interface {
	Dispatch(ctx context.Context, resourceID string, process types.Process) error
	Terminate(ctx context.Context, resourceID string, upid string) error
}

// PD is the C6 component. One instance runs per replica; only the
// elected pd_doer drives ticks and mutations.
type PD struct {
	mu          sync.Mutex
	st          store.Store
	reg         *registry.Registry
	epum        DomainReconfigurer
	agents      AgentDispatcher
	notif       *notifier.Notifier
	tokens      *registry.TokenManager
	logger      zerolog.Logger
	agentTO     time.Duration
	maxRestarts int
	lastNeed    map[string]int
	round       int
	recoveredAt time.Time
	eventFn     func(source, name string, extra map[string]any)
}

// Options configures a PD.
type Options struct {
	Store           store.Store
	Registry        *registry.Registry
	EPUM            DomainReconfigurer
	Agents          AgentDispatcher
	Notifier        *notifier.Notifier
	Tokens          *registry.TokenManager
	Logger          zerolog.Logger
	AgentTimeout    time.Duration
	MaxRestarts     int
	EventFn         func(source, name string, extra map[string]any)
}

// New creates a PD.
func New(opts Options) *PD {
	agentTO := opts.AgentTimeout
	if agentTO <= 0 {
		agentTO = 60 * time.Second
	}
	maxRestarts := opts.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	eventFn := opts.EventFn
	if eventFn == nil {
		eventFn = func(string, string, map[string]any) {}
	}
	return &PD{
		st:          opts.Store,
		reg:         opts.Registry,
		epum:        opts.EPUM,
		agents:      opts.Agents,
		notif:       opts.Notifier,
		tokens:      opts.Tokens,
		logger:      opts.Logger.With().Str("component", "pd").Logger(),
		agentTO:     agentTO,
		maxRestarts: maxRestarts,
		lastNeed:    make(map[string]int),
		eventFn:     eventFn,
	}
}

// notifyProcess sends proc to its own subscribers, mirroring the
// provisioner's notifyInstance. It is called on dispatch and on the
// TERMINATED, FAILED and EXITED transitions; assignment, RUNNING and
// requeues are not notified.
func (p *PD) notifyProcess(ctx context.Context, proc types.Process) {
	if p.notif == nil || len(proc.Subscribers) == 0 {
		return
	}
	p.notif.SendRecord(ctx, proc, proc.Subscribers)
}

// DispatchProcess implements dispatch_process: validates constraints,
// writes the process record REQUESTED, and enqueues it for the next
// tick's scheduling pass.
func (p *PD) DispatchProcess(ctx context.Context, upid string, def types.ProcessDefinition, constraints types.Constraints, priority int, restartPolicy types.RestartPolicy, subscribers []types.Subscriber) error {
	if upid == "" {
		return ctlerr.New(ctlerr.ClientError, "upid must not be empty")
	}
	if constraints.EngineID == "" {
		return ctlerr.New(ctlerr.ClientError, "constraints.engine_id must not be empty")
	}
	if _, err := p.reg.Get(constraints.EngineID); err != nil {
		return err
	}

	if _, err := p.st.Get(ctx, processPath(upid)); err == nil {
		return nil // idempotent: already dispatched
	} else if err != store.ErrNotFound {
		return ctlerr.Wrap(ctlerr.TransientError, "check existing process", err)
	}

	now := time.Now()
	restartsRemaining := p.maxRestarts
	if restartPolicy == types.RestartNever {
		restartsRemaining = 0
	}
	proc := types.Process{
		UPID:              upid,
		Definition:        def,
		Constraints:       constraints,
		Priority:          priority,
		State:             types.ProcessRequested,
		RestartPolicy:     restartPolicy,
		RestartsRemaining: restartsRemaining,
		Subscribers:       subscribers,
		EnqueuedAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := p.putProcess(ctx, proc, 0); err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "write process record", err)
	}
	if err := p.enqueue(ctx, proc); err != nil {
		return err
	}
	p.notifyProcess(ctx, proc)
	p.eventFn("pd", "process_dispatched", map[string]any{"upid": upid})
	return nil
}

// TerminateProcess implements terminate_process.
func (p *PD) TerminateProcess(ctx context.Context, upid string) error {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return ctlerr.Wrap(ctlerr.TransientError, "read process", err)
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return fmt.Errorf("decode process %s: %w", upid, err)
	}
	if proc.State == types.ProcessAssigned || proc.State == types.ProcessRunning {
		proc.State = types.ProcessTerminating
		proc.UpdatedAt = time.Now()
		if err := p.casProcess(ctx, proc, entry.Version); err != nil {
			return err
		}
		if proc.AssignedResource != "" {
			if err := p.agents.Terminate(ctx, proc.AssignedResource, upid); err != nil {
				p.logger.Warn().Err(err).Str("upid", upid).Msg("agent terminate RPC failed, resource will reclaim on next agent-death sweep")
			}
			p.releaseSlot(ctx, proc.AssignedResource, upid)
		}
		proc.State = types.ProcessTerminated
		proc.UpdatedAt = time.Now()
		if err := p.casProcess(ctx, proc, entry.Version+1); err != nil {
			return err
		}
		p.notifyProcess(ctx, proc)
		return nil
	}

	p.dequeue(ctx, proc)
	proc.State = types.ProcessTerminated
	proc.UpdatedAt = time.Now()
	if err := p.casProcess(ctx, proc, entry.Version); err != nil {
		return err
	}
	p.notifyProcess(ctx, proc)
	return nil
}

// DescribeProcess implements describe_process(upid).
func (p *PD) DescribeProcess(ctx context.Context, upid string) (types.Process, error) {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		return types.Process{}, ctlerr.New(ctlerr.LookupError, fmt.Sprintf("process %s not found", upid))
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return types.Process{}, fmt.Errorf("decode process %s: %w", upid, err)
	}
	return proc, nil
}

// DescribeProcesses implements describe_processes().
func (p *PD) DescribeProcesses(ctx context.Context) ([]types.Process, error) {
	entries, err := p.st.List(ctx, processPrefix)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransientError, "list processes", err)
	}
	out := make([]types.Process, 0, len(entries))
	for _, e := range entries {
		var proc types.Process
		if err := json.Unmarshal(e.Value, &proc); err != nil {
			continue
		}
		out = append(out, proc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UPID < out[j].UPID })
	return out, nil
}

// RestartProcess implements restart_process: forces a requeue regardless
// of current state, incrementing round.
func (p *PD) RestartProcess(ctx context.Context, upid string) error {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, fmt.Sprintf("process %s not found", upid))
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return fmt.Errorf("decode process %s: %w", upid, err)
	}

	if proc.AssignedResource != "" {
		p.releaseSlot(ctx, proc.AssignedResource, upid)
	}
	proc.AssignedResource = ""
	proc.Round++
	proc.State = types.ProcessRequested
	proc.UpdatedAt = time.Now()
	if err := p.casProcess(ctx, proc, entry.Version); err != nil {
		return err
	}
	return p.enqueue(ctx, proc)
}

// EvacuateNode applies agent-death handling to a resource without
// waiting for the agent_timeout to elapse (operator-initiated drain): the
// resource is disabled and each assigned process is requeued or failed
// by its restart policy, as in handleAgentDeath.
func (p *PD) EvacuateNode(ctx context.Context, resourceID string) error {
	return p.handleAgentDeath(ctx, resourceID)
}

// DescribeResources lists every known resource, regardless of liveness.
func (p *PD) DescribeResources(ctx context.Context) ([]types.Resource, error) {
	entries, err := p.st.List(ctx, resourcePrefix)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransientError, "list resources", err)
	}
	out := make([]types.Resource, 0, len(entries))
	for _, e := range entries {
		var res types.Resource
		if err := json.Unmarshal(e.Value, &res); err != nil {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

func (p *PD) enqueue(ctx context.Context, proc types.Process) error {
	entry := types.QueueEntry{UPID: proc.UPID, EngineID: proc.Constraints.EngineID, Priority: proc.Priority, EnqueuedAt: proc.EnqueuedAt}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := p.st.Put(ctx, queuePath(proc.Constraints.EngineID, proc.Priority, proc.UPID), data, 0); err != nil {
		if err == store.ErrConflict {
			return nil // already queued
		}
		return ctlerr.Wrap(ctlerr.TransientError, "enqueue process", err)
	}
	return nil
}

func (p *PD) dequeue(ctx context.Context, proc types.Process) {
	entry, err := p.st.Get(ctx, queuePath(proc.Constraints.EngineID, proc.Priority, proc.UPID))
	if err != nil {
		return
	}
	_ = p.st.Delete(ctx, queuePath(proc.Constraints.EngineID, proc.Priority, proc.UPID), entry.Version)
}

func (p *PD) releaseSlot(ctx context.Context, resourceID, upid string) {
	entry, err := p.st.Get(ctx, resourcePath(resourceID))
	if err != nil {
		return
	}
	var res types.Resource
	if err := json.Unmarshal(entry.Value, &res); err != nil {
		return
	}
	filtered := res.Assigned[:0]
	for _, id := range res.Assigned {
		if id != upid {
			filtered = append(filtered, id)
		}
	}
	res.Assigned = filtered
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	_, _ = p.st.Put(ctx, resourcePath(resourceID), data, entry.Version)
}

func (p *PD) putProcess(ctx context.Context, proc types.Process, expected int64) error {
	data, err := json.Marshal(proc)
	if err != nil {
		return err
	}
	_, err = p.st.Put(ctx, processPath(proc.UPID), data, expected)
	return err
}

func (p *PD) casProcess(ctx context.Context, proc types.Process, expected int64) error {
	return p.putProcess(ctx, proc, expected)
}
