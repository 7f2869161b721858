package pd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
)

// AuthorizeAgent validates an EEAgent bootstrap token and returns the
// engine_id it authorizes the agent to advertise resources for. Callers
// wiring agent registration through pkg/bus should call this before
// AdvertiseResource; it is a no-op (always authorized) when PD was
// constructed without a TokenManager.
func (p *PD) AuthorizeAgent(token string) (string, error) {
	if p.tokens == nil {
		return "", nil
	}
	return p.tokens.ValidateToken(token)
}

// AdvertiseResource implements an EEAgent's slot advertisement: creates
// or updates the resource record and refreshes its heartbeat. Engine_id
// is fixed at creation; subsequent calls may only change slot_count.
func (p *PD) AdvertiseResource(ctx context.Context, resourceID, nodeID, engineID string, slotCount int) error {
	if resourceID == "" || engineID == "" {
		return ctlerr.New(ctlerr.ClientError, "resource_id and engine_id must not be empty")
	}
	entry, err := p.st.Get(ctx, resourcePath(resourceID))
	if err == store.ErrNotFound {
		res := types.Resource{
			ResourceID:    resourceID,
			NodeID:        nodeID,
			EngineID:      engineID,
			SlotCount:     slotCount,
			LastHeartbeat: time.Now(),
			Enabled:       true,
		}
		data, merr := json.Marshal(res)
		if merr != nil {
			return merr
		}
		_, err = p.st.Put(ctx, resourcePath(resourceID), data, 0)
		return err
	}
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "read resource", err)
	}

	var res types.Resource
	if err := json.Unmarshal(entry.Value, &res); err != nil {
		return err
	}
	res.SlotCount = slotCount
	res.LastHeartbeat = time.Now()
	res.Enabled = true
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = p.st.Put(ctx, resourcePath(resourceID), data, entry.Version)
	return err
}

// ResourceHeartbeat refreshes a resource's liveness without touching its
// slot count or assignment list.
func (p *PD) ResourceHeartbeat(ctx context.Context, resourceID string) error {
	entry, err := p.st.Get(ctx, resourcePath(resourceID))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, "resource not found: "+resourceID)
	}
	var res types.Resource
	if err := json.Unmarshal(entry.Value, &res); err != nil {
		return err
	}
	res.LastHeartbeat = time.Now()
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = p.st.Put(ctx, resourcePath(resourceID), data, entry.Version)
	return err
}

// ProcessHeartbeat is an agent reporting a dispatched process has started
// running, advancing ASSIGNED -> RUNNING.
func (p *PD) ProcessHeartbeat(ctx context.Context, upid string) error {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, "process not found: "+upid)
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return err
	}
	if proc.State != types.ProcessAssigned {
		return nil
	}
	proc.State = types.ProcessRunning
	proc.UpdatedAt = time.Now()
	return p.casProcess(ctx, proc, entry.Version)
}

// ProcessExited is an agent reporting a process ended on its own
// (neither terminate_process nor agent death caused it).
func (p *PD) ProcessExited(ctx context.Context, upid string, failed bool) error {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		return ctlerr.New(ctlerr.LookupError, "process not found: "+upid)
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return err
	}
	if proc.AssignedResource != "" {
		p.releaseSlot(ctx, proc.AssignedResource, upid)
	}

	if failed && proc.RestartPolicy == types.RestartAlways && proc.RestartsRemaining > 0 {
		proc.RestartsRemaining--
		proc.AssignedResource = ""
		proc.Round++
		proc.State = types.ProcessRequested
		proc.UpdatedAt = time.Now()
		if err := p.casProcess(ctx, proc, entry.Version); err != nil {
			return err
		}
		return p.enqueue(ctx, proc)
	}

	if !failed && proc.RestartPolicy != types.RestartNever && proc.RestartsRemaining > 0 {
		proc.RestartsRemaining--
		proc.AssignedResource = ""
		proc.Round++
		proc.State = types.ProcessRequested
		proc.UpdatedAt = time.Now()
		if err := p.casProcess(ctx, proc, entry.Version); err != nil {
			return err
		}
		return p.enqueue(ctx, proc)
	}

	proc.AssignedResource = ""
	proc.UpdatedAt = time.Now()
	if failed {
		proc.State = types.ProcessFailed
	} else {
		proc.State = types.ProcessExited
	}
	if err := p.casProcess(ctx, proc, entry.Version); err != nil {
		return err
	}
	p.notifyProcess(ctx, proc)
	return nil
}

// handleAgentDeath implements the restart-policy-driven requeue/fail
// transitions for every process assigned to a resource whose agent
// stopped heartbeating (or an operator-initiated evacuate_node): the
// resource is disabled so scheduleEngine stops placing onto it, and each
// of its processes is either requeued (restart_policy ALWAYS with
// restarts remaining) or moved to FAILED (restart budget exhausted, or
// restart_policy ON_EXIT_ONLY or NEVER).
func (p *PD) handleAgentDeath(ctx context.Context, resourceID string) error {
	entry, err := p.st.Get(ctx, resourcePath(resourceID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return ctlerr.Wrap(ctlerr.TransientError, "read resource", err)
	}
	var res types.Resource
	if err := json.Unmarshal(entry.Value, &res); err != nil {
		return err
	}

	assigned := res.Assigned
	res.Assigned = nil
	res.Enabled = false
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if _, err := p.st.Put(ctx, resourcePath(resourceID), data, entry.Version); err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "disable resource", err)
	}

	for _, upid := range assigned {
		p.requeueOrFail(ctx, upid)
	}
	p.eventFn("pd", "resource_disabled", map[string]any{"resource_id": resourceID, "reclaimed": len(assigned)})
	p.logger.Warn().Str("resource_id", resourceID).Int("reclaimed_processes", len(assigned)).Msg("agent death detected, resource disabled")
	return nil
}

func (p *PD) requeueOrFail(ctx context.Context, upid string) {
	entry, err := p.st.Get(ctx, processPath(upid))
	if err != nil {
		return
	}
	var proc types.Process
	if err := json.Unmarshal(entry.Value, &proc); err != nil {
		return
	}
	if proc.State.IsTerminal() {
		return
	}

	if proc.RestartPolicy == types.RestartAlways && proc.RestartsRemaining > 0 {
		proc.RestartsRemaining--
		proc.AssignedResource = ""
		proc.Round++
		proc.State = types.ProcessRequested
		proc.UpdatedAt = time.Now()
		if err := p.casProcess(ctx, proc, entry.Version); err != nil {
			return
		}
		_ = p.enqueue(ctx, proc)
		return
	}

	proc.AssignedResource = ""
	proc.State = types.ProcessFailed
	proc.UpdatedAt = time.Now()
	if err := p.casProcess(ctx, proc, entry.Version); err != nil {
		return
	}
	p.notifyProcess(ctx, proc)
}
