package pd

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/types"
)

// Run starts the per-tick scheduling loop. Only the elected pd_doer
// should call Run.
func (p *PD) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: build the free-slot map, pop queued
// processes in priority order, place each against the resource with the
// most free slots (lowest resource_id breaking ties), then recompute and
// push each engine's need to EPUM.
func (p *PD) Tick(ctx context.Context) {
	start := time.Now()

	p.mu.Lock()
	p.round++
	p.mu.Unlock()

	resources, err := p.liveResources(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to list resources for tick")
		return
	}

	byEngine := make(map[string][]*resourceEntry)
	for i := range resources {
		r := &resources[i]
		byEngine[r.res.EngineID] = append(byEngine[r.res.EngineID], r)
	}

	engineIDs := p.reg.Iter()
	for _, spec := range engineIDs {
		p.scheduleEngine(ctx, spec.EngineID, byEngine[spec.EngineID])
	}

	p.logger.Debug().Dur("elapsed", time.Since(start)).Int("resources", len(resources)).Msg("pd tick complete")
}

type resourceEntry struct {
	res     types.Resource
	version int64
}

// liveResources returns every resource whose heartbeat is within
// agent_timeout, triggering handleAgentDeath for the ones that aren't.
func (p *PD) liveResources(ctx context.Context) ([]resourceEntry, error) {
	entries, err := p.st.List(ctx, resourcePrefix)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := make([]resourceEntry, 0, len(entries))
	for _, e := range entries {
		var res types.Resource
		if err := json.Unmarshal(e.Value, &res); err != nil {
			continue
		}
		if !res.Enabled {
			continue
		}
		if now.Sub(res.LastHeartbeat) > p.agentTO {
			if p.withinRecoveryGrace() {
				live = append(live, resourceEntry{res: res, version: e.Version})
				continue
			}
			if err := p.handleAgentDeath(ctx, res.ResourceID); err != nil {
				p.logger.Warn().Err(err).Str("resource_id", res.ResourceID).Msg("agent-death handling failed")
			}
			continue
		}
		live = append(live, resourceEntry{res: res, version: e.Version})
	}
	return live, nil
}

// scheduleEngine places as many queued processes for one engine as free
// slots allow, then recomputes and pushes need.
func (p *PD) scheduleEngine(ctx context.Context, engineID string, resources []*resourceEntry) {
	queue, err := p.loadQueue(ctx, engineID)
	if err != nil {
		p.logger.Warn().Err(err).Str("engine_id", engineID).Msg("failed to load queue")
		return
	}

	waitingCount := 0
	for _, qe := range queue {
		res := mostFreeSlots(resources, qe)
		if res == nil {
			waitingCount++
			continue
		}
		if !p.assign(ctx, qe, res) {
			waitingCount++
		}
	}

	// assigned/running processes already occupying a slot from a prior
	// tick don't appear in queue, so demand is waiting plus whatever each
	// resource currently reports as assigned.
	assignedCount := 0
	for _, r := range resources {
		assignedCount += len(r.res.Assigned)
	}

	p.pushNeed(ctx, engineID, waitingCount+assignedCount)
}

// mostFreeSlots picks the constraint-satisfying resource with the most
// free slots, breaking ties on lowest resource_id.
func mostFreeSlots(resources []*resourceEntry, qe types.QueueEntry) *resourceEntry {
	var best *resourceEntry
	for _, r := range resources {
		if r.res.FreeSlots() <= 0 {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		free, bestFree := r.res.FreeSlots(), best.res.FreeSlots()
		if free > bestFree || (free == bestFree && r.res.ResourceID < best.res.ResourceID) {
			best = r
		}
	}
	return best
}

// loadQueue lists every queued process for an engine across all priority
// levels, sorted priority-descending then FIFO (enqueued_at ascending)
// within a priority.
func (p *PD) loadQueue(ctx context.Context, engineID string) ([]types.QueueEntry, error) {
	entries, err := p.st.List(ctx, queueEnginePrefix(engineID))
	if err != nil {
		return nil, err
	}
	queue := make([]types.QueueEntry, 0, len(entries))
	for _, e := range entries {
		var qe types.QueueEntry
		if err := json.Unmarshal(e.Value, &qe); err != nil {
			continue
		}
		queue = append(queue, qe)
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority > queue[j].Priority
		}
		return queue[i].EnqueuedAt.Before(queue[j].EnqueuedAt)
	})
	return queue, nil
}

// assign moves a process from queued to ASSIGNED on res, dispatches it to
// the owning agent, and removes its queue entry. Returns false (leaving
// the process queued) if any step fails so the next tick retries.
func (p *PD) assign(ctx context.Context, qe types.QueueEntry, res *resourceEntry) bool {
	procEntry, err := p.st.Get(ctx, processPath(qe.UPID))
	if err != nil {
		p.dequeueByEntry(ctx, qe)
		return false
	}
	var proc types.Process
	if err := json.Unmarshal(procEntry.Value, &proc); err != nil {
		return false
	}
	if proc.State != types.ProcessRequested && proc.State != types.ProcessWaiting {
		p.dequeueByEntry(ctx, qe)
		return false
	}

	res.res.Assigned = append(res.res.Assigned, qe.UPID)
	resData, err := json.Marshal(res.res)
	if err != nil {
		return false
	}
	if _, err := p.st.Put(ctx, resourcePath(res.res.ResourceID), resData, res.version); err != nil {
		return false
	}
	res.version++

	proc.State = types.ProcessAssigned
	proc.AssignedResource = res.res.ResourceID
	proc.UpdatedAt = time.Now()
	if err := p.casProcess(ctx, proc, procEntry.Version); err != nil {
		return false
	}

	if p.agents != nil {
		if err := p.agents.Dispatch(ctx, res.res.ResourceID, proc); err != nil {
			p.logger.Warn().Err(err).Str("upid", proc.UPID).Str("resource_id", res.res.ResourceID).Msg("dispatch RPC failed, process stays ASSIGNED pending agent heartbeat")
		}
	}

	p.dequeueByEntry(ctx, qe)
	p.eventFn("pd", "process_assigned", map[string]any{"upid": proc.UPID, "resource_id": res.res.ResourceID})
	return true
}

func (p *PD) dequeueByEntry(ctx context.Context, qe types.QueueEntry) {
	path := queuePath(qe.EngineID, qe.Priority, qe.UPID)
	entry, err := p.st.Get(ctx, path)
	if err != nil {
		return
	}
	_ = p.st.Delete(ctx, path, entry.Version)
}

// pushNeed implements the need formula: ceil((demand + spare_slots) /
// slots_per_instance) + base_need, clamped to maximum_vms, written
// through to EPUM's reconfigure_domain only when it changes.
func (p *PD) pushNeed(ctx context.Context, engineID string, demand int) {
	spec, err := p.reg.Get(engineID)
	if err != nil {
		return
	}
	slotsPerInstance := spec.Slots
	if slotsPerInstance <= 0 {
		slotsPerInstance = 1
	}
	need := int(math.Ceil(float64(demand+spec.SpareSlots)/float64(slotsPerInstance))) + spec.BaseNeed
	if spec.MaximumVMs > 0 && need > spec.MaximumVMs {
		need = spec.MaximumVMs
	}
	if need < 0 {
		need = 0
	}

	p.mu.Lock()
	last, ok := p.lastNeed[engineID]
	p.mu.Unlock()
	if ok && last == need {
		return
	}

	domainID, err := registry.DomainIDFromEngine(engineID)
	if err != nil {
		return
	}
	if p.epum == nil {
		return
	}
	if err := p.epum.ReconfigureDomain(ctx, "pd", domainID, map[string]any{"preserve_n": need}); err != nil {
		p.logger.Warn().Err(err).Str("engine_id", engineID).Int("need", need).Msg("failed to push need to epum")
		return
	}

	p.mu.Lock()
	p.lastNeed[engineID] = need
	p.mu.Unlock()
}

