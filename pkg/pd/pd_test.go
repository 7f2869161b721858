package pd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEPUM struct {
	mu      sync.Mutex
	patches map[string]map[string]any
}

func newFakeEPUM() *fakeEPUM { return &fakeEPUM{patches: make(map[string]map[string]any)} }

func (f *fakeEPUM) ReconfigureDomain(ctx context.Context, owner, domainID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[domainID] = patch
	return nil
}

func (f *fakeEPUM) needFor(domainID string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patches[domainID]
	if !ok {
		return 0, false
	}
	n, ok := p["preserve_n"].(int)
	return n, ok
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []types.Process
	terminated []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, resourceID string, proc types.Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, proc)
	return nil
}

func (f *fakeDispatcher) Terminate(ctx context.Context, resourceID string, upid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, upid)
	return nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(map[string]types.EngineSpec{
		"nimbus": {EngineID: "nimbus", Slots: 2, Replicas: 1, SpareSlots: 0, BaseNeed: 0, MaximumVMs: 0},
	}, "")
	require.NoError(t, err)
	return reg
}

func newTestPD(t *testing.T, epum DomainReconfigurer, agents AgentDispatcher) *PD {
	t.Helper()
	return New(Options{
		Store:    store.NewMemStore(),
		Registry: testRegistry(t),
		EPUM:     epum,
		Agents:   agents,
		Logger:   zerolog.Nop(),
	})
}

func TestAuthorizeAgentWithoutTokenManagerAlwaysAuthorizes(t *testing.T) {
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	engineID, err := p.AuthorizeAgent("anything")
	require.NoError(t, err)
	assert.Equal(t, "", engineID)
}

func TestAuthorizeAgentValidatesScopedToken(t *testing.T) {
	tm := registry.NewTokenManager()
	bt, err := tm.GenerateToken("nimbus", time.Hour)
	require.NoError(t, err)

	p := New(Options{
		Store:    store.NewMemStore(),
		Registry: testRegistry(t),
		EPUM:     newFakeEPUM(),
		Agents:   &fakeDispatcher{},
		Tokens:   tm,
		Logger:   zerolog.Nop(),
	})

	engineID, err := p.AuthorizeAgent(bt.Token)
	require.NoError(t, err)
	assert.Equal(t, "nimbus", engineID)

	_, err = p.AuthorizeAgent("bogus")
	assert.Error(t, err)
}

func TestDispatchProcessIsIdempotent(t *testing.T) {
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	ctx := context.Background()
	def := types.ProcessDefinition{Name: "worker"}
	constraints := types.Constraints{EngineID: "nimbus"}

	err := p.DispatchProcess(ctx, "upid-1", def, constraints, 0, types.RestartNever, nil)
	require.NoError(t, err)

	err = p.DispatchProcess(ctx, "upid-1", def, constraints, 0, types.RestartNever, nil)
	require.NoError(t, err)

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessRequested, proc.State)
}

func TestDispatchProcessUnknownEngineRejected(t *testing.T) {
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	ctx := context.Background()
	err := p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "does-not-exist"}, 0, types.RestartNever, nil)
	assert.Error(t, err)
}

func TestTickAssignsToMostFreeSlots(t *testing.T) {
	ctx := context.Background()
	epum := newFakeEPUM()
	disp := &fakeDispatcher{}
	p := newTestPD(t, epum, disp)

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 2))
	require.NoError(t, p.AdvertiseResource(ctx, "res-b", "node-b", "nimbus", 4))

	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{Name: "w1"}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))

	p.Tick(ctx)

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessAssigned, proc.State)
	assert.Equal(t, "res-b", proc.AssignedResource, "process should land on the resource with more free slots")
	assert.Len(t, disp.dispatched, 1)
}

func TestTickBreaksTiesOnLowestResourceID(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-z", "node-z", "nimbus", 2))
	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 2))

	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	p.Tick(ctx)

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, "res-a", proc.AssignedResource)
}

func TestTickRespectsPriorityOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))

	require.NoError(t, p.DispatchProcess(ctx, "low", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	require.NoError(t, p.DispatchProcess(ctx, "high", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 10, types.RestartNever, nil))

	p.Tick(ctx)

	high, err := p.DescribeProcess(ctx, "high")
	require.NoError(t, err)
	low, err := p.DescribeProcess(ctx, "low")
	require.NoError(t, err)

	assert.Equal(t, types.ProcessAssigned, high.State, "higher priority process should be placed first when slots are scarce")
	assert.Equal(t, types.ProcessRequested, low.State)
}

func TestPushNeedOnlyReconfiguresOnChange(t *testing.T) {
	ctx := context.Background()
	epum := newFakeEPUM()
	p := newTestPD(t, epum, &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 2))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))

	p.Tick(ctx)
	domainID, err := registry.DomainIDFromEngine("nimbus")
	require.NoError(t, err)
	need, ok := epum.needFor(domainID)
	require.True(t, ok)
	assert.Equal(t, 1, need)

	epum.mu.Lock()
	epum.patches = make(map[string]map[string]any)
	epum.mu.Unlock()

	p.Tick(ctx)
	_, ok = epum.needFor(domainID)
	assert.False(t, ok, "need unchanged across ticks should not re-trigger reconfigure_domain")
}

func TestTerminateProcessDispatchesAgentTerminate(t *testing.T) {
	ctx := context.Background()
	disp := &fakeDispatcher{}
	p := newTestPD(t, newFakeEPUM(), disp)

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	p.Tick(ctx)

	require.NoError(t, p.TerminateProcess(ctx, "upid-1"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessTerminated, proc.State)
	assert.Contains(t, disp.terminated, "upid-1")
}

func TestTerminateProcessUnscheduledJustDequeues(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	require.NoError(t, p.TerminateProcess(ctx, "upid-1"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessTerminated, proc.State)
}

func TestHandleAgentDeathRequeuesWithRestartBudget(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	p.maxRestarts = 3

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartAlways, nil))
	p.Tick(ctx)

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	require.Equal(t, types.ProcessAssigned, proc.State)

	require.NoError(t, p.EvacuateNode(ctx, "res-a"))

	proc, err = p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessRequested, proc.State)
	assert.Equal(t, 1, proc.Round)
	assert.Equal(t, proc.RestartsRemaining, p.maxRestarts-1)

	resources, err := p.DescribeResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.False(t, resources[0].Enabled)
}

func TestHandleAgentDeathFailsWhenRestartBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	p.maxRestarts = 0

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartAlways, nil))
	p.Tick(ctx)

	require.NoError(t, p.EvacuateNode(ctx, "res-a"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessFailed, proc.State)
}

func TestHandleAgentDeathFailsWhenRestartPolicyNever(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	p.Tick(ctx)

	require.NoError(t, p.EvacuateNode(ctx, "res-a"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessFailed, proc.State)
}

func TestHandleAgentDeathFailsWhenRestartPolicyOnExitOnly(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	p.maxRestarts = 3

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartOnExitOnly, nil))
	p.Tick(ctx)

	require.NoError(t, p.EvacuateNode(ctx, "res-a"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessFailed, proc.State)
}

func TestProcessHeartbeatAdvancesAssignedToRunning(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	p.Tick(ctx)

	require.NoError(t, p.ProcessHeartbeat(ctx, "upid-1"))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessRunning, proc.State)
}

func TestProcessExitedFailureRequeuesUnderAlwaysPolicy(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.AdvertiseResource(ctx, "res-a", "node-a", "nimbus", 1))
	require.NoError(t, p.DispatchProcess(ctx, "upid-1", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartAlways, nil))
	p.Tick(ctx)
	require.NoError(t, p.ProcessHeartbeat(ctx, "upid-1"))

	require.NoError(t, p.ProcessExited(ctx, "upid-1", true))

	proc, err := p.DescribeProcess(ctx, "upid-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessRequested, proc.State)
}

func TestRecoverResetsLastNeedAndStartsGraceWindow(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})
	p.agentTO = 50 * time.Millisecond

	p.lastNeed["nimbus"] = 3
	require.NoError(t, p.Recover(ctx))

	p.mu.Lock()
	_, ok := p.lastNeed["nimbus"]
	p.mu.Unlock()
	assert.False(t, ok)
	assert.True(t, p.withinRecoveryGrace())
}

func TestDescribeProcessesReturnsSortedByUPID(t *testing.T) {
	ctx := context.Background()
	p := newTestPD(t, newFakeEPUM(), &fakeDispatcher{})

	require.NoError(t, p.DispatchProcess(ctx, "zebra", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))
	require.NoError(t, p.DispatchProcess(ctx, "apple", types.ProcessDefinition{}, types.Constraints{EngineID: "nimbus"}, 0, types.RestartNever, nil))

	procs, err := p.DescribeProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "apple", procs[0].UPID)
	assert.Equal(t, "zebra", procs[1].UPID)
}
