package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePD struct {
	mu             sync.Mutex
	advertised     bool
	heartbeats     int
	processHB      []string
	exited         []exitReport
	advertiseErr   error
}

type exitReport struct {
	upid   string
	failed bool
}

func (f *fakePD) AdvertiseResource(ctx context.Context, resourceID, nodeID, engineID string, slotCount int) error {
	if f.advertiseErr != nil {
		return f.advertiseErr
	}
	f.mu.Lock()
	f.advertised = true
	f.mu.Unlock()
	return nil
}

func (f *fakePD) ResourceHeartbeat(ctx context.Context, resourceID string) error {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
	return nil
}

func (f *fakePD) ProcessHeartbeat(ctx context.Context, upid string) error {
	f.mu.Lock()
	f.processHB = append(f.processHB, upid)
	f.mu.Unlock()
	return nil
}

func (f *fakePD) ProcessExited(ctx context.Context, upid string, failed bool) error {
	f.mu.Lock()
	f.exited = append(f.exited, exitReport{upid: upid, failed: failed})
	f.mu.Unlock()
	return nil
}

func (f *fakePD) exitedFor(upid string) (exitReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.exited {
		if e.upid == upid {
			return e, true
		}
	}
	return exitReport{}, false
}

type fakeHandle struct {
	waitCh chan struct{}
	failed bool
	err    error
	stopped bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{waitCh: make(chan struct{})} }

func (h *fakeHandle) Wait() (bool, error) {
	<-h.waitCh
	return h.failed, h.err
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopped = true
	return nil
}

func (h *fakeHandle) finish(failed bool) { h.failed = failed; close(h.waitCh) }

type fakeExecutor struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
	failAll bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{handles: make(map[string]*fakeHandle)}
}

func (f *fakeExecutor) Start(ctx context.Context, def types.ProcessDefinition) (Handle, error) {
	if f.failAll {
		return nil, fmt.Errorf("executor refused to start %s", def.Name)
	}
	h := newFakeHandle()
	f.mu.Lock()
	f.handles[def.Name] = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeExecutor) handleFor(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

func newTestAgent(t *testing.T, pdc PDClient, exec Executor) *Agent {
	t.Helper()
	return New(Config{
		ResourceID: "res-1",
		NodeID:     "node-1",
		EngineID:   "nimbus",
		SlotCount:  2,
		PD:         pdc,
		Executor:   exec,
		Logger:     zerolog.Nop(),
	})
}

func TestStartAdvertisesResource(t *testing.T) {
	pdc := &fakePD{}
	a := newTestAgent(t, pdc, newFakeExecutor())
	require.NoError(t, a.Start(context.Background()))
	a.Stop()

	pdc.mu.Lock()
	defer pdc.mu.Unlock()
	assert.True(t, pdc.advertised)
}

func TestDispatchReportsHeartbeatThenExit(t *testing.T) {
	pdc := &fakePD{}
	exec := newFakeExecutor()
	a := newTestAgent(t, pdc, exec)

	proc := types.Process{UPID: "upid-1", Definition: types.ProcessDefinition{Name: "upid-1", Exec: []string{"true"}}}
	require.NoError(t, a.Dispatch(context.Background(), "res-1", proc))

	pdc.mu.Lock()
	assert.Contains(t, pdc.processHB, "upid-1")
	pdc.mu.Unlock()

	h := exec.handleFor("upid-1")
	require.NotNil(t, h)
	h.finish(false)

	require.Eventually(t, func() bool {
		_, ok := pdc.exitedFor("upid-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	report, _ := pdc.exitedFor("upid-1")
	assert.False(t, report.failed)
}

func TestDispatchExecutorStartFailureReportsExitedFailed(t *testing.T) {
	pdc := &fakePD{}
	exec := newFakeExecutor()
	exec.failAll = true
	a := newTestAgent(t, pdc, exec)

	proc := types.Process{UPID: "upid-2", Definition: types.ProcessDefinition{Name: "upid-2"}}
	err := a.Dispatch(context.Background(), "res-1", proc)
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		_, ok := pdc.exitedFor("upid-2")
		return ok
	}, time.Second, 10*time.Millisecond)

	report, _ := pdc.exitedFor("upid-2")
	assert.True(t, report.failed)
}

func TestTerminateStopsRunningHandle(t *testing.T) {
	pdc := &fakePD{}
	exec := newFakeExecutor()
	a := newTestAgent(t, pdc, exec)

	proc := types.Process{UPID: "upid-3", Definition: types.ProcessDefinition{Name: "upid-3", Exec: []string{"true"}}}
	require.NoError(t, a.Dispatch(context.Background(), "res-1", proc))

	h := exec.handleFor("upid-3")
	require.NotNil(t, h)

	require.NoError(t, a.Terminate(context.Background(), "res-1", "upid-3"))
	assert.True(t, h.stopped)

	h.finish(false)
}

func TestTerminateUnknownUPIDIsNoop(t *testing.T) {
	a := newTestAgent(t, &fakePD{}, newFakeExecutor())
	assert.NoError(t, a.Terminate(context.Background(), "res-1", "does-not-exist"))
}

func TestExecExecutorRejectsEmptyExec(t *testing.T) {
	var e ExecExecutor
	_, err := e.Start(context.Background(), types.ProcessDefinition{Name: "no-exec"})
	assert.Error(t, err)
}
