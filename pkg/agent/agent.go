// Package agent implements the EEAgent side of the matchmaker contract:
// advertising slot capacity, heartbeating, and executing the process
// definitions PD assigns to this resource. Process execution itself is a
// thin os/exec shim (the real EEAgent's container/VM runtime is an
// external collaborator out of scope here); what's grounded on the
// teacher is the lifecycle around it — pkg/worker/worker.go's
// heartbeatLoop/containerExecutorLoop/executeContainer shape and
// pkg/worker/health_monitor.go's liveness reporting.
package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/pd"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
)

// PDClient is the subset of PD operations an agent calls into: the same
// four methods *pd.PD exposes for this purpose, kept as an interface here
// so the agent can run against either an in-process PD (single-box
// deployments) or a pkg/bus RPC client.
type PDClient interface {
	AdvertiseResource(ctx context.Context, resourceID, nodeID, engineID string, slotCount int) error
	ResourceHeartbeat(ctx context.Context, resourceID string) error
	ProcessHeartbeat(ctx context.Context, upid string) error
	ProcessExited(ctx context.Context, upid string, failed bool) error
}

// Executor starts and stops one process definition. The default
// implementation runs Definition.Exec as a child process; callers
// embedding a real container/VM runtime supply their own.
type Executor interface {
	Start(ctx context.Context, def types.ProcessDefinition) (Handle, error)
}

// Handle represents a running process instance.
type Handle interface {
	// Wait blocks until the process exits, returning whether it failed.
	Wait() (failed bool, err error)
	Stop(ctx context.Context) error
}

// Config configures an Agent.
type Config struct {
	ResourceID       string
	NodeID           string
	EngineID         string
	SlotCount        int
	HeartbeatInterval time.Duration
	PD               PDClient
	Executor         Executor
	Logger           zerolog.Logger
}

// Agent is one EEAgent process.
type Agent struct {
	resourceID string
	nodeID     string
	engineID   string
	slotCount  int
	hbInterval time.Duration

	pd       PDClient
	executor Executor
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]Handle

	stopCh chan struct{}
}

// New creates an Agent. If cfg.Executor is nil, ExecExecutor is used.
func New(cfg Config) *Agent {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	executor := cfg.Executor
	if executor == nil {
		executor = ExecExecutor{}
	}
	return &Agent{
		resourceID: cfg.ResourceID,
		nodeID:     cfg.NodeID,
		engineID:   cfg.EngineID,
		slotCount:  cfg.SlotCount,
		hbInterval: interval,
		pd:         cfg.PD,
		executor:   executor,
		logger:     cfg.Logger.With().Str("component", "agent").Str("resource_id", cfg.ResourceID).Logger(),
		running:    make(map[string]Handle),
		stopCh:     make(chan struct{}),
	}
}

// Start advertises the resource's capacity and begins heartbeating.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.pd.AdvertiseResource(ctx, a.resourceID, a.nodeID, a.engineID, a.slotCount); err != nil {
		return fmt.Errorf("advertise resource: %w", err)
	}
	go a.heartbeatLoop()
	return nil
}

// Stop halts the heartbeat loop. Running processes are left running;
// callers that want a clean drain should call Dispatch/Terminate
// bookkeeping themselves or rely on PD's agent-death handling.
func (a *Agent) Stop() {
	close(a.stopCh)
}

func (a *Agent) heartbeatLoop() {
	ticker := time.NewTicker(a.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.hbInterval)
			if err := a.pd.ResourceHeartbeat(ctx, a.resourceID); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		case <-a.stopCh:
			return
		}
	}
}

// Dispatch implements pd.AgentDispatcher: start executing proc and
// report its outcome back to PD when it exits. Satisfies the
// AgentDispatcher interface directly so PD can hold an *Agent for
// single-process deployments without any bus in between.
func (a *Agent) Dispatch(ctx context.Context, resourceID string, proc types.Process) error {
	handle, err := a.executor.Start(ctx, proc.Definition)
	if err != nil {
		a.logger.Warn().Err(err).Str("upid", proc.UPID).Msg("failed to start process")
		go func() {
			hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.pd.ProcessExited(hbCtx, proc.UPID, true)
		}()
		return err
	}

	a.mu.Lock()
	a.running[proc.UPID] = handle
	a.mu.Unlock()

	hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = a.pd.ProcessHeartbeat(hbCtx, proc.UPID)
	cancel()

	go a.watch(proc.UPID, handle)
	return nil
}

func (a *Agent) watch(upid string, handle Handle) {
	failed, err := handle.Wait()
	if err != nil {
		a.logger.Warn().Err(err).Str("upid", upid).Msg("process wait returned an error")
		failed = true
	}

	a.mu.Lock()
	delete(a.running, upid)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.pd.ProcessExited(ctx, upid, failed); err != nil {
		a.logger.Warn().Err(err).Str("upid", upid).Msg("failed to report process exit")
	}
}

// Terminate implements pd.AgentDispatcher.
func (a *Agent) Terminate(ctx context.Context, resourceID string, upid string) error {
	a.mu.Lock()
	handle, ok := a.running[upid]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return handle.Stop(ctx)
}

var _ pd.AgentDispatcher = (*Agent)(nil)

// ExecExecutor runs a process definition's Exec as a child process.
type ExecExecutor struct{}

func (ExecExecutor) Start(ctx context.Context, def types.ProcessDefinition) (Handle, error) {
	if len(def.Exec) == 0 {
		return nil, fmt.Errorf("process definition %q has no exec", def.Name)
	}
	cmd := exec.Command(def.Exec[0], def.Exec[1:]...)
	for k, v := range def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct{ cmd *exec.Cmd }

func (h *execHandle) Wait() (bool, error) {
	err := h.cmd.Wait()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return true, nil
	}
	return true, err
}

func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
