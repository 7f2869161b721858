// Command epumd runs one control-plane replica: the EPUM decision engine,
// the PD matchmaker, the provisioner, and the leader elections that decide
// which replica's ticks actually mutate state. CLI surface is deliberately
// thin; everything else comes from the YAML config file.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/epum/pkg/api"
	"github.com/cuemby/epum/pkg/bus"
	"github.com/cuemby/epum/pkg/config"
	"github.com/cuemby/epum/pkg/election"
	"github.com/cuemby/epum/pkg/epum"
	"github.com/cuemby/epum/pkg/eventlog"
	"github.com/cuemby/epum/pkg/log"
	"github.com/cuemby/epum/pkg/notifier"
	"github.com/cuemby/epum/pkg/pd"
	"github.com/cuemby/epum/pkg/provisioner"
	"github.com/cuemby/epum/pkg/reconciler"
	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/store/raftstore"
	"github.com/cuemby/epum/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	configPath   string
	nodeID       string
	httpAddr     string
	busAddr      string
	agentBusAddr string
	eventLogPath string
)

func main() {
	root := &cobra.Command{
		Use:   "epumd",
		Short: "EPUM/PD control plane replica",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "epumd.yaml", "path to the YAML config file")
	root.Flags().StringVar(&nodeID, "node-id", "", "this replica's identity (defaults to a generated id)")
	root.Flags().StringVar(&httpAddr, "http-addr", ":8080", "address for the /health, /ready, and /metrics endpoints")
	root.Flags().StringVar(&busAddr, "bus-addr", ":9090", "address this replica's bus listens on for inbound agent/peer RPCs")
	root.Flags().StringVar(&agentBusAddr, "agent-bus-addr", "", "bus address of the EEAgent this replica dispatches processes to (optional)")
	root.Flags().StringVar(&eventLogPath, "event-log", "epumd.events.log", "path to the append-only structured event log")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.Logger

	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	eventFile, err := os.OpenFile(eventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventFile.Close()
	elog := eventlog.New(eventFile)
	emit := func(source, name string, extra map[string]any) {
		if err := elog.Emit(source, name, extra); err != nil {
			logger.Warn().Err(err).Msg("failed to append event log entry")
		}
	}

	var st store.Store
	switch cfg.PersistenceType {
	case config.PersistenceCoordination:
		rs, err := raftstore.Open(raftstore.Config{
			NodeID:    nodeID,
			BindAddr:  cfg.BindAddr,
			DataDir:   cfg.DataDir,
			Logger:    logger,
			Bootstrap: cfg.ReplicaCount == 1,
		})
		if err != nil {
			return fmt.Errorf("open coordination store: %w", err)
		}
		defer rs.Close()
		st = rs
	default:
		st = store.NewMemStore()
	}

	reg, err := registry.New(cfg.EngineSpecs(), cfg.DefaultEngine)
	if err != nil {
		return fmt.Errorf("build engine registry: %w", err)
	}
	tokens := registry.NewTokenManager()

	notif := notifier.New(logger)
	localBus := bus.NewLocalBus()
	notif.RegisterBus("local", localBus)

	drv := defaultDriver(logger)

	prov := provisioner.New(provisioner.Options{
		Store:    st,
		Driver:   drv,
		Notifier: notif,
		Logger:   logger,
		EventFn:  emit,
	})

	epumEngine := epum.New(epum.Options{
		Store:            st,
		Registry:         reg,
		Provisioner:      prov,
		Notifier:         notif,
		Logger:           logger,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		EventFn:          emit,
	})

	var dispatcher pd.AgentDispatcher
	if agentBusAddr != "" {
		agentBus, err := bus.DialGRPCBus(agentBusAddr)
		if err != nil {
			return fmt.Errorf("dial agent bus: %w", err)
		}
		defer agentBus.Close()
		dispatcher = &busAgentDispatcher{bus: agentBus}
	} else {
		dispatcher = &busAgentDispatcher{bus: localBus}
	}

	pdEngine := pd.New(pd.Options{
		Store:        st,
		Registry:     reg,
		EPUM:         epumEngine,
		Agents:       dispatcher,
		Notifier:     notif,
		Tokens:       tokens,
		Logger:       logger,
		AgentTimeout: cfg.AgentTimeout,
		MaxRestarts:  cfg.MaxRestarts,
		EventFn:      emit,
	})

	// Register the agent-facing heartbeat surface so an in-process or
	// remote EEAgent reaching this replica's bus lands on pdEngine.
	registerAgentSurface(localBus, pdEngine)

	member := nodeID
	epumLeader := election.New(election.Options{Store: st, Role: "epum_doer", Member: member, Grace: cfg.LeadershipGrace, Logger: logger})
	pdLeader := election.New(election.Options{Store: st, Role: "pd_doer", Member: member, Grace: cfg.LeadershipGrace, Logger: logger})
	provLeader := election.New(election.Options{Store: st, Role: "provisioner_doer", Member: member, Grace: cfg.LeadershipGrace, Logger: logger})

	sessionID := nodeID
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, c := range []*election.Candidacy{epumLeader, pdLeader, provLeader} {
		if err := c.Campaign(ctx, sessionID); err != nil {
			return fmt.Errorf("campaign for leadership: %w", err)
		}
	}
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Touch(ctx, sessionID, 60); err != nil {
					logger.Warn().Err(err).Msg("session lease renewal failed")
				}
			}
		}
	}()

	rec := reconciler.New(reconciler.Options{
		EPUM:              epumEngine,
		EPUMLeader:        epumLeader,
		PD:                pdEngine,
		PDLeader:          pdLeader,
		Provisioner:       prov,
		ProvisionerLeader: provLeader,
		Interval:          cfg.TickInterval,
		Logger:            logger,
	})
	rec.Start()
	defer rec.Stop()

	grpcServer := grpc.NewServer()
	bus.Register(grpcServer, localBus)
	lis, err := net.Listen("tcp", busAddr)
	if err != nil {
		return fmt.Errorf("listen on bus address: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("bus server stopped")
		}
	}()
	defer grpcServer.GracefulStop()

	health := api.NewHealthServer(pdLeader)
	go func() {
		if err := health.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	logger.Info().Str("node_id", nodeID).Str("bus_addr", busAddr).Str("http_addr", httpAddr).Msg("epumd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, c := range []*election.Candidacy{epumLeader, pdLeader, provLeader} {
		_ = c.Resign(shutdownCtx)
	}
	return nil
}

// busAgentDispatcher implements pd.AgentDispatcher by delivering dispatch
// and terminate records over any Deliverer bus, local or grpc, so the
// same PD works whether its EEAgent is in-process or across the network.
type busAgentDispatcher struct {
	bus bus.Deliverer
}

func (d *busAgentDispatcher) Dispatch(ctx context.Context, resourceID string, process types.Process) error {
	return d.bus.Deliver(ctx, "agent.dispatch_process", map[string]any{
		"resource_id": resourceID,
		"process":     process,
	})
}

func (d *busAgentDispatcher) Terminate(ctx context.Context, resourceID string, upid string) error {
	return d.bus.Deliver(ctx, "agent.terminate_process", map[string]any{
		"resource_id": resourceID,
		"upid":        upid,
	})
}

// registerAgentSurface wires pd's agent-facing heartbeat operations onto
// localBus, so an agent dialing this replica's grpc bus (or an in-process
// agent holding the same *bus.LocalBus) can reach pdEngine directly.
func registerAgentSurface(b *bus.LocalBus, pdEngine *pd.PD) {
	b.RegisterHandler("pd.advertise_resource", func(ctx context.Context, record any) error {
		var req struct {
			ResourceID string `json:"resource_id"`
			NodeID     string `json:"node_id"`
			EngineID   string `json:"engine_id"`
			SlotCount  int    `json:"slot_count"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return pdEngine.AdvertiseResource(ctx, req.ResourceID, req.NodeID, req.EngineID, req.SlotCount)
	})
	b.RegisterHandler("pd.resource_heartbeat", func(ctx context.Context, record any) error {
		var req struct {
			ResourceID string `json:"resource_id"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return pdEngine.ResourceHeartbeat(ctx, req.ResourceID)
	})
	b.RegisterHandler("pd.process_heartbeat", func(ctx context.Context, record any) error {
		var req struct {
			UPID string `json:"upid"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return pdEngine.ProcessHeartbeat(ctx, req.UPID)
	})
	b.RegisterHandler("pd.process_exited", func(ctx context.Context, record any) error {
		var req struct {
			UPID   string `json:"upid"`
			Failed bool   `json:"failed"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return pdEngine.ProcessExited(ctx, req.UPID, req.Failed)
	})
}
