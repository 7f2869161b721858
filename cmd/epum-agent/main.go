// Command epum-agent runs one EEAgent: it advertises a fixed slot count
// to a PD replica, executes whatever processes PD dispatches to it, and
// reports heartbeats and exits back over the bus.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/epum/pkg/agent"
	"github.com/cuemby/epum/pkg/api"
	"github.com/cuemby/epum/pkg/bus"
	"github.com/cuemby/epum/pkg/log"
	"github.com/cuemby/epum/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	resourceID string
	nodeID     string
	engineID   string
	slotCount  int
	pdBusAddr  string
	listenAddr string
	httpAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "epum-agent",
		Short: "EEAgent process executor",
		RunE:  run,
	}
	root.Flags().StringVar(&resourceID, "resource-id", "", "this resource's identity (defaults to a generated id)")
	root.Flags().StringVar(&nodeID, "node-id", "", "the IaaS node this resource runs on")
	root.Flags().StringVar(&engineID, "engine-id", "", "the engine type this resource advertises slots for")
	root.Flags().IntVar(&slotCount, "slots", 1, "number of process slots this resource offers")
	root.Flags().StringVar(&pdBusAddr, "pd-bus-addr", "", "bus address of the PD replica to advertise to (required)")
	root.Flags().StringVar(&listenAddr, "listen-addr", ":9091", "address this agent's bus listens on for inbound dispatch RPCs")
	root.Flags().StringVar(&httpAddr, "http-addr", ":8081", "address for the /health and /ready endpoints")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if pdBusAddr == "" {
		return fmt.Errorf("--pd-bus-addr is required")
	}
	if engineID == "" {
		return fmt.Errorf("--engine-id is required")
	}

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.Logger

	if resourceID == "" {
		resourceID = uuid.NewString()
	}
	if nodeID == "" {
		nodeID = resourceID
	}

	pdBus, err := bus.DialGRPCBus(pdBusAddr)
	if err != nil {
		return fmt.Errorf("dial pd bus: %w", err)
	}
	defer pdBus.Close()

	a := agent.New(agent.Config{
		ResourceID: resourceID,
		NodeID:     nodeID,
		EngineID:   engineID,
		SlotCount:  slotCount,
		PD:         &busPDClient{bus: pdBus},
		Logger:     logger,
	})

	localBus := bus.NewLocalBus()
	registerDispatchSurface(localBus, a)

	grpcServer := grpc.NewServer()
	bus.Register(grpcServer, localBus)
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on bus address: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("agent bus server stopped")
		}
	}()
	defer grpcServer.GracefulStop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer a.Stop()

	health := api.NewHealthServer(nil)
	go func() {
		if err := health.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	logger.Info().Str("resource_id", resourceID).Str("node_id", nodeID).Str("engine_id", engineID).Msg("epum-agent started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	return nil
}

// busPDClient implements agent.PDClient by delivering records to a PD
// replica's bus, mirroring the shape of busAgentDispatcher on the other
// side of this same RPC pair.
type busPDClient struct {
	bus bus.Deliverer
}

func (c *busPDClient) AdvertiseResource(ctx context.Context, resourceID, nodeID, engineID string, slotCount int) error {
	return c.bus.Deliver(ctx, "pd.advertise_resource", map[string]any{
		"resource_id": resourceID,
		"node_id":     nodeID,
		"engine_id":   engineID,
		"slot_count":  slotCount,
	})
}

func (c *busPDClient) ResourceHeartbeat(ctx context.Context, resourceID string) error {
	return c.bus.Deliver(ctx, "pd.resource_heartbeat", map[string]any{"resource_id": resourceID})
}

func (c *busPDClient) ProcessHeartbeat(ctx context.Context, upid string) error {
	return c.bus.Deliver(ctx, "pd.process_heartbeat", map[string]any{"upid": upid})
}

func (c *busPDClient) ProcessExited(ctx context.Context, upid string, failed bool) error {
	return c.bus.Deliver(ctx, "pd.process_exited", map[string]any{"upid": upid, "failed": failed})
}

// registerDispatchSurface wires the dispatch operations epumd's
// busAgentDispatcher sends onto a, the in-process *agent.Agent.
func registerDispatchSurface(b *bus.LocalBus, a *agent.Agent) {
	b.RegisterHandler("agent.dispatch_process", func(ctx context.Context, record any) error {
		var req struct {
			ResourceID string        `json:"resource_id"`
			Process    types.Process `json:"process"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return a.Dispatch(ctx, req.ResourceID, req.Process)
	})
	b.RegisterHandler("agent.terminate_process", func(ctx context.Context, record any) error {
		var req struct {
			ResourceID string `json:"resource_id"`
			UPID       string `json:"upid"`
		}
		if err := bus.Decode(record, &req); err != nil {
			return err
		}
		return a.Terminate(ctx, req.ResourceID, req.UPID)
	})
}
