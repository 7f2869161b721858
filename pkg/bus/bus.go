// Package bus defines the topic-addressed message bus contracts that the
// control plane is wired against: the four named RPC surfaces
// (provisioner, epum, pd, dtrs) and the notification transport that
// carries send_record/send_records traffic to subscribers. The bus
// implementation itself (wire protocol, discovery, the DTRS service) is
// an external collaborator out of scope; only the Go interfaces and two
// concrete transports (in-process and grpc) a doer process can use to
// reach another doer's surface live here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/epum/pkg/types"
)

// ProvisionerSurface is the provisioner RPC surface, addressed as
// "provisioner.<operation>".
type ProvisionerSurface interface {
	Provision(ctx context.Context, owner, launchID string, spec types.Launch, subscribers []types.Subscriber) error
	TerminateLaunches(ctx context.Context, launchIDs []string) error
	TerminateNodes(ctx context.Context, nodeIDs []string) error
	TerminateAll(ctx context.Context) error
	DescribeNodes(ctx context.Context, nodeIDs []string) ([]types.Instance, error)
	DumpState(ctx context.Context, nodeIDs []string, forceSubscribe *types.Subscriber) error
}

// EPUMSurface is the epum RPC surface, addressed as "epum.<operation>".
type EPUMSurface interface {
	AddDomain(ctx context.Context, owner, engineID string, config types.DomainConfig, healthCheck bool) (types.Domain, error)
	RemoveDomain(ctx context.Context, owner, domainID string) error
	ReconfigureDomain(ctx context.Context, owner, domainID string, patch map[string]any) error
	ListDomains(ctx context.Context) ([]types.Domain, error)
	DescribeDomain(ctx context.Context, owner, domainID string) (types.Domain, error)
	SubscribeDT(ctx context.Context, owner, domainID string, sub types.Subscriber) error
	UnsubscribeDT(ctx context.Context, owner, domainID string, sub types.Subscriber) error
	Heartbeat(ctx context.Context, instanceID, health string) error
	InstanceInfo(ctx context.Context, instanceID string) (types.Instance, error)
	SensorInfo(ctx context.Context, domainID string) (map[string]any, error)
}

// PDSurface is the pd RPC surface, addressed as "pd.<operation>". The
// heartbeat operation is issued by the EEAgent, not by another doer.
type PDSurface interface {
	DispatchProcess(ctx context.Context, upid string, def types.ProcessDefinition, constraints types.Constraints, priority int, restartPolicy types.RestartPolicy, subscribers []types.Subscriber) error
	TerminateProcess(ctx context.Context, upid string) error
	DescribeProcess(ctx context.Context, upid string) (types.Process, error)
	DescribeProcesses(ctx context.Context) ([]types.Process, error)
	RestartProcess(ctx context.Context, upid string) error
}

// AgentSurface is the subset of the pd surface that an EEAgent calls
// directly, distinct from PDSurface's admin operations: advertising a
// resource, keeping it and its dispatched processes alive, and reporting
// exit. The spec's RPC surface table folds these into pd's single
// "heartbeat (from EEAgent)" row; pkg/pd exposes them as four methods,
// so the bus contract names them individually.
type AgentSurface interface {
	AdvertiseResource(ctx context.Context, resourceID, nodeID, engineID string, slotCount int) error
	ResourceHeartbeat(ctx context.Context, resourceID string) error
	ProcessHeartbeat(ctx context.Context, upid string) error
	ProcessExited(ctx context.Context, upid string, failed bool) error
}

// DTRSSurface is the dtrs RPC surface, addressed as "dtrs.<operation>".
// DTRS itself (deployable-type registry and site credential store) is
// out of scope; this interface records the contract any future DTRS
// implementation, or a test double, must satisfy so PDSurface/EPUMSurface
// wiring compiles against it.
type DTRSSurface interface {
	AddDT(ctx context.Context, dtID string, definition map[string]any) error
	DescribeDT(ctx context.Context, dtID string) (map[string]any, error)
	AddSite(ctx context.Context, siteID string, config map[string]any) error
	DescribeSite(ctx context.Context, siteID string) (map[string]any, error)
	AddCredentials(ctx context.Context, siteID string, credentials map[string]any) error
}

// Envelope is the wire-stable shape of a single bus delivery: the target
// operation name, a timestamp, and the opaque record payload. SentAt is
// a time.Time here; GRPCBus carries the timestamp on the wire as a
// timestamppb.Timestamp (see wireEnvelope).
type Envelope struct {
	Operation string    `json:"operation"`
	SentAt    time.Time `json:"sent_at"`
	Record    any       `json:"record"`
}

// Decode round-trips record through JSON into target. A LocalBus delivery
// carries the original Go value, while a GRPCBus delivery carries whatever
// the json codec produced (typically map[string]any); Decode lets a
// handler accept either uniformly.
func Decode(record any, target any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode bus record: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode bus record: %w", err)
	}
	return nil
}
