package bus

import (
	"context"

	"github.com/cuemby/epum/pkg/ctlerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// serviceName is the hand-registered grpc.ServiceDesc name every
// GRPCBus client and server shares. There is exactly one RPC method,
// Deliver, carrying an Envelope; operation-level routing happens inside
// the handler, the same way LocalBus routes by map key rather than by
// distinct RPC methods.
const serviceName = "epum.bus.Bus"

var busServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*grpcBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				var env wireEnvelope
				if err := dec(&env); err != nil {
					return nil, err
				}
				s := srv.(grpcBusServer)
				err := s.deliver(ctx, env.Operation, env.Record)
				return &wireAck{OK: err == nil}, err
			},
		},
	},
	Streams: []grpc.StreamDesc{},
	Metadata: "epum/bus.proto",
}

// wireEnvelope is Envelope's wire shape: SentAt travels as a
// timestamppb.Timestamp, and Record is decoded by the JSON codec into
// generic values (typically map[string]any) that handlers convert with
// Decode.
type wireEnvelope struct {
	Operation string              `json:"operation"`
	SentAt    *timestamppb.Timestamp `json:"sent_at"`
	Record    any                 `json:"record"`
}

type wireAck struct {
	OK bool `json:"ok"`
}

type grpcBusServer interface {
	deliver(ctx context.Context, operation string, record any) error
}

// GRPCBusServer exposes a LocalBus (or any notifier.Bus) over grpc using
// the hand-registered jsonCodec, so a remote replica's doer can deliver
// records into this process without a protoc-generated stub. Grounded on
// the teacher's pkg/worker.Worker/pkg/manager.Manager client-server grpc
// wiring, generalized from Warren's generated proto.WorkerServiceServer
// to a single reflection-free Deliver method.
type GRPCBusServer struct {
	target Deliverer
}

// Deliverer is the subset of notifier.Bus a GRPCBusServer forwards into.
type Deliverer interface {
	Deliver(ctx context.Context, operation string, record any) error
}

// NewGRPCBusServer wraps target for registration on a *grpc.Server.
func NewGRPCBusServer(target Deliverer) *GRPCBusServer {
	return &GRPCBusServer{target: target}
}

func (s *GRPCBusServer) deliver(ctx context.Context, operation string, record any) error {
	return s.target.Deliver(ctx, operation, record)
}

// Register mounts the bus service on server using the JSON codec.
func Register(server *grpc.Server, target Deliverer) {
	server.RegisterService(&busServiceDesc, &GRPCBusServer{target: target})
}

// GRPCBus is a notifier.Bus client that delivers records to a remote
// replica's GRPCBusServer over grpc, using the jsonCodec so no generated
// stub is required.
type GRPCBus struct {
	conn *grpc.ClientConn
}

// DialGRPCBus opens an insecure (replica-to-replica, trusted network)
// connection to addr. TLS wiring, if ever needed, follows the same
// credentials.NewTLS pattern the teacher's worker/manager clients use.
func DialGRPCBus(addr string) (*GRPCBus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransientError, "dial bus", err)
	}
	return &GRPCBus{conn: conn}, nil
}

// Close releases the underlying connection.
func (b *GRPCBus) Close() error { return b.conn.Close() }

// Deliver implements notifier.Bus over grpc.
func (b *GRPCBus) Deliver(ctx context.Context, operation string, record any) error {
	env := wireEnvelope{Operation: operation, SentAt: timestamppb.Now(), Record: record}
	var ack wireAck
	err := b.conn.Invoke(ctx, "/"+serviceName+"/Deliver", &env, &ack, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "bus delivery RPC failed", err)
	}
	return nil
}
