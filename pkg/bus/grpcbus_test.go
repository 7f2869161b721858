package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialBufconnBus(t *testing.T, target Deliverer) (*GRPCBus, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)

	server := grpc.NewServer()
	Register(server, target)
	go func() { _ = server.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	require.NoError(t, err)

	return &GRPCBus{conn: conn}, func() {
		_ = conn.Close()
		server.Stop()
	}
}

func TestGRPCBusDeliversOverBufconn(t *testing.T) {
	local := NewLocalBus()
	delivered := make(chan any, 1)
	local.RegisterHandler("pd.dispatch_process", func(ctx context.Context, record any) error {
		delivered <- record
		return nil
	})

	client, closeFn := dialBufconnBus(t, local)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Deliver(ctx, "pd.dispatch_process", map[string]any{"upid": "u-1"}))

	select {
	case rec := <-delivered:
		env, ok := rec.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "u-1", env["upid"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestGRPCBusUnknownOperationReturnsError(t *testing.T) {
	local := NewLocalBus()
	client, closeFn := dialBufconnBus(t, local)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Deliver(ctx, "pd.unregistered", nil)
	assert.Error(t, err)
}
