package epum

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cuemby/epum/pkg/driver/memdriver"
	"github.com/cuemby/epum/pkg/provisioner"
	"github.com/cuemby/epum/pkg/registry"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEPUM(t *testing.T) (*EPUM, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	reg, err := registry.New(map[string]types.EngineSpec{
		"nimbus": {EngineID: "nimbus", Slots: 1, Replicas: 1},
	}, "")
	require.NoError(t, err)
	prov := provisioner.New(provisioner.Options{Store: st, Driver: memdriver.New(), Logger: zerolog.Nop()})
	e := New(Options{Store: st, Registry: reg, Provisioner: prov, Logger: zerolog.Nop()})
	return e, st
}

func putInstance(t *testing.T, st store.Store, inst types.Instance) {
	t.Helper()
	data, err := json.Marshal(inst)
	require.NoError(t, err)
	_, err = st.Put(context.Background(), "/nodes/"+inst.InstanceID, data, 0)
	require.NoError(t, err)
}

// instancesForDomain is how the decision engine counts a domain's
// instances; it must actually find the ones the provisioner created for
// that domain_id.
func TestInstancesForDomainFindsProvisionedInstances(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEPUM(t)

	domain, err := e.AddDomain(ctx, "owner-a", "nimbus", types.DomainConfig{PreserveN: 2}, false)
	require.NoError(t, err)

	e.executeProvisionAction(ctx, domain, 2)

	instances, err := e.instancesForDomain(ctx, domain.DomainID)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
	for _, inst := range instances {
		assert.Equal(t, domain.DomainID, inst.DomainID)
	}
}

func TestHeartbeatAdvancesStartedToRunning(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEPUM(t)
	putInstance(t, st, types.Instance{InstanceID: "node-1", DomainID: "dom", State: types.InstanceStarted})

	require.NoError(t, e.Heartbeat(ctx, "node-1", ""))

	inst, err := e.InstanceInfo(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.False(t, inst.LastHeartbeat.IsZero())
}

func TestHeartbeatIsIdempotentOnceRunning(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEPUM(t)
	putInstance(t, st, types.Instance{InstanceID: "node-1", DomainID: "dom", State: types.InstanceRunning})

	var events []string
	e.eventFn = func(source, name string, extra map[string]any) { events = append(events, name) }

	require.NoError(t, e.Heartbeat(ctx, "node-1", ""))

	for _, name := range events {
		assert.NotEqual(t, "node_started", name, "heartbeat on an already-RUNNING instance must not re-emit node_started")
	}
}

func TestHeartbeatDoesNotResurrectTerminatedInstance(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEPUM(t)
	putInstance(t, st, types.Instance{InstanceID: "node-1", DomainID: "dom", State: types.InstanceTerminated})

	require.NoError(t, e.Heartbeat(ctx, "node-1", ""))

	inst, err := e.InstanceInfo(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, inst.State)
}
