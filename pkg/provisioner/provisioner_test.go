package provisioner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/epum/pkg/driver/memdriver"
	"github.com/cuemby/epum/pkg/store"
	"github.com/cuemby/epum/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvisioner(t *testing.T) (*Provisioner, store.Store) {
	t.Helper()
	st := store.NewMemStore()
	drv := memdriver.New()
	p := New(Options{Store: st, Driver: drv, Logger: zerolog.Nop()})
	return p, st
}

// A domain's instances must be findable by domain_id, or the decision
// engine's count stays stuck at zero and every tick re-provisions.
func TestProvisionStampsDomainIDOnLaunchAndInstances(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProvisioner(t)

	require.NoError(t, p.Provision(ctx, ProvisionRequest{
		LaunchID:    "launch-1",
		DomainID:    "pd_domain_nimbus",
		InstanceIDs: []string{"node-1", "node-2"},
	}))

	launchEntry, err := st.Get(ctx, launchPath("launch-1"))
	require.NoError(t, err)
	var launch types.Launch
	require.NoError(t, json.Unmarshal(launchEntry.Value, &launch))
	assert.Equal(t, "pd_domain_nimbus", launch.DomainID)

	for _, id := range []string{"node-1", "node-2"} {
		entry, err := st.Get(ctx, instancePath(id))
		require.NoError(t, err)
		var inst types.Instance
		require.NoError(t, json.Unmarshal(entry.Value, &inst))
		assert.Equal(t, "pd_domain_nimbus", inst.DomainID, "instance %s missing domain_id", id)
	}
}

// Query only ever advances a node as far as STARTED (the IaaS mapping
// table tops out there); RUNNING is reached by a later heartbeat, not by
// the reconciliation pass.
func TestQueryAdvancesPendingToStartedOnly(t *testing.T) {
	ctx := context.Background()
	p, st := newTestProvisioner(t)

	var events []string
	p.eventFn = func(source, name string, extra map[string]any) { events = append(events, name) }

	require.NoError(t, p.Provision(ctx, ProvisionRequest{
		LaunchID:    "launch-1",
		DomainID:    "dom",
		InstanceIDs: []string{"node-1"},
	}))

	require.Eventually(t, func() bool {
		entry, err := st.Get(ctx, instancePath("node-1"))
		if err != nil {
			return false
		}
		var inst types.Instance
		_ = json.Unmarshal(entry.Value, &inst)
		return inst.State == types.InstancePending && inst.IaaSID != ""
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Query(ctx))

	entry, err := st.Get(ctx, instancePath("node-1"))
	require.NoError(t, err)
	var inst types.Instance
	require.NoError(t, json.Unmarshal(entry.Value, &inst))
	assert.Equal(t, types.InstanceStarted, inst.State)

	for _, name := range events {
		assert.NotEqual(t, "node_started", name, "node_started must wait for the RUNNING transition, not STARTED")
	}
}
