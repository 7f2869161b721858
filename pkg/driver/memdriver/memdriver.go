// Package memdriver is the in-memory IaaS double used by tests and by
// scenario 1-4 in the spec's testable properties: it mimics a real IaaS's
// CreateNode/ListNodes/DestroyNode without any external dependency, and
// lets tests force a node into any NodeState to exercise the provisioner's
// reconciliation mapping.
package memdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/epum/pkg/driver"
	"github.com/google/uuid"
)

// Driver is a single-process fake satisfying driver.Driver.
type Driver struct {
	mu    sync.Mutex
	nodes map[string]driver.Node

	// FailCreate, when non-nil, is returned by CreateNode instead of
	// creating a node, letting tests exercise the provisioner's
	// IaaS-permanent-error path.
	FailCreate error
}

// New creates an empty memdriver.
func New() *Driver {
	return &Driver{nodes: make(map[string]driver.Node)}
}

func (d *Driver) CreateNode(_ context.Context, req driver.CreateRequest) (driver.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailCreate != nil {
		return driver.Node{}, d.FailCreate
	}

	id := uuid.NewString()
	node := driver.Node{
		IaaSID:    id,
		State:     driver.NodeRunning,
		PublicIP:  fmt.Sprintf("203.0.113.%d", len(d.nodes)+1),
		PrivateIP: fmt.Sprintf("10.0.0.%d", len(d.nodes)+1),
	}
	d.nodes[id] = node
	return node, nil
}

func (d *Driver) ListNodes(_ context.Context) ([]driver.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]driver.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (d *Driver) DestroyNode(_ context.Context, iaasID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodes[iaasID]; !ok {
		return fmt.Errorf("memdriver: node %s not found", iaasID)
	}
	delete(d.nodes, iaasID)
	return nil
}

// SetState forces a node's reported state, for tests exercising the
// provisioner's IaaS-state-mapping reconciliation (query()).
func (d *Driver) SetState(iaasID string, state driver.NodeState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[iaasID]; ok {
		n.State = state
		d.nodes[iaasID] = n
	}
}

var _ driver.Driver = (*Driver)(nil)
