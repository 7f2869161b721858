// Package driver defines the IaaS driver contract the provisioner calls
// to turn a node request into a VM: CreateNode, ListNodes, DestroyNode.
// pkg/driver/memdriver is the in-memory double used by tests and
// single-node deployments; pkg/driver/lima adapts the teacher's
// pkg/embedded/lima.go into the degenerate local/"Vagrant-equivalent"
// driver described in the Open Question about a no-retry local backend.
package driver

import "context"

// NodeState is the IaaS driver's own view of a VM, before translation
// into the instance state enum via the mapping table (ABORTED etc. ->
// ERROR_RETRYING, NOT_CREATED etc. -> TERMINATED, RUNNING -> STARTED).
type NodeState string

const (
	NodeAborted      NodeState = "ABORTED"
	NodeInaccessible NodeState = "INACCESSIBLE"
	NodeStuck        NodeState = "STUCK"
	NodeListing      NodeState = "LISTING"
	NodeNotCreated   NodeState = "NOT_CREATED"
	NodePoweredOff   NodeState = "POWERED_OFF"
	NodeSaved        NodeState = "SAVED"
	NodeRunning      NodeState = "RUNNING"
)

// Node is one VM as reported by the IaaS driver.
type Node struct {
	IaaSID    string
	State     NodeState
	PublicIP  string
	PrivateIP string
}

// CreateRequest carries everything a driver needs to launch one node.
type CreateRequest struct {
	Site       string
	Allocation string
	DefaultUser string
	Vars       map[string]string
}

// Driver is the IaaS abstraction every provisioner instance call goes
// through. Implementations must not panic; all failures are returned as
// errors so the provisioner can classify them via pkg/ctlerr.
type Driver interface {
	// CreateNode launches one VM, returning its IaaS-assigned ID.
	CreateNode(ctx context.Context, req CreateRequest) (Node, error)
	// ListNodes returns the current state of every VM this driver knows
	// about, used by the provisioner's periodic reconciliation (query()).
	ListNodes(ctx context.Context) ([]Node, error)
	// DestroyNode tears down the VM with the given IaaS ID.
	DestroyNode(ctx context.Context, iaasID string) error
}
