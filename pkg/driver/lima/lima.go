// +build darwin

// Package lima adapts the teacher's pkg/embedded/lima.go (a macOS-only
// Lima VM manager for running containerd) into the degenerate
// local/"Vagrant-equivalent" IaaS driver described in the spec's Open
// Question (a): it creates one throwaway Lima instance per CreateNode
// call, catches every failure into a returned error with no internal
// retry budget, and lets the provisioner mark the node FAILED outright
// rather than backing off and retrying as a real IaaS driver would.
package lima

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/epum/pkg/driver"
	"github.com/google/uuid"
	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"
)

const instancePrefix = "epum-"

// Driver runs each provisioned node as its own Lima VM instance, named
// epum-<uuid>. It has no retry budget of its own: CreateNode either
// succeeds or returns an error for the caller to classify as
// IaaS-permanent, exactly as the Open Question requires for this driver.
type Driver struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

// New builds a Lima-backed driver. Only meaningful on darwin, matching
// the teacher's build tag on pkg/embedded/lima.go.
func New(logger zerolog.Logger) *Driver {
	return &Driver{logger: logger.With().Str("component", "lima-driver").Logger()}
}

func (d *Driver) CreateNode(ctx context.Context, req driver.CreateRequest) (driver.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := instancePrefix + uuid.NewString()

	cfg := d.buildConfig(req)
	configYAML, err := limayaml.Marshal(&cfg, false)
	if err != nil {
		return driver.Node{}, fmt.Errorf("lima: marshal config for %s: %w", name, err)
	}

	if _, err := instance.Create(ctx, name, configYAML, false); err != nil {
		return driver.Node{}, fmt.Errorf("lima: create instance %s: %w", name, err)
	}

	inst, err := store.Inspect(name)
	if err != nil {
		return driver.Node{}, fmt.Errorf("lima: inspect newly created instance %s: %w", name, err)
	}

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return driver.Node{}, fmt.Errorf("lima: start instance %s: %w", name, err)
	}

	return d.toNode(name)
}

func (d *Driver) ListNodes(_ context.Context) ([]driver.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	names, err := store.Instances()
	if err != nil {
		return nil, fmt.Errorf("lima: list instances: %w", err)
	}

	var out []driver.Node
	for _, name := range names {
		if !strings.HasPrefix(name, instancePrefix) {
			continue
		}
		node, err := d.toNode(name)
		if err != nil {
			d.logger.Warn().Err(err).Str("instance", name).Msg("failed to inspect lima instance, skipping")
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func (d *Driver) DestroyNode(ctx context.Context, iaasID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := store.Inspect(iaasID)
	if err != nil {
		return fmt.Errorf("lima: inspect %s for destroy: %w", iaasID, err)
	}
	if err := instance.StopGracefully(ctx, inst, false); err != nil {
		d.logger.Warn().Err(err).Str("instance", iaasID).Msg("graceful stop failed, forcing stop")
		instance.StopForcibly(inst)
	}
	return instance.Delete(ctx, inst, false)
}

func (d *Driver) toNode(name string) (driver.Node, error) {
	inst, err := store.Inspect(name)
	if err != nil {
		return driver.Node{}, err
	}
	return driver.Node{
		IaaSID: name,
		State:  mapStatus(inst.Status),
	}, nil
}

// mapStatus translates Lima's own status enum into the driver-level
// NodeState the provisioner's IaaS-state-mapping table expects.
func mapStatus(status store.Status) driver.NodeState {
	switch status {
	case store.StatusRunning:
		return driver.NodeRunning
	case store.StatusStopped:
		return driver.NodePoweredOff
	case store.StatusBroken:
		return driver.NodeStuck
	default:
		return driver.NodeInaccessible
	}
}

func (d *Driver) buildConfig(req driver.CreateRequest) limayaml.LimaYAML {
	arch := limayaml.X8664
	cpus := 1
	memory := "1GiB"
	disk := "10GiB"

	return limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{File: limayaml.File{Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso", Arch: limayaml.X8664}},
		},
		Message: fmt.Sprintf("epum node for site=%s allocation=%s", req.Site, req.Allocation),
	}
}

var _ driver.Driver = (*Driver)(nil)
