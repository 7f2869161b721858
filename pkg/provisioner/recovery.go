package provisioner

import (
	"context"
	"encoding/json"

	"github.com/cuemby/epum/pkg/ctlerr"
	"github.com/cuemby/epum/pkg/types"
)

// Recover implements the provisioner's half of C8: scan launches in
// REQUESTED (resume execute_provision) and TERMINATING (resume
// terminate_launches), and nodes in TERMINATING (resume per-node
// destroy). Run once, right after this replica becomes the
// provisioner_doer, before accepting new tick work.
func (p *Provisioner) Recover(ctx context.Context) error {
	entries, err := p.st.List(ctx, launchPrefix)
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "list launches for recovery", err)
	}

	for _, e := range entries {
		var launch types.Launch
		if err := json.Unmarshal(e.Value, &launch); err != nil {
			p.logger.Warn().Err(err).Str("path", e.Path).Msg("skipping undecodable launch record during recovery")
			continue
		}

		switch launch.State {
		case types.LaunchRequested:
			p.logger.Info().Str("launch_id", launch.LaunchID).Msg("resuming incomplete launch")
			go p.executeProvision(context.Background(), launch)
		case types.LaunchTerminating:
			p.logger.Info().Str("launch_id", launch.LaunchID).Msg("resuming incomplete termination")
			go func(l types.Launch) {
				if err := p.TerminateLaunches(context.Background(), []string{l.LaunchID}); err != nil {
					p.logger.Warn().Err(err).Str("launch_id", l.LaunchID).Msg("resumed termination failed")
				}
			}(launch)
		}
	}

	nodeEntries, err := p.st.List(ctx, instancePrefix)
	if err != nil {
		return ctlerr.Wrap(ctlerr.TransientError, "list nodes for recovery", err)
	}
	var stuckNodes []string
	for _, e := range nodeEntries {
		var inst types.Instance
		if err := json.Unmarshal(e.Value, &inst); err != nil {
			continue
		}
		if inst.State == types.InstanceTerminating {
			stuckNodes = append(stuckNodes, inst.InstanceID)
		}
	}
	if len(stuckNodes) > 0 {
		p.logger.Info().Int("count", len(stuckNodes)).Msg("resuming incomplete per-node terminations")
		go func(ids []string) {
			if err := p.TerminateNodes(context.Background(), ids); err != nil {
				p.logger.Warn().Err(err).Msg("resumed node termination failed")
			}
		}(stuckNodes)
	}
	return nil
}
