package pd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/epum/pkg/types"
)

// Recover implements PD's half of C8: it starts a grace window in which
// silent resources get time to re-heartbeat before being treated as dead,
// clears the cached last-pushed need values, and logs how many resources
// the store holds and how many are enabled. Resources, processes and
// queue entries are not cached in memory; they are read fresh on the
// next Tick.
func (p *PD) Recover(ctx context.Context) error {
	p.mu.Lock()
	p.recoveredAt = time.Now()
	p.lastNeed = make(map[string]int)
	p.mu.Unlock()

	entries, err := p.st.List(ctx, resourcePrefix)
	if err != nil {
		return err
	}

	live := 0
	for _, e := range entries {
		var res types.Resource
		if err := json.Unmarshal(e.Value, &res); err != nil {
			continue
		}
		if res.Enabled {
			live++
		}
	}

	p.logger.Info().Int("resources", len(entries)).Int("enabled", live).Msg("pd recovery pass complete, grace window active before agent-death sweeps resume")
	return nil
}

// withinRecoveryGrace reports whether a silent resource should be
// excused from agent-death handling because PD itself only just
// recovered and hasn't had agentTO to hear from it yet.
func (p *PD) withinRecoveryGrace() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recoveredAt.IsZero() {
		return false
	}
	return time.Since(p.recoveredAt) < p.agentTO
}
