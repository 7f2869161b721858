package epum

import "context"

// Recover implements EPUM's half of C8: rebuild the domain set from the
// store and reset in-memory decision-engine caches. It deliberately does
// not re-issue any actions; the next regular Tick evaluates each domain
// fresh, so duplicate provision requests are absorbed by the
// provisioner's idempotence on launch_id rather than by anything done
// here.
func (e *EPUM) Recover(ctx context.Context) error {
	domains, err := e.ListDomains(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.engines = make(map[string]DecisionEngine, len(domains))
	e.mu.Unlock()

	for _, domain := range domains {
		engine, err := NewEngine(domain.Config.EngineClass)
		if err != nil {
			e.logger.Warn().Err(err).Str("domain_id", domain.DomainID).Msg("skipping domain with unknown engine class during recovery")
			continue
		}
		if err := engine.Initialize(domain.Config); err != nil {
			e.logger.Warn().Err(err).Str("domain_id", domain.DomainID).Msg("failed to initialize decision engine during recovery")
			continue
		}
		e.mu.Lock()
		e.engines[domain.DomainID] = engine
		e.mu.Unlock()
	}

	e.logger.Info().Int("domains", len(domains)).Msg("epum recovery pass complete")
	return nil
}
