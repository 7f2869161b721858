package epum

import (
	"context"
	"time"

	"github.com/cuemby/epum/pkg/provisioner"
	"github.com/cuemby/epum/pkg/types"
	"github.com/google/uuid"
)

// Run starts the per-domain tick loop, ticking every interval until ctx
// is cancelled. Only the elected epum_doer should call Run.
func (e *EPUM) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every RUNNING domain: for a domain with HealthCheck set
// it first runs health monitoring over the domain's instances, then it
// runs the domain's decision engine and executes the resulting actions.
func (e *EPUM) Tick(ctx context.Context) {
	start := time.Now()
	domains, err := e.ListDomains(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to list domains for tick")
		return
	}

	for _, domain := range domains {
		if domain.State != types.DomainRunning {
			continue
		}
		e.tickDomain(ctx, domain)
	}
	e.logger.Debug().Dur("elapsed", time.Since(start)).Int("domains", len(domains)).Msg("epum tick complete")
}

func (e *EPUM) tickDomain(ctx context.Context, domain types.Domain) {
	logger := e.logger.With().Str("domain_id", domain.DomainID).Logger()

	e.mu.Lock()
	engine, ok := e.engines[domain.DomainID]
	e.mu.Unlock()
	if !ok {
		var err error
		engine, err = NewEngine(domain.Config.EngineClass)
		if err != nil {
			logger.Warn().Err(err).Msg("cannot instantiate decision engine")
			return
		}
		if err := engine.Initialize(domain.Config); err != nil {
			logger.Warn().Err(err).Msg("cannot initialize decision engine")
			return
		}
		e.mu.Lock()
		e.engines[domain.DomainID] = engine
		e.mu.Unlock()
	}

	instances, err := e.instancesForDomain(ctx, domain.DomainID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list domain instances")
		return
	}

	if domain.HealthCheck {
		instances = e.monitorHealth(ctx, domain, instances)
	}

	actions, err := engine.Decide(DomainSnapshot{DomainID: domain.DomainID, Config: domain.Config, Instances: instances})
	if err != nil {
		logger.Warn().Err(err).Msg("decision engine returned an error")
		return
	}

	for _, action := range actions {
		switch action.Kind {
		case ActionProvision:
			e.executeProvisionAction(ctx, domain, action.Count)
		case ActionTerminate:
			if len(action.InstanceIDs) == 0 {
				continue
			}
			if err := e.prov.TerminateNodes(ctx, action.InstanceIDs); err != nil {
				logger.Warn().Err(err).Msg("terminate action failed")
			}
		}
	}
}

func (e *EPUM) executeProvisionAction(ctx context.Context, domain types.Domain, count int) {
	if count <= 0 {
		return
	}
	launchID := uuid.NewString()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, uuid.NewString())
	}

	dt, _ := domain.Config.Extra["deployable_type"].(string)
	site, _ := domain.Config.Extra["site"].(string)
	allocation := ""
	if spec, err := e.reg.Get(domain.EngineID); err == nil {
		allocation = spec.IaaSAllocation
	}

	req := provisioner.ProvisionRequest{
		LaunchID:       launchID,
		DomainID:       domain.DomainID,
		InstanceIDs:    ids,
		DeployableType: dt,
		Subscribers:    domain.Subscribers,
		Site:           site,
		Allocation:     allocation,
	}
	if err := e.prov.Provision(ctx, req); err != nil {
		e.logger.Warn().Err(err).Str("domain_id", domain.DomainID).Msg("provision action failed")
	}
}

// monitorHealth marks instances whose heartbeat is older than
// heartbeatTimeout as MISSING, and terminates those that have stayed
// MISSING past the configured grace period.
func (e *EPUM) monitorHealth(ctx context.Context, domain types.Domain, instances []types.Instance) []types.Instance {
	now := time.Now()
	var toTerminate []string
	out := make([]types.Instance, 0, len(instances))

	for _, inst := range instances {
		if inst.State != types.InstanceRunning || inst.LastHeartbeat.IsZero() {
			out = append(out, inst)
			continue
		}
		age := now.Sub(inst.LastHeartbeat)
		switch {
		case age > e.heartbeatTO+e.grace:
			toTerminate = append(toTerminate, inst.InstanceID)
			inst.Health = "MISSING_EXPIRED"
		case age > e.heartbeatTO:
			inst.Health = "MISSING"
		}
		out = append(out, inst)
	}

	if len(toTerminate) > 0 {
		if err := e.prov.TerminateNodes(ctx, toTerminate); err != nil {
			e.logger.Warn().Err(err).Msg("health-triggered termination failed")
		}
	}
	return out
}
