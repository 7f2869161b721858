/*
Package log provides structured logging for every control-loop
component, via github.com/rs/zerolog exactly as the teacher's pkg/log
does: a global zerolog.Logger, Init(Config) to pick JSON or console
output and level, and With* helpers that attach a scoped field.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	pdLog := log.WithComponent("pd")
	pdLog.Info().Str("upid", upid).Msg("dispatched process")

WithComponent scopes a logger to one subsystem (epum, pd, provisioner,
agent, reconciler). WithRole scopes to one doer role (epum_doer, pd_doer,
provisioner_doer). WithDomainID, WithUPID, and WithLaunchID scope to one
EPUM domain, PD process, or provisioner launch respectively, the way the
teacher's log package scoped to node/service/task IDs.
*/
package log
