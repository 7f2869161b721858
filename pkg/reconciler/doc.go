// Package reconciler drives the three doer ticks (EPUM tick, PD tick,
// provisioner query pass, preceded by the provisioner's recovery pass each
// time this replica gains that role) on a fixed interval, one goroutine
// per role, each gated on that role's leadership so only the elected
// replica mutates state.
package reconciler
