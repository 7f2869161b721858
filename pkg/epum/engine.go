package epum

import (
	"fmt"
	"sort"

	"github.com/cuemby/epum/pkg/types"
)

// ActionKind is what a decision engine asks EPUM's tick loop to do.
type ActionKind string

const (
	ActionProvision ActionKind = "provision"
	ActionTerminate ActionKind = "terminate"
)

// Action is one unit of work a decision engine's Decide returns.
type Action struct {
	Kind        ActionKind
	Count       int      // for ActionProvision: how many new instances to request
	InstanceIDs []string // for ActionTerminate: which existing instances to terminate
}

// DomainSnapshot is the read-only view a decision engine evaluates each
// tick: its own config plus the current instance set.
type DomainSnapshot struct {
	DomainID  string
	Config    types.DomainConfig
	Instances []types.Instance
}

// DecisionEngine is the pluggable capability set from the design notes:
// initialize(conf), decide(state) -> actions, reconfigure(patch).
// Implementations must be safe for reuse across ticks for the same
// domain; EPUM holds one instance per domain.
type DecisionEngine interface {
	Initialize(conf types.DomainConfig) error
	Decide(snapshot DomainSnapshot) ([]Action, error)
	Reconfigure(patch map[string]any) error
}

// Factory constructs a fresh DecisionEngine instance for one domain.
type Factory func() DecisionEngine

var engineClasses = map[string]Factory{
	"simplest": func() DecisionEngine { return &SimplestEngine{} },
}

// RegisterEngineClass adds (or replaces) a decision-engine class under
// name, making it selectable via DomainConfig.EngineClass.
func RegisterEngineClass(name string, factory Factory) {
	engineClasses[name] = factory
}

// NewEngine instantiates the decision engine named by class, or an error
// if class is unknown.
func NewEngine(class string) (DecisionEngine, error) {
	factory, ok := engineClasses[class]
	if !ok {
		return nil, fmt.Errorf("unknown decision engine class %q", class)
	}
	return factory(), nil
}

// SimplestEngine is the default decision engine: it targets preserve_n
// running instances, as described in §4.5.
//
//  1. Count instances in REQUESTED|PENDING|STARTED.
//  2. If count < preserve_n: provision the shortfall.
//  3. If count > preserve_n: terminate the surplus, preferring REQUESTED
//     over PENDING over STARTED, tie-broken by oldest.
//  4. Any instance FAILED or with stale health: terminate.
type SimplestEngine struct {
	preserveN int
}

func (e *SimplestEngine) Initialize(conf types.DomainConfig) error {
	e.preserveN = conf.PreserveN
	return nil
}

func (e *SimplestEngine) Reconfigure(patch map[string]any) error {
	if n, ok := patch["preserve_n"]; ok {
		switch v := n.(type) {
		case int:
			e.preserveN = v
		case float64:
			e.preserveN = int(v)
		}
	}
	return nil
}

var progressStates = map[types.InstanceState]bool{
	types.InstanceRequested: true,
	types.InstancePending:   true,
	types.InstanceStarted:   true,
}

// statePriority ranks REQUESTED as the cheapest instance to discard
// (least IaaS cost sunk), then PENDING, then STARTED.
var statePriority = map[types.InstanceState]int{
	types.InstanceRequested: 0,
	types.InstancePending:   1,
	types.InstanceStarted:   2,
}

func (e *SimplestEngine) Decide(snapshot DomainSnapshot) ([]Action, error) {
	var actions []Action

	var progressing []types.Instance
	var failedOrStale []string
	for _, inst := range snapshot.Instances {
		if inst.State == types.InstanceFailed || inst.Health == "MISSING_EXPIRED" {
			failedOrStale = append(failedOrStale, inst.InstanceID)
			continue
		}
		if progressStates[inst.State] {
			progressing = append(progressing, inst)
		}
	}

	if len(failedOrStale) > 0 {
		actions = append(actions, Action{Kind: ActionTerminate, InstanceIDs: failedOrStale})
	}

	count := len(progressing)
	if count < e.preserveN {
		actions = append(actions, Action{Kind: ActionProvision, Count: e.preserveN - count})
	} else if count > e.preserveN {
		surplus := count - e.preserveN
		sort.Slice(progressing, func(i, j int) bool {
			pi, pj := statePriority[progressing[i].State], statePriority[progressing[j].State]
			if pi != pj {
				return pi < pj
			}
			return progressing[i].CreatedAt.Before(progressing[j].CreatedAt)
		})
		ids := make([]string, 0, surplus)
		for i := 0; i < surplus; i++ {
			ids = append(ids, progressing[i].InstanceID)
		}
		actions = append(actions, Action{Kind: ActionTerminate, InstanceIDs: ids})
	}

	return actions, nil
}
