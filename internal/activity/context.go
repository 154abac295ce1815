package activity

import (
	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/flow"
	"github.com/oriys/vela/internal/message"
)

// Context gives an activity access to its surroundings: sibling elements,
// connecting flows and the shared environment. It is implemented by the
// process layer that builds elements from a parsed definition.
type Context interface {
	Environment() *environment.Environment
	GetActivityByID(id string) *Activity
	GetInboundSequenceFlows(activityID string) []*flow.SequenceFlow
	GetOutboundSequenceFlows(activityID string) []*flow.SequenceFlow
	GetInboundAssociations(activityID string) []*flow.Association
	LoadExtensions(a *Activity) Extensions
}

// Behaviour performs the work of one activity kind. It receives execute
// messages from the execute queue and reports progress by publishing
// execute.* messages back on the execution exchange.
type Behaviour interface {
	Execute(msg *broker.Message)
}

// BehaviourFactory builds the behaviour for one activity instance.
type BehaviourFactory func(a *Activity) Behaviour

// Extensions hook into the run lifecycle: Activate on run.enter, Deactivate
// on run.leave. They may queue formatting fragments on the format-run
// exchange to amend run message content.
type Extensions interface {
	Activate(msg *broker.Message)
	Deactivate(msg *broker.Message)
}

// Definition declares one activity of the process graph.
type Definition struct {
	ID     string
	Type   string
	Name   string
	Parent message.Ident

	Behaviour BehaviourFactory

	IsParallelGateway bool
	IsSubProcess      bool
	IsMultiInstance   bool
	IsTransaction     bool
	IsThrowing        bool
	IsForCompensation bool
	TriggeredByEvent  bool

	// AttachedTo makes this activity a boundary event observing the named
	// activity's lifecycle.
	AttachedTo string
}
