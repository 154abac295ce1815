// Package flow implements the directed edges of the process graph:
// sequence flows between activities and compensation associations. Each
// edge owns a small event broker that downstream activities subscribe to.
package flow

import (
	"log/slog"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/message"
)

// Condition guards a sequence flow. Execute may complete synchronously or
// asynchronously; it reports a truthy result to take the flow.
type Condition interface {
	Execute(msg *broker.Message, callback func(err error, result any))
}

// ConditionFunc adapts a function to the Condition interface.
type ConditionFunc func(msg *broker.Message, callback func(err error, result any))

// Execute implements Condition.
func (f ConditionFunc) Execute(msg *broker.Message, callback func(err error, result any)) {
	f(msg, callback)
}

// Definition declares a sequence flow.
type Definition struct {
	ID        string
	Name      string
	SourceID  string
	TargetID  string
	IsDefault bool
	Condition Condition
	Parent    message.Ident
}

// Counters tracks flow outcomes across the element's lifetime.
type Counters struct {
	Take    int `json:"take"`
	Discard int `json:"discard"`
	Looped  int `json:"looped"`
}

// SequenceFlow is a directed edge between two activities.
type SequenceFlow struct {
	id        string
	name      string
	sourceID  string
	targetID  string
	isDefault bool
	condition Condition
	parent    message.Ident

	environment *environment.Environment
	broker      *broker.Broker
	logger      *slog.Logger
	counters    Counters
}

// NewSequenceFlow creates a sequence flow with its own event broker.
func NewSequenceFlow(def Definition, env *environment.Environment) *SequenceFlow {
	f := &SequenceFlow{
		id:          def.ID,
		name:        def.Name,
		sourceID:    def.SourceID,
		targetID:    def.TargetID,
		isDefault:   def.IsDefault,
		condition:   def.Condition,
		parent:      def.Parent,
		environment: env,
		broker:      broker.New(),
		logger:      logging.Element("sequenceFlow", def.ID),
	}
	f.broker.AssertExchange("event", broker.ExchangeTopic)
	return f
}

// ID returns the flow id.
func (f *SequenceFlow) ID() string { return f.id }

// Type returns the element type.
func (f *SequenceFlow) Type() string { return "sequenceFlow" }

// Name returns the flow name.
func (f *SequenceFlow) Name() string { return f.name }

// SourceID returns the id of the activity this flow leaves.
func (f *SequenceFlow) SourceID() string { return f.sourceID }

// TargetID returns the id of the activity this flow enters.
func (f *SequenceFlow) TargetID() string { return f.targetID }

// IsDefault reports whether this is the source activity's default flow.
func (f *SequenceFlow) IsDefault() bool { return f.isDefault }

// HasCondition reports whether a condition guards the flow.
func (f *SequenceFlow) HasCondition() bool { return f.condition != nil }

// Broker returns the flow's event broker.
func (f *SequenceFlow) Broker() *broker.Broker { return f.broker }

// Counters returns a copy of the flow counters.
func (f *SequenceFlow) Counters() Counters { return f.counters }

// Take signals the flow as taken, waking the target activity.
func (f *SequenceFlow) Take(content *message.Content) bool {
	f.counters.Take++
	f.logger.Debug("take", "counters", f.counters)
	f.publishEvent("flow.take", "take", content)
	return true
}

// Discard signals the flow as discarded. A discard whose discardSequence
// already contains the target activity has looped back and is swallowed to
// stop infinite discard circles.
func (f *SequenceFlow) Discard(content *message.Content) {
	if content != nil {
		for _, id := range content.DiscardSequence {
			if id == f.targetID {
				f.counters.Looped++
				f.logger.Debug("discard loop detected", "target", f.targetID)
				f.publishEvent("flow.looped", "looped", content)
				return
			}
		}
	}
	f.counters.Discard++
	f.logger.Debug("discard", "counters", f.counters)
	out := content.Clone()
	if out == nil {
		out = &message.Content{}
	}
	out.DiscardSequence = append(out.DiscardSequence, f.sourceID)
	f.publishEvent("flow.discard", "discard", out)
}

// Shake continues a dry-run traversal across this flow, appending the flow
// to the visited sequence. Shake messages are transient.
func (f *SequenceFlow) Shake(shakeContent *message.Content) {
	content := shakeContent.Clone()
	if content == nil {
		content = &message.Content{}
	}
	content.Sequence = append(content.Sequence, message.Ident{ID: f.id, Type: f.Type()})
	f.fillIdentity(content, "shake")
	f.broker.Publish("event", "flow.shake", content, broker.PublishOptions{Transient: true, Type: "shake"})
}

// Evaluate executes the flow condition against the message. Flows without
// a condition evaluate truthy.
func (f *SequenceFlow) Evaluate(msg *broker.Message, callback func(err error, result any)) {
	if f.condition == nil {
		callback(nil, true)
		return
	}
	f.condition.Execute(msg, callback)
}

func (f *SequenceFlow) publishEvent(routingKey, action string, content *message.Content) {
	out := content.Clone()
	if out == nil {
		out = &message.Content{}
	}
	f.fillIdentity(out, action)
	f.broker.Publish("event", routingKey, out, broker.PublishOptions{Type: action})
}

func (f *SequenceFlow) fillIdentity(content *message.Content, action string) {
	content.ID = f.id
	content.Type = f.Type()
	content.Name = f.name
	content.SourceID = f.sourceID
	content.TargetID = f.targetID
	content.Action = action
	content.IsSequenceFlow = true
	if content.Parent == nil && f.parent.ID != "" {
		content.Parent = &message.Parent{ID: f.parent.ID, Type: f.parent.Type}
	}
	if content.SequenceID == "" {
		content.SequenceID = message.UniqueID(f.id + "_" + action)
	}
}

// State is a serializable sequence flow snapshot.
type State struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Counters Counters      `json:"counters"`
	Broker   *broker.State `json:"broker,omitempty"`
}

// GetState snapshots the flow counters and broker.
func (f *SequenceFlow) GetState() *State {
	return &State{
		ID:       f.id,
		Type:     f.Type(),
		Counters: f.counters,
		Broker:   f.broker.GetState(true),
	}
}

// Recover restores counters and broker state.
func (f *SequenceFlow) Recover(state *State) {
	if state == nil {
		return
	}
	f.counters = state.Counters
	f.broker.Recover(state.Broker)
}
