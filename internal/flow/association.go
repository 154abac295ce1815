package flow

import (
	"log/slog"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/message"
)

// AssociationCounters tracks association outcomes.
type AssociationCounters struct {
	Take     int `json:"take"`
	Discard  int `json:"discard"`
	Complete int `json:"complete"`
}

// Association links a throwing element to a compensation handler activity.
// Unlike a sequence flow it is never evaluated; the source element takes it
// once per recorded compensable run and completes it when compensation is
// collected.
type Association struct {
	id       string
	sourceID string
	targetID string
	parent   message.Ident

	environment *environment.Environment
	broker      *broker.Broker
	logger      *slog.Logger
	counters    AssociationCounters
}

// NewAssociation creates an association with its own event broker.
func NewAssociation(def Definition, env *environment.Environment) *Association {
	a := &Association{
		id:          def.ID,
		sourceID:    def.SourceID,
		targetID:    def.TargetID,
		parent:      def.Parent,
		environment: env,
		broker:      broker.New(),
		logger:      logging.Element("association", def.ID),
	}
	a.broker.AssertExchange("event", broker.ExchangeTopic)
	return a
}

// ID returns the association id.
func (a *Association) ID() string { return a.id }

// Type returns the element type.
func (a *Association) Type() string { return "association" }

// SourceID returns the id of the throwing element.
func (a *Association) SourceID() string { return a.sourceID }

// TargetID returns the id of the compensation handler.
func (a *Association) TargetID() string { return a.targetID }

// Broker returns the association's event broker.
func (a *Association) Broker() *broker.Broker { return a.broker }

// Counters returns a copy of the association counters.
func (a *Association) Counters() AssociationCounters { return a.counters }

// Take records one compensable run on the target handler.
func (a *Association) Take(content *message.Content) bool {
	a.counters.Take++
	a.logger.Debug("take", "counters", a.counters)
	a.publishEvent("association.take", "take", content)
	return true
}

// Discard tells the target handler to drop its recorded runs.
func (a *Association) Discard(content *message.Content) {
	a.counters.Discard++
	a.logger.Debug("discard", "counters", a.counters)
	a.publishEvent("association.discard", "discard", content)
}

// Complete triggers compensation of the recorded runs on the target.
func (a *Association) Complete(content *message.Content) {
	a.counters.Complete++
	a.logger.Debug("complete", "counters", a.counters)
	a.publishEvent("association.complete", "complete", content)
}

func (a *Association) publishEvent(routingKey, action string, content *message.Content) {
	out := content.Clone()
	if out == nil {
		out = &message.Content{}
	}
	out.ID = a.id
	out.Type = a.Type()
	out.SourceID = a.sourceID
	out.TargetID = a.targetID
	out.Action = action
	out.IsAssociation = true
	if out.Parent == nil && a.parent.ID != "" {
		out.Parent = &message.Parent{ID: a.parent.ID, Type: a.parent.Type}
	}
	if out.SequenceID == "" {
		out.SequenceID = message.UniqueID(a.id + "_" + action)
	}
	a.broker.Publish("event", routingKey, out, broker.PublishOptions{Type: action})
}

// AssociationState is a serializable association snapshot.
type AssociationState struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Counters AssociationCounters `json:"counters"`
	Broker   *broker.State       `json:"broker,omitempty"`
}

// GetState snapshots the association counters and broker.
func (a *Association) GetState() *AssociationState {
	return &AssociationState{
		ID:       a.id,
		Type:     a.Type(),
		Counters: a.counters,
		Broker:   a.broker.GetState(true),
	}
}

// Recover restores counters and broker state.
func (a *Association) Recover(state *AssociationState) {
	if state == nil {
		return
	}
	a.counters = state.Counters
	a.broker.Recover(state.Broker)
}
