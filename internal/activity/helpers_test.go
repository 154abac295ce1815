package activity

import (
	"fmt"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/flow"
	"github.com/oriys/vela/internal/message"
)

// testContext wires flows and activities into a minimal process graph.
// Flows must be declared before the activities they connect.
type testContext struct {
	env          *environment.Environment
	activities   map[string]*Activity
	order        []string
	flows        []*flow.SequenceFlow
	associations []*flow.Association
}

func newTestContext() *testContext {
	return &testContext{
		env:        environment.New(environment.Settings{}),
		activities: make(map[string]*Activity),
	}
}

func (c *testContext) Environment() *environment.Environment { return c.env }

func (c *testContext) GetActivityByID(id string) *Activity { return c.activities[id] }

func (c *testContext) GetInboundSequenceFlows(activityID string) []*flow.SequenceFlow {
	var out []*flow.SequenceFlow
	for _, f := range c.flows {
		if f.TargetID() == activityID {
			out = append(out, f)
		}
	}
	return out
}

func (c *testContext) GetOutboundSequenceFlows(activityID string) []*flow.SequenceFlow {
	var out []*flow.SequenceFlow
	for _, f := range c.flows {
		if f.SourceID() == activityID {
			out = append(out, f)
		}
	}
	return out
}

func (c *testContext) GetInboundAssociations(activityID string) []*flow.Association {
	var out []*flow.Association
	for _, a := range c.associations {
		if a.TargetID() == activityID {
			out = append(out, a)
		}
	}
	return out
}

func (c *testContext) LoadExtensions(*Activity) Extensions { return nil }

func (c *testContext) flow(id, source, target string) *flow.SequenceFlow {
	return c.conditionalFlow(id, source, target, false, nil)
}

func (c *testContext) conditionalFlow(id, source, target string, isDefault bool, cond flow.Condition) *flow.SequenceFlow {
	f := flow.NewSequenceFlow(flow.Definition{
		ID:        id,
		SourceID:  source,
		TargetID:  target,
		IsDefault: isDefault,
		Condition: cond,
	}, c.env)
	c.flows = append(c.flows, f)
	return f
}

func (c *testContext) association(id, source, target string) *flow.Association {
	a := flow.NewAssociation(flow.Definition{ID: id, SourceID: source, TargetID: target}, c.env)
	c.associations = append(c.associations, a)
	return a
}

func (c *testContext) activity(def Definition) *Activity {
	a := New(def, c)
	c.activities[def.ID] = a
	c.order = append(c.order, def.ID)
	return a
}

func (c *testContext) activateAll() {
	for _, id := range c.order {
		c.activities[id].Activate()
	}
}

type behaviourFunc func(*broker.Message)

func (f behaviourFunc) Execute(m *broker.Message) { f(m) }

// autoComplete completes on start without external input.
func autoComplete() BehaviourFactory {
	return func(a *Activity) Behaviour {
		return behaviourFunc(func(m *broker.Message) {
			switch m.Fields.RoutingKey {
			case "execute.start", "execute.resume":
				a.Broker().Publish("execution", "execute.completed", m.Content.Clone(),
					broker.PublishOptions{Type: "completed"})
			}
		})
	}
}

// waitForSignal parks on a wait state; the signal payload becomes the run
// output.
func waitForSignal() BehaviourFactory {
	return func(a *Activity) Behaviour {
		return behaviourFunc(func(m *broker.Message) {
			switch m.Fields.RoutingKey {
			case "execute.start", "execute.resume":
				a.Broker().Publish("execution", "execute.wait", m.Content.Clone(),
					broker.PublishOptions{Type: "wait"})
			case "execute.signal":
				content := m.Content.Clone()
				content.Output = m.Content.Message
				a.Broker().Publish("execution", "execute.completed", content,
					broker.PublishOptions{Type: "completed"})
			}
		})
	}
}

// takeOutbound delegates outbound selection to the activity, the way
// gateway behaviours do.
func takeOutbound(takeOne bool) BehaviourFactory {
	return func(a *Activity) Behaviour {
		return behaviourFunc(func(m *broker.Message) {
			switch m.Fields.RoutingKey {
			case "execute.start", "execute.resume":
				content := m.Content.Clone()
				content.OutboundTakeOne = takeOne
				a.Broker().Publish("execution", "execution.outbound.take", content,
					broker.PublishOptions{Type: "outbound"})
			}
		})
	}
}

// multiInstanceBehaviour fans one run out into cardinality child scopes.
// Sequential mode completes each child before spawning the next; parallel
// mode parks every child on a wait state and completes them on signals
// carrying the child index. Child outputs aggregate onto the root
// completion in index order.
type multiInstanceBehaviour struct {
	activity    *Activity
	cardinality int
	parallel    bool

	rootContent *message.Content
	childIDs    []string
	outputs     []any
	done        int
}

func multiInstance(cardinality int, parallel bool) BehaviourFactory {
	return func(a *Activity) Behaviour {
		return &multiInstanceBehaviour{activity: a, cardinality: cardinality, parallel: parallel}
	}
}

func (b *multiInstanceBehaviour) Execute(m *broker.Message) {
	switch m.Fields.RoutingKey {
	case "execute.start", "execute.resume":
		if m.Content.IsRootScope {
			b.rootContent = m.Content.Clone()
			b.childIDs = make([]string, b.cardinality)
			b.outputs = make([]any, b.cardinality)
			b.done = 0
			if b.parallel {
				for i := 0; i < b.cardinality; i++ {
					b.spawn(i)
				}
				return
			}
			b.spawn(0)
			return
		}
		idx := m.Content.Index - 1
		if b.parallel {
			b.activity.Broker().Publish("execution", "execute.wait", m.Content.Clone(),
				broker.PublishOptions{Type: "wait"})
			return
		}
		b.completeChild(idx)
	case "execute.signal":
		idx, _ := m.Content.Message["index"].(int)
		b.completeChild(idx)
	}
}

func (b *multiInstanceBehaviour) spawn(idx int) {
	content := b.rootContent.Clone()
	content.IsRootScope = false
	content.ExecutionID = message.UniqueID("child")
	content.Index = idx + 1
	b.childIDs[idx] = content.ExecutionID
	b.activity.Broker().Publish("execution", "execute.start", content,
		broker.PublishOptions{Type: "start"})
}

func (b *multiInstanceBehaviour) completeChild(idx int) {
	if idx < 0 || idx >= b.cardinality || b.outputs[idx] != nil {
		return
	}
	out := fmt.Sprintf("item-%d", idx+1)
	b.outputs[idx] = out
	b.done++
	child := &message.Content{ExecutionID: b.childIDs[idx], Index: idx + 1, Output: out}
	b.activity.Broker().Publish("execution", "execute.completed", child,
		broker.PublishOptions{Type: "completed"})
	if !b.parallel && b.done < b.cardinality {
		b.spawn(b.done)
		return
	}
	if b.done == b.cardinality {
		root := b.rootContent.Clone()
		root.Output = append([]any(nil), b.outputs...)
		b.activity.Broker().Publish("execution", "execute.completed", root,
			broker.PublishOptions{Type: "completed"})
	}
}

func condTrue() flow.Condition {
	return flow.ConditionFunc(func(_ *broker.Message, cb func(error, any)) { cb(nil, true) })
}

func condFalse() flow.Condition {
	return flow.ConditionFunc(func(_ *broker.Message, cb func(error, any)) { cb(nil, false) })
}

func condError(err error) flow.Condition {
	return flow.ConditionFunc(func(_ *broker.Message, cb func(error, any)) { cb(err, nil) })
}

func newContentMessage() *broker.Message {
	return &broker.Message{Content: &message.Content{}}
}

// recordEvents collects every activity.* event published by a.
func recordEvents(a *Activity) *[]*broker.Message {
	var events []*broker.Message
	a.Broker().SubscribeTmp("event", "activity.#", func(m *broker.Message) {
		events = append(events, m)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_recorder"})
	return &events
}

func eventKeys(events []*broker.Message) []string {
	out := make([]string, 0, len(events))
	for _, m := range events {
		out = append(out, m.Fields.RoutingKey[len("activity."):])
	}
	return out
}

func eventContent(events []*broker.Message, key string) *message.Content {
	for _, m := range events {
		if m.Fields.RoutingKey == "activity."+key {
			return m.Content
		}
	}
	return nil
}
