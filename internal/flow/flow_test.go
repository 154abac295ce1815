package flow

import (
	"testing"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/message"
)

func newTestFlow(t *testing.T, def Definition) *SequenceFlow {
	t.Helper()
	if def.ID == "" {
		def.ID = "flow1"
	}
	if def.SourceID == "" {
		def.SourceID = "taskA"
	}
	if def.TargetID == "" {
		def.TargetID = "taskB"
	}
	return NewSequenceFlow(def, environment.New(environment.Settings{}))
}

func collectEvents(f *SequenceFlow) *[]*broker.Message {
	var events []*broker.Message
	f.Broker().SubscribeTmp("event", "#", func(m *broker.Message) {
		events = append(events, m)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_test"})
	return &events
}

func TestSequenceFlow_Take(t *testing.T) {
	f := newTestFlow(t, Definition{})
	events := collectEvents(f)

	if !f.Take(&message.Content{}) {
		t.Fatalf("take failed")
	}

	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	m := (*events)[0]
	if m.Fields.RoutingKey != "flow.take" {
		t.Fatalf("expected flow.take, got %s", m.Fields.RoutingKey)
	}
	if m.Content.ID != "flow1" || m.Content.SourceID != "taskA" || m.Content.TargetID != "taskB" {
		t.Fatalf("flow identity missing: %+v", m.Content)
	}
	if !m.Content.IsSequenceFlow {
		t.Fatalf("expected isSequenceFlow")
	}
	if m.Content.SequenceID == "" {
		t.Fatalf("expected a sequence id")
	}
	if got := f.Counters(); got.Take != 1 {
		t.Fatalf("expected take counter 1, got %+v", got)
	}
}

func TestSequenceFlow_DiscardAppendsSource(t *testing.T) {
	f := newTestFlow(t, Definition{})
	events := collectEvents(f)

	f.Discard(&message.Content{DiscardSequence: []string{"earlier"}})

	m := (*events)[0]
	if m.Fields.RoutingKey != "flow.discard" {
		t.Fatalf("expected flow.discard, got %s", m.Fields.RoutingKey)
	}
	want := []string{"earlier", "taskA"}
	if len(m.Content.DiscardSequence) != 2 || m.Content.DiscardSequence[0] != want[0] || m.Content.DiscardSequence[1] != want[1] {
		t.Fatalf("expected discard sequence %v, got %v", want, m.Content.DiscardSequence)
	}
	if got := f.Counters(); got.Discard != 1 {
		t.Fatalf("expected discard counter 1, got %+v", got)
	}
}

func TestSequenceFlow_DiscardLoopDetected(t *testing.T) {
	f := newTestFlow(t, Definition{})
	events := collectEvents(f)

	// the discard already went through the target once
	f.Discard(&message.Content{DiscardSequence: []string{"taskB"}})

	m := (*events)[0]
	if m.Fields.RoutingKey != "flow.looped" {
		t.Fatalf("expected flow.looped, got %s", m.Fields.RoutingKey)
	}
	got := f.Counters()
	if got.Looped != 1 || got.Discard != 0 {
		t.Fatalf("expected looped counter only, got %+v", got)
	}
}

func TestSequenceFlow_ShakeAppendsSelf(t *testing.T) {
	f := newTestFlow(t, Definition{})
	events := collectEvents(f)

	f.Shake(&message.Content{Sequence: []message.Ident{{ID: "taskA", Type: "task"}}})

	m := (*events)[0]
	if m.Fields.RoutingKey != "flow.shake" {
		t.Fatalf("expected flow.shake, got %s", m.Fields.RoutingKey)
	}
	seq := m.Content.Sequence
	if len(seq) != 2 || seq[1].ID != "flow1" || seq[1].Type != "sequenceFlow" {
		t.Fatalf("expected flow appended to sequence, got %v", seq)
	}
	if m.Properties.Persistent {
		t.Fatalf("shake messages must be transient")
	}
}

func TestSequenceFlow_Evaluate(t *testing.T) {
	called := false
	f := newTestFlow(t, Definition{
		Condition: ConditionFunc(func(_ *broker.Message, cb func(error, any)) {
			called = true
			cb(nil, true)
		}),
	})
	if !f.HasCondition() {
		t.Fatalf("expected condition")
	}

	var result any
	f.Evaluate(&broker.Message{Content: &message.Content{}}, func(err error, r any) {
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		result = r
	})
	if !called || result != true {
		t.Fatalf("condition not executed: called=%v result=%v", called, result)
	}

	// no condition evaluates truthy
	plain := newTestFlow(t, Definition{ID: "plain"})
	plain.Evaluate(nil, func(err error, r any) {
		if err != nil || r != true {
			t.Fatalf("expected default truthy evaluation, got %v %v", err, r)
		}
	})
}

func TestSequenceFlow_StateRoundTrip(t *testing.T) {
	f := newTestFlow(t, Definition{})
	f.Take(&message.Content{})
	f.Take(&message.Content{})
	f.Discard(&message.Content{})

	state := f.GetState()

	fresh := newTestFlow(t, Definition{})
	fresh.Recover(state)
	if got := fresh.Counters(); got.Take != 2 || got.Discard != 1 {
		t.Fatalf("counters not recovered: %+v", got)
	}
}

func TestAssociation_TakeAndComplete(t *testing.T) {
	a := NewAssociation(Definition{ID: "assoc1", SourceID: "task", TargetID: "undo"},
		environment.New(environment.Settings{}))

	var events []*broker.Message
	a.Broker().SubscribeTmp("event", "association.#", func(m *broker.Message) {
		events = append(events, m)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_test"})

	a.Take(&message.Content{})
	a.Complete(&message.Content{})

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Fields.RoutingKey != "association.take" || events[1].Fields.RoutingKey != "association.complete" {
		t.Fatalf("unexpected routing keys %s, %s", events[0].Fields.RoutingKey, events[1].Fields.RoutingKey)
	}
	if !events[0].Content.IsAssociation {
		t.Fatalf("expected isAssociation")
	}
	got := a.Counters()
	if got.Take != 1 || got.Complete != 1 {
		t.Fatalf("unexpected counters %+v", got)
	}
}
