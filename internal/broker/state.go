package broker

import "github.com/oriys/vela/internal/message"

// State is a serializable broker snapshot. Only durable exchanges, queues
// and persistent messages are captured. Messages that were delivered but
// not acked at snapshot time reappear at their queue position flagged
// redelivered, which is what lets a recovered element resume from its last
// unacked state message.
type State struct {
	Exchanges []ExchangeState `json:"exchanges,omitempty"`
	Queues    []QueueState    `json:"queues,omitempty"`
}

// ExchangeState snapshots one exchange and its durable bindings.
type ExchangeState struct {
	Name     string         `json:"name"`
	Kind     ExchangeKind   `json:"type"`
	Bindings []BindingState `json:"bindings,omitempty"`
}

// BindingState snapshots one binding to a durable queue.
type BindingState struct {
	Queue   string `json:"queueName"`
	Pattern string `json:"pattern"`
}

// QueueState snapshots one durable queue.
type QueueState struct {
	Name     string         `json:"name"`
	Options  QueueOptions   `json:"options"`
	Messages []MessageState `json:"messages,omitempty"`
}

// MessageState snapshots one persistent message.
type MessageState struct {
	Fields     Fields           `json:"fields"`
	Content    *message.Content `json:"content,omitempty"`
	Properties Properties       `json:"properties"`
}

// GetState snapshots the broker. With durableOnly (the normal mode) only
// durable queues and their bindings are captured; transient queues,
// subscriptions and non-persistent messages are dropped.
func (b *Broker) GetState(durableOnly bool) *State {
	state := &State{}

	durable := func(q *Queue) bool {
		return !durableOnly || q.options.Durable
	}

	for _, name := range b.queueOrder {
		q := b.queues[name]
		if q == nil || !durable(q) {
			continue
		}
		qs := QueueState{Name: q.name, Options: q.options}
		for _, m := range q.messages {
			if durableOnly && !m.Properties.Persistent {
				continue
			}
			fields := m.Fields
			if m.pending {
				fields.Redelivered = true
				fields.ConsumerTag = ""
			}
			qs.Messages = append(qs.Messages, MessageState{
				Fields:     fields,
				Content:    m.Content.Clone(),
				Properties: m.Properties,
			})
		}
		state.Queues = append(state.Queues, qs)
	}

	for _, name := range b.exchangeOrder {
		e := b.exchanges[name]
		if e == nil {
			continue
		}
		es := ExchangeState{Name: e.name, Kind: e.kind}
		for _, bind := range e.bindings {
			if !durable(bind.queue) {
				continue
			}
			es.Bindings = append(es.Bindings, BindingState{Queue: bind.queue.name, Pattern: bind.pattern})
		}
		state.Exchanges = append(state.Exchanges, es)
	}

	return state
}

// Recover restores exchanges, queues, bindings and undelivered messages
// from a snapshot. Queues already declared keep their consumers; recovered
// messages replace their message lists.
func (b *Broker) Recover(state *State) {
	if state == nil {
		return
	}
	for _, qs := range state.Queues {
		q := b.AssertQueue(qs.Name, qs.Options)
		q.messages = q.messages[:0]
		for _, ms := range qs.Messages {
			q.messages = append(q.messages, &Message{
				Fields:     ms.Fields,
				Content:    ms.Content.Clone(),
				Properties: ms.Properties,
				owner:      q,
			})
		}
	}
	for _, es := range state.Exchanges {
		e := b.AssertExchange(es.Name, es.Kind)
		for _, bs := range es.Bindings {
			if q := b.GetQueue(bs.Queue); q != nil {
				e.bind(q, bs.Pattern)
			}
		}
	}
	// Deliver whatever became consumable.
	for _, qs := range state.Queues {
		if q := b.GetQueue(qs.Name); q != nil {
			q.deliverPending()
		}
	}
}
