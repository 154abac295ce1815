package broker

import (
	"time"

	"github.com/oriys/vela/internal/message"
)

// Fields is the delivery envelope of a message.
type Fields struct {
	RoutingKey  string `json:"routingKey"`
	Exchange    string `json:"exchange,omitempty"`
	Redelivered bool   `json:"redelivered,omitempty"`
	ConsumerTag string `json:"consumerTag,omitempty"`
}

// Properties carries publish metadata. Persistent messages participate in
// snapshots; transient ones are dropped by GetState and Recover.
type Properties struct {
	MessageID     string    `json:"messageId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Type          string    `json:"type,omitempty"`
	Persistent    bool      `json:"persistent"`
	Mandatory     bool      `json:"mandatory,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// Message is a queued or delivered message. Content is deep-cloned on every
// publish so consumers on different queues never share state. Ack, Nack and
// Reject are bound to the owning queue at delivery time.
type Message struct {
	Fields     Fields
	Content    *message.Content
	Properties Properties

	owner   *Queue
	pending bool
}

// Ack acknowledges the message, removing it from the queue.
func (m *Message) Ack() {
	if m.owner != nil {
		m.owner.consumed(m, opAck, false)
	}
}

// Nack returns the message to the queue head (requeue) or drops it.
// Requeued messages are redelivered with Fields.Redelivered set.
func (m *Message) Nack(requeue bool) {
	if m.owner != nil {
		m.owner.consumed(m, opNack, requeue)
	}
}

// Reject is Nack without batch semantics, kept for AMQP familiarity.
func (m *Message) Reject(requeue bool) {
	m.Nack(requeue)
}

type consumeOp int

const (
	opAck consumeOp = iota
	opNack
)
