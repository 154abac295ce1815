package broker

import (
	"fmt"
	"sort"

	"github.com/oriys/vela/internal/message"
)

// QueueOptions controls queue durability. Durable queues participate in
// GetState/Recover; autoDelete queues are removed when their last consumer
// cancels.
type QueueOptions struct {
	Durable    bool `json:"durable"`
	AutoDelete bool `json:"autoDelete,omitempty"`
}

// ConsumeOptions controls a single consumer. Prefetch bounds outstanding
// unacked deliveries (default 1). NoAck acknowledges on delivery. Exclusive
// blocks other consumers from the queue. Higher Priority consumers are
// offered messages first.
type ConsumeOptions struct {
	NoAck       bool
	ConsumerTag string
	Prefetch    int
	Priority    int
	Exclusive   bool
}

// Handler consumes a delivered message. Delivery is synchronous and
// single-threaded: a handler may publish and ack freely, the queue drains
// iteratively without re-entering an in-flight consumer.
type Handler func(*Message)

// Consumer is an active subscription on one queue.
type Consumer struct {
	Tag     string
	queue   *Queue
	handler Handler
	opts    ConsumeOptions
	unacked int
	stopped bool
}

func (c *Consumer) capacity() bool {
	return !c.stopped && c.unacked < c.opts.Prefetch
}

// Queue is a FIFO message queue with ack/redeliver semantics.
type Queue struct {
	name       string
	options    QueueOptions
	broker     *Broker
	messages   []*Message
	consumers  []*Consumer
	delivering bool
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Options returns the queue options.
func (q *Queue) Options() QueueOptions { return q.options }

// MessageCount counts queued messages, delivered-but-unacked included.
func (q *Queue) MessageCount() int { return len(q.messages) }

// ConsumerCount counts active consumers.
func (q *Queue) ConsumerCount() int { return len(q.consumers) }

// Peek returns the head message without delivering it, or nil. When
// includeDelivered is false, messages awaiting ack are skipped.
func (q *Queue) Peek(includeDelivered bool) *Message {
	for _, m := range q.messages {
		if m.pending && !includeDelivered {
			continue
		}
		return m
	}
	return nil
}

// QueueMessage appends a message directly to the queue, bypassing exchange
// routing, and triggers delivery.
func (q *Queue) QueueMessage(fields Fields, content *message.Content, props Properties) {
	m := &Message{Fields: fields, Content: content, Properties: props, owner: q}
	q.messages = append(q.messages, m)
	q.deliverPending()
}

// Purge drops queued messages that are not awaiting ack and returns how
// many were removed. In-flight messages survive so their consumers can
// still read and settle them.
func (q *Queue) Purge() int {
	kept := q.messages[:0]
	purged := 0
	for _, m := range q.messages {
		if m.pending {
			kept = append(kept, m)
		} else {
			purged++
		}
	}
	q.messages = kept
	return purged
}

// AddConsumer attaches a consumer. It errors when an exclusive consumer is
// present, when exclusivity is requested on a busy queue, or when the
// consumer tag is already taken on this queue.
func (q *Queue) AddConsumer(handler Handler, opts ConsumeOptions) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("queue %s: nil consumer handler", q.name)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = newConsumerTag()
	}
	for _, c := range q.consumers {
		if c.opts.Exclusive || opts.Exclusive {
			return nil, fmt.Errorf("queue %s is exclusively consumed by %s", q.name, c.Tag)
		}
		if c.Tag == opts.ConsumerTag {
			return nil, fmt.Errorf("consumer tag %s is already taken on queue %s", opts.ConsumerTag, q.name)
		}
	}
	consumer := &Consumer{Tag: opts.ConsumerTag, queue: q, handler: handler, opts: opts}
	q.consumers = append(q.consumers, consumer)
	sort.SliceStable(q.consumers, func(i, j int) bool {
		return q.consumers[i].opts.Priority > q.consumers[j].opts.Priority
	})
	q.deliverPending()
	return consumer, nil
}

// consumer returns the consumer with the given tag, or nil.
func (q *Queue) consumer(tag string) *Consumer {
	for _, c := range q.consumers {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// cancel removes the consumer with the given tag. Its unacked messages are
// returned to their queue positions and flagged redelivered. When the last
// consumer leaves an autoDelete queue the queue itself is deleted.
func (q *Queue) cancel(tag string) bool {
	for i, c := range q.consumers {
		if c.Tag != tag {
			continue
		}
		c.stopped = true
		q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
		for _, m := range q.messages {
			if m.pending && m.Fields.ConsumerTag == tag {
				m.pending = false
				m.Fields.Redelivered = true
				m.Fields.ConsumerTag = ""
			}
		}
		if len(q.consumers) == 0 && q.options.AutoDelete && q.broker != nil {
			q.broker.deleteQueue(q.name)
		} else {
			q.deliverPending()
		}
		return true
	}
	return false
}

func (q *Queue) nextDeliverable() *Message {
	for _, m := range q.messages {
		if !m.pending {
			return m
		}
	}
	return nil
}

func (q *Queue) nextConsumer() *Consumer {
	for _, c := range q.consumers {
		if c.capacity() {
			return c
		}
	}
	return nil
}

// deliverPending drains the queue to consumers with capacity. The loop is
// guarded against re-entry: publishes and acks issued from inside a handler
// enqueue work that the active loop picks up, which keeps per-queue
// delivery strictly sequential.
func (q *Queue) deliverPending() {
	if q.delivering {
		return
	}
	q.delivering = true
	defer func() { q.delivering = false }()

	for {
		m := q.nextDeliverable()
		if m == nil {
			return
		}
		c := q.nextConsumer()
		if c == nil {
			return
		}
		m.Fields.ConsumerTag = c.Tag
		if c.opts.NoAck {
			q.remove(m)
			m.owner = nil
		} else {
			m.pending = true
			c.unacked++
		}
		c.handler(m)
	}
}

func (q *Queue) remove(m *Message) bool {
	for i, qm := range q.messages {
		if qm == m {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) consumed(m *Message, op consumeOp, requeue bool) {
	if !m.pending {
		return
	}
	m.pending = false
	if c := q.consumer(m.Fields.ConsumerTag); c != nil {
		c.unacked--
	}
	switch op {
	case opAck:
		q.remove(m)
		m.owner = nil
	case opNack:
		if requeue {
			m.Fields.Redelivered = true
			m.Fields.ConsumerTag = ""
		} else {
			q.remove(m)
			m.owner = nil
		}
	}
	q.deliverPending()
}
