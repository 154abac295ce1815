// Package broker implements the in-process topic broker owned by a single
// workflow element. It supplies exchanges, durable and transient queues,
// pattern subscriptions, acknowledgement, redelivery on recover, consumer
// tags, purge and a serializable snapshot.
//
// The broker is not safe for concurrent use: it is owned by its element's
// worker and all state transitions happen on that single goroutine.
// Delivery is synchronous; publishes issued from handler callbacks are
// queued and drained by the active delivery loop instead of re-entering it.
package broker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/oriys/vela/internal/message"
)

// PublishOptions tunes a single publish. The zero value publishes a
// persistent, non-mandatory message.
type PublishOptions struct {
	// Transient excludes the message from snapshots and recovery.
	Transient bool
	// Mandatory surfaces the message through the unrouted hook when no
	// queue matches the routing key.
	Mandatory     bool
	Type          string
	CorrelationID string
	MessageID     string
	Priority      int
}

// Broker is a topic broker local to one element.
type Broker struct {
	exchanges     map[string]*Exchange
	exchangeOrder []string
	queues        map[string]*Queue
	queueOrder    []string
	onUnrouted    func(*Message)
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
	}
}

// OnUnrouted installs the hook invoked when a mandatory publish matches no
// queue. Unhandled error events end up here.
func (b *Broker) OnUnrouted(fn func(*Message)) {
	b.onUnrouted = fn
}

// AssertExchange declares an exchange, idempotently.
func (b *Broker) AssertExchange(name string, kind ExchangeKind) *Exchange {
	if e, ok := b.exchanges[name]; ok {
		return e
	}
	e := &Exchange{name: name, kind: kind}
	b.exchanges[name] = e
	b.exchangeOrder = append(b.exchangeOrder, name)
	return e
}

// AssertQueue declares a queue, idempotently.
func (b *Broker) AssertQueue(name string, options QueueOptions) *Queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &Queue{name: name, options: options, broker: b}
	b.queues[name] = q
	b.queueOrder = append(b.queueOrder, name)
	return q
}

// GetQueue returns a declared queue or nil.
func (b *Broker) GetQueue(name string) *Queue {
	return b.queues[name]
}

// GetExchange returns a declared exchange or nil.
func (b *Broker) GetExchange(name string) *Exchange {
	return b.exchanges[name]
}

// BindQueue binds a declared queue to a declared exchange.
func (b *Broker) BindQueue(queue, exchange, pattern string) error {
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("bind: unknown queue %s", queue)
	}
	e, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("bind: unknown exchange %s", exchange)
	}
	e.bind(q, pattern)
	return nil
}

// UnbindQueue removes a binding.
func (b *Broker) UnbindQueue(queue, exchange, pattern string) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	if e, ok := b.exchanges[exchange]; ok {
		e.unbind(q, pattern)
	}
}

// Publish routes content through an exchange. Content is deep-cloned per
// destination queue.
func (b *Broker) Publish(exchange, routingKey string, content *message.Content, options ...PublishOptions) error {
	e, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("publish: unknown exchange %s", exchange)
	}
	var opts PublishOptions
	if len(options) > 0 {
		opts = options[0]
	}
	props := Properties{
		MessageID:     opts.MessageID,
		CorrelationID: opts.CorrelationID,
		Type:          opts.Type,
		Persistent:    !opts.Transient,
		Mandatory:     opts.Mandatory,
		Priority:      opts.Priority,
	}
	if props.MessageID == "" {
		props.MessageID = newMessageID()
	}
	routed := e.publish(routingKey, content, props)
	if !routed && opts.Mandatory {
		m := &Message{
			Fields:     Fields{RoutingKey: routingKey, Exchange: exchange},
			Content:    content.Clone(),
			Properties: props,
		}
		if b.onUnrouted != nil {
			b.onUnrouted(m)
		}
	}
	return nil
}

// SendToQueue appends a message straight onto a queue, bypassing routing.
func (b *Broker) SendToQueue(queue, routingKey string, content *message.Content, options ...PublishOptions) error {
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("send: unknown queue %s", queue)
	}
	var opts PublishOptions
	if len(options) > 0 {
		opts = options[0]
	}
	q.QueueMessage(Fields{RoutingKey: routingKey}, content.Clone(), Properties{
		MessageID:     newMessageID(),
		CorrelationID: opts.CorrelationID,
		Type:          opts.Type,
		Persistent:    !opts.Transient,
		Priority:      opts.Priority,
	})
	return nil
}

// Consume attaches a consumer to a declared queue.
func (b *Broker) Consume(queue string, handler Handler, opts ConsumeOptions) (*Consumer, error) {
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("consume: unknown queue %s", queue)
	}
	return q.AddConsumer(handler, opts)
}

// AssertConsumer attaches a consumer unless one with the same tag is
// already active on the queue, in which case that consumer is returned.
func (b *Broker) AssertConsumer(queue string, handler Handler, opts ConsumeOptions) (*Consumer, error) {
	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("consume: unknown queue %s", queue)
	}
	if opts.ConsumerTag != "" {
		if c := q.consumer(opts.ConsumerTag); c != nil {
			return c, nil
		}
	}
	return q.AddConsumer(handler, opts)
}

// Subscribe binds a durable queue to an exchange pattern and consumes it.
// The subscription's queue and binding survive GetState/Recover.
func (b *Broker) Subscribe(exchange, pattern, queue string, handler Handler, opts ConsumeOptions) (*Consumer, error) {
	b.AssertQueue(queue, QueueOptions{Durable: true})
	if err := b.BindQueue(queue, exchange, pattern); err != nil {
		return nil, err
	}
	return b.AssertConsumer(queue, handler, opts)
}

// SubscribeTmp consumes an exchange pattern through a transient autoDelete
// queue. Nothing about the subscription survives a snapshot.
func (b *Broker) SubscribeTmp(exchange, pattern string, handler Handler, opts ConsumeOptions) (*Consumer, error) {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = newConsumerTag()
	}
	queueName := "tmp-q-" + strings.TrimPrefix(opts.ConsumerTag, "_")
	b.AssertQueue(queueName, QueueOptions{Durable: false, AutoDelete: true})
	if err := b.BindQueue(queueName, exchange, pattern); err != nil {
		return nil, err
	}
	return b.Consume(queueName, handler, opts)
}

// SubscribeOnce consumes a single message matching the pattern, then
// cancels itself.
func (b *Broker) SubscribeOnce(exchange, pattern string, handler Handler, opts ConsumeOptions) (*Consumer, error) {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = newConsumerTag()
	}
	opts.NoAck = true
	tag := opts.ConsumerTag
	return b.SubscribeTmp(exchange, pattern, func(m *Message) {
		b.Cancel(tag)
		handler(m)
	}, opts)
}

// Cancel stops the consumer with the given tag. Its unacked messages stay
// queued and are redelivered, flagged, on the next delivery or recover.
func (b *Broker) Cancel(consumerTag string) bool {
	for _, name := range append([]string(nil), b.queueOrder...) {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		if q.cancel(consumerTag) {
			return true
		}
	}
	return false
}

// PurgeQueue drops all messages not awaiting ack from a queue.
func (b *Broker) PurgeQueue(queue string) int {
	q, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return q.Purge()
}

// deleteQueue removes a queue and all its bindings.
func (b *Broker) deleteQueue(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	for _, e := range b.exchanges {
		e.unbindQueue(q)
	}
	delete(b.queues, name)
	for i, n := range b.queueOrder {
		if n == name {
			b.queueOrder = append(b.queueOrder[:i], b.queueOrder[i+1:]...)
			break
		}
	}
}

func newConsumerTag() string {
	return "ctag-" + shortID()
}

func newMessageID() string {
	return "msg-" + shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
