package broker

import (
	"strings"

	"github.com/oriys/vela/internal/message"
)

// ExchangeKind selects the routing discipline.
type ExchangeKind string

const (
	// ExchangeTopic routes to every binding whose pattern matches.
	ExchangeTopic ExchangeKind = "topic"
	// ExchangeDirect routes to the first binding whose pattern matches.
	ExchangeDirect ExchangeKind = "direct"
)

// Binding ties a queue to an exchange through a routing-key pattern.
type Binding struct {
	queue   *Queue
	pattern string
}

// Exchange routes published messages to bound queues. Pattern syntax is
// AMQP topic style: '.' separates words, '*' matches exactly one word and
// '#' matches zero or more trailing words.
type Exchange struct {
	name     string
	kind     ExchangeKind
	bindings []*Binding
}

// Name returns the exchange name.
func (e *Exchange) Name() string { return e.name }

// Kind returns the exchange kind.
func (e *Exchange) Kind() ExchangeKind { return e.kind }

func (e *Exchange) bind(q *Queue, pattern string) {
	for _, b := range e.bindings {
		if b.queue == q && b.pattern == pattern {
			return
		}
	}
	e.bindings = append(e.bindings, &Binding{queue: q, pattern: pattern})
}

func (e *Exchange) unbind(q *Queue, pattern string) {
	for i, b := range e.bindings {
		if b.queue == q && (pattern == "" || b.pattern == pattern) {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			return
		}
	}
}

func (e *Exchange) unbindQueue(q *Queue) {
	kept := e.bindings[:0]
	for _, b := range e.bindings {
		if b.queue != q {
			kept = append(kept, b)
		}
	}
	e.bindings = kept
}

// publish routes the message content to matching queues and reports whether
// any queue received it. Content is cloned per destination.
func (e *Exchange) publish(routingKey string, content *message.Content, props Properties) bool {
	routed := false
	for _, b := range e.bindings {
		if !matchPattern(b.pattern, routingKey) {
			continue
		}
		fields := Fields{RoutingKey: routingKey, Exchange: e.name}
		b.queue.QueueMessage(fields, content.Clone(), props)
		routed = true
		if e.kind == ExchangeDirect {
			break
		}
	}
	return routed
}

// matchPattern matches an AMQP topic pattern against a routing key.
func matchPattern(pattern, routingKey string) bool {
	if pattern == routingKey || pattern == "#" {
		return true
	}
	pw := strings.Split(pattern, ".")
	kw := strings.Split(routingKey, ".")
	return matchWords(pw, kw)
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		p := pattern[0]
		switch {
		case p == "#":
			if len(pattern) == 1 {
				return true
			}
			// '#' swallows zero or more words; try every split.
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case len(key) == 0:
			return false
		case p == "*" || p == key[0]:
			pattern = pattern[1:]
			key = key[1:]
		default:
			return false
		}
	}
	return len(key) == 0
}
