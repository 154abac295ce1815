package activity

import (
	"fmt"
	"strings"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
)

// formatter applies content amendments queued on the format-run exchange
// before a run transition is processed. A fragment carrying an
// EndRoutingKey suspends the chain until the closing fragment arrives,
// which lets extensions format asynchronously.
type formatter struct {
	broker *broker.Broker
}

func newFormatter(b *broker.Broker) *formatter {
	return &formatter{broker: b}
}

func (f *formatter) format(msg *broker.Message, callback func(error, *message.Content)) {
	q := f.broker.GetQueue("format-run-q")
	if q == nil || q.MessageCount() == 0 {
		callback(nil, nil)
		return
	}

	var fragments []*broker.Message
	f.broker.Consume("format-run-q", func(m *broker.Message) {
		fragments = append(fragments, m)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_formatter-collect"})
	f.broker.Cancel("_formatter-collect")

	result := msg.Content.Clone()
	pendingEnd := ""
	for _, frag := range fragments {
		key := frag.Fields.RoutingKey
		if strings.HasSuffix(key, ".error") {
			callback(fragmentError(frag), nil)
			return
		}
		if pendingEnd != "" {
			if key == pendingEnd {
				result = result.Merge(frag.Content)
				pendingEnd = ""
			}
			continue
		}
		if frag.Content != nil && frag.Content.EndRoutingKey != "" {
			pendingEnd = frag.Content.EndRoutingKey
			continue
		}
		result = result.Merge(frag.Content)
	}
	if pendingEnd == "" {
		callback(nil, result)
		return
	}

	// an open fragment: wait for its closing message. The wait consumes the
	// format queue directly so the closing fragment leaves with the chain
	// instead of surfacing again on the next transition.
	endKey := pendingEnd
	f.broker.Consume("format-run-q", func(m *broker.Message) {
		switch {
		case strings.HasSuffix(m.Fields.RoutingKey, ".error"):
			f.broker.Cancel("_formatter-wait")
			callback(fragmentError(m), nil)
		case m.Fields.RoutingKey == endKey:
			f.broker.Cancel("_formatter-wait")
			callback(nil, result.Merge(m.Content))
		}
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_formatter-wait"})
}

func fragmentError(m *broker.Message) error {
	if m.Content != nil && m.Content.Error != nil {
		return m.Content.Error
	}
	return fmt.Errorf("formatting failed on %s", m.Fields.RoutingKey)
}
