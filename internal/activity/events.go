package activity

import (
	"fmt"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
)

// publishEvent emits an activity.<action> event. Error events are mandatory
// so an unobserved failure surfaces through the unrouted hook.
func (a *Activity) publishEvent(action string, content *message.Content, options ...broker.PublishOptions) {
	var opts broker.PublishOptions
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Type == "" {
		opts.Type = action
	}
	if opts.CorrelationID == "" && content != nil {
		opts.CorrelationID = content.ExecutionID
	}
	if action == "error" {
		opts.Mandatory = true
	}
	a.broker.Publish("event", "activity."+action, content, opts)
}

// EmitFatal publishes a mandatory error event outside the run flow, used
// for failures that cannot advance the state machine.
func (a *Activity) EmitFatal(err *message.ActivityError, content *message.Content) {
	out := content.Clone()
	if out == nil {
		out = a.createContent(nil)
	}
	out.Error = err
	a.publishEvent("error", out)
}

// On subscribes a handler to activity.<event> and returns the consumer tag
// for cancellation.
func (a *Activity) On(event string, handler broker.Handler) string {
	tag := message.UniqueID("_on-" + event)
	a.broker.SubscribeTmp("event", "activity."+event, handler,
		broker.ConsumeOptions{NoAck: true, ConsumerTag: tag})
	return tag
}

// Once subscribes a handler for a single activity.<event> emission.
func (a *Activity) Once(event string, handler broker.Handler) string {
	tag := message.UniqueID("_once-" + event)
	a.broker.SubscribeOnce("event", "activity."+event, handler,
		broker.ConsumeOptions{ConsumerTag: tag})
	return tag
}

// Off cancels a subscription returned by On or Once.
func (a *Activity) Off(tag string) {
	a.broker.Cancel(tag)
}

// EventResult is the outcome of a WaitFor: the matched event message, or
// the error carried by an intervening activity.error event.
type EventResult struct {
	Message *broker.Message
	Err     error
}

// WaitFor returns a channel that yields once activity.<event> fires. An
// optional filter keeps the wait open until an event message matches. An
// activity.error published first resolves the wait with that error instead.
func (a *Activity) WaitFor(event string, filter ...func(*broker.Message) bool) <-chan EventResult {
	ch := make(chan EventResult, 1)
	okTag := message.UniqueID("_wait-" + event)
	errTag := message.UniqueID("_wait-error")

	var match func(*broker.Message) bool
	if len(filter) > 0 {
		match = filter[0]
	}

	a.broker.SubscribeTmp("event", "activity."+event, func(m *broker.Message) {
		if match != nil && !match(m) {
			return
		}
		a.broker.Cancel(okTag)
		if event != "error" {
			a.broker.Cancel(errTag)
		}
		ch <- EventResult{Message: m}
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: okTag})

	if event != "error" {
		a.broker.SubscribeOnce("event", "activity.error", func(m *broker.Message) {
			a.broker.Cancel(okTag)
			var err error
			if m.Content != nil && m.Content.Error != nil {
				err = m.Content.Error
			} else {
				err = fmt.Errorf("activity <%s> errored while waiting for %s", a.id, event)
			}
			ch <- EventResult{Message: m, Err: err}
		}, broker.ConsumeOptions{ConsumerTag: errTag})
	}
	return ch
}
