package activity

import (
	"fmt"
	"strings"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
	"github.com/oriys/vela/internal/metrics"
)

// onTrigger funnels events from inbound flow and association brokers into
// the durable inbound queue.
func (a *Activity) onTrigger(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "flow.take", "flow.discard", "association.take":
		a.queueInbound(msg.Fields.RoutingKey, msg.Content)
	case "flow.shake":
		a.shakeOutbound(msg.Content)
	case "association.discard":
		a.broker.PurgeQueue("inbound-q")
	case "association.complete":
		if !a.isForCompensation {
			return
		}
		content := msg.Content.Clone()
		content.CompensationID = message.BrokerSafeID(a.id) + "_" +
			message.BrokerSafeID(content.SequenceID)
		a.queueInbound(msg.Fields.RoutingKey, content)
		a.publishEvent("compensation.start", content.Clone())
		a.consumeInbound()
	}
}

// onAttachedTrigger observes the attached-to activity for boundary events.
func (a *Activity) onAttachedTrigger(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "activity.enter", "activity.discard":
		if msg.Content.ID != a.attachedTo {
			return
		}
		a.queueInbound(msg.Fields.RoutingKey, msg.Content)
	}
}

func (a *Activity) queueInbound(routingKey string, content *message.Content) {
	a.broker.SendToQueue("inbound-q", routingKey, content)
}

// onInbound dispatches one inbound message into a run. Consumption pauses
// until run.next re-asserts the consumer.
func (a *Activity) onInbound(msg *broker.Message) {
	msg.Ack()
	a.broker.Cancel("_run-on-inbound")

	switch msg.Fields.RoutingKey {
	case "flow.take", "activity.enter", "association.take":
		content := &message.Content{Inbound: []*message.Content{msg.Content.Clone()}}
		if err := a.Run(content); err != nil {
			a.logger.Error("inbound run refused", "err", err)
		}
	case "flow.discard", "activity.discard":
		content := &message.Content{
			Inbound:         []*message.Content{msg.Content.Clone()},
			DiscardSequence: append([]string(nil), msg.Content.DiscardSequence...),
		}
		a.runDiscard(content)
	case "association.complete":
		a.publishEvent("compensation.end", msg.Content.Clone())
		a.consumeInbound()
	default:
		a.consumeInbound()
	}
}

// onJoinInbound buffers one message per distinct source flow and dispatches
// when the buffer covers every inbound trigger. Any flow.take in the wave
// runs the activity, otherwise the wave is discarded with the merged
// discard sequence.
func (a *Activity) onJoinInbound(msg *broker.Message) {
	for _, buffered := range a.joinBuffer {
		if buffered.Content.ID == msg.Content.ID {
			msg.Ack()
			return
		}
	}
	a.joinBuffer = append(a.joinBuffer, msg)
	if len(a.joinBuffer) < len(a.inboundFlows) {
		return
	}

	batch := a.joinBuffer
	a.joinBuffer = nil

	taken := false
	var discardSequence []string
	seen := make(map[string]bool)
	inbound := make([]*message.Content, 0, len(batch))
	for _, m := range batch {
		if m.Fields.RoutingKey == "flow.take" {
			taken = true
		}
		for _, id := range m.Content.DiscardSequence {
			if !seen[id] {
				seen[id] = true
				discardSequence = append(discardSequence, id)
			}
		}
		inbound = append(inbound, m.Content.Clone())
		m.Ack()
	}
	a.broker.Cancel("_run-on-inbound")

	if taken {
		if err := a.Run(&message.Content{Inbound: inbound}); err != nil {
			a.logger.Error("join run refused", "err", err)
		}
		return
	}
	a.runDiscard(&message.Content{Inbound: inbound, DiscardSequence: discardSequence})
}

// onRunMessage wraps state transitions with the formatter hook.
func (a *Activity) onRunMessage(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "run.enter", "run.start", "run.execute", "run.end", "run.discarded", "run.leave":
		previous := a.status
		a.status = StatusFormatting
		a.formatter.format(msg, func(err error, formatted *message.Content) {
			a.status = previous
			if err != nil {
				a.EmitFatal(message.NewActivityError(err, msg.Content), msg.Content)
				return
			}
			if formatted != nil {
				msg.Content = formatted
			}
			a.continueRunMessage(msg)
		})
	default:
		a.continueRunMessage(msg)
	}
}

func (a *Activity) continueRunMessage(msg *broker.Message) {
	key := msg.Fields.RoutingKey
	redelivered := msg.Fields.Redelivered
	content := msg.Content

	a.logger.Debug("run", "routingKey", key, "redelivered", redelivered)

	switch key {
	case "run.enter":
		a.stateMessage = msg
		a.status = StatusEntered
		if redelivered {
			msg.Ack()
			return
		}
		if a.extensions != nil {
			a.extensions.Activate(msg)
		}
		a.publishEvent("enter", content.Clone())
		a.ackRunMessage(msg)

	case "run.start":
		a.stateMessage = msg
		a.status = StatusStarted
		if redelivered {
			msg.Ack()
			return
		}
		a.publishEvent("start", content.Clone())
		a.broker.Publish("run", "run.execute", content.Clone(), broker.PublishOptions{Type: "execute"})
		a.ackRunMessage(msg)

	case "run.execute.passthrough":
		if !redelivered {
			a.stateMessage = msg
			a.executeMessage = msg
			if a.execution == nil {
				a.execution = newExecution(a, a.executionID)
			}
			a.execution.Passthrough(msg)
			return
		}
		fallthrough

	case "run.execute":
		a.stateMessage = msg
		a.executeMessage = msg
		a.status = StatusExecuting
		if content.ExecutionID == "" {
			content.ExecutionID = a.executionID
		}
		if a.execution == nil || (!redelivered && a.execution.Completed()) {
			a.execution = newExecution(a, content.ExecutionID)
		}
		if redelivered && a.extensions != nil {
			a.extensions.Activate(msg)
		}
		a.execution.Execute(msg)
		// the execute message is settled by the execution bridge

	case "run.end":
		a.stateMessage = msg
		if redelivered {
			msg.Ack()
			return
		}
		a.status = StatusEnd
		a.counters.Taken++
		metrics.RunTaken(a.typ)
		a.publishEvent("end", content.Clone())
		a.doRunLeave(msg, false)
		a.ackRunMessage(msg)

	case "run.error":
		a.stateMessage = msg
		if !redelivered {
			errContent := content.Clone()
			if errContent.Error == nil {
				errContent.Error = message.NewActivityError(
					fmt.Errorf("activity <%s> failed", a.id), errContent)
			}
			metrics.ActivityErrored(a.typ)
			a.publishEvent("error", errContent)
		}
		msg.Ack()

	case "run.discard":
		a.stateMessage = msg
		a.status = StatusDiscard
		if !redelivered {
			a.broker.Publish("run", "run.discarded", content.Clone(),
				broker.PublishOptions{Type: "discarded"})
		}
		msg.Ack()

	case "run.discarded":
		a.stateMessage = msg
		if redelivered {
			msg.Ack()
			return
		}
		a.status = StatusDiscarded
		a.counters.Discarded++
		metrics.RunDiscarded(a.typ)
		a.publishEvent("discard", content.Clone())
		a.doRunLeave(msg, true)
		a.ackRunMessage(msg)

	case "run.leave":
		a.stateMessage = msg
		if redelivered {
			msg.Ack()
			return
		}
		a.status = ""
		a.executeMessage = nil
		if a.extensions != nil {
			a.extensions.Deactivate(msg)
		}
		a.broker.Cancel("_activity-api")
		a.broker.Publish("run", "run.next", content.Clone(),
			broker.PublishOptions{Transient: true, Type: "next"})
		a.publishEvent("leave", content.Clone())
		a.observeRunDuration()
		a.ackRunMessage(msg)

	case "run.next":
		a.consumeInbound()
		msg.Ack()

	case "run.resume":
		a.resumeStateMessage()
		msg.Ack()

	default:
		if strings.HasPrefix(key, "run.outbound.") {
			a.dispatchOutboundFlow(strings.TrimPrefix(key, "run.outbound."), content)
		}
		msg.Ack()
	}
}

// resumeStateMessage re-drives the last state transition after a resume.
// Redelivered state messages are held back on delivery; the fresh copy
// published here performs the full transition.
func (a *Activity) resumeStateMessage() {
	sm := a.stateMessage
	if sm == nil || !sm.Fields.Redelivered {
		return
	}
	switch sm.Fields.RoutingKey {
	case "run.enter", "run.start", "run.discarded", "run.end", "run.leave":
		a.broker.Publish("run", sm.Fields.RoutingKey, sm.Content.Clone(),
			broker.PublishOptions{Type: sm.Properties.Type})
	}
}

func (a *Activity) dispatchOutboundFlow(action string, content *message.Content) {
	if content.Flow == nil {
		return
	}
	f := a.outboundFlowByID(content.Flow.ID)
	if f == nil {
		a.logger.Warn("unknown outbound flow", "flow", content.Flow.ID)
		return
	}
	switch action {
	case "take":
		f.Take(content)
	case "discard":
		f.Discard(content)
	}
}

// ackRunMessage settles a state message unless step mode holds it for an
// external Next call.
func (a *Activity) ackRunMessage(msg *broker.Message) {
	if a.environment.Settings.Step {
		return
	}
	msg.Ack()
}

// doRunLeave resolves outbound actions and queues the outbound dispatch
// followed by run.leave.
func (a *Activity) doRunLeave(msg *broker.Message, discarded bool) {
	content := msg.Content
	if content.IgnoreOutbound {
		a.broker.Publish("run", "run.leave", content.Clone(), broker.PublishOptions{Type: "leave"})
		return
	}
	a.doOutbound(msg, discarded, func(err error, outbound []*message.OutboundFlow) {
		if err != nil {
			a.EmitFatal(message.NewActivityError(err, content), content)
			return
		}
		base := content.Clone()
		for _, ob := range outbound {
			record := *ob
			fc := base.Clone()
			fc.Flow = &record
			fc.SequenceID = message.UniqueID(ob.ID + "_" + ob.Action)
			a.broker.Publish("run", "run.outbound."+ob.Action, fc,
				broker.PublishOptions{Type: ob.Action})
		}
		leaveContent := base.Clone()
		if outbound != nil {
			leaveContent.Outbound = outbound
		}
		a.broker.Publish("run", "run.leave", leaveContent, broker.PublishOptions{Type: "leave"})
	})
}

// doOutbound decides the action for every outbound flow: discard everything
// on a discarded run, adopt precomputed actions when present, evaluate
// conditions otherwise.
func (a *Activity) doOutbound(msg *broker.Message, discarded bool, callback func(error, []*message.OutboundFlow)) {
	if len(a.outboundFlows) == 0 {
		callback(nil, nil)
		return
	}
	content := msg.Content
	if discarded {
		if a.attachedTo != "" && len(content.DiscardSequence) == 0 {
			seed := a.attachedTo
			if len(content.Inbound) > 0 && content.Inbound[0].ID != "" {
				seed = content.Inbound[0].ID
			}
			content.DiscardSequence = []string{seed}
		}
		out := make([]*message.OutboundFlow, 0, len(a.outboundFlows))
		for _, f := range a.outboundFlows {
			out = append(out, &message.OutboundFlow{ID: f.ID(), Action: "discard", IsDefault: f.IsDefault()})
		}
		callback(nil, out)
		return
	}
	if len(content.Outbound) > 0 {
		callback(nil, a.adoptOutbound(content.Outbound))
		return
	}
	a.EvaluateOutbound(msg, content.OutboundTakeOne, callback)
}

// adoptOutbound maps precomputed actions onto the declared outbound flows.
// Flows without a verdict are discarded.
func (a *Activity) adoptOutbound(provided []*message.OutboundFlow) []*message.OutboundFlow {
	byID := make(map[string]*message.OutboundFlow, len(provided))
	for _, ob := range provided {
		byID[ob.ID] = ob
	}
	out := make([]*message.OutboundFlow, 0, len(a.outboundFlows))
	for _, f := range a.outboundFlows {
		if ob, ok := byID[f.ID()]; ok {
			record := *ob
			out = append(out, &record)
			continue
		}
		out = append(out, &message.OutboundFlow{ID: f.ID(), Action: "discard", IsDefault: f.IsDefault()})
	}
	return out
}

// onExecutionMessage bridges behaviour-level execution messages back into
// run transitions. Non-terminal keys surface as activity events only.
func (a *Activity) onExecutionMessage(msg *broker.Message) {
	suffix := strings.TrimPrefix(msg.Fields.RoutingKey, "execution.")
	original := a.executeMessage

	content := msg.Content.Clone()
	if original != nil {
		content = original.Content.Merge(msg.Content)
		content.ExecutionID = original.Content.ExecutionID
		if original.Content.Parent != nil {
			p := *original.Content.Parent
			content.Parent = &p
		}
	}

	switch suffix {
	case "outbound.take":
		a.resolveExecutionOutbound(msg, content, original)

	case "error":
		a.status = StatusError
		if content.Error == nil {
			content.Error = message.NewActivityError(
				fmt.Errorf("activity <%s> execution failed", a.id), content)
		}
		a.settleExecuteMessage(original)
		a.broker.Publish("run", "run.error", content.Clone(), broker.PublishOptions{Type: "error"})
		a.broker.Publish("run", "run.discarded", content.Clone(), broker.PublishOptions{Type: "discarded"})

	case "discard":
		a.status = StatusDiscarded
		a.settleExecuteMessage(original)
		a.broker.Publish("run", "run.discarded", content.Clone(), broker.PublishOptions{Type: "discarded"})

	case "completed":
		a.status = StatusExecuted
		a.settleExecuteMessage(original)
		a.broker.Publish("run", "run.end", content.Clone(), broker.PublishOptions{Type: "end"})

	default:
		// wait, signal and behaviour-specific progress
		a.publishEvent(suffix, content.Clone())
	}
	msg.Ack()
}

func (a *Activity) settleExecuteMessage(original *broker.Message) {
	if original == nil {
		return
	}
	a.executeMessage = nil
	original.Ack()
}

// resolveExecutionOutbound performs outbound selection on behalf of the
// behaviour and hands the verdict back through run.execute.passthrough.
func (a *Activity) resolveExecutionOutbound(msg *broker.Message, content *message.Content, original *broker.Message) {
	finish := func(outbound []*message.OutboundFlow) {
		out := content.Clone()
		out.Outbound = outbound
		a.broker.Publish("run", "run.execute.passthrough", out,
			broker.PublishOptions{Type: "passthrough"})
		a.settleExecuteMessage(original)
	}
	if len(msg.Content.Outbound) > 0 {
		finish(a.adoptOutbound(msg.Content.Outbound))
		return
	}
	takeOne := msg.Content.OutboundTakeOne || content.OutboundTakeOne
	a.EvaluateOutbound(msg, takeOne, func(err error, outbound []*message.OutboundFlow) {
		if err != nil {
			a.status = StatusError
			errContent := content.Clone()
			errContent.Error = message.NewActivityError(err, content)
			a.settleExecuteMessage(original)
			if a.execution != nil && !a.execution.completed {
				a.execution.settle()
			}
			a.broker.Publish("run", "run.error", errContent.Clone(), broker.PublishOptions{Type: "error"})
			a.broker.Publish("run", "run.discarded", errContent, broker.PublishOptions{Type: "discarded"})
			return
		}
		finish(outbound)
	})
}

// onAPIMessage serves the api exchange for the current execution.
func (a *Activity) onAPIMessage(msg *broker.Message) {
	switch msg.Properties.Type {
	case "discard":
		a.Discard(nil)
	case "stop":
		a.Stop()
	case "shake":
		a.Shake()
	case "signal":
		a.broker.Publish("execution", "execute.signal", msg.Content.Clone(),
			broker.PublishOptions{Type: "signal"})
	}
}
