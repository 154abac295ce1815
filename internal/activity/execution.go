package activity

import (
	"fmt"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
)

// Execution drives the behaviour for one run. It consumes the execute
// queue, tracks postponed execute messages (multi-instance children keep
// theirs open until they complete) and reports the outcome on the
// execution exchange where the bridge picks it up.
type Execution struct {
	activity    *Activity
	broker      *broker.Broker
	executionID string
	completed   bool

	rootContent *message.Content
	postponed   []*broker.Message
}

func newExecution(a *Activity, executionID string) *Execution {
	return &Execution{
		activity:    a,
		broker:      a.broker,
		executionID: executionID,
	}
}

// ExecutionID returns the id of this run.
func (e *Execution) ExecutionID() string { return e.executionID }

// Completed reports whether the execution has reached a terminal outcome.
func (e *Execution) Completed() bool { return e.completed }

// Postponed returns the execute messages still awaiting completion.
func (e *Execution) Postponed() []*broker.Message {
	return append([]*broker.Message(nil), e.postponed...)
}

// Execute starts or resumes the behaviour. A fresh run seeds the execute
// queue with execute.start; a recovered or restarted run finds its messages
// already queued and only re-attaches the consumer.
func (e *Execution) Execute(msg *broker.Message) {
	content := msg.Content.Clone()
	if content.ExecutionID == "" {
		content.ExecutionID = e.executionID
	}
	e.rootContent = content.Clone()

	q := e.broker.GetQueue("execute-q")
	if q == nil || q.MessageCount() == 0 {
		start := content.Clone()
		start.IsRootScope = true
		start.State = "start"
		e.broker.Publish("execution", "execute.start", start, broker.PublishOptions{Type: "start"})
	}
	e.broker.AssertConsumer("execute-q", e.onExecuteMessage,
		broker.ConsumeOptions{ConsumerTag: "_activity-execute", Prefetch: 100})
}

// Passthrough completes the execution with an already-resolved message,
// used after outbound selection was delegated to the activity.
func (e *Execution) Passthrough(msg *broker.Message) {
	e.complete(msg.Content)
}

// Discard short-circuits the behaviour cooperatively.
func (e *Execution) Discard() {
	if e.completed {
		return
	}
	content := e.rootContent.Clone()
	if content == nil {
		content = &message.Content{ExecutionID: e.executionID}
	}
	e.broker.Publish("execution", "execute.discard", content, broker.PublishOptions{Type: "discard"})
}

func (e *Execution) onExecuteMessage(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "execute.completed":
		e.onExecuteCompleted(msg)
	case "execute.error":
		e.onExecuteError(msg)
	case "execute.discard":
		e.onExecuteDiscard(msg)
	case "execute.wait":
		e.broker.Publish("execution", "execution.wait", msg.Content.Clone(),
			broker.PublishOptions{Type: "wait"})
		msg.Ack()
	case "execute.start", "execute.resume":
		e.postpone(msg)
		e.activity.behaviour.Execute(msg)
	default:
		// signals and behaviour-specific sub-execution messages
		e.activity.behaviour.Execute(msg)
		msg.Ack()
	}
}

func (e *Execution) onExecuteCompleted(msg *broker.Message) {
	content := msg.Content
	if content.ExecutionID != "" && content.ExecutionID != e.executionID {
		// child scope completed, the behaviour aggregates the result
		e.unpostpone(content.ExecutionID)
		msg.Ack()
		return
	}
	msg.Ack()
	e.complete(content)
}

func (e *Execution) onExecuteError(msg *broker.Message) {
	content := msg.Content.Clone()
	if content.Error == nil {
		content.Error = message.NewActivityError(
			fmt.Errorf("execution <%s> failed", e.executionID), content)
	}
	msg.Ack()
	e.settle()
	e.broker.Publish("execution", "execution.error", content, broker.PublishOptions{Type: "error"})
}

func (e *Execution) onExecuteDiscard(msg *broker.Message) {
	content := msg.Content.Clone()
	msg.Ack()
	e.settle()
	e.broker.Publish("execution", "execution.discard", content, broker.PublishOptions{Type: "discard"})
}

func (e *Execution) complete(content *message.Content) {
	e.settle()
	out := content.Clone()
	if out == nil {
		out = &message.Content{}
	}
	out.ExecutionID = e.executionID
	e.broker.Publish("execution", "execution.completed", out, broker.PublishOptions{Type: "completed"})
}

// settle acks all postponed messages and detaches from the execute queue.
func (e *Execution) settle() {
	e.completed = true
	for _, m := range e.postponed {
		m.Ack()
	}
	e.postponed = nil
	e.broker.Cancel("_activity-execute")
}

func (e *Execution) postpone(msg *broker.Message) {
	for i, m := range e.postponed {
		if m.Properties.MessageID == msg.Properties.MessageID {
			e.postponed[i] = msg
			return
		}
	}
	e.postponed = append(e.postponed, msg)
}

func (e *Execution) unpostpone(executionID string) {
	for i, m := range e.postponed {
		if m.Content.ExecutionID == executionID {
			m.Ack()
			e.postponed = append(e.postponed[:i], e.postponed[i+1:]...)
			return
		}
	}
}

// ExecutionState is the serializable execution snapshot.
type ExecutionState struct {
	ExecutionID string `json:"executionId"`
	Completed   bool   `json:"completed,omitempty"`
}

// GetState snapshots the execution. Queued execute messages are captured by
// the activity broker's snapshot.
func (e *Execution) GetState() *ExecutionState {
	return &ExecutionState{ExecutionID: e.executionID, Completed: e.completed}
}

func recoverExecution(a *Activity, state *ExecutionState) *Execution {
	e := newExecution(a, state.ExecutionID)
	e.completed = state.Completed
	return e
}
