// Package activity implements the per-element state machine of the engine:
// inbound triggers, the run queue, behaviour execution, outbound dispatch
// and stop/resume/recover. Every activity owns a broker and is driven by
// run.* messages on it.
package activity

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/flow"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/message"
	"github.com/oriys/vela/internal/metrics"
)

// Run statuses. The empty string means the activity is not running.
const (
	StatusEntered    = "entered"
	StatusStarted    = "started"
	StatusExecuting  = "executing"
	StatusExecuted   = "executed"
	StatusError      = "error"
	StatusDiscarded  = "discarded"
	StatusEnd        = "end"
	StatusFormatting = "formatting"
	StatusDiscard    = "discard"
)

// Counters track completed runs over the activity's lifetime.
type Counters struct {
	Taken     int `json:"taken"`
	Discarded int `json:"discarded"`
}

// Activity is one executable node of the process graph.
type Activity struct {
	id     string
	typ    string
	name   string
	parent message.Ident

	isEnd             bool
	isStart           bool
	isSubProcess      bool
	isMultiInstance   bool
	isTransaction     bool
	isThrowing        bool
	isForCompensation bool
	isParallelJoin    bool
	attachedTo        string

	context     Context
	environment *environment.Environment
	broker      *broker.Broker
	logger      *slog.Logger

	inboundFlows        []*flow.SequenceFlow
	outboundFlows       []*flow.SequenceFlow
	inboundAssociations []*flow.Association

	behaviour  Behaviour
	extensions Extensions
	formatter  *formatter

	status          string
	stopped         bool
	activated       bool
	consuming       bool
	counters        Counters
	executionID     string
	initExecutionID string
	execution       *Execution
	runStarted      time.Time

	stateMessage   *broker.Message
	executeMessage *broker.Message

	joinBuffer []*broker.Message
}

// New builds an activity, its broker topology and its behaviour.
func New(def Definition, ctx Context) *Activity {
	a := &Activity{
		id:          def.ID,
		typ:         def.Type,
		name:        def.Name,
		parent:      def.Parent,
		context:     ctx,
		environment: ctx.Environment(),
		logger:      logging.Element(def.Type, def.ID),

		isSubProcess:      def.IsSubProcess,
		isMultiInstance:   def.IsMultiInstance,
		isTransaction:     def.IsTransaction,
		isThrowing:        def.IsThrowing,
		isForCompensation: def.IsForCompensation,
		attachedTo:        def.AttachedTo,
	}

	a.inboundFlows = ctx.GetInboundSequenceFlows(def.ID)
	a.outboundFlows = ctx.GetOutboundSequenceFlows(def.ID)
	a.inboundAssociations = ctx.GetInboundAssociations(def.ID)

	a.isEnd = len(a.outboundFlows) == 0
	a.isStart = len(a.inboundFlows) == 0 && def.AttachedTo == "" &&
		!def.TriggeredByEvent && !def.IsForCompensation
	a.isParallelJoin = def.IsParallelGateway && len(a.inboundFlows) >= 2

	b := broker.New()
	b.AssertExchange("run", broker.ExchangeTopic)
	b.AssertExchange("event", broker.ExchangeTopic)
	b.AssertExchange("api", broker.ExchangeTopic)
	b.AssertExchange("execution", broker.ExchangeTopic)
	b.AssertExchange("format-run", broker.ExchangeTopic)
	b.AssertQueue("run-q", broker.QueueOptions{Durable: true})
	b.AssertQueue("inbound-q", broker.QueueOptions{Durable: true})
	b.AssertQueue("execute-q", broker.QueueOptions{Durable: true})
	b.AssertQueue("execution-q", broker.QueueOptions{Durable: true})
	b.AssertQueue("format-run-q", broker.QueueOptions{Durable: true})
	b.BindQueue("run-q", "run", "run.#")
	b.BindQueue("execute-q", "execution", "execute.#")
	b.BindQueue("execution-q", "execution", "execution.#")
	b.BindQueue("format-run-q", "format-run", "run.#")
	b.OnUnrouted(func(m *broker.Message) {
		if m.Content != nil && m.Content.Error != nil {
			a.logger.Error("unhandled error event",
				"routingKey", m.Fields.RoutingKey, "err", m.Content.Error)
		}
	})
	a.broker = b
	a.formatter = newFormatter(b)

	if def.Behaviour != nil {
		a.behaviour = def.Behaviour(a)
	}
	a.extensions = ctx.LoadExtensions(a)
	return a
}

// ID returns the activity id.
func (a *Activity) ID() string { return a.id }

// Type returns the activity type.
func (a *Activity) Type() string { return a.typ }

// Name returns the activity name.
func (a *Activity) Name() string { return a.name }

// Broker returns the activity broker.
func (a *Activity) Broker() *broker.Broker { return a.broker }

// Environment returns the shared environment.
func (a *Activity) Environment() *environment.Environment { return a.environment }

// Status returns the current run status; empty when not running.
func (a *Activity) Status() string { return a.status }

// Stopped reports whether the activity has been stopped.
func (a *Activity) Stopped() bool { return a.stopped }

// Counters returns a copy of the run counters.
func (a *Activity) Counters() Counters { return a.counters }

// ExecutionID returns the id of the current or last run.
func (a *Activity) ExecutionID() string { return a.executionID }

// Inbound returns the inbound sequence flows.
func (a *Activity) Inbound() []*flow.SequenceFlow { return a.inboundFlows }

// Outbound returns the outbound sequence flows.
func (a *Activity) Outbound() []*flow.SequenceFlow { return a.outboundFlows }

// IsEnd reports whether the activity has no outbound flows.
func (a *Activity) IsEnd() bool { return a.isEnd }

// IsStart reports whether the activity can start a process on its own.
func (a *Activity) IsStart() bool { return a.isStart }

// AttachedTo returns the observed activity id for boundary events.
func (a *Activity) AttachedTo() string { return a.attachedTo }

// GetActivityByID resolves a sibling through the owning context.
func (a *Activity) GetActivityByID(id string) *Activity {
	return a.context.GetActivityByID(id)
}

// Activate subscribes the activity to its inbound triggers. Activities for
// compensation listen on associations only and stay dormant until an
// association.complete arrives.
func (a *Activity) Activate() {
	if a.activated {
		return
	}
	a.activated = true
	if a.isForCompensation {
		for _, as := range a.inboundAssociations {
			as.Broker().SubscribeTmp("event", "association.#", a.onTrigger,
				broker.ConsumeOptions{NoAck: true, ConsumerTag: "_inbound-" + a.id})
		}
		return
	}
	for _, f := range a.inboundFlows {
		f.Broker().SubscribeTmp("event", "flow.#", a.onTrigger,
			broker.ConsumeOptions{NoAck: true, ConsumerTag: "_inbound-" + a.id})
	}
	if a.attachedTo != "" {
		if att := a.context.GetActivityByID(a.attachedTo); att != nil {
			att.Broker().SubscribeTmp("event", "activity.#", a.onAttachedTrigger,
				broker.ConsumeOptions{NoAck: true, ConsumerTag: "_boundary-" + a.id})
		}
	}
	a.consumeInbound()
}

// Deactivate cancels all trigger subscriptions.
func (a *Activity) Deactivate() {
	if !a.activated {
		return
	}
	a.activated = false
	for _, f := range a.inboundFlows {
		f.Broker().Cancel("_inbound-" + a.id)
	}
	for _, as := range a.inboundAssociations {
		as.Broker().Cancel("_inbound-" + a.id)
	}
	if a.attachedTo != "" {
		if att := a.context.GetActivityByID(a.attachedTo); att != nil {
			att.Broker().Cancel("_boundary-" + a.id)
		}
	}
	a.broker.Cancel("_run-on-inbound")
}

// Init announces the activity before its first run. The init execution id
// is adopted by the first run.
func (a *Activity) Init(initContent *message.Content) {
	a.initExecutionID = message.UniqueID(a.id)
	content := a.createContent(initContent)
	content.ExecutionID = a.initExecutionID
	a.publishEvent("init", content, broker.PublishOptions{Transient: true, Type: "init"})
}

// Run starts a new run. It errors when a run is already in progress.
func (a *Activity) Run(runContent *message.Content) error {
	if a.status != "" {
		return fmt.Errorf("activity <%s> is already running", a.id)
	}
	if a.initExecutionID != "" {
		a.executionID = a.initExecutionID
		a.initExecutionID = ""
	} else {
		a.executionID = message.UniqueID(a.id)
	}
	a.runStarted = time.Now()

	content := a.createContent(runContent)
	a.consumeAPI()
	a.broker.Publish("run", "run.enter", content.Clone(), broker.PublishOptions{Type: "enter"})
	a.broker.Publish("run", "run.start", content.Clone(), broker.PublishOptions{Type: "start"})
	a.consumeRunQ()
	return nil
}

// runDiscard drives the discard path for an inbound discard.
func (a *Activity) runDiscard(discardContent *message.Content) {
	if a.status != "" {
		a.logger.Warn("discard trigger while running", "status", a.status)
		return
	}
	a.executionID = message.UniqueID(a.id)
	a.runStarted = time.Now()

	content := a.createContent(discardContent)
	a.consumeAPI()
	a.broker.Publish("run", "run.discard", content, broker.PublishOptions{Type: "discard"})
	a.consumeRunQ()
}

// Discard cancels the current run cooperatively, or runs the discard path
// when idle.
func (a *Activity) Discard(discardContent *message.Content) {
	if a.status == "" {
		a.runDiscard(discardContent)
		return
	}
	if a.execution != nil && !a.execution.Completed() {
		a.execution.Discard()
		return
	}
	a.broker.PurgeQueue("run-q")
	content := discardContent
	if content == nil && a.stateMessage != nil {
		content = a.stateMessage.Content.Clone()
	}
	if content == nil {
		content = a.createContent(nil)
	}
	a.broker.Publish("run", "run.discard", content, broker.PublishOptions{Type: "discard"})
}

// Stop cancels all consumers without purging. Unacked messages stay queued
// and are redelivered on resume or after a snapshot round-trip.
func (a *Activity) Stop() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.consuming = false
	for _, tag := range []string{
		"_activity-run", "_run-on-inbound", "_activity-api",
		"_activity-execution", "_activity-execute",
	} {
		a.broker.Cancel(tag)
	}
	a.publishEvent("stop", a.createContent(nil), broker.PublishOptions{Transient: true, Type: "stop"})
}

// Resume continues a stopped or recovered activity. A transient run.resume
// message re-drives the last state transition when it was redelivered.
func (a *Activity) Resume() error {
	if a.consuming {
		return fmt.Errorf("cannot resume activity <%s> while consuming", a.id)
	}
	a.stopped = false
	if a.status == "" {
		a.Activate()
		return nil
	}
	a.consumeAPI()
	a.broker.Publish("run", "run.resume", a.createContent(nil),
		broker.PublishOptions{Transient: true, Type: "resume"})
	a.consumeRunQ()
	return nil
}

// Next acknowledges the held state message in step mode, letting the state
// machine advance one transition.
func (a *Activity) Next() (*broker.Message, error) {
	if !a.environment.Settings.Step {
		return nil, fmt.Errorf("activity <%s> is not in step mode", a.id)
	}
	if a.status == StatusExecuting || a.status == StatusFormatting {
		return nil, fmt.Errorf("activity <%s> is %s and cannot step", a.id, a.status)
	}
	msg := a.stateMessage
	if msg == nil {
		return nil, nil
	}
	msg.Ack()
	return msg, nil
}

// Shake walks the outbound graph without executing anything, collecting the
// visited elements on content.sequence. All shake traffic is transient.
func (a *Activity) Shake() {
	content := a.createContent(nil)
	a.publishEvent("shake.start", content.Clone(), broker.PublishOptions{Transient: true, Type: "shake"})
	a.shakeOutbound(content)
}

func (a *Activity) shakeOutbound(content *message.Content) {
	for _, s := range content.Sequence {
		if s.ID == a.id {
			a.logger.Debug("shake loop", "sequence", content.Sequence)
			return
		}
	}
	out := content.Clone()
	out.Sequence = append(out.Sequence, message.Ident{ID: a.id, Type: a.typ})
	if a.isEnd {
		a.publishEvent("shake.end", out, broker.PublishOptions{Transient: true, Type: "shake"})
		return
	}
	for _, f := range a.outboundFlows {
		f.Shake(out)
	}
}

// State is a serializable activity snapshot.
type State struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name,omitempty"`
	Status      string   `json:"status,omitempty"`
	ExecutionID string   `json:"executionId,omitempty"`
	Stopped     bool     `json:"stopped,omitempty"`
	Behaviour   string   `json:"behaviour,omitempty"`
	Counters    Counters `json:"counters"`

	IsEnd             bool   `json:"isEnd,omitempty"`
	IsStart           bool   `json:"isStart,omitempty"`
	IsSubProcess      bool   `json:"isSubProcess,omitempty"`
	IsMultiInstance   bool   `json:"isMultiInstance,omitempty"`
	IsTransaction     bool   `json:"isTransaction,omitempty"`
	IsThrowing        bool   `json:"isThrowing,omitempty"`
	IsForCompensation bool   `json:"isForCompensation,omitempty"`
	IsParallelJoin    bool   `json:"isParallelJoin,omitempty"`
	AttachedTo        string `json:"attachedTo,omitempty"`

	Execution *ExecutionState `json:"execution,omitempty"`
	Broker    *broker.State   `json:"broker,omitempty"`
}

// GetState snapshots the activity together with its broker. Messages that
// are delivered but unacked appear flagged redelivered in the snapshot.
func (a *Activity) GetState() *State {
	st := &State{
		ID:          a.id,
		Type:        a.typ,
		Name:        a.name,
		Status:      a.status,
		ExecutionID: a.executionID,
		Stopped:     a.stopped,
		Counters:    a.counters,

		IsEnd:             a.isEnd,
		IsStart:           a.isStart,
		IsSubProcess:      a.isSubProcess,
		IsMultiInstance:   a.isMultiInstance,
		IsTransaction:     a.isTransaction,
		IsThrowing:        a.isThrowing,
		IsForCompensation: a.isForCompensation,
		IsParallelJoin:    a.isParallelJoin,
		AttachedTo:        a.attachedTo,

		Broker: a.broker.GetState(true),
	}
	if a.behaviour != nil {
		st.Behaviour = fmt.Sprintf("%T", a.behaviour)
	}
	if a.execution != nil {
		st.Execution = a.execution.GetState()
	}
	return st
}

// Recover restores a snapshot onto an idle activity.
func (a *Activity) Recover(state *State) error {
	if a.status != "" {
		return fmt.Errorf("cannot recover running activity <%s>", a.id)
	}
	if state == nil {
		return nil
	}
	a.status = state.Status
	a.executionID = state.ExecutionID
	a.counters = state.Counters
	a.stopped = state.Stopped
	if state.Execution != nil {
		a.execution = recoverExecution(a, state.Execution)
	}
	a.broker.Recover(state.Broker)
	return nil
}

func (a *Activity) createContent(base *message.Content) *message.Content {
	content := &message.Content{
		ID:          a.id,
		Type:        a.typ,
		Name:        a.name,
		ExecutionID: a.executionID,
	}
	if a.parent.ID != "" {
		content.Parent = &message.Parent{ID: a.parent.ID, Type: a.parent.Type}
	}
	if base != nil {
		content = content.Merge(base)
		content.ID = a.id
		content.Type = a.typ
		content.ExecutionID = a.executionID
	}
	return content
}

func (a *Activity) consumeAPI() {
	if a.executionID == "" {
		return
	}
	a.broker.SubscribeTmp("api", "activity.*."+a.executionID, a.onAPIMessage,
		broker.ConsumeOptions{NoAck: true, ConsumerTag: "_activity-api"})
}

func (a *Activity) consumeRunQ() {
	if a.stopped {
		return
	}
	a.consuming = true
	a.broker.AssertConsumer("execution-q", a.onExecutionMessage,
		broker.ConsumeOptions{ConsumerTag: "_activity-execution", Prefetch: 100})
	a.broker.AssertConsumer("run-q", a.onRunMessage,
		broker.ConsumeOptions{ConsumerTag: "_activity-run", Exclusive: true})
}

func (a *Activity) consumeInbound() {
	if a.stopped {
		return
	}
	if a.isParallelJoin {
		a.broker.AssertConsumer("inbound-q", a.onJoinInbound,
			broker.ConsumeOptions{ConsumerTag: "_run-on-inbound", Prefetch: 1000})
		return
	}
	a.broker.AssertConsumer("inbound-q", a.onInbound,
		broker.ConsumeOptions{ConsumerTag: "_run-on-inbound"})
}

func (a *Activity) outboundFlowByID(id string) *flow.SequenceFlow {
	for _, f := range a.outboundFlows {
		if f.ID() == id {
			return f
		}
	}
	return nil
}

func (a *Activity) observeRunDuration() {
	if a.runStarted.IsZero() {
		return
	}
	metrics.ObserveRunDuration(a.typ, time.Since(a.runStarted).Seconds()*1000)
	a.runStarted = time.Time{}
}
