package definition

import (
	"github.com/oriys/vela/internal/activity"
	"github.com/oriys/vela/internal/broker"
)

func behaviourFor(typ string) activity.BehaviourFactory {
	switch typ {
	case "exclusiveGateway":
		return func(a *activity.Activity) activity.Behaviour {
			return &gatewayBehaviour{activity: a, takeOne: true}
		}
	case "inclusiveGateway":
		return func(a *activity.Activity) activity.Behaviour {
			return &gatewayBehaviour{activity: a}
		}
	case "userTask", "manualTask", "receiveTask":
		return func(a *activity.Activity) activity.Behaviour {
			return &waitBehaviour{activity: a}
		}
	default:
		// startEvent, endEvent, task, parallelGateway and anything unnamed
		// complete immediately
		return func(a *activity.Activity) activity.Behaviour {
			return &taskBehaviour{activity: a}
		}
	}
}

// taskBehaviour completes on start without external input.
type taskBehaviour struct {
	activity *activity.Activity
}

func (b *taskBehaviour) Execute(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "execute.start", "execute.resume":
		b.activity.Broker().Publish("execution", "execute.completed", msg.Content.Clone(),
			broker.PublishOptions{Type: "completed"})
	}
}

// waitBehaviour parks on execute.wait until a signal arrives; the signal
// payload becomes the run output.
type waitBehaviour struct {
	activity *activity.Activity
}

func (b *waitBehaviour) Execute(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "execute.start", "execute.resume":
		b.activity.Broker().Publish("execution", "execute.wait", msg.Content.Clone(),
			broker.PublishOptions{Type: "wait"})
	case "execute.signal":
		content := msg.Content.Clone()
		content.Output = msg.Content.Message
		b.activity.Broker().Publish("execution", "execute.completed", content,
			broker.PublishOptions{Type: "completed"})
	}
}

// gatewayBehaviour delegates outbound selection to the activity, with
// take-one semantics for exclusive gateways.
type gatewayBehaviour struct {
	activity *activity.Activity
	takeOne  bool
}

func (b *gatewayBehaviour) Execute(msg *broker.Message) {
	switch msg.Fields.RoutingKey {
	case "execute.start", "execute.resume":
		content := msg.Content.Clone()
		content.OutboundTakeOne = b.takeOne
		b.activity.Broker().Publish("execution", "execution.outbound.take", content,
			broker.PublishOptions{Type: "outbound"})
	}
}
