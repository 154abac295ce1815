package activity

import (
	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
)

// Api addresses the current run through the api exchange. Messages carry
// the execution id in the routing key so stale handles cannot steer a
// later run.
type Api struct {
	activity *Activity
	content  *message.Content
}

// GetAPI returns an api handle bound to the given message, the current
// state message, or the activity itself, in that order.
func (a *Activity) GetAPI(msg *broker.Message) *Api {
	var content *message.Content
	switch {
	case msg != nil:
		content = msg.Content.Clone()
	case a.stateMessage != nil:
		content = a.stateMessage.Content.Clone()
	default:
		content = a.createContent(nil)
	}
	return &Api{activity: a, content: content}
}

// ExecutionID returns the run this handle addresses.
func (api *Api) ExecutionID() string { return api.content.ExecutionID }

// Signal delivers a payload to the waiting behaviour.
func (api *Api) Signal(payload map[string]any) {
	api.publish("signal", payload)
}

// Discard cancels the addressed run.
func (api *Api) Discard() {
	api.publish("discard", nil)
}

// Stop halts the addressed run, preserving state for resume.
func (api *Api) Stop() {
	api.publish("stop", nil)
}

// Shake triggers a dry-run graph traversal.
func (api *Api) Shake() {
	api.publish("shake", nil)
}

func (api *Api) publish(action string, payload map[string]any) {
	content := api.content.Clone()
	if payload != nil {
		content.Message = payload
	}
	api.activity.broker.Publish("api", "activity."+action+"."+content.ExecutionID, content,
		broker.PublishOptions{Transient: true, Type: action})
}
