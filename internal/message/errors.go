package message

import "fmt"

// ActivityError wraps a failure raised by a behaviour, the outbound
// evaluator or the formatter. It is routed through the broker as message
// content rather than returned up the stack; only invariant violations are
// surfaced as plain Go errors.
type ActivityError struct {
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
	Source  *Content `json:"source,omitempty"`
	Inner   string   `json:"inner,omitempty"`
}

func (e *ActivityError) Error() string {
	return e.Message
}

// NewActivityError wraps err with the message content that produced it.
func NewActivityError(err error, source *Content) *ActivityError {
	if ae, ok := err.(*ActivityError); ok {
		if ae.Source == nil && source != nil {
			ae.Source = source.Clone()
		}
		return ae
	}
	return &ActivityError{
		Message: err.Error(),
		Source:  source.Clone(),
		Inner:   fmt.Sprintf("%T", err),
	}
}
