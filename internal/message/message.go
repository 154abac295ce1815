// Package message holds the content model shared by the activity state
// machine, the per-element brokers, and the outbound evaluator. A Content
// travels inside broker messages and is deep-cloned on every publish so
// that consumers on different queues never share mutable state.
package message

import (
	"strings"

	"github.com/google/uuid"
)

// Parent identifies the element that owns a message scope.
type Parent struct {
	ID          string  `json:"id,omitempty"`
	Type        string  `json:"type,omitempty"`
	ExecutionID string  `json:"executionId,omitempty"`
	Path        []Ident `json:"path,omitempty"`
}

// Ident is a bare element reference.
type Ident struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// OutboundFlow records the evaluator's verdict for one outbound sequence
// flow: take or discard, plus the condition result when one was executed.
type OutboundFlow struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	IsDefault    bool   `json:"isDefault,omitempty"`
	Result       any    `json:"result,omitempty"`
	EvaluationID string `json:"evaluationId,omitempty"`
	Message      any    `json:"message,omitempty"`
}

// Content is the payload of every run, execute and event message.
type Content struct {
	ID          string  `json:"id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Name        string  `json:"name,omitempty"`
	ExecutionID string  `json:"executionId,omitempty"`
	Parent      *Parent `json:"parent,omitempty"`

	Inbound         []*Content      `json:"inbound,omitempty"`
	Outbound        []*OutboundFlow `json:"outbound,omitempty"`
	Flow            *OutboundFlow   `json:"flow,omitempty"`
	DiscardSequence []string        `json:"discardSequence,omitempty"`

	// Flow edge fields, set on flow.take/flow.discard/association.* events.
	SourceID       string `json:"sourceId,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
	Action         string `json:"action,omitempty"`
	SequenceID     string `json:"sequenceId,omitempty"`
	IsSequenceFlow bool   `json:"isSequenceFlow,omitempty"`
	IsAssociation  bool   `json:"isAssociation,omitempty"`
	IsRecovered    bool   `json:"isRecovered,omitempty"`

	IgnoreOutbound  bool `json:"ignoreOutbound,omitempty"`
	OutboundTakeOne bool `json:"outboundTakeOne,omitempty"`
	IsRootScope     bool `json:"isRootScope,omitempty"`
	IsMultiInstance bool `json:"isMultiInstance,omitempty"`
	Index           int  `json:"index,omitempty"`

	Message map[string]any `json:"message,omitempty"`
	Input   any            `json:"input,omitempty"`
	Output  any            `json:"output,omitempty"`
	Result  any            `json:"result,omitempty"`

	Error *ActivityError `json:"error,omitempty"`

	// Sequence is the shake trail: every element visited appends itself.
	Sequence []Ident `json:"sequence,omitempty"`

	CompensationID string `json:"compensationId,omitempty"`

	// State carries execution-internal state on execute messages.
	State string `json:"state,omitempty"`

	// EndRoutingKey on a formatting fragment suspends the format chain
	// until a message with that routing key arrives.
	EndRoutingKey string `json:"endRoutingKey,omitempty"`

	// Extra holds formatter amendments and behaviour-specific fields that
	// have no dedicated slot.
	Extra map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of the content.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	cp := *c

	if c.Parent != nil {
		p := *c.Parent
		p.Path = append([]Ident(nil), c.Parent.Path...)
		cp.Parent = &p
	}
	if c.Inbound != nil {
		cp.Inbound = make([]*Content, len(c.Inbound))
		for i, in := range c.Inbound {
			cp.Inbound[i] = in.Clone()
		}
	}
	if c.Outbound != nil {
		cp.Outbound = make([]*OutboundFlow, len(c.Outbound))
		for i, ob := range c.Outbound {
			f := *ob
			cp.Outbound[i] = &f
		}
	}
	if c.Flow != nil {
		f := *c.Flow
		cp.Flow = &f
	}
	cp.DiscardSequence = append([]string(nil), c.DiscardSequence...)
	cp.Sequence = append([]Ident(nil), c.Sequence...)
	if c.Message != nil {
		cp.Message = make(map[string]any, len(c.Message))
		for k, v := range c.Message {
			cp.Message[k] = v
		}
	}
	if c.Extra != nil {
		cp.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// Merge copies the non-zero fields of src onto a clone of c. Used by the
// execution bridge (run.execute content + execution message content) and by
// the formatter when applying fragments.
func (c *Content) Merge(src *Content) *Content {
	out := c.Clone()
	if out == nil {
		return src.Clone()
	}
	if src == nil {
		return out
	}
	if src.ID != "" {
		out.ID = src.ID
	}
	if src.Type != "" {
		out.Type = src.Type
	}
	if src.Name != "" {
		out.Name = src.Name
	}
	if src.ExecutionID != "" {
		out.ExecutionID = src.ExecutionID
	}
	if src.Parent != nil {
		out.Parent = src.Clone().Parent
	}
	if src.Inbound != nil {
		out.Inbound = src.Clone().Inbound
	}
	if src.Outbound != nil {
		out.Outbound = src.Clone().Outbound
	}
	if src.Flow != nil {
		f := *src.Flow
		out.Flow = &f
	}
	if src.DiscardSequence != nil {
		out.DiscardSequence = append([]string(nil), src.DiscardSequence...)
	}
	if src.Message != nil {
		out.Message = src.Clone().Message
	}
	if src.Input != nil {
		out.Input = src.Input
	}
	if src.Output != nil {
		out.Output = src.Output
	}
	if src.Result != nil {
		out.Result = src.Result
	}
	if src.Error != nil {
		out.Error = src.Error
	}
	if src.Sequence != nil {
		out.Sequence = append([]Ident(nil), src.Sequence...)
	}
	if src.CompensationID != "" {
		out.CompensationID = src.CompensationID
	}
	if src.State != "" {
		out.State = src.State
	}
	if src.IgnoreOutbound {
		out.IgnoreOutbound = true
	}
	if src.OutboundTakeOne {
		out.OutboundTakeOne = true
	}
	if src.IsRootScope {
		out.IsRootScope = true
	}
	if src.Index != 0 {
		out.Index = src.Index
	}
	for k, v := range src.Extra {
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = v
	}
	return out
}

// UniqueID returns "<prefix>_<random>", the id scheme used for execution,
// sequence and evaluation ids.
func UniqueID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// BrokerSafeID replaces characters that collide with routing-key syntax.
func BrokerSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "*", "_", "#", "_")
	return r.Replace(id)
}
