package activity

import (
	"errors"

	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/message"
)

// ErrNoFlowTaken is reported when conditional evaluation discards every
// outbound flow and no default exists.
var ErrNoFlowTaken = errors.New("no conditional flow taken")

// EvaluateOutbound decides take or discard for every outbound flow. The
// default flow is evaluated last and is always taken unless an earlier flow
// was taken. With discardRestAtTake the first take discards the rest. The
// callback receives the verdicts in flow declaration order.
func (a *Activity) EvaluateOutbound(msg *broker.Message, discardRestAtTake bool, callback func(error, []*message.OutboundFlow)) {
	flows := a.outboundFlows
	if len(flows) == 0 {
		callback(nil, nil)
		return
	}

	evaluationID := message.UniqueID(a.id)

	// evaluation order: default flow last
	reordered := make([]int, 0, len(flows))
	defaultIdx := -1
	for i, f := range flows {
		if f.IsDefault() {
			defaultIdx = i
			continue
		}
		reordered = append(reordered, i)
	}
	if defaultIdx >= 0 {
		reordered = append(reordered, defaultIdx)
	}

	verdicts := make(map[string]*message.OutboundFlow, len(flows))
	record := func(idx int, action string, result any) {
		f := flows[reordered[idx]]
		verdicts[f.ID()] = &message.OutboundFlow{
			ID:           f.ID(),
			Action:       action,
			IsDefault:    f.IsDefault(),
			Result:       result,
			EvaluationID: evaluationID,
		}
	}

	finish := func() {
		taken := false
		out := make([]*message.OutboundFlow, 0, len(flows))
		for _, f := range flows {
			v := verdicts[f.ID()]
			if v == nil {
				v = &message.OutboundFlow{ID: f.ID(), Action: "discard", IsDefault: f.IsDefault(), EvaluationID: evaluationID}
			}
			if msg.Content != nil && msg.Content.Message != nil {
				v.Message = msg.Content.Message
			}
			if v.Action == "take" {
				taken = true
			}
			out = append(out, v)
		}
		if !taken {
			callback(message.NewActivityError(ErrNoFlowTaken, msg.Content), nil)
			return
		}
		callback(nil, out)
	}

	var evaluate func(idx int)
	afterTake := func(idx int) {
		if discardRestAtTake {
			for j := idx + 1; j < len(reordered); j++ {
				record(j, "discard", nil)
			}
			finish()
			return
		}
		if idx+1 < len(reordered) && flows[reordered[idx+1]].IsDefault() {
			record(idx+1, "discard", nil)
			finish()
			return
		}
		evaluate(idx + 1)
	}
	evaluate = func(idx int) {
		if idx >= len(reordered) {
			finish()
			return
		}
		f := flows[reordered[idx]]
		if f.IsDefault() || !f.HasCondition() {
			record(idx, "take", nil)
			afterTake(idx)
			return
		}
		f.Evaluate(msg, func(err error, result any) {
			if err != nil {
				callback(err, nil)
				return
			}
			if truthy(result) {
				record(idx, "take", result)
				afterTake(idx)
				return
			}
			record(idx, "discard", result)
			evaluate(idx + 1)
		})
	}
	evaluate(0)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
