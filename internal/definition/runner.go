package definition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oriys/vela/internal/activity"
	"github.com/oriys/vela/internal/broker"
	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/flow"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/message"
	"github.com/oriys/vela/internal/statestore"
)

// Runner holds the built elements of one process and implements the
// activity context.
type Runner struct {
	name        string
	environment *environment.Environment
	logger      *slog.Logger

	flows         map[string]*flow.SequenceFlow
	flowOrder     []string
	activities    map[string]*activity.Activity
	activityOrder []string
}

// Build creates flows and activities from a loaded definition.
func Build(def *File, env *environment.Environment) (*Runner, error) {
	r := &Runner{
		name:        def.Name,
		environment: env,
		logger:      logging.Op().With("process", def.Name),
		flows:       make(map[string]*flow.SequenceFlow, len(def.Flows)),
		activities:  make(map[string]*activity.Activity, len(def.Activities)),
	}
	parent := message.Ident{ID: def.Name, Type: "process"}

	for _, fd := range def.Flows {
		f := flow.NewSequenceFlow(flow.Definition{
			ID:        fd.ID,
			SourceID:  fd.Source,
			TargetID:  fd.Target,
			IsDefault: fd.Default,
			Condition: conditionFor(fd, env),
			Parent:    parent,
		}, env)
		r.flows[fd.ID] = f
		r.flowOrder = append(r.flowOrder, fd.ID)
	}
	for _, ad := range def.Activities {
		a := activity.New(activity.Definition{
			ID:                ad.ID,
			Type:              ad.Type,
			Name:              ad.Name,
			Parent:            parent,
			Behaviour:         behaviourFor(ad.Type),
			IsParallelGateway: ad.Type == "parallelGateway",
		}, r)
		r.activities[ad.ID] = a
		r.activityOrder = append(r.activityOrder, ad.ID)
	}
	return r, nil
}

// Environment implements activity.Context.
func (r *Runner) Environment() *environment.Environment { return r.environment }

// GetActivityByID implements activity.Context.
func (r *Runner) GetActivityByID(id string) *activity.Activity { return r.activities[id] }

// GetInboundSequenceFlows implements activity.Context.
func (r *Runner) GetInboundSequenceFlows(activityID string) []*flow.SequenceFlow {
	var out []*flow.SequenceFlow
	for _, id := range r.flowOrder {
		if f := r.flows[id]; f.TargetID() == activityID {
			out = append(out, f)
		}
	}
	return out
}

// GetOutboundSequenceFlows implements activity.Context.
func (r *Runner) GetOutboundSequenceFlows(activityID string) []*flow.SequenceFlow {
	var out []*flow.SequenceFlow
	for _, id := range r.flowOrder {
		if f := r.flows[id]; f.SourceID() == activityID {
			out = append(out, f)
		}
	}
	return out
}

// GetInboundAssociations implements activity.Context. The YAML schema
// carries no compensation associations.
func (r *Runner) GetInboundAssociations(string) []*flow.Association { return nil }

// LoadExtensions implements activity.Context.
func (r *Runner) LoadExtensions(*activity.Activity) activity.Extensions { return nil }

// Activities returns the built activities in declaration order.
func (r *Runner) Activities() []*activity.Activity {
	out := make([]*activity.Activity, 0, len(r.activityOrder))
	for _, id := range r.activityOrder {
		out = append(out, r.activities[id])
	}
	return out
}

// Run activates every activity and runs the start activities. Delivery is
// synchronous, so the call returns once the graph has settled; activities
// parked on a wait state keep their status until signalled.
func (r *Runner) Run() error {
	starts := 0
	for _, a := range r.Activities() {
		a.Activate()
	}
	for _, a := range r.Activities() {
		if !a.IsStart() {
			continue
		}
		starts++
		if err := a.Run(nil); err != nil {
			return fmt.Errorf("run %s: %w", a.ID(), err)
		}
	}
	if starts == 0 {
		return errors.New("process has no start activity")
	}
	return nil
}

// Waiting returns the activities currently parked mid-run.
func (r *Runner) Waiting() []*activity.Activity {
	var out []*activity.Activity
	for _, a := range r.Activities() {
		if a.Status() != "" {
			out = append(out, a)
		}
	}
	return out
}

// SaveState snapshots every activity into the store under
// "<process>/<activity>".
func (r *Runner) SaveState(ctx context.Context, store statestore.Store) error {
	for _, a := range r.Activities() {
		if err := store.Save(ctx, r.name+"/"+a.ID(), a.GetState()); err != nil {
			return fmt.Errorf("save %s: %w", a.ID(), err)
		}
	}
	return nil
}

// RecoverState restores previously saved snapshots onto the built, idle
// elements and resumes them.
func (r *Runner) RecoverState(ctx context.Context, store statestore.Store) error {
	for _, a := range r.Activities() {
		state, err := store.Load(ctx, r.name+"/"+a.ID())
		if errors.Is(err, statestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", a.ID(), err)
		}
		if err := a.Recover(state); err != nil {
			return fmt.Errorf("recover %s: %w", a.ID(), err)
		}
	}
	for _, a := range r.Activities() {
		if err := a.Resume(); err != nil {
			return fmt.Errorf("resume %s: %w", a.ID(), err)
		}
	}
	return nil
}

// Shake traverses the graph from every start activity without executing
// anything and returns the element sequences that reached an end.
func (r *Runner) Shake() [][]message.Ident {
	for _, a := range r.Activities() {
		a.Activate()
	}
	var sequences [][]message.Ident
	var tags []struct {
		a   *activity.Activity
		tag string
	}
	for _, a := range r.Activities() {
		tag := a.On("shake.end", func(m *broker.Message) {
			sequences = append(sequences, append([]message.Ident(nil), m.Content.Sequence...))
		})
		tags = append(tags, struct {
			a   *activity.Activity
			tag string
		}{a, tag})
	}
	for _, a := range r.Activities() {
		if a.IsStart() {
			a.Shake()
		}
	}
	for _, t := range tags {
		t.a.Off(t.tag)
	}
	return sequences
}
