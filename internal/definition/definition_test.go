package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/vela/internal/environment"
	"github.com/oriys/vela/internal/statestore"
)

func writeDef(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "process.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

const linearDef = `
name: order
activities:
  - id: start
    type: startEvent
  - id: approve
    type: userTask
    name: Approve order
  - id: done
    type: endEvent
flows:
  - id: f1
    source: start
    target: approve
  - id: f2
    source: approve
    target: done
`

func TestLoad_Validation(t *testing.T) {
	if _, err := Load(writeDef(t, linearDef)); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if _, err := Load(writeDef(t, "activities:\n  - id: a\n")); err == nil {
		t.Fatalf("expected a missing name error")
	}

	bad := `
name: broken
activities:
  - id: a
flows:
  - id: f1
    source: a
    target: nope
`
	if _, err := Load(writeDef(t, bad)); err == nil {
		t.Fatalf("expected an unknown target error")
	}

	dup := `
name: broken
activities:
  - id: a
  - id: a
`
	if _, err := Load(writeDef(t, dup)); err == nil {
		t.Fatalf("expected a duplicate id error")
	}
}

func TestRunner_RunLinearProcess(t *testing.T) {
	def, err := Load(writeDef(t, linearDef))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	runner, err := Build(def, environment.New(environment.Settings{}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if err := runner.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	waiting := runner.Waiting()
	if len(waiting) != 1 || waiting[0].ID() != "approve" {
		t.Fatalf("expected the user task waiting, got %v", waiting)
	}

	runner.GetActivityByID("approve").GetAPI(nil).Signal(map[string]any{"approved": true})

	if len(runner.Waiting()) != 0 {
		t.Fatalf("process did not settle after the signal")
	}
	for _, id := range []string{"start", "approve", "done"} {
		if got := runner.GetActivityByID(id).Counters(); got.Taken != 1 {
			t.Fatalf("activity %s counters %+v", id, got)
		}
	}
}

func TestRunner_GatewayCondition(t *testing.T) {
	gatewayDef := `
name: payment
activities:
  - id: start
    type: startEvent
  - id: route
    type: exclusiveGateway
  - id: ship
    type: task
  - id: remind
    type: task
flows:
  - id: f1
    source: start
    target: route
  - id: f-paid
    source: route
    target: ship
    condition: paid
  - id: f-unpaid
    source: route
    target: remind
    default: true
`
	def, err := Load(writeDef(t, gatewayDef))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	env := environment.New(environment.Settings{})
	env.Variables["paid"] = "true"
	runner, err := Build(def, env)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := runner.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got := runner.GetActivityByID("ship").Counters(); got.Taken != 1 {
		t.Fatalf("expected ship taken, got %+v", got)
	}
	if got := runner.GetActivityByID("remind").Counters(); got.Discarded != 1 {
		t.Fatalf("expected remind discarded, got %+v", got)
	}

	// the default route wins when the variable is unset
	env2 := environment.New(environment.Settings{})
	runner2, err := Build(def, env2)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := runner2.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := runner2.GetActivityByID("remind").Counters(); got.Taken != 1 {
		t.Fatalf("expected remind taken, got %+v", got)
	}
	if got := runner2.GetActivityByID("ship").Counters(); got.Discarded != 1 {
		t.Fatalf("expected ship discarded, got %+v", got)
	}
}

func TestRunner_SaveAndRecoverState(t *testing.T) {
	ctx := context.Background()
	def, err := Load(writeDef(t, linearDef))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	runner, err := Build(def, environment.New(environment.Settings{}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := runner.Run(); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	runner.GetActivityByID("approve").Stop()

	store := statestore.NewMemoryStore()
	if err := runner.SaveState(ctx, store); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	restored, err := Build(def, environment.New(environment.Settings{}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := restored.RecoverState(ctx, store); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	waiting := restored.Waiting()
	if len(waiting) != 1 || waiting[0].ID() != "approve" {
		t.Fatalf("expected the user task recovered waiting, got %v", waiting)
	}

	restored.GetActivityByID("approve").GetAPI(nil).Signal(map[string]any{"approved": true})

	if got := restored.GetActivityByID("done").Counters(); got.Taken != 1 {
		t.Fatalf("expected the recovered run to finish, got %+v", got)
	}
	// the start activity keeps its recovered counters without rerunning
	if got := restored.GetActivityByID("start").Counters(); got.Taken != 1 {
		t.Fatalf("unexpected start counters %+v", got)
	}
}

func TestRunner_Shake(t *testing.T) {
	def, err := Load(writeDef(t, linearDef))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	runner, err := Build(def, environment.New(environment.Settings{}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	sequences := runner.Shake()
	if len(sequences) != 1 {
		t.Fatalf("expected 1 sequence, got %d", len(sequences))
	}
	want := []string{"start", "f1", "approve", "f2", "done"}
	got := sequences[0]
	if len(got) != len(want) {
		t.Fatalf("expected sequence %v, got %v", want, got)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("expected sequence %v, got %v", want, got)
		}
	}
}

func TestRunner_NoStartActivity(t *testing.T) {
	cyclic := `
name: loop
activities:
  - id: a
  - id: b
flows:
  - id: f1
    source: a
    target: b
  - id: f2
    source: b
    target: a
`
	def, err := Load(writeDef(t, cyclic))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	runner, err := Build(def, environment.New(environment.Settings{}))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := runner.Run(); err == nil {
		t.Fatalf("expected a no-start error")
	}
}
