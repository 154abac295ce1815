package message

import (
	"strings"
	"testing"
)

func TestContent_CloneIsIndependent(t *testing.T) {
	src := &Content{
		ID:              "task",
		Parent:          &Parent{ID: "proc", Type: "process"},
		Inbound:         []*Content{{ID: "f1"}},
		Outbound:        []*OutboundFlow{{ID: "f2", Action: "take"}},
		DiscardSequence: []string{"a"},
		Sequence:        []Ident{{ID: "a"}},
		Message:         map[string]any{"k": "v"},
		Extra:           map[string]any{"x": 1},
	}

	cp := src.Clone()
	cp.Parent.ID = "other"
	cp.Inbound[0].ID = "changed"
	cp.Outbound[0].Action = "discard"
	cp.DiscardSequence[0] = "b"
	cp.Message["k"] = "w"
	cp.Extra["x"] = 2

	if src.Parent.ID != "proc" || src.Inbound[0].ID != "f1" || src.Outbound[0].Action != "take" {
		t.Fatalf("clone shares nested state with the source")
	}
	if src.DiscardSequence[0] != "a" || src.Message["k"] != "v" || src.Extra["x"] != 1 {
		t.Fatalf("clone shares slices or maps with the source")
	}

	var nilContent *Content
	if nilContent.Clone() != nil {
		t.Fatalf("nil clone must stay nil")
	}
}

func TestContent_MergeKeepsUnsetFields(t *testing.T) {
	base := &Content{ID: "task", Name: "Task", ExecutionID: "task_1", Message: map[string]any{"a": 1}}
	src := &Content{Output: "done", Message: map[string]any{"b": 2}, State: "start"}

	out := base.Merge(src)

	if out.ID != "task" || out.Name != "Task" || out.ExecutionID != "task_1" {
		t.Fatalf("merge dropped base fields: %+v", out)
	}
	if out.Output != "done" || out.State != "start" {
		t.Fatalf("merge dropped source fields: %+v", out)
	}
	// a set source map replaces the base map
	if out.Message["b"] != 2 || out.Message["a"] != nil {
		t.Fatalf("unexpected merged message %v", out.Message)
	}
	if base.Output != nil {
		t.Fatalf("merge mutated the base")
	}

	// source ids win when set
	if got := base.Merge(&Content{ExecutionID: "task_2"}); got.ExecutionID != "task_2" {
		t.Fatalf("source execution id not adopted: %s", got.ExecutionID)
	}
}

func TestUniqueID(t *testing.T) {
	id := UniqueID("task")
	if !strings.HasPrefix(id, "task_") {
		t.Fatalf("expected task_ prefix, got %s", id)
	}
	if len(id) != len("task_")+12 {
		t.Fatalf("unexpected id length: %s", id)
	}
	if UniqueID("task") == id {
		t.Fatalf("ids must be unique")
	}
	if len(UniqueID("")) != 12 {
		t.Fatalf("empty prefix must yield the bare suffix")
	}
}

func TestBrokerSafeID(t *testing.T) {
	if got := BrokerSafeID("a.b*c#d"); got != "a_b_c_d" {
		t.Fatalf("expected a_b_c_d, got %s", got)
	}
}
