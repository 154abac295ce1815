package statestore

import (
	"context"
	"errors"
	"testing"

	"github.com/oriys/vela/internal/activity"
	"github.com/oriys/vela/internal/config"
)

func TestMemoryStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state := &activity.State{ID: "task", Type: "userTask", Status: "executing",
		Counters: activity.Counters{Taken: 2}}
	if err := store.Save(ctx, "proc/task", state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "proc/task")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.ID != "task" || loaded.Status != "executing" || loaded.Counters.Taken != 2 {
		t.Fatalf("unexpected snapshot %+v", loaded)
	}

	// loads are detached copies
	loaded.Status = "changed"
	again, err := store.Load(ctx, "proc/task")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Status != "executing" {
		t.Fatalf("stored snapshot was mutated through a load")
	}

	keys, err := store.List(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "proc/task" {
		t.Fatalf("unexpected keys %v, err %v", keys, err)
	}

	if err := store.Delete(ctx, "proc/task"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Load(ctx, "proc/task"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.StateStoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected a memory store, got %T", store)
	}

	// an empty driver defaults to memory
	if store, err = Open(ctx, config.StateStoreConfig{}); err != nil {
		t.Fatalf("open default failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected a memory store, got %T", store)
	}

	if _, err := Open(ctx, config.StateStoreConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected an unknown driver error")
	}
}
