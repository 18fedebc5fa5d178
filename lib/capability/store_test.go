// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

// openTestStore opens a store whose universe is the fixed set below
// plus anything under "dyn.".
func openTestStore(t *testing.T, onDeclare func()) *Store {
	t.Helper()
	known := map[string]bool{
		"fusion.track": true,
		"fusion.roe":   true,
		"roe.decision": true,
	}
	store, err := OpenStore(Config{
		Path: filepath.Join(t.TempDir(), "capability.db"),
		ValidateSubject: func(name string) error {
			if known[name] {
				return nil
			}
			if len(name) > 4 && name[:4] == "dyn." {
				return nil
			}
			return fmt.Errorf("subject %q not in universe", name)
		},
		OnDeclare: onDeclare,
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDeclareAndGet(t *testing.T) {
	declares := 0
	store := openTestStore(t, func() { declares++ })
	ctx := context.Background()

	version, err := store.Declare(ctx, "fusion_ae",
		[]string{"fusion.track", "fusion.track"}, // duplicate collapses
		[]string{"fusion.roe"},
		map[string]string{"build": "v2"})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if version != 1 {
		t.Errorf("first version = %d, want 1", version)
	}
	if declares != 1 {
		t.Errorf("OnDeclare fired %d times, want 1", declares)
	}

	decl, err := store.Get(ctx, "fusion_ae")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if decl == nil {
		t.Fatal("Get returned nil after Declare")
	}
	if !reflect.DeepEqual(decl.Publishes, []string{"fusion.track"}) {
		t.Errorf("Publishes = %v, want [fusion.track]", decl.Publishes)
	}
	if decl.Meta["build"] != "v2" {
		t.Errorf("Meta = %v, want build=v2", decl.Meta)
	}

	missing, err := store.Get(ctx, "ghost_ae")
	if err != nil {
		t.Fatalf("Get(ghost): %v", err)
	}
	if missing != nil {
		t.Error("Get for undeclared agent should return nil")
	}
}

func TestDeclareUnknownSubject(t *testing.T) {
	store := openTestStore(t, nil)
	_, err := store.Declare(context.Background(), "fusion_ae",
		[]string{"telemetry.cpu"}, nil, nil)
	if !errors.Is(err, ErrUnknownSubject) {
		t.Errorf("Declare(unknown subject) = %v, want ErrUnknownSubject", err)
	}

	// Dynamic-pattern subjects are accepted.
	if _, err := store.Declare(context.Background(), "fusion_ae",
		[]string{"dyn.experimental"}, nil, nil); err != nil {
		t.Errorf("Declare(dynamic subject) = %v, want nil", err)
	}
}

func TestDeclareFullReplace(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Declare(ctx, "fusion_ae", []string{"fusion.track"}, nil, nil); err != nil {
		t.Fatalf("first Declare: %v", err)
	}
	version, err := store.Declare(ctx, "fusion_ae", []string{"roe.decision"}, nil, nil)
	if err != nil {
		t.Fatalf("second Declare: %v", err)
	}
	if version != 2 {
		t.Errorf("second version = %d, want 2", version)
	}

	decl, err := store.Get(ctx, "fusion_ae")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(decl.Publishes, []string{"roe.decision"}) {
		t.Errorf("Publishes after replace = %v, want [roe.decision] only", decl.Publishes)
	}

	// Empty replacement revokes everything.
	if _, err := store.Declare(ctx, "fusion_ae", nil, nil, nil); err != nil {
		t.Fatalf("empty Declare: %v", err)
	}
	decl, _ = store.Get(ctx, "fusion_ae")
	if len(decl.Publishes) != 0 {
		t.Errorf("Publishes after empty replace = %v, want empty", decl.Publishes)
	}
}

func TestConcurrentDeclarations(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	const agents = 8
	var wg sync.WaitGroup
	errs := make(chan error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", n)
			subjectName := fmt.Sprintf("dyn.stream-%d", n)
			if _, err := store.Declare(ctx, agentID, []string{subjectName}, nil, nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Declare: %v", err)
	}

	decls, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(decls) != agents {
		t.Errorf("All returned %d declarations, want %d — a declaration was dropped", len(decls), agents)
	}
}
