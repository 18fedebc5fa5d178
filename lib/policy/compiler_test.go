// Copyright 2026 The AEGNIX Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegnix-foundation/aegnix/lib/capability"
	"github.com/aegnix-foundation/aegnix/lib/identity"
	"github.com/aegnix-foundation/aegnix/lib/testutil"
)

const testPolicy = `{
	// Fusion cell: track fusion is open to the cell, ROE is restricted.
	"subjects": {
		"fusion.track": {
			"publishers":  {"allow": ["*"], "deny": ["rogue_ae"]},
			"subscribers": {"allow": ["*"]},
		},
		"fusion.roe": {
			"publishers":  {"allow": ["command_ae"]},
			"subscribers": {"allow": ["command_ae", "fusion_ae"]},
		},
	},
	"dynamic_subjects": ["dyn.**", "sensor.*.raw"],
}`

// staticDecls is a DeclarationSource backed by a slice.
type staticDecls struct {
	decls []capability.Declaration
	err   error
}

func (s *staticDecls) All(context.Context) ([]capability.Declaration, error) {
	return s.decls, s.err
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestCompiler(t *testing.T, decls DeclarationSource, agents ...string) (*Compiler, *identity.Registry) {
	t.Helper()
	registry := identity.NewRegistry(nil)
	for _, id := range agents {
		if err := registry.Bind(id, nil, nil); err != nil {
			t.Fatalf("Bind(%q): %v", id, err)
		}
	}
	compiler, err := NewCompiler(t.Context(), Config{
		PolicyPath:   writePolicy(t, testPolicy),
		Registry:     registry,
		Declarations: decls,
	})
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return compiler, registry
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid json", `{"subjects": [}`},
		{"bad subject name", `{"subjects": {"Fusion.Track": {}}}`},
		{"empty segment", `{"subjects": {"fusion..track": {}}}`},
		{"bad agent entry", `{"subjects": {"a": {"publishers": {"allow": ["bad.agent"]}}}}`},
		{"bad dynamic pattern", `{"dynamic_subjects": ["dyn..**"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Fatal("Parse accepted a malformed document")
			}
		})
	}
}

func TestDocumentUniverse(t *testing.T) {
	doc, err := Parse([]byte(testPolicy))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tests := []struct {
		name string
		want bool
	}{
		{"fusion.track", true},
		{"fusion.roe", true},
		{"fusion.other", false},
		{"dyn.anything.at.all", true},
		{"sensor.radar.raw", true},
		{"sensor.radar.cooked", false},
	}
	for _, tt := range tests {
		if got := doc.InUniverse(tt.name); got != tt.want {
			t.Errorf("InUniverse(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCompileStaticEntries(t *testing.T) {
	compiler, _ := newTestCompiler(t, nil, "fusion_ae", "command_ae", "rogue_ae")
	snap := compiler.Current()

	if prov, ok := snap.AllowsPublish("fusion.track", "fusion_ae"); !ok || prov != ProvenanceStatic {
		t.Errorf("fusion_ae publish fusion.track = (%q, %v), want static grant", prov, ok)
	}
	// A static deny blocks even a wildcard allow.
	if _, ok := snap.AllowsPublish("fusion.track", "rogue_ae"); ok {
		t.Error("rogue_ae allowed to publish fusion.track despite static deny")
	}
	if _, ok := snap.AllowsPublish("fusion.roe", "fusion_ae"); ok {
		t.Error("fusion_ae allowed to publish fusion.roe without an allow entry")
	}
	if _, ok := snap.AllowsSubscribe("fusion.roe", "fusion_ae"); !ok {
		t.Error("fusion_ae not allowed to subscribe fusion.roe despite explicit allow")
	}
	if snap.Version() == 0 {
		t.Error("initial snapshot has version 0")
	}
}

func TestCompileDynamicEntriesRequireTrust(t *testing.T) {
	decls := &staticDecls{decls: []capability.Declaration{{
		AgentID:    "sensor_ae",
		Publishes:  []string{"dyn.sensor.feed"},
		Subscribes: []string{"fusion.track"},
	}}}
	compiler, registry := newTestCompiler(t, decls, "sensor_ae")

	// Pending agents contribute nothing dynamically.
	snap := compiler.Current()
	if _, ok := snap.AllowsPublish("dyn.sensor.feed", "sensor_ae"); ok {
		t.Error("pending agent received a dynamic publish grant")
	}

	if err := registry.SetTrustStatus("sensor_ae", identity.TrustTrusted); err != nil {
		t.Fatalf("SetTrustStatus: %v", err)
	}
	if err := compiler.compile(t.Context()); err != nil {
		t.Fatalf("compile: %v", err)
	}
	snap = compiler.Current()
	if prov, ok := snap.AllowsPublish("dyn.sensor.feed", "sensor_ae"); !ok || prov != ProvenanceDynamic {
		t.Errorf("trusted publish grant = (%q, %v), want dynamic grant", prov, ok)
	}
	// The declared subscription to a static subject also becomes a
	// dynamic entry (the wildcard static allow already covers it, so
	// provenance stays static).
	if prov, ok := snap.AllowsSubscribe("fusion.track", "sensor_ae"); !ok || prov != ProvenanceStatic {
		t.Errorf("subscribe fusion.track = (%q, %v), want static grant", prov, ok)
	}
}

func TestCompileStaticDenyDominatesDeclaration(t *testing.T) {
	decls := &staticDecls{decls: []capability.Declaration{{
		AgentID:   "rogue_ae",
		Publishes: []string{"fusion.track"},
	}}}
	compiler, registry := newTestCompiler(t, decls, "rogue_ae")
	if err := registry.SetTrustStatus("rogue_ae", identity.TrustTrusted); err != nil {
		t.Fatalf("SetTrustStatus: %v", err)
	}
	if err := compiler.compile(t.Context()); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, ok := compiler.Current().AllowsPublish("fusion.track", "rogue_ae"); ok {
		t.Error("static deny did not dominate a trusted declaration")
	}
}

func TestCompileSkipsSubjectsOutsideUniverse(t *testing.T) {
	decls := &staticDecls{decls: []capability.Declaration{{
		AgentID:   "sensor_ae",
		Publishes: []string{"smuggled.subject"},
	}}}
	compiler, registry := newTestCompiler(t, decls, "sensor_ae")
	if err := registry.SetTrustStatus("sensor_ae", identity.TrustTrusted); err != nil {
		t.Fatalf("SetTrustStatus: %v", err)
	}
	if err := compiler.compile(t.Context()); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, ok := compiler.Current().Entry("smuggled.subject"); ok {
		t.Error("declaration outside the universe produced a snapshot entry")
	}
}

func TestCompileDeclarationReadFailureKeepsSnapshot(t *testing.T) {
	decls := &staticDecls{}
	compiler, _ := newTestCompiler(t, decls, "fusion_ae")
	before := compiler.Current()

	decls.err = errors.New("disk gone")
	if err := compiler.compile(t.Context()); err == nil {
		t.Fatal("compile succeeded with a failing declaration source")
	}
	if compiler.Current() != before {
		t.Error("failed compile replaced the snapshot")
	}
}

func TestValidateSubject(t *testing.T) {
	compiler, _ := newTestCompiler(t, nil)
	if err := compiler.ValidateSubject("fusion.track"); err != nil {
		t.Errorf("ValidateSubject(fusion.track): %v", err)
	}
	if err := compiler.ValidateSubject("dyn.new.feed"); err != nil {
		t.Errorf("ValidateSubject(dyn.new.feed): %v", err)
	}
	if err := compiler.ValidateSubject("not.in.universe"); err == nil {
		t.Error("ValidateSubject accepted a subject outside the universe")
	}
	if err := compiler.ValidateSubject("Bad.Name"); err == nil {
		t.Error("ValidateSubject accepted a malformed name")
	}
}

func TestHotReloadSwapsDocument(t *testing.T) {
	path := writePolicy(t, testPolicy)
	registry := identity.NewRegistry(nil)
	if err := registry.Bind("fusion_ae", nil, nil); err != nil {
		t.Fatal(err)
	}
	compiler, err := NewCompiler(t.Context(), Config{
		PolicyPath: path,
		Registry:   registry,
	})
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}

	updated := `{"subjects": {"fusion.track": {"publishers": {"allow": []}}}}`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a visible mtime change regardless of filesystem
	// timestamp granularity.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	before := compiler.Current().Version()
	compiler.reloadIfChanged(t.Context())
	snap := compiler.Current()
	if snap.Version() == before {
		t.Fatal("reload did not produce a new snapshot")
	}
	if _, ok := snap.AllowsPublish("fusion.track", "fusion_ae"); ok {
		t.Error("revoked static allow survived the reload")
	}
	if compiler.ValidateSubject("dyn.feed") == nil {
		t.Error("removed dynamic pattern still admits subjects")
	}
}

func TestHotReloadKeepsLastGoodOnMalformedFile(t *testing.T) {
	path := writePolicy(t, testPolicy)
	registry := identity.NewRegistry(nil)
	if err := registry.Bind("fusion_ae", nil, nil); err != nil {
		t.Fatal(err)
	}
	compiler, err := NewCompiler(t.Context(), Config{
		PolicyPath: path,
		Registry:   registry,
	})
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	before := compiler.Current()

	if err := os.WriteFile(path, []byte(`{"subjects": }`), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	compiler.reloadIfChanged(t.Context())
	if compiler.Current() != before {
		t.Error("malformed reload replaced the snapshot")
	}
	if _, ok := compiler.Current().AllowsPublish("fusion.track", "fusion_ae"); !ok {
		t.Error("last good policy stopped serving after malformed reload")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	compiler, _ := newTestCompiler(t, nil, "fusion_ae")
	for i := 0; i < 100; i++ {
		compiler.Trigger()
	}
	if got := len(compiler.trigger); got != 1 {
		t.Fatalf("trigger channel holds %d requests, want 1", got)
	}
}

func TestRunServesTriggersUntilCancelled(t *testing.T) {
	decls := &staticDecls{}
	compiler, registry := newTestCompiler(t, decls, "sensor_ae")
	if err := registry.SetTrustStatus("sensor_ae", identity.TrustTrusted); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- compiler.Run(ctx) }()

	before := compiler.Current().Version()
	decls.decls = []capability.Declaration{{
		AgentID:   "sensor_ae",
		Publishes: []string{"dyn.feed"},
	}}
	compiler.Trigger()

	deadline := time.After(5 * time.Second)
	for compiler.Current().Version() == before {
		select {
		case <-deadline:
			t.Fatal("trigger did not produce a new snapshot")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := compiler.Current().AllowsPublish("dyn.feed", "sensor_ae"); !ok {
		t.Error("recompile missed the new declaration")
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run after cancellation"); err != nil {
		t.Fatalf("Run returned %v after cancellation", err)
	}
}

func TestGrantsFor(t *testing.T) {
	compiler, _ := newTestCompiler(t, nil, "command_ae")
	publishes, subscribes := compiler.Current().GrantsFor("command_ae")
	if len(publishes) != 2 { // fusion.track (wildcard) + fusion.roe
		t.Errorf("publishes = %v, want fusion.roe and fusion.track", publishes)
	}
	if len(subscribes) != 2 {
		t.Errorf("subscribes = %v, want fusion.roe and fusion.track", subscribes)
	}
}
