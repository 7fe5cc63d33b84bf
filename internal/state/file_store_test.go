package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	state := State{
		Deploys: map[string]DeploySnapshot{
			"app-production": {
				Version:    "v2",
				Hosts:      []string{"h1", "h2"},
				Failed:     map[string]string{"h2": "deploy web on h2: timed out"},
				StartedAt:  started,
				FinishedAt: started.Add(time.Minute),
			},
			"app": {Version: "v1", Hosts: []string{"h1"}},
		},
	}

	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(loaded.Deploys) != 2 {
		t.Fatalf("expected 2 deploys, got %d", len(loaded.Deploys))
	}

	prod := loaded.Deploys["app-production"]
	if prod.Version != "v2" || prod.Succeeded() {
		t.Fatalf("unexpected production snapshot: %+v", prod)
	}
	if !prod.FinishedAt.Equal(started.Add(time.Minute)) {
		t.Fatalf("unexpected finish time: %s", prod.FinishedAt)
	}
	if !loaded.Deploys["app"].Succeeded() {
		t.Fatalf("expected plain app deploy to have succeeded")
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Deploys) != 0 {
		t.Fatalf("expected empty state, got %v", state.Deploys)
	}
}

func TestFileStore_CorruptFileMovedAside(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Deploys) != 0 {
		t.Fatalf("expected empty state, got %v", state.Deploys)
	}
	kept, err := os.ReadFile(path + ".corrupt")
	if err != nil || string(kept) != "{not-json" {
		t.Fatalf("expected corrupt file preserved, got %q %v", kept, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original path to be free, got %v", err)
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "state.json"), zerolog.Nop())

	if err := store.RecordDeploy(context.Background(), "app", DeploySnapshot{Version: "v1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json, got %v", entries)
	}
}

func TestFileStore_RecordDeployKeepsOtherServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path, zerolog.Nop())
	ctx := context.Background()

	if err := store.RecordDeploy(ctx, Key("app", ""), DeploySnapshot{Version: "v1"}); err != nil {
		t.Fatalf("record app: %v", err)
	}
	if err := store.RecordDeploy(ctx, Key("app", "staging"), DeploySnapshot{Version: "v7"}); err != nil {
		t.Fatalf("record staging: %v", err)
	}
	if err := store.RecordDeploy(ctx, Key("app", ""), DeploySnapshot{Version: "v2"}); err != nil {
		t.Fatalf("record app again: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if loaded.Deploys["app"].Version != "v2" {
		t.Fatalf("expected app at v2, got %q", loaded.Deploys["app"].Version)
	}
	if loaded.Deploys["app-staging"].Version != "v7" {
		t.Fatalf("expected staging at v7, got %q", loaded.Deploys["app-staging"].Version)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatalf("expected save to fail on canceled context")
	}
}
