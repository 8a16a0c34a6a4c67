package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{ owner_id: "before" }`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }); err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before the first write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{ owner_id: "after" }`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.OwnerID != "after" {
			t.Errorf("reloaded owner = %q, want after", cfg.OwnerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the file changed")
	}
}

func TestWatchKeepsPreviousOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{ owner_id: "good" }`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("{{{{"), 0o600); err != nil {
		t.Fatalf("write broken config: %v", err)
	}

	// The broken write must not reach onChange. A later good write does.
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-reloaded:
		t.Fatalf("broken config delivered: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte(`{ owner_id: "fixed" }`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloaded:
		if cfg.OwnerID != "fixed" {
			t.Errorf("reloaded owner = %q, want fixed", cfg.OwnerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after the fix")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-reloaded:
		t.Fatalf("sibling write triggered reload: %+v", cfg)
	default:
	}
}
