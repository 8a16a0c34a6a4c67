package agent

import (
	"strings"
	"testing"

	"github.com/pocketpaw/pocketpaw/internal/config"
)

func TestRouterUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Backend = "does_not_exist"
	r := NewRouter(cfg)
	if _, err := r.Backend(); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Errorf("Backend() error = %v", err)
	}
}

func TestRouterCachesUntilReset(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.Backend = "scripted"

	first := &scriptedBackend{}
	installBackend(t, first)
	r := NewRouter(cfg)

	a, err := r.Backend()
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	b, err := r.Backend()
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	if a != b {
		t.Error("router rebuilt the backend without a reset")
	}

	// Swapping the installed instance is invisible until Reset.
	second := &scriptedBackend{}
	installBackend(t, second)
	c, err := r.Backend()
	if err != nil {
		t.Fatalf("Backend: %v", err)
	}
	if c != a {
		t.Error("cached backend replaced without a reset")
	}

	r.Reset()
	d, err := r.Backend()
	if err != nil {
		t.Fatalf("Backend after reset: %v", err)
	}
	if d != second {
		t.Error("reset did not rebuild from the factory")
	}
}

func TestBackendNamesIncludesRegistered(t *testing.T) {
	names := BackendNames()
	found := false
	for _, n := range names {
		if n == "scripted" {
			found = true
		}
	}
	if !found {
		t.Errorf("BackendNames() = %v, missing scripted", names)
	}
}
