package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

// Capabilities advertises what a backend can do; the orchestrator and
// context builder adapt to them.
type Capabilities struct {
	Streaming          bool `json:"streaming"`            // emits partial message events
	Tools              bool `json:"tools"`                // emits tool_use/tool_result
	Vision             bool `json:"vision"`               // accepts media attachments
	MultiTurn          bool `json:"multi_turn"`           // keeps its own state across runs
	CustomSystemPrompt bool `json:"custom_system_prompt"` // accepts a separate system prompt
}

// BackendInfo identifies a backend.
type BackendInfo struct {
	Name               string            `json:"name"`
	DisplayName        string            `json:"display_name,omitempty"`
	Version            string            `json:"version,omitempty"`
	Capabilities       Capabilities      `json:"capabilities"`
	BuiltinTools       []string          `json:"builtin_tools,omitempty"`
	ToolPolicyMap      map[string]string `json:"tool_policy_map,omitempty"` // tool name → allow|confirm|deny
	RequiredKeys       []string          `json:"required_keys,omitempty"`   // config keys the backend needs
	SupportedProviders []string          `json:"supported_providers,omitempty"`
}

// RunRequest is one conversation turn handed to a backend.
type RunRequest struct {
	SessionKey string
	SenderID   string
	Channel    string
	// Prompt is the user message. For backends without the
	// custom_system_prompt capability the orchestrator folds the built
	// system prompt into it and leaves SystemPrompt empty.
	Prompt       string
	SystemPrompt string
	History      []memory.Message // compacted prior turns
	Media        []string         // local paths, vision backends only
}

// Backend executes conversation turns against one agent runtime.
//
// Run returns a stream of events; the backend closes the channel when the
// turn is over (after a terminal done or error event). Cancelling ctx must
// stop the run and close the channel promptly.
type Backend interface {
	Info() BackendInfo
	Run(ctx context.Context, req RunRequest) (<-chan AgentEvent, error)
	// Stop aborts the active run for a session, if any.
	Stop(sessionKey string) error
	// Status reports human-readable health, e.g. for /status and doctor.
	Status(ctx context.Context) (string, error)
}

// ToolResponder is implemented by backends that accept results for tool
// calls the orchestrator executes on their behalf, such as the session
// tools. The result lands in the run identified by sessionKey.
type ToolResponder interface {
	RespondTool(sessionKey, tool, result string) error
}

// BackendFactory builds a backend from configuration.
type BackendFactory func(cfg *config.Config) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend constructor available to the router.
// Typically called from an init func in the backend's package.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic(fmt.Sprintf("agent: backend %q registered twice", name))
	}
	backends[name] = f
}

// BackendNames lists registered backends, sorted.
func BackendNames() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Router resolves the configured backend lazily and caches the instance
// until Reset. Construction happens at most once per generation even under
// concurrent turns.
type Router struct {
	cfg *config.Config

	mu      sync.Mutex
	current Backend
	name    string
}

// NewRouter creates a router bound to the given configuration.
func NewRouter(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Backend returns the active backend, constructing it on first use.
func (r *Router) Backend() (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.cfg.Agent.Backend
	if r.current != nil && r.name == name {
		return r.current, nil
	}

	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: unknown backend %q (have %v)", name, BackendNames())
	}

	b, err := factory(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: init backend %q: %w", name, err)
	}
	slog.Info("agent backend ready", "backend", name, "capabilities", b.Info().Capabilities)
	r.current = b
	r.name = name
	return b, nil
}

// Reset drops the cached backend so the next turn rebuilds it from the
// (possibly reloaded) configuration. In-flight runs keep their old
// instance.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		slog.Info("agent backend reset", "backend", r.name)
	}
	r.current = nil
	r.name = ""
}
