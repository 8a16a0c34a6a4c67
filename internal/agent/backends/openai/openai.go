// Package openai implements the built-in agent backend against any
// OpenAI-compatible chat-completions endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

func init() {
	agent.RegisterBackend("openai", func(cfg *config.Config) (agent.Backend, error) {
		return New(cfg.Agent)
	})
}

// Backend streams chat completions over SSE.
type Backend struct {
	apiBase     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client

	mu   sync.Mutex
	runs map[string]context.CancelFunc // session key → active run cancel
}

// New creates the backend from agent configuration.
func New(cfg config.AgentConfig) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai backend: api_key not configured")
	}
	apiBase := cfg.BaseURL
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Backend{
		apiBase:     strings.TrimRight(apiBase, "/"),
		apiKey:      cfg.APIKey,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: 300 * time.Second},
		runs:        make(map[string]context.CancelFunc),
	}, nil
}

// Info describes the backend.
func (b *Backend) Info() agent.BackendInfo {
	return agent.BackendInfo{
		Name:        "openai",
		DisplayName: "OpenAI Compatible",
		Version:     b.model,
		Capabilities: agent.Capabilities{
			Streaming:          true,
			MultiTurn:          true,
			CustomSystemPrompt: true,
		},
		RequiredKeys:       []string{"agent.api_key"},
		SupportedProviders: []string{"openai", "openrouter", "ollama"},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Run starts one streamed completion. The returned channel closes after a
// terminal done or error event.
func (b *Backend) Run(ctx context.Context, req agent.RunRequest) (<-chan agent.AgentEvent, error) {
	runCtx, cancel := context.WithCancel(ctx)
	if req.SessionKey != "" {
		b.mu.Lock()
		if prev, ok := b.runs[req.SessionKey]; ok {
			prev()
		}
		b.runs[req.SessionKey] = cancel
		b.mu.Unlock()
	}

	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       b.model,
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(runCtx, http.MethodPost,
		b.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai backend: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("openai backend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	events := make(chan agent.AgentEvent, 16)
	go func() {
		defer func() {
			resp.Body.Close()
			cancel()
			if req.SessionKey != "" {
				b.mu.Lock()
				delete(b.runs, req.SessionKey)
				b.mu.Unlock()
			}
			close(events)
		}()
		b.stream(runCtx, resp.Body, events)
	}()
	return events, nil
}

// stream parses the SSE body into agent events.
func (b *Backend) stream(ctx context.Context, body io.Reader, events chan<- agent.AgentEvent) {
	emit := func(ev agent.AgentEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	thinking := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" && !thinking {
			thinking = true
			if !emit(agent.AgentEvent{Type: agent.EventThinking}) {
				return
			}
		}
		if delta.Content != "" {
			if thinking {
				thinking = false
				if !emit(agent.AgentEvent{Type: agent.EventThinkingDone}) {
					return
				}
			}
			if !emit(agent.ChunkEvent(delta.Content)) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Warn("openai stream read failed", "error", err)
		emit(agent.ErrorEvent(err.Error()))
		return
	}
	emit(agent.AgentEvent{Type: agent.EventDone})
}

// Stop cancels the active run for a session.
func (b *Backend) Stop(sessionKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.runs[sessionKey]; ok {
		cancel()
		delete(b.runs, sessionKey)
	}
	return nil
}

// Status probes the endpoint's model list.
func (b *Backend) Status(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiBase+"/models", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("ok (model %s via %s)", b.model, b.apiBase), nil
}
