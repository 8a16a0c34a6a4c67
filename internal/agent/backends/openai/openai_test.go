package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

func sseServer(t *testing.T, lines []string, capture *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if capture != nil {
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, capture); err != nil {
				t.Errorf("request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func delta(content, reasoning string) string {
	chunk := map[string]any{
		"choices": []map[string]any{{
			"delta": map[string]any{
				"content":           content,
				"reasoning_content": reasoning,
			},
		}},
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b)
}

func newTestBackend(t *testing.T, baseURL string) *Backend {
	t.Helper()
	b, err := New(config.AgentConfig{APIKey: "test-key", BaseURL: baseURL, Model: "test-model"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func collect(t *testing.T, events <-chan agent.AgentEvent) []agent.AgentEvent {
	t.Helper()
	var got []agent.AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("stream did not close, got so far: %v", got)
		}
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(config.AgentConfig{}); err == nil {
		t.Error("missing api key accepted")
	}
}

func TestRunStreamsChunks(t *testing.T) {
	var req chatRequest
	srv := sseServer(t, []string{
		delta("Hello", ""),
		delta(" there.", ""),
		"data: [DONE]",
	}, &req)
	b := newTestBackend(t, srv.URL)

	events, err := b.Run(context.Background(), agent.RunRequest{
		SessionKey: "telegram:1",
		Prompt:     "hi",
		History:    []memory.Message{{Role: "user", Content: "earlier"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var text strings.Builder
	for _, ev := range got {
		if ev.Type == agent.EventMessage {
			if !ev.Partial {
				t.Errorf("message event not partial: %v", ev)
			}
			text.WriteString(ev.Content)
		}
	}
	if text.String() != "Hello there." {
		t.Errorf("streamed text = %q", text.String())
	}
	if last := got[len(got)-1]; last.Type != agent.EventDone {
		t.Errorf("last event = %v, want done", last)
	}

	if !req.Stream || req.Model != "test-model" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Content != "earlier" || req.Messages[1].Content != "hi" {
		t.Errorf("messages = %v", req.Messages)
	}
}

func TestRunSendsSystemMessage(t *testing.T) {
	var req chatRequest
	srv := sseServer(t, []string{delta("ok", ""), "data: [DONE]"}, &req)
	b := newTestBackend(t, srv.URL)

	events, err := b.Run(context.Background(), agent.RunRequest{
		Prompt:       "hi",
		SystemPrompt: "You are a helpful assistant.",
		History:      []memory.Message{{Role: "user", Content: "earlier"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)

	if len(req.Messages) != 3 {
		t.Fatalf("messages = %v, want system + history + prompt", req.Messages)
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "You are a helpful assistant." {
		t.Errorf("first message = %+v, want the system prompt", req.Messages[0])
	}
	if req.Messages[1].Content != "earlier" || req.Messages[2].Content != "hi" {
		t.Errorf("messages = %v", req.Messages)
	}
}

func TestRunReasoningBrackets(t *testing.T) {
	srv := sseServer(t, []string{
		delta("", "let me think"),
		delta("", "some more"),
		delta("Answer.", ""),
		"data: [DONE]",
	}, nil)
	b := newTestBackend(t, srv.URL)

	events, err := b.Run(context.Background(), agent.RunRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var types []agent.AgentEventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []agent.AgentEventType{agent.EventThinking, agent.EventThinkingDone, agent.EventMessage, agent.EventDone}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestRunIgnoresMalformedFrames(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {broken json",
		": comment line",
		delta("ok", ""),
		"data: [DONE]",
	}, nil)
	b := newTestBackend(t, srv.URL)

	events, err := b.Run(context.Background(), agent.RunRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)
	if len(got) != 2 || got[0].Content != "ok" || got[1].Type != agent.EventDone {
		t.Errorf("events = %v", got)
	}
}

func TestRunErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	b := newTestBackend(t, srv.URL)

	_, err := b.Run(context.Background(), agent.RunRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("Run succeeded against a 401 endpoint")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %v, want the status code", err)
	}
}

func TestStopCancelsActiveRun(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "%s\n\n", delta("started", ""))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	b := newTestBackend(t, srv.URL)

	events, err := b.Run(context.Background(), agent.RunRequest{SessionKey: "telegram:9", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Wait for the first chunk so the stream is live before stopping.
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("no first chunk")
	}

	if err := b.Stop("telegram:9"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after Stop")
		}
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	t.Cleanup(srv.Close)
	b := newTestBackend(t, srv.URL)

	status, err := b.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !strings.Contains(status, "test-model") {
		t.Errorf("status = %q", status)
	}
}
