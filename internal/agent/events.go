// Package agent hosts the conversation engine: the backend contract and
// router, the orchestrator that drives a turn end to end, the command
// handler, the prompt context builder, and the inbound injection scanner.
package agent

import "encoding/json"

// AgentEventType tags one event in a backend's run stream.
type AgentEventType string

const (
	EventMessage      AgentEventType = "message"       // assistant text, possibly partial
	EventThinking     AgentEventType = "thinking"      // reasoning started
	EventThinkingDone AgentEventType = "thinking_done" // reasoning finished
	EventToolUse      AgentEventType = "tool_use"      // tool invocation started
	EventToolResult   AgentEventType = "tool_result"   // tool invocation finished
	EventCode         AgentEventType = "code"          // code being executed
	EventOutput       AgentEventType = "output"        // execution output
	EventError        AgentEventType = "error"         // backend-reported failure
	EventDone         AgentEventType = "done"          // stream finished
)

// AgentEvent is one item in the stream a backend produces for a run.
type AgentEvent struct {
	Type    AgentEventType `json:"type"`
	Content string         `json:"content,omitempty"` // message/code/output text
	Tool    string         `json:"tool,omitempty"`    // tool_use/tool_result
	Detail  string         `json:"detail,omitempty"`  // tool args digest, error detail
	Partial bool           `json:"partial,omitempty"` // message: streamed fragment
}

// MessageEvent builds a complete assistant message event.
func MessageEvent(text string) AgentEvent {
	return AgentEvent{Type: EventMessage, Content: text}
}

// ChunkEvent builds a partial assistant message event.
func ChunkEvent(text string) AgentEvent {
	return AgentEvent{Type: EventMessage, Content: text, Partial: true}
}

// ErrorEvent builds a backend failure event.
func ErrorEvent(detail string) AgentEvent {
	return AgentEvent{Type: EventError, Detail: detail}
}

// String renders the event for logs.
func (e AgentEvent) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}
