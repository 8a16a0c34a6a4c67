package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

// commandPattern matches "/verb args" and "!verb args", with an optional
// @botname suffix on the verb (Telegram group mentions).
var commandPattern = regexp.MustCompile(`^[/!](\w+)(@\S+)?\s*(.*)$`)

var commandVerbs = map[string]bool{
	"new": true, "sessions": true, "resume": true, "clear": true,
	"rename": true, "status": true, "delete": true, "help": true,
}

const helpText = `Commands:
/new — start a fresh conversation
/sessions — list conversations in this chat
/resume <n|text> — switch to a previous conversation
/clear — wipe the current conversation's history
/rename <title> — name the current conversation
/status — show conversation details
/delete — delete the current conversation
/help — this message`

// CommandHandler executes session commands. The same verbs are exposed to
// backends as tools; both paths land here.
type CommandHandler struct {
	cfg   *config.Config
	store memory.Store

	mu       sync.Mutex
	listings map[string][]memory.SessionInfo // base key → last /sessions listing
}

// NewCommandHandler wires the handler to configuration and memory.
func NewCommandHandler(cfg *config.Config, store memory.Store) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		store:    store,
		listings: make(map[string][]memory.SessionInfo),
	}
}

// IsCommand reports whether content is a known session command. Unknown
// verbs are not commands; they flow to the backend as normal content.
func (h *CommandHandler) IsCommand(content string) bool {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(content))
	return m != nil && commandVerbs[strings.ToLower(m[1])]
}

// Handle executes a command against the base session key and returns the
// user-visible reply.
func (h *CommandHandler) Handle(content, base string) string {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return helpText
	}
	verb := strings.ToLower(m[1])
	args := strings.TrimSpace(m[3])

	switch verb {
	case "new":
		return h.cmdNew(base)
	case "sessions":
		return h.cmdSessions(base)
	case "resume":
		return h.cmdResume(base, args)
	case "clear":
		return h.cmdClear(base)
	case "rename":
		return h.cmdRename(base, args)
	case "status":
		return h.cmdStatus(base)
	case "delete":
		return h.cmdDelete(base)
	case "help":
		return helpText
	default:
		return helpText
	}
}

// SessionToolNames lists the verbs exposed to backends as tools, sorted.
func SessionToolNames() []string {
	names := make([]string, 0, len(commandVerbs))
	for v := range commandVerbs {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

// IsSessionTool reports whether name is a session verb callable as a tool.
func (h *CommandHandler) IsSessionTool(name string) bool {
	return commandVerbs[strings.ToLower(name)]
}

// HandleTool executes a session verb called as a backend tool. Every tool
// requires session_key in args; resume takes "selector", rename takes
// "title". Effects are identical to the slash command.
func (h *CommandHandler) HandleTool(name string, args map[string]string) (string, error) {
	base := args["session_key"]
	if base == "" {
		return "", fmt.Errorf("agent: tool %s requires session_key", name)
	}
	switch strings.ToLower(name) {
	case "new":
		return h.cmdNew(base), nil
	case "sessions":
		return h.cmdSessions(base), nil
	case "resume":
		return h.cmdResume(base, strings.TrimSpace(args["selector"])), nil
	case "clear":
		return h.cmdClear(base), nil
	case "rename":
		return h.cmdRename(base, strings.TrimSpace(args["title"])), nil
	case "status":
		return h.cmdStatus(base), nil
	case "delete":
		return h.cmdDelete(base), nil
	case "help":
		return helpText, nil
	default:
		return "", fmt.Errorf("agent: unknown session tool %q", name)
	}
}

// ParseToolArgs decodes a tool call's JSON argument object. Non-string
// values are rendered with %v; malformed input yields an empty map.
func ParseToolArgs(detail string) map[string]string {
	args := map[string]string{}
	if strings.TrimSpace(detail) == "" {
		return args
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(detail), &raw); err != nil {
		return args
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			args[k] = s
		} else {
			args[k] = fmt.Sprintf("%v", v)
		}
	}
	return args
}

func (h *CommandHandler) cmdNew(base string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	target := base + ":" + suffix
	if err := h.store.SetSessionAlias(base, target); err != nil {
		return "Could not start a new conversation: " + err.Error()
	}
	return "Started a new conversation. Previous ones are still available via /sessions."
}

func (h *CommandHandler) cmdSessions(base string) string {
	infos, err := h.store.SessionKeysForChat(base)
	if err != nil {
		return "Could not list conversations: " + err.Error()
	}
	if len(infos) == 0 {
		return "No conversations yet in this chat."
	}

	h.mu.Lock()
	h.listings[base] = infos
	h.mu.Unlock()

	resolved := h.store.ResolveSessionAlias(base)
	var b strings.Builder
	b.WriteString("Conversations in this chat:\n")
	for i, info := range infos {
		marker := "  "
		if info.Key == resolved {
			marker = "▸ "
		}
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s%d. %s — %d messages\n", marker, i+1, title, info.MessageCount)
	}
	b.WriteString("Use /resume <number> or /resume <text> to switch.")
	return b.String()
}

func (h *CommandHandler) cmdResume(base, args string) string {
	if args == "" {
		return h.cmdSessions(base)
	}

	if n, err := strconv.Atoi(args); err == nil {
		h.mu.Lock()
		listing := h.listings[base]
		h.mu.Unlock()
		if len(listing) == 0 {
			return "Run /sessions first, then /resume <number>."
		}
		if n < 1 || n > len(listing) {
			return fmt.Sprintf("No conversation %d; pick 1–%d.", n, len(listing))
		}
		return h.installResume(base, listing[n-1])
	}

	infos, err := h.store.SessionKeysForChat(base)
	if err != nil {
		return "Could not search conversations: " + err.Error()
	}
	needle := strings.ToLower(args)
	var matches []memory.SessionInfo
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Title), needle) ||
			strings.Contains(strings.ToLower(info.Preview), needle) {
			matches = append(matches, info)
		}
	}
	switch len(matches) {
	case 0:
		return fmt.Sprintf("No conversation matching %q.", args)
	case 1:
		return h.installResume(base, matches[0])
	default:
		h.mu.Lock()
		h.listings[base] = matches
		h.mu.Unlock()
		var b strings.Builder
		fmt.Fprintf(&b, "%d conversations match %q:\n", len(matches), args)
		for i, info := range matches {
			title := info.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "%d. %s — %d messages\n", i+1, title, info.MessageCount)
		}
		b.WriteString("Use /resume <number> to pick one.")
		return b.String()
	}
}

func (h *CommandHandler) installResume(base string, info memory.SessionInfo) string {
	if info.Key == base {
		if err := h.store.RemoveSessionAlias(base); err != nil {
			return "Could not switch conversation: " + err.Error()
		}
	} else if err := h.store.SetSessionAlias(base, info.Key); err != nil {
		return "Could not switch conversation: " + err.Error()
	}
	title := info.Title
	if title == "" {
		title = info.Key
	}
	return fmt.Sprintf("Resumed %q (%d messages).", title, info.MessageCount)
}

func (h *CommandHandler) cmdClear(base string) string {
	resolved := h.store.ResolveSessionAlias(base)
	n, err := h.store.ClearSession(resolved)
	if err != nil {
		return "Could not clear the conversation: " + err.Error()
	}
	return fmt.Sprintf("Cleared %d messages from this conversation.", n)
}

func (h *CommandHandler) cmdRename(base, title string) string {
	if title == "" {
		return "Usage: /rename <title>"
	}
	resolved := h.store.ResolveSessionAlias(base)
	if err := h.store.UpdateSessionTitle(resolved, title); err != nil {
		return "Could not rename the conversation: " + err.Error()
	}
	return fmt.Sprintf("Renamed this conversation to %q.", title)
}

func (h *CommandHandler) cmdStatus(base string) string {
	resolved := h.store.ResolveSessionAlias(base)
	info, ok := h.store.SessionInfo(resolved)
	title := info.Title
	if !ok || title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("Title: %s\nMessages: %d\nChannel: %s\nSession: %s\nBackend: %s",
		title, info.MessageCount, channelOf(base), resolved, h.cfg.Agent.Backend)
}

func (h *CommandHandler) cmdDelete(base string) string {
	resolved := h.store.ResolveSessionAlias(base)
	if err := h.store.DeleteSession(resolved); err != nil {
		return "Could not delete the conversation: " + err.Error()
	}
	if err := h.store.RemoveSessionAlias(base); err != nil {
		return "Deleted, but the alias could not be removed: " + err.Error()
	}
	return "Conversation deleted. Your next message starts a fresh one."
}

func channelOf(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}
