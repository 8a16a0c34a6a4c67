package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

const (
	consumeTimeout    = 1 * time.Second
	firstEventTimeout = 30 * time.Second
	nextEventTimeout  = 120 * time.Second
	autoLearnGrace    = 3 * time.Second

	blockedReply = "I can't process that message: it looks like an attempt to manipulate my instructions."
	welcomeHint  = "Hi! I keep our conversation history here. Send /help to see session commands."
)

// Auditor records security-relevant decisions. Implemented by the audit
// package; nil disables auditing.
type Auditor interface {
	Record(ctx context.Context, action, actor, subject, detail string) error
}

// RateLimiter throttles inbound processing per sender. nil disables.
type RateLimiter interface {
	Allow(senderID string) bool
}

// sessionLock serializes turns for one resolved session key. refs counts
// holders and waiters so the entry can be removed when idle.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Orchestrator drives the conversation loop: it drains the inbound queue
// and runs each message through command handling, scanning, memory,
// prompting, the backend stream, and persistence.
type Orchestrator struct {
	bus      *bus.MessageBus
	store    memory.Store
	router   *Router
	commands *CommandHandler
	builder  *ContextBuilder
	scanner  *Scanner
	audit    Auditor
	limiter  RateLimiter

	cfgMu sync.RWMutex
	cfg   *config.Config

	sem     *semaphore.Weighted
	maxConc int64

	firstTimeout time.Duration // wait for a run's first event
	nextTimeout  time.Duration // wait between subsequent events

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	turns     sync.WaitGroup // in-flight process_message tasks
	learns    sync.WaitGroup // background auto-learn tasks
	learnCtx  context.Context
	learnStop context.CancelFunc
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Bus      *bus.MessageBus
	Store    memory.Store
	Router   *Router
	Commands *CommandHandler
	Builder  *ContextBuilder
	Scanner  *Scanner
	Audit    Auditor     // optional
	Limiter  RateLimiter // optional
}

// NewOrchestrator assembles the engine from its parts.
func NewOrchestrator(cfg *config.Config, deps OrchestratorDeps) *Orchestrator {
	maxConc := cfg.Orchestrator.MaxConcurrentConversations
	if maxConc <= 0 {
		maxConc = 5
	}
	learnCtx, learnStop := context.WithCancel(context.Background())
	return &Orchestrator{
		bus:          deps.Bus,
		store:        deps.Store,
		router:       deps.Router,
		commands:     deps.Commands,
		builder:      deps.Builder,
		scanner:      deps.Scanner,
		audit:        deps.Audit,
		limiter:      deps.Limiter,
		cfg:          cfg,
		sem:          semaphore.NewWeighted(int64(maxConc)),
		maxConc:      int64(maxConc),
		firstTimeout: firstEventTimeout,
		nextTimeout:  nextEventTimeout,
		locks:        make(map[string]*sessionLock),
		learnCtx:     learnCtx,
		learnStop:    learnStop,
	}
}

// UpdateConfig swaps in a reloaded configuration and resets the backend
// router so the next turn rebuilds from it.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) {
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
	o.router.Reset()
}

func (o *Orchestrator) config() *config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// Run consumes inbound messages until ctx is cancelled, then awaits
// in-flight turns and gives background auto-learn a short grace.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("orchestrator started",
		"max_concurrent", o.maxConc)

	for {
		msg, ok := o.bus.ConsumeInbound(ctx, consumeTimeout)
		if !ok {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		o.turns.Add(1)
		go func(m bus.InboundMessage) {
			defer o.turns.Done()
			o.processMessage(ctx, m)
		}(msg)
	}

	o.turns.Wait()
	done := make(chan struct{})
	go func() {
		o.learns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(autoLearnGrace):
		o.learnStop()
		<-done
	}
	slog.Info("orchestrator stopped")
}

// processMessage takes the concurrency gates for one turn: the global
// semaphore bounds total concurrent conversations, the session lock
// serializes turns on the same resolved key.
func (o *Orchestrator) processMessage(ctx context.Context, msg bus.InboundMessage) {
	base := msg.SessionKey()
	resolved := o.store.ResolveSessionAlias(base)

	if o.limiter != nil && !o.limiter.Allow(msg.SenderID) {
		slog.Warn("rate limited", "sender", msg.SenderID, "channel", msg.Channel)
		o.publishPlain(msg, "You're sending messages too quickly. Give me a moment.")
		return
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.sem.Release(1)

	lock := o.acquireSessionLock(resolved)
	defer o.releaseSessionLock(resolved, lock)

	o.processInner(ctx, msg, base, resolved)
}

func (o *Orchestrator) acquireSessionLock(key string) *sessionLock {
	o.locksMu.Lock()
	l, ok := o.locks[key]
	if !ok {
		l = &sessionLock{}
		o.locks[key] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return l
}

func (o *Orchestrator) releaseSessionLock(key string, l *sessionLock) {
	l.mu.Unlock()

	o.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.locks, key)
	}
	o.locksMu.Unlock()
}

// processInner runs one turn. Exactly one stream_end reaches the channel
// for every non-command turn, whatever path the turn takes.
func (o *Orchestrator) processInner(ctx context.Context, msg bus.InboundMessage, base, resolved string) {
	cfg := o.config()
	content := msg.Content

	// 1. Commands bypass scanning, memory, and the backend entirely. The
	// reply is one plain message, not a stream.
	if o.commands.IsCommand(content) {
		reply := o.commands.Handle(content, base)
		o.publishPlain(msg, reply)
		o.publishStreamEnd(msg)
		return
	}

	// 2. Welcome hint on the first message of an external chat.
	if cfg.Orchestrator.WelcomeHintEnabled && !bus.IsInternalChannel(msg.Channel) && msg.Channel != bus.ChannelWebSocket {
		if history, err := o.store.GetSessionHistory(resolved, 1); err == nil && len(history) == 0 {
			o.publishPlain(msg, welcomeHint)
		}
	}

	// 3. Injection scan, before anything is persisted.
	if cfg.Security.InjectionScanEnabled {
		source := msg.Metadata["source"]
		if source == "" {
			source = string(msg.Channel)
		}
		scan := o.scanner.Scan(content, source)
		if scan.Level == ThreatHigh {
			confirmed, reason := o.scanner.Confirm(ctx, content, source)
			if confirmed {
				o.recordAudit(ctx, "injection_blocked", msg.SenderID, resolved,
					strings.Join(scan.MatchedPatterns, ","))
				o.bus.PublishSystem(bus.NewSystemEvent(bus.EventError, map[string]any{
					"reason":   "injection_blocked",
					"patterns": scan.MatchedPatterns,
					"detail":   reason,
					"session":  resolved,
				}))
				o.publishPlain(msg, blockedReply)
				o.publishStreamEnd(msg)
				return
			}
		}
		if scan.Level > ThreatNone {
			slog.Warn("suspicious inbound sanitized",
				"level", scan.Level.String(), "patterns", scan.MatchedPatterns,
				"session", resolved)
			content = scan.SanitizedContent
		}
	}

	// 4. Persist the user turn.
	meta := stringMeta(msg.Metadata)
	if err := o.store.AddToSession(resolved, "user", content, meta); err != nil {
		slog.Error("persist user turn failed", "session", resolved, "error", err)
	}

	// 5. Build the prompt context against the base key so session tools
	// see the user-visible key.
	systemPrompt := o.builder.BuildSystemPrompt(ctx, content, string(msg.Channel), msg.SenderID, base)

	// 6. Compacted history.
	history, err := o.store.GetCompactedHistory(ctx, resolved, o.compactionOptions(cfg))
	if err != nil {
		slog.Warn("history compaction failed, running without history",
			"session", resolved, "error", err)
		history = nil
	}

	// 7. Announce thinking.
	o.bus.PublishSystem(bus.NewSystemEvent(bus.EventThinking, map[string]any{"session": resolved}))

	// 8–11. Stream, persist, learn.
	o.runBackendTurn(ctx, msg, resolved, content, systemPrompt, history)
}

func (o *Orchestrator) compactionOptions(cfg *config.Config) memory.CompactionOptions {
	opts := memory.CompactionOptions{
		RecentWindow: cfg.Orchestrator.Compaction.RecentWindow,
		CharBudget:   cfg.Orchestrator.Compaction.CharBudget,
		SummaryChars: cfg.Orchestrator.Compaction.SummaryChars,
	}
	if cfg.Orchestrator.Compaction.LLMSummarize {
		opts.Summarize = o.llmSummarize
	}
	return opts
}

// llmSummarize condenses older history via the active backend.
func (o *Orchestrator) llmSummarize(ctx context.Context, older []memory.Message) (string, error) {
	backend, err := o.router.Backend()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Summarize this conversation in 2-3 sentences. Reply with the summary only.\n\n")
	for _, m := range older {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	events, err := backend.Run(ctx, RunRequest{Prompt: b.String()})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for ev := range events {
		if ev.Type == EventMessage {
			out.WriteString(ev.Content)
		}
		if ev.Type == EventError {
			return "", fmt.Errorf("summarizer: %s", ev.Detail)
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// runBackendTurn streams the backend's events to the channel, translating
// them per type, then persists the assistant turn and schedules auto-learn.
func (o *Orchestrator) runBackendTurn(ctx context.Context, msg bus.InboundMessage, resolved, content, systemPrompt string, history []memory.Message) {
	defer o.publishStreamEnd(msg)

	backend, err := o.router.Backend()
	if err != nil {
		slog.Error("backend unavailable", "error", err)
		o.publishChunk(msg, "An error occurred: "+err.Error())
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := RunRequest{
		SessionKey:   resolved,
		SenderID:     msg.SenderID,
		Channel:      string(msg.Channel),
		Prompt:       content,
		SystemPrompt: systemPrompt,
		History:      history,
		Media:        msg.Media,
	}
	if !backend.Info().Capabilities.CustomSystemPrompt {
		req.Prompt = systemPrompt + "\n\n" + content
		req.SystemPrompt = ""
	}

	events, err := backend.Run(runCtx, req)
	if err != nil {
		slog.Error("backend run failed", "session", resolved, "error", err)
		o.publishChunk(msg, "An error occurred: "+err.Error())
		return
	}

	var full strings.Builder
	timedOut := false
	timeout := o.firstTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			backend.Stop(resolved)
			return
		case <-timer.C:
			slog.Warn("backend event timeout", "session", resolved, "timeout", timeout)
			backend.Stop(resolved)
			o.router.Reset()
			o.publishChunk(msg, fmt.Sprintf("The agent did not respond within %s; giving up on this turn.", timeout))
			timedOut = true
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !timer.Stop() {
				<-timer.C
			}
			timeout = o.nextTimeout
			timer.Reset(timeout)

			if done := o.handleEvent(msg, backend, resolved, ev, &full); done {
				break loop
			}
		}
	}
	if timedOut {
		// The turn keeps only its user side; a partial stream is not a
		// trustworthy assistant message.
		return
	}

	response := SanitizeAssistantContent(full.String())
	if response != "" {
		if err := o.store.AddToSession(resolved, "assistant", response, nil); err != nil {
			slog.Error("persist assistant turn failed", "session", resolved, "error", err)
		}
		o.scheduleAutoLearn(msg.SenderID, content, response)
	}
}

// handleEvent translates one backend event. Returns true when the stream
// is finished.
func (o *Orchestrator) handleEvent(msg bus.InboundMessage, backend Backend, resolved string, ev AgentEvent, full *strings.Builder) bool {
	switch ev.Type {
	case EventMessage:
		o.publishChunk(msg, ev.Content)
		full.WriteString(ev.Content)

	case EventCode:
		lang := ev.Tool
		if lang == "" {
			lang = "code"
		}
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolStart, map[string]any{
			"name": "run_" + lang, "params": map[string]any{"code": ev.Content}, "session": resolved,
		}))
		block := "\n```" + lang + "\n" + ev.Content + "\n```\n"
		o.publishChunk(msg, block)
		full.WriteString(block)

	case EventOutput:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolResult, map[string]any{
			"name": "code_execution", "status": "success", "session": resolved,
		}))
		block := "\n```output\n" + ev.Content + "\n```\n"
		o.publishChunk(msg, block)
		full.WriteString(block)

	case EventThinking:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventThinking, map[string]any{"session": resolved}))

	case EventThinkingDone:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventThinkingDone, map[string]any{"session": resolved}))

	case EventToolUse:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolStart, map[string]any{
			"name": ev.Tool, "input": ev.Detail, "session": resolved,
		}))
		if o.commands.IsSessionTool(ev.Tool) {
			o.runSessionTool(msg, backend, resolved, ev)
		}

	case EventToolResult:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolResult, map[string]any{
			"name": ev.Tool, "status": "success", "session": resolved,
		}))

	case EventError:
		o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolResult, map[string]any{
			"status": "error", "detail": ev.Detail, "session": resolved,
		}))
		text := ev.Detail
		if ev.Content != "" {
			text = ev.Content
		}
		o.publishChunk(msg, text)
		full.WriteString(text)

	case EventDone:
		return true
	}
	return false
}

// runSessionTool executes a session verb the backend called as a tool and
// hands the result back. Tool calls carry the base session key as an
// explicit argument, so effects match the slash command exactly.
func (o *Orchestrator) runSessionTool(msg bus.InboundMessage, backend Backend, resolved string, ev AgentEvent) {
	args := ParseToolArgs(ev.Detail)
	reply, err := o.commands.HandleTool(ev.Tool, args)
	status := "success"
	if err != nil {
		status = "error"
		reply = err.Error()
		slog.Warn("session tool failed", "tool", ev.Tool, "session", resolved, "error", err)
	}
	o.recordAudit(context.Background(), "session_tool", msg.SenderID, resolved, ev.Tool)
	o.bus.PublishSystem(bus.NewSystemEvent(bus.EventToolResult, map[string]any{
		"name": ev.Tool, "status": status, "session": resolved,
	}))
	if tr, ok := backend.(ToolResponder); ok {
		if err := tr.RespondTool(resolved, ev.Tool, reply); err != nil {
			slog.Warn("tool result delivery failed", "tool", ev.Tool, "error", err)
		}
	}
}

// scheduleAutoLearn extracts facts from the finished exchange in the
// background. Failures never affect the turn.
func (o *Orchestrator) scheduleAutoLearn(senderID, userContent, response string) {
	cfg := o.config()
	if !cfg.Memory.FileAutoLearn && !cfg.Memory.Mem0AutoLearn {
		return
	}
	learner, ok := o.store.(memory.AutoLearner)
	if !ok {
		return
	}
	scope := memory.ScopeForSender(cfg.OwnerID, senderID)
	o.learns.Add(1)
	go func() {
		defer o.learns.Done()
		msgs := []memory.Message{
			{Role: "user", Content: userContent},
			{Role: "assistant", Content: response},
		}
		if err := learner.AutoLearn(o.learnCtx, msgs, scope); err != nil {
			slog.Warn("auto-learn failed", "scope", scope, "error", err)
		}
	}()
}

func (o *Orchestrator) recordAudit(ctx context.Context, action, actor, subject, detail string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(ctx, action, actor, subject, detail); err != nil {
		slog.Warn("audit write failed", "action", action, "error", err)
	}
	o.bus.PublishSystem(bus.NewSystemEvent(bus.EventAuditEntry, map[string]any{
		"action": action, "actor": actor, "subject": subject, "detail": detail,
	}))
}

func (o *Orchestrator) publishChunk(msg bus.InboundMessage, text string) {
	o.bus.PublishOutbound(bus.OutboundMessage{
		Channel:       msg.Channel,
		ChatID:        msg.ChatID,
		Content:       text,
		IsStreamChunk: true,
	})
}

func (o *Orchestrator) publishStreamEnd(msg bus.InboundMessage) {
	o.bus.PublishOutbound(bus.OutboundMessage{
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		IsStreamEnd: true,
	})
}

func (o *Orchestrator) publishPlain(msg bus.InboundMessage, text string) {
	o.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

func stringMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return in
}
