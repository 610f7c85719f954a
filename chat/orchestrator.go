// Package chat wires one user turn end to end: session resolution, pipeline
// selection by tier, streaming generation, throttled delivery, and
// persistence.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/personabot/ai/llm"
	"github.com/hrygo/personabot/ai/pipeline"
	"github.com/hrygo/personabot/ai/scheduler"
	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/metrics"
	"github.com/hrygo/personabot/session"
	"github.com/hrygo/personabot/store"
)

// User-visible failure strings. Stack traces and upstream details never
// reach the frontend.
const (
	ErrorReply            = "抱歉，我这边出了点小状况，请稍后再试。"
	RegenerateUnavailable = "无法重新生成：找不到上一条用户消息。"
)

// Update is one user-visible delivery decision from a streaming turn.
type Update struct {
	Text            string
	IsFirst         bool
	IsFinal         bool
	FirstResponseMs int64
}

// EmitFunc receives scheduler-approved updates. Delivery failures are the
// adapter's problem; the orchestrator does not observe them.
type EmitFunc func(Update)

// LogStore is the append-only message log port. *store.Store satisfies it.
type LogStore interface {
	CreateMessageLog(ctx context.Context, create *store.MessageLog) (*store.MessageLog, error)
	CountMessageLogs(ctx context.Context, find *store.FindMessageLog) (int64, error)
}

// Orchestrator is the top-level chat use case.
type Orchestrator struct {
	sessions  *session.Service
	kv        session.Store
	registry  *pipeline.Registry
	resolver  *config.Resolver
	logs      LogStore
	exporter  *metrics.Exporter
	schedConf scheduler.Config
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	sessions *session.Service,
	kv session.Store,
	registry *pipeline.Registry,
	resolver *config.Resolver,
	logs LogStore,
	exporter *metrics.Exporter,
) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		kv:        kv,
		registry:  registry,
		resolver:  resolver,
		logs:      logs,
		exporter:  exporter,
		schedConf: scheduler.DefaultConfig(),
		now:       time.Now,
	}
}

// StreamChat runs one user turn, emitting throttled updates. On success the
// user and assistant messages are appended to the session and one message
// log record is written; on failure before any token the history is left
// untouched and a short constant error string is emitted.
func (o *Orchestrator) StreamChat(ctx context.Context, userID, userInput string, emit EmitFunc) error {
	return o.run(ctx, userID, userInput, store.MessageLogTypeNormal, emit)
}

// StreamRegenerate rolls the history back to the last user message and
// generates a fresh reply for it. Only the assistant message is appended on
// success.
func (o *Orchestrator) StreamRegenerate(ctx context.Context, userID string, emit EmitFunc) error {
	return o.run(ctx, userID, "", store.MessageLogTypeRegenerate, emit)
}

// Chat is the non-streaming variant: it collects the full stream and
// returns the final text.
func (o *Orchestrator) Chat(ctx context.Context, userID, userInput string) (string, error) {
	var final string
	err := o.StreamChat(ctx, userID, userInput, func(u Update) {
		if u.IsFinal {
			final = u.Text
		}
	})
	return final, err
}

func (o *Orchestrator) run(ctx context.Context, userID, userInput string, logType store.MessageLogType, emit EmitFunc) error {
	start := o.now()
	outcome := "ok"
	defer func() {
		o.exporter.ObserveChat(string(logType), outcome, time.Since(start).Seconds())
	}()

	sess, err := o.sessions.GetOrCreateSession(ctx, userID)
	if err != nil {
		outcome = "session_error"
		slog.Error("failed to resolve session", "user_id", userID, "error", err)
		emit(Update{Text: ErrorReply, IsFirst: true, IsFinal: true})
		return err
	}

	// The request history: for a regenerate the last user message is the
	// input and is excluded from the carried history.
	history := sess.History
	if logType == store.MessageLogTypeRegenerate {
		content, found, rollbackErr := o.sessions.RollbackHistoryToLastUser(ctx, sess)
		if rollbackErr != nil {
			outcome = "rollback_error"
			emit(Update{Text: ErrorReply, IsFirst: true, IsFinal: true})
			return rollbackErr
		}
		if !found {
			outcome = "no_user_message"
			emit(Update{Text: RegenerateUnavailable, IsFirst: true, IsFinal: true})
			return nil
		}
		userInput = content
		history = sess.History[:len(sess.History)-1]
	}

	// Snapshot the history before generation for the log record.
	preHistory := make([]session.Message, len(history))
	copy(preHistory, history)

	tier, err := o.kv.GetUserModelMode(ctx, userID)
	if err != nil {
		slog.Warn("failed to read model mode, using default", "user_id", userID, "error", err)
		tier = session.DefaultTier
	}
	channel, err := o.registry.ForTier(ctx, tier)
	if err != nil {
		outcome = "config_error"
		slog.Error("no pipeline for tier", "user_id", userID, "tier", tier, "error", err)
		emit(Update{Text: ErrorReply, IsFirst: true, IsFinal: true})
		return err
	}

	instructions := o.resolver.SystemInstructions(ctx)
	prompt := assemblePrompt(instructions, userInput)

	var systemPrompt string
	if sess.Character != nil {
		systemPrompt = sess.Character.SystemPrompt
	}
	messages := llm.Assemble(systemPrompt, preHistory, prompt)

	trace := &pipeline.Trace{}
	tokens, errs := channel.StreamGenerate(ctx, messages, trace)

	var accum strings.Builder
	state := scheduler.State{}
	var firstResponseMs int64

	for token := range tokens {
		accum.WriteString(token)
		var decision scheduler.Decision
		state, decision = o.schedConf.Observe(state, len([]rune(token)), o.now())
		if !decision.Emit {
			continue
		}
		update := Update{Text: accum.String(), IsFirst: decision.IsFirst}
		if decision.IsFirst {
			firstResponseMs = o.now().Sub(start).Milliseconds()
			update.FirstResponseMs = firstResponseMs
		}
		emit(update)
	}

	if streamErr, ok := <-errs; ok && streamErr != nil {
		outcome = "upstream_exhausted"
		slog.Error("generation failed before first token",
			"user_id", userID,
			"channel", channel.ID(),
			"attempts", trace.AttemptCount,
			"error", streamErr,
		)
		emit(Update{Text: ErrorReply, IsFirst: true, IsFinal: true})
		return streamErr
	}

	// Parent cancellation abandons the flow: the channels close without an
	// error, but nothing may be persisted for the aborted turn.
	if ctx.Err() != nil {
		outcome = "cancelled"
		slog.Info("turn abandoned", "user_id", userID, "session_id", sess.ID, "error", ctx.Err())
		return ctx.Err()
	}

	reply := accum.String()
	_, decision := o.schedConf.Finalize(state)
	final := Update{Text: reply, IsFinal: true, IsFirst: decision.IsFirst}
	if decision.IsFirst {
		firstResponseMs = o.now().Sub(start).Milliseconds()
		final.FirstResponseMs = firstResponseMs
	}
	emit(final)

	if logType == store.MessageLogTypeRegenerate {
		o.sessions.AppendMessages(ctx, sess, []session.Message{
			{Role: session.RoleAssistant, Content: reply},
		})
	} else {
		o.sessions.AppendMessages(ctx, sess, []session.Message{
			{Role: session.RoleUser, Content: userInput},
			{Role: session.RoleAssistant, Content: reply},
		})
	}

	o.saveLogAsync(sess, userInput, reply, instructions, preHistory, trace, logType)

	slog.Info("turn completed",
		"user_id", userID,
		"session_id", sess.ID,
		"model", trace.ModelName,
		"attempts", trace.AttemptCount,
		"first_response_ms", firstResponseMs,
		"truncated", trace.Truncated,
	)
	return nil
}

// saveLogAsync writes the message log record off the request path. A lost
// record costs observability, not correctness.
func (o *Orchestrator) saveLogAsync(sess *session.Session, userInput, reply, instructions string, preHistory []session.Message, trace *pipeline.Trace, logType store.MessageLogType) {
	if o.logs == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		encoded, err := json.Marshal(preHistory)
		if err != nil {
			slog.Error("failed to encode history for log", "error", err)
			encoded = []byte("[]")
		}
		record := &store.MessageLog{
			UserID:       sess.UserID,
			RoleID:       sess.RoleID,
			UserInput:    userInput,
			BotReply:     reply,
			Instructions: instructions,
			History:      encoded,
			ModelName:    trace.ModelName,
			AttemptCount: int32(trace.AttemptCount),
			Type:         logType,
		}
		if _, err := o.logs.CreateMessageLog(ctx, record); err != nil {
			slog.Error("failed to save message log", "user_id", sess.UserID, "error", err)
			return
		}
		// Best-effort round number; concurrent regenerates may observe the
		// same value.
		if round, err := o.logs.CountMessageLogs(ctx, &store.FindMessageLog{UserID: &sess.UserID, RoleID: &sess.RoleID}); err == nil {
			slog.Debug("message logged", "user_id", sess.UserID, "role_id", sess.RoleID, "round", round)
		}
	}()
}

// assemblePrompt combines the operator's system instructions with the user
// input into the single user-message prompt the upstream sees.
func assemblePrompt(instructions, userInput string) string {
	if instructions == "" {
		return userInput
	}
	return "##系统指令:\n" + instructions + "\n##用户指令:" + userInput
}
