// Package telegram normalizes Telegram updates into orchestrator calls and
// writes stream progress back as message edits.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/time/rate"

	"github.com/hrygo/personabot/chat"
	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/session"
)

type traceIDKey struct{}

// Callback data verbs.
const (
	callbackRegenerate  = "regen"
	callbackTierPrefix  = "tier:"
	callbackRestore     = "restore:"
	callbackDropSnap    = "delsnap:"
	placeholderText     = "…"
	snapshotMissingText = "没有找到这个存档，它可能已被删除。"
)

// Config holds adapter settings.
type Config struct {
	BotToken string
	ProxyURL string

	// DedupCapacity bounds the message-id dedup ring.
	DedupCapacity int

	// EditsPerSecond caps outbound message edits across all flows.
	EditsPerSecond float64
}

// Adapter is the Telegram frontend adapter.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	orch     *chat.Orchestrator
	sessions *session.Service
	kv       session.Store
	resolver *config.Resolver
	dedup    *dedupRing
	limiter  *rate.Limiter
}

// NewAdapter creates the adapter and authorizes the bot.
func NewAdapter(cfg *Config, orch *chat.Orchestrator, sessions *session.Service, kv session.Store, resolver *config.Resolver) (*Adapter, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, err
	}

	editsPerSecond := cfg.EditsPerSecond
	if editsPerSecond <= 0 {
		editsPerSecond = 20
	}

	return &Adapter{
		bot:      bot,
		orch:     orch,
		sessions: sessions,
		kv:       kv,
		resolver: resolver,
		dedup:    newDedupRing(cfg.DedupCapacity),
		limiter:  rate.NewLimiter(rate.Limit(editsPerSecond), 5),
	}, nil
}

// Run long-polls updates until the context is cancelled. Each turn runs in
// its own goroutine; flows share nothing beyond the dedup ring and the edit
// limiter.
func (a *Adapter) Run(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := a.bot.GetUpdatesChan(updateConfig)

	slog.Info("telegram adapter started", "bot", a.bot.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx = context.WithValue(ctx, traceIDKey{}, shortuuid.New())

	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		message := update.Message
		if message.From == nil || message.Text == "" {
			return
		}
		if a.dedup.Seen(message.MessageID) {
			slog.Debug("duplicate message dropped", "message_id", message.MessageID)
			return
		}
		if message.IsCommand() {
			a.handleCommand(ctx, message)
			return
		}
		a.streamTurn(ctx, message.Chat.ID, userID(message.From.ID), message.Text, false)
	}
}

// streamTurn runs one chat or regenerate flow: typing indicator, a
// placeholder message, then scheduler-driven edits of that placeholder.
func (a *Adapter) streamTurn(ctx context.Context, chatID int64, uid, text string, regenerate bool) {
	trace, _ := ctx.Value(traceIDKey{}).(string)
	logger := slog.With("trace_id", trace, "user_id", uid)

	if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		logger.Debug("failed to send typing action", "error", err)
	}

	placeholder, err := a.bot.Send(tgbotapi.NewMessage(chatID, placeholderText))
	if err != nil {
		logger.Warn("failed to send placeholder", "error", err)
		return
	}

	var lastSent string
	emit := func(u chat.Update) {
		if u.Text == lastSent && !u.IsFinal {
			return
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		edit := tgbotapi.NewEditMessageText(chatID, placeholder.MessageID, u.Text)
		if u.IsFinal {
			markup := regenerateKeyboard()
			edit.ReplyMarkup = &markup
		}
		if u.Text == lastSent && u.IsFinal {
			// Text unchanged; only attach the keyboard.
			markup := regenerateKeyboard()
			if _, err := a.bot.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, placeholder.MessageID, markup)); err != nil {
				logger.Debug("failed to attach keyboard", "error", err)
			}
			return
		}
		if _, err := a.bot.Request(edit); err != nil {
			// Edit failures are swallowed; the user can always retry.
			logger.Debug("failed to edit message", "error", err)
			return
		}
		lastSent = u.Text
	}

	if regenerate {
		err = a.orch.StreamRegenerate(ctx, uid, emit)
	} else {
		err = a.orch.StreamChat(ctx, uid, text, emit)
	}
	if err != nil {
		logger.Warn("turn failed", "regenerate", regenerate, "error", err)
	}
}

func (a *Adapter) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.Message == nil || query.From == nil {
		return
	}
	chatID := query.Message.Chat.ID
	uid := userID(query.From.ID)

	// Ack first so the client stops its spinner.
	if _, err := a.bot.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		slog.Debug("failed to ack callback", "error", err)
	}

	data := query.Data
	switch {
	case data == callbackRegenerate:
		a.streamTurn(ctx, chatID, uid, "", true)

	case strings.HasPrefix(data, callbackTierPrefix):
		tier := session.Tier(strings.TrimPrefix(data, callbackTierPrefix))
		if !tier.IsValid() {
			return
		}
		if err := a.kv.SetUserModelMode(ctx, uid, tier); err != nil {
			slog.Warn("failed to set model mode", "user_id", uid, "error", err)
			a.send(chatID, "切换失败，请稍后再试。")
			return
		}
		a.send(chatID, "已切换到 "+tierLabel(tier)+"。")

	case strings.HasPrefix(data, callbackRestore):
		snapshotID := strings.TrimPrefix(data, callbackRestore)
		if err := a.sessions.RestoreSnapshot(ctx, uid, snapshotID); err != nil {
			if err == session.ErrSnapshotNotFound {
				a.send(chatID, snapshotMissingText)
			} else {
				slog.Warn("failed to restore snapshot", "user_id", uid, "error", err)
				a.send(chatID, "恢复存档失败，请稍后再试。")
			}
			return
		}
		a.send(chatID, "已恢复存档，继续对话吧。")

	case strings.HasPrefix(data, callbackDropSnap):
		snapshotID := strings.TrimPrefix(data, callbackDropSnap)
		if err := a.sessions.DeleteSnapshot(ctx, uid, snapshotID); err != nil {
			a.send(chatID, snapshotMissingText)
			return
		}
		a.send(chatID, "存档已删除。")
	}
}

func (a *Adapter) send(chatID int64, text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		slog.Debug("failed to send message", "error", err)
	}
}

func regenerateKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 重新生成", callbackRegenerate),
		),
	)
}

func tierKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(tierLabel(session.TierBasic), callbackTierPrefix+string(session.TierBasic)),
			tgbotapi.NewInlineKeyboardButtonData(tierLabel(session.TierStandardA), callbackTierPrefix+string(session.TierStandardA)),
			tgbotapi.NewInlineKeyboardButtonData(tierLabel(session.TierStandardB), callbackTierPrefix+string(session.TierStandardB)),
		),
	)
}

func tierLabel(tier session.Tier) string {
	switch tier {
	case session.TierBasic:
		return "基础模式"
	case session.TierStandardA:
		return "标准模式A"
	case session.TierStandardB:
		return "标准模式B"
	default:
		return string(tier)
	}
}

func userID(id int64) string {
	return strconv.FormatInt(id, 10)
}
