package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const helpText = `可用命令：
/new - 开始新的对话（清空当前历史）
/role <角色ID> - 切换扮演角色
/mode - 选择模型档位
/save [标签] - 保存当前对话存档
/snapshots - 查看和恢复存档
/help - 显示本帮助`

func (a *Adapter) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	uid := userID(message.From.ID)
	args := strings.TrimSpace(message.CommandArguments())

	switch message.Command() {
	case "start":
		a.send(chatID, a.resolver.WelcomeMessage(ctx))

	case "help":
		a.send(chatID, helpText)

	case "new":
		if err := a.sessions.ResetSessionHistory(ctx, uid); err != nil {
			slog.Warn("failed to reset session", "user_id", uid, "error", err)
			a.send(chatID, "重置失败，请稍后再试。")
			return
		}
		a.send(chatID, "已开启新的对话。")

	case "role":
		if args == "" {
			a.send(chatID, "用法：/role <角色ID>")
			return
		}
		character, err := a.sessions.SwitchCharacter(ctx, uid, args)
		if err != nil {
			slog.Warn("failed to switch character", "user_id", uid, "role_id", args, "error", err)
			a.send(chatID, "切换角色失败，请确认角色ID是否正确。")
			return
		}
		if character.FirstMes != "" {
			a.send(chatID, character.FirstMes)
		} else {
			a.send(chatID, "已切换到角色 "+character.Name+"。")
		}

	case "save":
		snapshot, err := a.sessions.CreateSnapshot(ctx, uid, args)
		if err != nil {
			slog.Warn("failed to create snapshot", "user_id", uid, "error", err)
			a.send(chatID, "存档失败，请稍后再试。")
			return
		}
		if snapshot == nil {
			a.send(chatID, "当前对话还没有内容，无需存档。")
			return
		}
		a.send(chatID, "已保存存档："+snapshot.Name)

	case "snapshots":
		a.sendSnapshotList(ctx, chatID, uid)

	case "mode":
		msg := tgbotapi.NewMessage(chatID, "选择模型档位：")
		msg.ReplyMarkup = tierKeyboard()
		if _, err := a.bot.Send(msg); err != nil {
			slog.Debug("failed to send mode keyboard", "error", err)
		}

	default:
		a.send(chatID, "未知命令，输入 /help 查看可用命令。")
	}
}

func (a *Adapter) sendSnapshotList(ctx context.Context, chatID int64, uid string) {
	snapshots, err := a.sessions.ListSnapshots(ctx, uid)
	if err != nil {
		slog.Warn("failed to list snapshots", "user_id", uid, "error", err)
		a.send(chatID, "读取存档列表失败，请稍后再试。")
		return
	}
	if len(snapshots) == 0 {
		a.send(chatID, "还没有任何存档。用 /save 保存当前对话。")
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(snapshots))
	for _, snapshot := range snapshots {
		label := snapshot.Name
		if label == "" {
			label = time.Unix(snapshot.CreatedTs, 0).Format("2006-01-02 15:04")
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📂 "+label, callbackRestore+snapshot.ID),
			tgbotapi.NewInlineKeyboardButtonData("🗑", callbackDropSnap+snapshot.ID),
		))
	}

	msg := tgbotapi.NewMessage(chatID, "你的存档：")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := a.bot.Send(msg); err != nil {
		slog.Debug("failed to send snapshot list", "error", err)
	}
}
