package config

import (
	"context"
	"time"
)

// Defaults for streaming deadlines, used when the keys are absent from
// every tier.
const (
	defaultInterChunkTimeoutMs = 3000
	defaultTotalTimeoutMs      = 120000
)

func (r *Resolver) MaxHistoryItems(ctx context.Context) int {
	return r.GetInt(ctx, KeyMaxHistoryItems, r.profile.MaxHistoryItems)
}

func (r *Resolver) HistoryRetentionCount(ctx context.Context) int {
	return r.GetInt(ctx, KeyHistoryRetentionCount, r.profile.HistoryRetentionCount)
}

// SessionTimeout is the experience-window inactivity timeout.
func (r *Resolver) SessionTimeout(ctx context.Context) time.Duration {
	minutes := r.GetInt(ctx, KeySessionTimeoutMinutes, r.profile.SessionTimeoutMinutes)
	return time.Duration(minutes) * time.Minute
}

func (r *Resolver) DefaultRoleID(ctx context.Context) string {
	return r.GetString(ctx, KeyDefaultRoleID, r.profile.DefaultRoleID)
}

func (r *Resolver) SystemInstructions(ctx context.Context) string {
	return r.GetString(ctx, KeySystemInstructions, "")
}

func (r *Resolver) WelcomeMessage(ctx context.Context) string {
	return r.GetString(ctx, KeyWelcomeMessage, "你好！我是你的聊天伙伴，直接发消息开始对话吧。")
}

// InterChunkTimeout bounds the silence between two tokens after the first
// one arrived.
func (r *Resolver) InterChunkTimeout(ctx context.Context) time.Duration {
	ms := r.GetInt(ctx, KeyStreamInterChunkTimeout, defaultInterChunkTimeoutMs)
	return time.Duration(ms) * time.Millisecond
}

// TotalStreamTimeout bounds one whole stream regardless of progress.
func (r *Resolver) TotalStreamTimeout(ctx context.Context) time.Duration {
	ms := r.GetInt(ctx, KeyStreamTotalTimeout, defaultTotalTimeoutMs)
	return time.Duration(ms) * time.Millisecond
}
