package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProfile(t *testing.T) *Profile {
	t.Helper()
	return &Profile{
		Mode:                  "dev",
		Data:                  t.TempDir(),
		Driver:                "sqlite",
		BotToken:              "123456:test-token",
		MaxHistoryItems:       40,
		HistoryRetentionCount: 20,
		SessionTimeoutMinutes: 30,
	}
}

func TestValidateRequiresBotToken(t *testing.T) {
	p := validProfile(t)
	p.BotToken = ""
	assert.Error(t, p.Validate())
}

func TestValidateRejectsRetentionAboveMax(t *testing.T) {
	p := validProfile(t)
	p.HistoryRetentionCount = 50
	p.MaxHistoryItems = 40
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention")
}

func TestValidateNormalizesUnknownMode(t *testing.T) {
	p := validProfile(t)
	p.Mode = "staging"
	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}

func TestValidateDerivesSQLiteDSN(t *testing.T) {
	p := validProfile(t)
	require.NoError(t, p.Validate())
	assert.Contains(t, p.DSN, "personabot_dev.db")
}

func TestFromEnvDefaults(t *testing.T) {
	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "localhost:6379", p.RedisAddr)
	assert.Equal(t, "session", p.RedisNS)
	assert.Equal(t, 40, p.MaxHistoryItems)
	assert.Equal(t, 20, p.HistoryRetentionCount)
	assert.Equal(t, 30, p.SessionTimeoutMinutes)
	assert.Equal(t, "default", p.DefaultRoleID)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PERSONABOT_BOT_TOKEN", "999:env-token")
	t.Setenv("PERSONABOT_SESSION_TIMEOUT_MINUTES", "45")
	t.Setenv("PERSONABOT_REDIS_NAMESPACE", "chat")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "999:env-token", p.BotToken)
	assert.Equal(t, 45, p.SessionTimeoutMinutes)
	assert.Equal(t, "chat", p.RedisNS)
}

func TestIsDev(t *testing.T) {
	assert.True(t, (&Profile{Mode: "dev"}).IsDev())
	assert.True(t, (&Profile{Mode: "demo"}).IsDev())
	assert.False(t, (&Profile{Mode: "prod"}).IsDev())
}
