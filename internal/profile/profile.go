package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the gateway process.
// Values here are the static fallbacks of last resort; most knobs are
// resolved at runtime through the config resolver and can change without
// a restart.
type Profile struct {
	Mode     string // dev, demo, prod
	Addr     string
	Port     int
	Data     string // data directory (bundled assets, sqlite file)
	Driver   string // postgres, sqlite
	DSN      string
	Version  string
	BotToken string
	ProxyURL string // optional outbound proxy for the messaging frontend

	// Durable KV (session store + distributed config cache tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisNS       string // key namespace prefix, default "session"

	// Fallback upstream profile, used when ai_config_source is absent
	// from every config tier.
	ModelAPIKey  string
	ModelBaseURL string
	ModelName    string

	// Session fallbacks
	DefaultRoleID         string
	MaxHistoryItems       int
	HistoryRetentionCount int
	SessionTimeoutMinutes int

	LogLevel string
	LogDir   string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.BotToken = getEnvOrDefault("PERSONABOT_BOT_TOKEN", p.BotToken)
	p.ProxyURL = getEnvOrDefault("PERSONABOT_PROXY_URL", "")

	p.RedisAddr = getEnvOrDefault("PERSONABOT_REDIS_ADDR", "localhost:6379")
	p.RedisPassword = getEnvOrDefault("PERSONABOT_REDIS_PASSWORD", "")
	p.RedisDB = getEnvOrDefaultInt("PERSONABOT_REDIS_DB", 0)
	p.RedisNS = getEnvOrDefault("PERSONABOT_REDIS_NAMESPACE", "session")

	p.ModelAPIKey = getEnvOrDefault("PERSONABOT_MODEL_API_KEY", "")
	p.ModelBaseURL = getEnvOrDefault("PERSONABOT_MODEL_BASE_URL", "")
	p.ModelName = getEnvOrDefault("PERSONABOT_MODEL_NAME", "")

	p.DefaultRoleID = getEnvOrDefault("PERSONABOT_DEFAULT_ROLE_ID", "default")
	p.MaxHistoryItems = getEnvOrDefaultInt("PERSONABOT_MAX_HISTORY_ITEMS", 40)
	p.HistoryRetentionCount = getEnvOrDefaultInt("PERSONABOT_HISTORY_RETENTION_COUNT", 20)
	p.SessionTimeoutMinutes = getEnvOrDefaultInt("PERSONABOT_SESSION_TIMEOUT_MINUTES", 30)

	p.LogLevel = getEnvOrDefault("PERSONABOT_LOG_LEVEL", "info")
	p.LogDir = getEnvOrDefault("PERSONABOT_LOG_DIR", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.BotToken == "" {
		return errors.New("bot token is required (PERSONABOT_BOT_TOKEN)")
	}

	if p.HistoryRetentionCount > p.MaxHistoryItems {
		return errors.Errorf("history retention count %d exceeds max history items %d",
			p.HistoryRetentionCount, p.MaxHistoryItems)
	}

	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("personabot_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile) + "?_loc=auto"
	}

	return nil
}
