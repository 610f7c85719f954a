package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/personabot/ai/llm"
	"github.com/hrygo/personabot/ai/pipeline"
	"github.com/hrygo/personabot/bot/telegram"
	"github.com/hrygo/personabot/chat"
	"github.com/hrygo/personabot/config"
	"github.com/hrygo/personabot/internal/profile"
	"github.com/hrygo/personabot/internal/version"
	"github.com/hrygo/personabot/metrics"
	"github.com/hrygo/personabot/server"
	"github.com/hrygo/personabot/session"
	"github.com/hrygo/personabot/session/kv"
	"github.com/hrygo/personabot/store"
	"github.com/hrygo/personabot/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "personabot",
	Short: `A role-playing chat gateway: Telegram frontend, tiered model pipelines with streaming failover, and durable session memory.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd units carry their environment in the unit file; only
		// direct invocations read a local .env.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}
		setupLogger(instanceProfile)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			slog.Error("failed to create db driver", "error", err)
			return
		}
		storeInstance := store.New(dbDriver, instanceProfile)
		defer storeInstance.Close()
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		redisClient := redis.NewClient(&redis.Options{
			Addr:     instanceProfile.RedisAddr,
			Password: instanceProfile.RedisPassword,
			DB:       instanceProfile.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "addr", instanceProfile.RedisAddr, "error", err)
			return
		}
		defer redisClient.Close()

		exporter := metrics.NewExporter(metrics.DefaultConfig())
		resolver := config.NewResolver(instanceProfile, config.NewRedisCache(redisClient), storeInstance, exporter)

		kvStore := kv.NewRedisStore(redisClient, instanceProfile.RedisNS)
		sessions := session.NewService(kvStore, storeInstance, resolver, instanceProfile.Data)

		registry := pipeline.NewRegistry(resolver, llm.NewClient(), exporter)
		orchestrator := chat.NewOrchestrator(sessions, kvStore, registry, resolver, storeInstance, exporter)

		adapter, err := telegram.NewAdapter(&telegram.Config{
			BotToken: instanceProfile.BotToken,
			ProxyURL: instanceProfile.ProxyURL,
		}, orchestrator, sessions, kvStore, resolver)
		if err != nil {
			slog.Error("failed to create telegram adapter", "error", err)
			return
		}

		opsServer := server.NewServer(instanceProfile, exporter)

		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)

		go adapter.Run(ctx)
		go func() {
			if err := opsServer.Start(); err != nil {
				slog.Error("ops server failed", "error", err)
				cancel()
			}
		}()

		printGreetings(instanceProfile)

		go func() {
			<-c
			if err := opsServer.Shutdown(context.Background()); err != nil {
				slog.Warn("ops server shutdown failed", "error", err)
			}
			cancel()
		}()

		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28091)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of the ops HTTP server")
	rootCmd.PersistentFlags().Int("port", 28091, "port of the ops HTTP server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, key := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("personabot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func setupLogger(p *profile.Profile) {
	level := slog.LevelInfo
	switch strings.ToLower(p.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("PersonaBot %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Database driver: %s\n", p.Driver)
	fmt.Printf("Mode: %s\n", p.Mode)
	if p.Addr == "" {
		fmt.Printf("Ops server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Ops server running on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
