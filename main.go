package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"readinglist-bot/bot"
	"readinglist-bot/config"
	"readinglist-bot/dispatch"
	"readinglist-bot/engine"
	"readinglist-bot/preview"
	"readinglist-bot/reminder"
	"readinglist-bot/scheduler"
	"readinglist-bot/storage"
)

func main() {
	configPath := config.GetConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	slog.Info("starting ReadingListBot", "config", configPath)

	db, err := storage.NewDB(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database initialized", "path", cfg.DBPath)

	tgBot, err := bot.New(cfg.TelegramToken)
	if err != nil {
		slog.Error("failed to initialize Telegram bot", "error", err)
		os.Exit(1)
	}
	slog.Info("telegram bot initialized", "username", tgBot.Username())

	eng := engine.New(cfg.MinCapacity, cfg.MaxCapacity)
	fetcher := preview.NewFetcher(preview.WithTimeout(cfg.PreviewTimeout()))
	dispatcher := dispatch.New(db, eng, tgBot,
		dispatch.WithStoreTimeout(cfg.StoreTimeout()),
		dispatch.WithPreviewer(fetcher),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.ReminderTime != "" {
		sched, err := scheduler.New(cfg.Timezone)
		if err != nil {
			slog.Error("failed to initialize scheduler", "timezone", cfg.Timezone, "error", err)
			os.Exit(1)
		}
		runner := reminder.NewRunner(db, tgBot)
		if err := sched.ScheduleDaily(cfg.ReminderTime, func() {
			if err := runner.Run(context.Background()); err != nil {
				slog.Error("reminder run failed", "error", err)
			}
		}); err != nil {
			slog.Error("failed to schedule reminder", "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("reminder scheduled", "time", cfg.ReminderTime, "timezone", cfg.Timezone)
	}

	slog.Info("starting bot polling")
	tgBot.Poll(ctx, dispatcher)
	slog.Info("bot stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
