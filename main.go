// Package main runs the F95fr translation-team bots: a version checker
// that reconciles declared game versions against F95Zone, an announcement
// bot for new and updated translations, publication reminders, and the
// publisher HTTP API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"f95fr-notifier/publisher"
)

type config struct {
	// Checker / reminder bot.
	Token             string
	GuildID           string
	ForumAutoID       string
	ForumSemiAutoID   string
	AlertChannelID    string
	ReminderChannelID string
	CheckHour         int
	CheckMinute       int
	ReminderLeadDays  int

	// Announcement bot.
	AnnounceToken     string
	AnnounceForumID   string
	AnnounceChannelID string

	// Publisher API.
	PublisherToken          string
	PublisherAPIKey         string
	PublisherForumMyID      string
	PublisherForumPartnerID string
	Port                    string
}

func loadConfig() *config {
	return &config{
		Token:             os.Getenv("DISCORD_TOKEN"),
		GuildID:           os.Getenv("GUILD_ID"),
		ForumAutoID:       os.Getenv("FORUM_AUTO_ID"),
		ForumSemiAutoID:   os.Getenv("FORUM_SEMI_AUTO_ID"),
		AlertChannelID:    os.Getenv("WARNING_MAJ_CHANNEL_ID"),
		ReminderChannelID: os.Getenv("NOTIFICATION_CHANNEL_F95_ID"),
		CheckHour:         envInt("VERSION_CHECK_HOUR", 6),
		CheckMinute:       envInt("VERSION_CHECK_MINUTE", 0),
		ReminderLeadDays:  envInt("DAYS_BEFORE_PUBLICATION", 14),

		AnnounceToken:     envOr("DISCORD_TOKEN_ANNOUNCE", os.Getenv("DISCORD_TOKEN")),
		AnnounceForumID:   os.Getenv("FORUM_CHANNEL_ID"),
		AnnounceChannelID: os.Getenv("ANNOUNCE_CHANNEL_ID"),

		PublisherToken:          os.Getenv("DISCORD_PUBLISHER_TOKEN"),
		PublisherAPIKey:         os.Getenv("PUBLISHER_API_KEY"),
		PublisherForumMyID:      os.Getenv("PUBLISHER_FORUM_MY_ID"),
		PublisherForumPartnerID: os.Getenv("PUBLISHER_FORUM_PARTNER_ID"),
		Port:                    envOr("PORT", "8080"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		// A .env file is optional; real deployments set the environment.
		logger.Info("No .env file loaded", "error", err)
	}

	cfg := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Token == "" {
		logger.Info("DISCORD_TOKEN not set, checker bot disabled")
	} else {
		bot, err := startCheckerBot(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to start checker bot", "error", err)
			os.Exit(1)
		}
		defer bot.Close()
	}

	if cfg.AnnounceToken == "" || cfg.AnnounceForumID == "" || cfg.AnnounceChannelID == "" {
		logger.Info("Announcement bot disabled, missing token or channel ids")
	} else {
		bot, err := startAnnounceBot(cfg, logger)
		if err != nil {
			logger.Error("Failed to start announcement bot", "error", err)
			os.Exit(1)
		}
		defer bot.Close()
	}

	pub := publisher.New(&publisher.Config{
		Token:          cfg.PublisherToken,
		APIKey:         cfg.PublisherAPIKey,
		ForumMyID:      cfg.PublisherForumMyID,
		ForumPartnerID: cfg.PublisherForumPartnerID,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           pub.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting publisher API", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Publisher API failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("Startup complete")
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Publisher API shutdown failed", "error", err)
	}
}
