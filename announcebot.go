package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"f95fr-notifier/announce"
	"f95fr-notifier/discord"
	"f95fr-notifier/extract"
	"f95fr-notifier/pkg/notifier"
)

// announceBot posts new-game and update announcements when translation
// tags appear or change on threads of the announcement forum.
type announceBot struct {
	session  *discordgo.Session
	client   *discord.Client
	composer *announce.Composer
	logger   *slog.Logger
	guildID  string
	forumID  string
}

func startAnnounceBot(cfg *config, logger *slog.Logger) (*announceBot, error) {
	session, err := discordgo.New("Bot " + cfg.AnnounceToken)
	if err != nil {
		return nil, fmt.Errorf("create announcement session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	client := discord.New(&discord.Config{
		Session: session,
		Logger:  logger,
		GuildID: cfg.GuildID,
	})

	bot := &announceBot{
		session:  session,
		client:   client,
		composer: announce.NewComposer(client.Channel(cfg.AnnounceChannelID), logger),
		logger:   logger,
		guildID:  cfg.GuildID,
		forumID:  cfg.AnnounceForumID,
	}

	session.AddHandler(bot.handleReady)
	session.AddHandler(bot.handleThreadCreate)
	session.AddHandler(bot.handleThreadUpdate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open announcement session: %w", err)
	}
	return bot, nil
}

// Close shuts the gateway connection down.
func (b *announceBot) Close() {
	if err := b.session.Close(); err != nil {
		b.logger.Warn("Failed to close announcement session", "error", err)
	}
}

func (b *announceBot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Announcement bot connected", "user", r.User.Username)
}

func (b *announceBot) handleThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if t.ParentID != b.forumID {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		tags, err := b.client.ResolveTags(ctx, t.ParentID, t.AppliedTags)
		if err != nil {
			b.logger.Warn("Failed to resolve thread tags", "thread", t.Name, "error", err)
			return
		}
		labels := extract.SortTranslationTags(tags)
		if len(labels) == 0 {
			return
		}
		b.announceThread(ctx, t.Channel, labels)
	}()
}

func (b *announceBot) handleThreadUpdate(_ *discordgo.Session, t *discordgo.ThreadUpdate) {
	if t.ParentID != b.forumID {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		after, err := b.client.ResolveTags(ctx, t.ParentID, t.AppliedTags)
		if err != nil {
			b.logger.Warn("Failed to resolve thread tags", "thread", t.Name, "error", err)
			return
		}
		afterLabels := extract.SortTranslationTags(after)

		var beforeLabels []string
		if t.BeforeUpdate != nil {
			before, err := b.client.ResolveTags(ctx, t.ParentID, t.BeforeUpdate.AppliedTags)
			if err == nil {
				beforeLabels = extract.SortTranslationTags(before)
			}
		}

		if !announce.ShouldAnnounce(beforeLabels, afterLabels) {
			return
		}
		b.announceThread(ctx, t.Channel, afterLabels)
	}()
}

func (b *announceBot) announceThread(ctx context.Context, ch *discordgo.Channel, labels []string) {
	starter, err := b.client.StarterMessage(ctx, ch.ID)
	if err != nil {
		b.logger.Warn("Failed to fetch starter message", "thread", ch.Name, "error", err)
		return
	}

	thread := notifier.MonitoredThread{
		ID:      ch.ID,
		Name:    ch.Name,
		JumpURL: fmt.Sprintf("https://discord.com/channels/%s/%s", b.guildID, ch.ID),
	}
	if created, err := discordgo.SnowflakeTimestamp(ch.ID); err == nil {
		thread.CreatedAt = created
	}

	if err := b.composer.Announce(ctx, thread, starter, labels); err != nil {
		b.logger.Warn("Failed to post announcement", "thread", ch.Name, "error", err)
	}
}
