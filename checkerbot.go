package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"f95fr-notifier/announce"
	"f95fr-notifier/check"
	"f95fr-notifier/discord"
	"f95fr-notifier/f95"
	"f95fr-notifier/ledger"
	"f95fr-notifier/pkg/notifier"
)

// checkerBot runs the version-check cycle on a daily schedule and on the
// /check_version slash command, and posts publication reminders on thread
// activity in the monitored forums.
type checkerBot struct {
	session  *discordgo.Session
	client   *discord.Client
	checker  *check.Checker
	reminder *announce.Reminder
	logger   *slog.Logger
	loc      *time.Location
	guildID  string
	hour     int
	minute   int
	forums   map[string]notifier.ForumKind // parent channel id -> forum
}

func startCheckerBot(ctx context.Context, cfg *config, logger *slog.Logger) (*checkerBot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create checker session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent

	forums := make(map[string]notifier.ForumKind)
	forumChannels := make(map[notifier.ForumKind]string)
	if cfg.ForumAutoID != "" {
		forums[cfg.ForumAutoID] = notifier.ForumAuto
		forumChannels[notifier.ForumAuto] = cfg.ForumAutoID
	} else {
		logger.Info("FORUM_AUTO_ID not set, auto forum not monitored")
	}
	if cfg.ForumSemiAutoID != "" {
		forums[cfg.ForumSemiAutoID] = notifier.ForumSemiAuto
		forumChannels[notifier.ForumSemiAuto] = cfg.ForumSemiAutoID
	} else {
		logger.Info("FORUM_SEMI_AUTO_ID not set, semi-auto forum not monitored")
	}

	client := discord.New(&discord.Config{
		Session: session,
		Logger:  logger,
		GuildID: cfg.GuildID,
		Forums:  forumChannels,
	})

	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		logger.Warn("Failed to load Europe/Paris timezone, using UTC", "error", err)
		loc = time.UTC
	}

	bot := &checkerBot{
		session: session,
		client:  client,
		logger:  logger,
		loc:     loc,
		guildID: cfg.GuildID,
		hour:    cfg.CheckHour,
		minute:  cfg.CheckMinute,
		forums:  forums,
	}

	if cfg.AlertChannelID == "" || len(forumChannels) == 0 {
		logger.Info("Version check disabled, missing alert channel or monitored forums")
	} else {
		var kinds []notifier.ForumKind
		for kind := range forumChannels {
			kinds = append(kinds, kind)
		}
		bot.checker = check.New(&check.Config{
			Lister: client,
			Source: f95.New(&http.Client{Timeout: 30 * time.Second}, logger),
			Sender: client.Channel(cfg.AlertChannelID),
			Ledger: ledger.New(logger),
			Logger: logger,
			Forums: kinds,
		})
	}

	if cfg.ReminderChannelID == "" {
		logger.Info("Publication reminders disabled, NOTIFICATION_CHANNEL_F95_ID not set")
	} else {
		bot.reminder = announce.NewReminder(client.Channel(cfg.ReminderChannelID), logger, cfg.ReminderLeadDays)
	}

	session.AddHandler(bot.handleReady)
	session.AddHandler(bot.handleInteraction)
	session.AddHandler(bot.handleThreadCreate)
	session.AddHandler(bot.handleThreadUpdate)
	session.AddHandler(bot.handleMessageEdit)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open checker session: %w", err)
	}

	if bot.checker != nil {
		go bot.runDaily(ctx)
	}
	return bot, nil
}

// Close shuts the gateway connection down.
func (b *checkerBot) Close() {
	if err := b.session.Close(); err != nil {
		b.logger.Warn("Failed to close checker session", "error", err)
	}
}

func (b *checkerBot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Checker bot connected", "user", r.User.Username)
	cmd := &discordgo.ApplicationCommand{
		Name:        "check_version",
		Description: "Force un contrôle des versions F95 maintenant",
	}
	if _, err := s.ApplicationCommandCreate(r.User.ID, b.guildID, cmd); err != nil {
		b.logger.Warn("Failed to register slash command", "error", err)
	}
}

// runDaily triggers a cycle every day at the configured local time.
func (b *checkerBot) runDaily(ctx context.Context) {
	for {
		next := nextRunTime(time.Now().In(b.loc), b.hour, b.minute)
		b.logger.Info("Next scheduled version check", "at", next.Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if err := b.checker.RunCycle(ctx); err != nil && !errors.Is(err, check.ErrAlreadyRunning) {
			b.logger.Error("Scheduled version check failed", "error", err)
		}
	}
}

// nextRunTime returns the next occurrence of hour:minute after now, in
// now's location.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// handleInteraction serves /check_version. Every invocation gets an
// answer: cooldown, permission failure, already-running, or the outcome.
func (b *checkerBot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.ApplicationCommandData().Name != "check_version" {
		return
	}
	respond := func(content string) {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		if err != nil {
			b.logger.Warn("Failed to answer interaction", "error", err)
		}
	}

	if i.Member == nil || i.Member.Permissions&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) == 0 {
		respond("⛔ Permission insuffisante.")
		return
	}
	if b.checker == nil {
		respond("❌ Contrôle des versions non configuré.")
		return
	}
	if ok, remaining := b.checker.ManualAllowed(time.Now()); !ok {
		respond(fmt.Sprintf("⏳ Patientez encore %ds avant un nouveau contrôle.", int(remaining.Seconds())+1))
		return
	}

	respond("⏳ Contrôle des versions F95 en cours…")
	go func() {
		var msg string
		switch err := b.checker.RunCycle(context.Background()); {
		case errors.Is(err, check.ErrAlreadyRunning):
			msg = "⚠️ Un contrôle est déjà en cours."
		case err != nil:
			msg = fmt.Sprintf("❌ Erreur pendant le contrôle : %v", err)
		default:
			msg = "✅ Contrôle terminé."
		}
		_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		if err != nil {
			b.logger.Warn("Failed to send interaction followup", "error", err)
		}
	}()
}

func (b *checkerBot) handleThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	kind, ok := b.forums[t.ParentID]
	if !ok || b.reminder == nil {
		return
	}
	go func() {
		// Give the author a moment to finish applying tags.
		time.Sleep(5*time.Second + rand.N(2*time.Second))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		tags, err := b.client.ResolveTags(ctx, t.ParentID, t.AppliedTags)
		if err != nil {
			b.logger.Warn("Failed to resolve thread tags", "thread", t.Name, "error", err)
		}
		b.sendReminder(ctx, t.Channel, kind, announce.HasUpdateTag(tags))
	}()
}

func (b *checkerBot) handleThreadUpdate(_ *discordgo.Session, t *discordgo.ThreadUpdate) {
	kind, ok := b.forums[t.ParentID]
	if !ok || b.reminder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		after, err := b.client.ResolveTags(ctx, t.ParentID, t.AppliedTags)
		if err != nil || !announce.HasUpdateTag(after) {
			return
		}
		if t.BeforeUpdate != nil {
			before, err := b.client.ResolveTags(ctx, t.ParentID, t.BeforeUpdate.AppliedTags)
			if err == nil && announce.HasUpdateTag(before) {
				return // tag was already there
			}
		}
		b.logger.Info("Update tag applied", "thread", t.Name)
		b.sendReminder(ctx, t.Channel, kind, true)
	}()
}

// handleMessageEdit fires a reminder when a starter message of a
// monitored thread carrying the update tag is edited.
func (b *checkerBot) handleMessageEdit(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if m.ID != m.ChannelID {
		return // only starter messages share their thread's id
	}
	if b.reminder == nil {
		return
	}
	if m.BeforeUpdate != nil && m.BeforeUpdate.Content == m.Content {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		ch, err := s.Channel(m.ChannelID, discordgo.WithContext(ctx))
		if err != nil {
			b.logger.Warn("Failed to fetch edited thread", "channel", m.ChannelID, "error", err)
			return
		}
		kind, ok := b.forums[ch.ParentID]
		if !ok {
			return
		}
		tags, err := b.client.ResolveTags(ctx, ch.ParentID, ch.AppliedTags)
		if err != nil || !announce.HasUpdateTag(tags) {
			return
		}
		b.sendReminder(ctx, ch, kind, true)
	}()
}

func (b *checkerBot) sendReminder(ctx context.Context, ch *discordgo.Channel, kind notifier.ForumKind, isUpdate bool) {
	author := ""
	if starter, err := b.client.StarterMessage(ctx, ch.ID); err == nil {
		author = starter.AuthorName
	} else {
		b.logger.Warn("Failed to fetch starter message for reminder", "thread", ch.Name, "error", err)
	}

	thread := notifier.MonitoredThread{
		ID:      ch.ID,
		Name:    ch.Name,
		JumpURL: fmt.Sprintf("https://discord.com/channels/%s/%s", b.guildID, ch.ID),
		Forum:   kind,
	}
	if created, err := discordgo.SnowflakeTimestamp(ch.ID); err == nil {
		thread.CreatedAt = created
	}

	if err := b.reminder.Notify(ctx, thread, author, isUpdate); err != nil {
		b.logger.Warn("Failed to send publication reminder", "thread", ch.Name, "error", err)
	}
}
