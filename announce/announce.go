// Package announce builds the messages posted when a translation thread
// appears or changes: game announcements in the announcement channel and
// publication reminders in the reminder channel.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"f95fr-notifier/extract"
	"f95fr-notifier/pkg/notifier"
)

// historyWindow bounds how far back the dedup scan looks.
const historyWindow = 50

// Poster is the announcement channel: read recent history, delete a
// superseded message, send a new one with an optional embedded image.
type Poster interface {
	History(ctx context.Context, limit int) ([]notifier.ChannelMessage, error)
	Delete(ctx context.Context, messageID string) error
	SendWithImage(ctx context.Context, content, imageURL string) error
}

// Sender posts plain messages to the reminder channel.
type Sender interface {
	Send(ctx context.Context, content string) error
}

// Composer posts new-game and update announcements, deduplicating against
// recent channel history.
type Composer struct {
	poster Poster
	logger *slog.Logger
}

// NewComposer creates a composer.
func NewComposer(poster Poster, logger *slog.Logger) *Composer {
	return &Composer{poster: poster, logger: logger}
}

// ShouldAnnounce reports whether a tag-set change warrants an
// announcement: the new label set must be non-empty and differ from the
// old one. Both slices are expected sorted.
func ShouldAnnounce(before, after []string) bool {
	return len(after) > 0 && !slices.Equal(before, after)
}

// HasUpdateTag reports whether any applied tag marks the thread as a game
// update rather than a fresh translation.
func HasUpdateTag(tags []notifier.ForumTag) bool {
	for _, tag := range tags {
		name := strings.ToLower(tag.Name)
		if strings.Contains(name, "mise à jour") || strings.Contains(name, "maj") {
			return true
		}
	}
	return false
}

// Announce posts an announcement for the thread. The new-vs-update banner
// comes from scanning recent channel history for a prior message
// referencing the thread id; when that prior message is the newest one in
// the channel it is deleted and replaced.
func (c *Composer) Announce(ctx context.Context, thread notifier.MonitoredThread, starter notifier.StarterMessage, tagLabels []string) error {
	isUpdate, err := c.supersede(ctx, thread.ID)
	if err != nil {
		return err
	}

	content := renderAnnouncement(thread, starter.Content, tagLabels, isUpdate)
	if err := c.poster.SendWithImage(ctx, content, starter.ImageURL); err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	c.logger.Info("Announcement sent", "thread", thread.Name, "update", isUpdate)
	return nil
}

// supersede reports whether the thread was announced before. When the
// channel's newest message is the bot's own announcement of this thread,
// it is deleted so the new announcement replaces it.
func (c *Composer) supersede(ctx context.Context, threadID string) (bool, error) {
	messages, err := c.poster.History(ctx, historyWindow)
	if err != nil {
		return false, fmt.Errorf("read announcement history: %w", err)
	}
	if len(messages) == 0 {
		return false, nil
	}

	newest := messages[0]
	if newest.FromBot && strings.Contains(newest.Content, threadID) {
		if err := c.poster.Delete(ctx, newest.ID); err != nil {
			c.logger.Warn("Failed to delete superseded announcement",
				"message_id", newest.ID, "error", err)
		}
		return true, nil
	}

	for _, msg := range messages {
		if msg.FromBot && strings.Contains(msg.Content, threadID) {
			return true, nil
		}
	}
	return false, nil
}

func renderAnnouncement(thread notifier.MonitoredThread, starterText string, tagLabels []string, isUpdate bool) string {
	patch := extract.PatchVersion(starterText)
	if patch == "" {
		patch = "Non spécifiée"
	}

	banner := "🚀 NOUVEAU JEU AJOUTÉ"
	if isUpdate {
		banner = "🔄 MISE À JOUR DE"
	}

	return fmt.Sprintf("## %s : [%s](%s)\n\n> **Version actuelle :** `%s`\n> **Etat de la traduction :** %s",
		banner, thread.Name, thread.JumpURL, patch, strings.Join(tagLabels, ", "))
}

// Reminder posts publication reminders: a thread created or updated in a
// monitored forum must be published on the team site within a fixed lead
// time of its creation.
type Reminder struct {
	sender   Sender
	logger   *slog.Logger
	leadDays int
}

// NewReminder creates a reminder notifier. leadDays defaults to 14.
func NewReminder(sender Sender, logger *slog.Logger, leadDays int) *Reminder {
	if leadDays <= 0 {
		leadDays = 14
	}
	return &Reminder{sender: sender, logger: logger, leadDays: leadDays}
}

// Notify posts one reminder for the thread. The publish-by date is the
// thread creation time plus the lead, rendered as Discord timestamps so
// each reader sees their local date and a live countdown.
func (r *Reminder) Notify(ctx context.Context, thread notifier.MonitoredThread, author string, isUpdate bool) error {
	if author == "" {
		author = "Inconnu"
	}
	action := "a été créé"
	if isUpdate {
		action = "a été mis à jour"
	}
	ts := thread.CreatedAt.AddDate(0, 0, r.leadDays).Unix()

	content := fmt.Sprintf("🔔 **Rappel Publication F95fr**\n"+
		"Le thread **%s** %s.\n"+
		"**Traducteur :** %s\n"+
		"📅 À publier le : <t:%d:D> (<t:%d:R>)\n"+
		"🔗 Lien : %s",
		thread.Name, action, author, ts, ts, thread.JumpURL)

	if err := r.sender.Send(ctx, content); err != nil {
		return fmt.Errorf("send publication reminder: %w", err)
	}
	r.logger.Info("Publication reminder sent", "thread", thread.Name, "update", isUpdate)
	return nil
}
