// Package discord adapts a discordgo session to the narrow interfaces the
// reconciliation, announcement, and reminder flows consume: thread
// listing, starter-message fetch, channel history, and message send.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"f95fr-notifier/backoff"
	"f95fr-notifier/pkg/notifier"
)

// pageLimit is the platform's max thread-list page size.
const pageLimit = 100

// maxArchivePages bounds the archived-thread walk; beyond this the forum
// history is old enough not to matter for version checks.
const maxArchivePages = 20

// Config holds client configuration.
type Config struct {
	Session *discordgo.Session
	Logger  *slog.Logger
	GuildID string
	// Forums maps each monitored forum to its channel id. A missing entry
	// disables that forum.
	Forums map[notifier.ForumKind]string
	// ThreadPause spaces out per-thread API calls, default 200ms.
	ThreadPause time.Duration
}

// Client wraps a discordgo session with retry and pacing.
type Client struct {
	session *discordgo.Session
	logger  *slog.Logger
	guildID string
	forums  map[notifier.ForumKind]string
	pause   time.Duration
}

// New creates a client.
func New(cfg *Config) *Client {
	pause := cfg.ThreadPause
	if pause == 0 {
		pause = 200 * time.Millisecond
	}
	return &Client{
		session: cfg.Session,
		logger:  cfg.Logger,
		guildID: cfg.GuildID,
		forums:  cfg.Forums,
		pause:   pause,
	}
}

// apiError translates a discordgo REST failure into a status error so the
// shared retry policy can classify it.
func apiError(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		url := ""
		if rest.Request != nil && rest.Request.URL != nil {
			url = rest.Request.URL.String()
		}
		return &backoff.StatusError{URL: url, Code: rest.Response.StatusCode}
	}
	return err
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	return backoff.Retry(ctx, c.logger, op, func() error {
		return apiError(fn())
	})
}

func (c *Client) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.pause):
		return nil
	}
}

// Threads lists every thread of the forum mapped to kind, active and
// archived, each with its starter text and resolved tags. Threads whose
// starter message cannot be fetched are returned without starter text.
func (c *Client) Threads(ctx context.Context, kind notifier.ForumKind) ([]notifier.MonitoredThread, error) {
	parentID, ok := c.forums[kind]
	if !ok || parentID == "" {
		return nil, fmt.Errorf("no channel configured for forum %s", kind)
	}

	tags, err := c.forumTags(ctx, parentID)
	if err != nil {
		return nil, err
	}

	raw, err := c.listThreads(ctx, parentID)
	if err != nil {
		return nil, err
	}

	threads := make([]notifier.MonitoredThread, 0, len(raw))
	for _, th := range raw {
		if err := c.sleep(ctx); err != nil {
			return nil, err
		}

		mt := notifier.MonitoredThread{
			ID:      th.ID,
			Name:    th.Name,
			JumpURL: fmt.Sprintf("https://discord.com/channels/%s/%s", c.guildID, th.ID),
			Forum:   kind,
		}
		if created, err := discordgo.SnowflakeTimestamp(th.ID); err == nil {
			mt.CreatedAt = created
		}
		for _, tagID := range th.AppliedTags {
			if tag, ok := tags[tagID]; ok {
				mt.Tags = append(mt.Tags, tag)
			}
		}

		starter, err := c.StarterMessage(ctx, th.ID)
		if err != nil {
			c.logger.Warn("Failed to fetch starter message", "thread", th.Name, "error", err)
		} else {
			mt.StarterText = starter.Content
		}

		threads = append(threads, mt)
	}

	c.logger.Info("Forum threads listed", "forum", kind.String(), "count", len(threads))
	return threads, nil
}

// listThreads merges the guild's active threads under parentID with the
// forum's archived threads, deduplicated by id.
func (c *Client) listThreads(ctx context.Context, parentID string) ([]*discordgo.Channel, error) {
	seen := make(map[string]bool)
	var out []*discordgo.Channel

	var active *discordgo.ThreadsList
	err := c.retry(ctx, "list active threads", func() error {
		var err error
		active, err = c.session.GuildThreadsActive(c.guildID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	for _, th := range active.Threads {
		if th.ParentID == parentID && !seen[th.ID] {
			seen[th.ID] = true
			out = append(out, th)
		}
	}

	var before *time.Time
	for page := 0; page < maxArchivePages; page++ {
		var archived *discordgo.ThreadsList
		err := c.retry(ctx, "list archived threads", func() error {
			var err error
			archived, err = c.session.ThreadsArchived(parentID, before, pageLimit, discordgo.WithContext(ctx))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list archived threads: %w", err)
		}
		for _, th := range archived.Threads {
			if !seen[th.ID] {
				seen[th.ID] = true
				out = append(out, th)
			}
		}
		if !archived.HasMore || len(archived.Threads) == 0 {
			break
		}
		last := archived.Threads[len(archived.Threads)-1]
		if last.ThreadMetadata == nil {
			break
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
		if err := c.sleep(ctx); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// forumTags fetches the forum channel's available tags, keyed by tag id.
func (c *Client) forumTags(ctx context.Context, parentID string) (map[string]notifier.ForumTag, error) {
	var channel *discordgo.Channel
	err := c.retry(ctx, "fetch forum channel", func() error {
		var err error
		channel, err = c.session.Channel(parentID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch forum channel: %w", err)
	}

	tags := make(map[string]notifier.ForumTag, len(channel.AvailableTags))
	for _, tag := range channel.AvailableTags {
		tags[tag.ID] = notifier.ForumTag{Name: tag.Name, Emoji: tag.EmojiName}
	}
	return tags, nil
}

// ResolveTags maps a thread's applied tag ids to named tags using the
// parent forum's tag list.
func (c *Client) ResolveTags(ctx context.Context, parentID string, applied []string) ([]notifier.ForumTag, error) {
	tags, err := c.forumTags(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var out []notifier.ForumTag
	for _, id := range applied {
		if tag, ok := tags[id]; ok {
			out = append(out, tag)
		}
	}
	return out, nil
}

// StarterMessage fetches a thread's starter message. On forums the starter
// shares the thread's id.
func (c *Client) StarterMessage(ctx context.Context, threadID string) (notifier.StarterMessage, error) {
	var msg *discordgo.Message
	err := c.retry(ctx, "fetch starter message", func() error {
		var err error
		msg, err = c.session.ChannelMessage(threadID, threadID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return notifier.StarterMessage{}, fmt.Errorf("fetch starter message: %w", err)
	}

	starter := notifier.StarterMessage{
		Content:  msg.Content,
		ImageURL: imageURL(msg),
		EditedAt: msg.EditedTimestamp,
	}
	if msg.Author != nil {
		starter.AuthorName = msg.Author.GlobalName
		if starter.AuthorName == "" {
			starter.AuthorName = msg.Author.Username
		}
	}
	return starter, nil
}

// imageURL picks the image to embed with an announcement: first image
// attachment, else first embed image, else first embed thumbnail.
func imageURL(msg *discordgo.Message) string {
	for _, att := range msg.Attachments {
		if len(att.ContentType) >= 5 && att.ContentType[:5] == "image" {
			return att.URL
		}
	}
	for _, emb := range msg.Embeds {
		if emb.Image != nil && emb.Image.URL != "" {
			return emb.Image.URL
		}
		if emb.Thumbnail != nil && emb.Thumbnail.URL != "" {
			return emb.Thumbnail.URL
		}
	}
	return ""
}

// Channel binds the client to one channel for sending and history reads.
type Channel struct {
	client    *Client
	channelID string
}

// Channel returns a channel-bound view of the client.
func (c *Client) Channel(id string) *Channel {
	return &Channel{client: c, channelID: id}
}

// Send posts a plain message.
func (ch *Channel) Send(ctx context.Context, content string) error {
	return ch.client.retry(ctx, "send message", func() error {
		_, err := ch.client.session.ChannelMessageSend(ch.channelID, content, discordgo.WithContext(ctx))
		return err
	})
}

// SendWithImage posts a message with an optional embedded image.
func (ch *Channel) SendWithImage(ctx context.Context, content, imageURL string) error {
	if imageURL == "" {
		return ch.Send(ctx, content)
	}
	data := &discordgo.MessageSend{
		Content: content,
		Embeds: []*discordgo.MessageEmbed{{
			Image: &discordgo.MessageEmbedImage{URL: imageURL},
		}},
	}
	return ch.client.retry(ctx, "send message with image", func() error {
		_, err := ch.client.session.ChannelMessageSendComplex(ch.channelID, data, discordgo.WithContext(ctx))
		return err
	})
}

// History returns the channel's most recent messages, newest first.
func (ch *Channel) History(ctx context.Context, limit int) ([]notifier.ChannelMessage, error) {
	var msgs []*discordgo.Message
	err := ch.client.retry(ctx, "read channel history", func() error {
		var err error
		msgs, err = ch.client.session.ChannelMessages(ch.channelID, limit, "", "", "", discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read channel history: %w", err)
	}

	botID := ""
	if ch.client.session.State != nil && ch.client.session.State.User != nil {
		botID = ch.client.session.State.User.ID
	}
	out := make([]notifier.ChannelMessage, 0, len(msgs))
	for _, msg := range msgs {
		cm := notifier.ChannelMessage{ID: msg.ID, Content: msg.Content}
		if msg.Author != nil {
			cm.FromBot = msg.Author.ID == botID
		}
		out = append(out, cm)
	}
	return out, nil
}

// Delete removes one message.
func (ch *Channel) Delete(ctx context.Context, messageID string) error {
	return ch.client.retry(ctx, "delete message", func() error {
		return ch.client.session.ChannelMessageDelete(ch.channelID, messageID, discordgo.WithContext(ctx))
	})
}
