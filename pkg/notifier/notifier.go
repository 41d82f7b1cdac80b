// Package notifier contains the core domain types shared by the F95fr
// translation-watch bots.
package notifier

import "time"

// ForumKind identifies which monitored forum a thread belongs to.
// Core logic depends only on this enum, never on raw channel ids.
type ForumKind int

const (
	// ForumAuto is the forum for automatic translations.
	ForumAuto ForumKind = iota
	// ForumSemiAuto is the forum for semi-automatic translations.
	ForumSemiAuto
)

// String returns the short label used in logs.
func (k ForumKind) String() string {
	switch k {
	case ForumAuto:
		return "Auto"
	case ForumSemiAuto:
		return "Semi-Auto"
	default:
		return "Unknown"
	}
}

// Label returns the human-readable French heading used in alert messages.
func (k ForumKind) Label() string {
	switch k {
	case ForumAuto:
		return "Traductions Automatiques"
	case ForumSemiAuto:
		return "Traductions Semi-Automatiques"
	default:
		return "Traductions"
	}
}

// ForumTag is a forum tag applied to a thread, with its emoji already
// rendered as text ("" when the tag has none).
type ForumTag struct {
	Name  string
	Emoji string
}

// MonitoredThread is the per-cycle snapshot of a forum thread. It is read
// from the platform each cycle and never persisted.
type MonitoredThread struct {
	CreatedAt   time.Time
	ID          string
	Name        string
	JumpURL     string
	StarterText string
	Tags        []ForumTag
	Forum       ForumKind
}

// Declaration holds the fields extracted from a thread's starter message.
// All fields are optional; empty string means the pattern did not match.
type Declaration struct {
	LinkURL            string // F95Zone game link
	GameVersion        string // version the translator declared for the game
	TranslationVersion string // version of the translation itself
}

// Alert records one declared-vs-authoritative version discrepancy. It is a
// pure value object that only lives for the duration of one dispatch batch.
type Alert struct {
	ThreadName         string
	ThreadURL          string
	F95Version         string // empty means the version could not be determined
	DeclaredVersion    string
	TranslationVersion string
	Forum              ForumKind
}

// StarterMessage is the starter message of a thread as the announcement
// flows need it: content, author display name, edit time and the image
// already selected by the platform layer's priority rules.
type StarterMessage struct {
	EditedAt   *time.Time
	Content    string
	AuthorName string
	ImageURL   string
}

// ChannelMessage is a message read back from a channel's history.
type ChannelMessage struct {
	ID      string
	Content string
	FromBot bool
}
