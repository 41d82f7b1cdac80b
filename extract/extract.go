// Package extract parses loosely-formatted announcement text into
// structured fields. Pure functions only; a pattern that matches nothing
// yields an absent field, never an error.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"f95fr-notifier/pkg/notifier"
)

var (
	// Starter messages follow the team's template, one labelled line each:
	//   Lien du jeu : [Game Name](https://f95zone.to/threads/...)
	//   Version du jeu : v1.2
	//   Version de la traduction : v1.0
	reGameLink    = regexp.MustCompile(`(?im)^\s*Lien\s+du\s+jeu\s*:\s*\[[^\]]+\]\((https?://[^)]+)\)\s*$`)
	reGameVersion = regexp.MustCompile(`(?im)^\s*Version\s+du\s+jeu\s*:\s*(.+?)\s*$`)
	reTransVer    = regexp.MustCompile(`(?im)^\s*Version\s+de\s+la\s+traduction\s*:\s*(.+?)\s*$`)

	// Announcement posts carry a bold "Version du Patch :**`v1.0`" label.
	rePatchVersion = regexp.MustCompile("Version du Patch\\s*:\\*\\*\\s*[`']?([^`\n\r]+)")

	reBracket = regexp.MustCompile(`\[([^\]]+)\]`)

	// Version tags ("v1.0", "v2") denote game versions, not translation
	// status. A tag literally named "v" is not a version tag.
	reVersionTag = regexp.MustCompile(`^[vV][0-9]`)
)

// TitleStrategy selects which bracket token of an F95 title carries the
// version. The RSS feed puts it last ("Game [Ch.7] [Author]"); the scraped
// page title puts it first ("Game [v0.5] [SomeTag]"). Both conventions
// exist upstream and are kept as distinct strategies.
type TitleStrategy int

const (
	// LastBracket takes the final bracket-delimited token (RSS titles).
	LastBracket TitleStrategy = iota
	// FirstBracket takes the first bracket-delimited token (page titles).
	FirstBracket
)

// Declaration extracts the F95 link and the declared game/translation
// versions from a starter message. Each field is matched independently.
func Declaration(text string) notifier.Declaration {
	var d notifier.Declaration
	if text == "" {
		return d
	}
	if m := reGameLink.FindStringSubmatch(text); m != nil {
		d.LinkURL = strings.TrimSpace(m[1])
	}
	if m := reGameVersion.FindStringSubmatch(text); m != nil {
		d.GameVersion = strings.TrimSpace(m[1])
	}
	if m := reTransVer.FindStringSubmatch(text); m != nil {
		d.TranslationVersion = strings.TrimSpace(m[1])
	}
	return d
}

// VersionFromTitle extracts the version token from an F95 title, e.g.
// "Heated Hashtag [Ch.7] [Velvet-Ink]" -> "Ch.7" under FirstBracket.
// Returns "" when the title has no bracket token.
func VersionFromTitle(title string, strategy TitleStrategy) string {
	matches := reBracket.FindAllStringSubmatch(title, -1)
	if len(matches) == 0 {
		return ""
	}
	switch strategy {
	case FirstBracket:
		return strings.TrimSpace(matches[0][1])
	default:
		return strings.TrimSpace(matches[len(matches)-1][1])
	}
}

// PatchVersion extracts the patch version from an announcement post body.
// Returns "" when the label is absent.
func PatchVersion(text string) string {
	m := rePatchVersion.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(m[1], "`'"))
}

// SortTranslationTags filters a thread's tags down to translation-status
// labels: version tags are discarded, the remaining names get their emoji
// prepended when present, and the result is sorted lexicographically.
func SortTranslationTags(tags []notifier.ForumTag) []string {
	var out []string
	for _, tag := range tags {
		if reVersionTag.MatchString(tag.Name) {
			continue
		}
		label := tag.Name
		if tag.Emoji != "" {
			label = tag.Emoji + " " + label
		}
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
