package check

import (
	"context"
	"fmt"
	"strings"
	"time"

	"f95fr-notifier/pkg/notifier"
)

// alertsPerMessage caps how many games one alert message carries.
const alertsPerMessage = 5

// alertGroup keys one dispatch group: a forum and whether the F95 version
// could be determined for its alerts.
type alertGroup struct {
	forum        notifier.ForumKind
	versionKnown bool
	alerts       []notifier.Alert
}

// dispatch sends all alerts to the alert channel, grouped by forum and by
// version-known status, in batches with a pause between messages. A batch
// whose send fails is dropped; the remaining batches still go out.
func (c *Checker) dispatch(ctx context.Context, alerts []notifier.Alert) {
	first := true
	for _, g := range groupAlerts(alerts) {
		for _, batch := range batchAlerts(g.alerts, alertsPerMessage) {
			if !first {
				select {
				case <-ctx.Done():
					c.logger.Warn("Alert dispatch interrupted", "error", ctx.Err())
					return
				case <-time.After(c.sendPause):
				}
			}
			first = false

			content := renderBatch(g.forum, g.versionKnown, batch)
			if err := c.sender.Send(ctx, content); err != nil {
				c.logger.Warn("Failed to send alert batch, dropping it",
					"forum", g.forum.String(), "alerts", len(batch), "error", err)
			}
		}
	}
}

// groupAlerts splits alerts into ordered groups: for each forum, first the
// alerts with a known F95 version, then those without one.
func groupAlerts(alerts []notifier.Alert) []alertGroup {
	var groups []alertGroup
	for _, kind := range []notifier.ForumKind{notifier.ForumAuto, notifier.ForumSemiAuto} {
		for _, known := range []bool{true, false} {
			var bucket []notifier.Alert
			for _, a := range alerts {
				if a.Forum == kind && (a.F95Version != "") == known {
					bucket = append(bucket, a)
				}
			}
			if len(bucket) > 0 {
				groups = append(groups, alertGroup{forum: kind, versionKnown: known, alerts: bucket})
			}
		}
	}
	return groups
}

// batchAlerts slices a group into runs of at most size alerts.
func batchAlerts(alerts []notifier.Alert, size int) [][]notifier.Alert {
	var batches [][]notifier.Alert
	for len(alerts) > size {
		batches = append(batches, alerts[:size])
		alerts = alerts[size:]
	}
	if len(alerts) > 0 {
		batches = append(batches, alerts)
	}
	return batches
}

// renderBatch builds one alert message in French, one block per game.
func renderBatch(forum notifier.ForumKind, versionKnown bool, batch []notifier.Alert) string {
	plural := "jeu"
	if len(batch) > 1 {
		plural = "jeux"
	}

	var b strings.Builder
	if versionKnown {
		fmt.Fprintf(&b, "🚨 **Mises à jour détectées : %s** (%d %s)\n", forum.Label(), len(batch), plural)
	} else {
		fmt.Fprintf(&b, "⚠️ **Version F95 non détectée : %s** (%d %s)\n", forum.Label(), len(batch), plural)
	}

	for _, a := range batch {
		f95Version := a.F95Version
		if f95Version == "" {
			f95Version = "non détectée"
		}
		translation := a.TranslationVersion
		if translation == "" {
			translation = "Non renseignée"
		}
		fmt.Fprintf(&b, "\n**%s**\n", a.ThreadName)
		fmt.Fprintf(&b, "├ Version F95 : `%s`\n", f95Version)
		fmt.Fprintf(&b, "├ Version du poste : `%s`\n", a.DeclaredVersion)
		fmt.Fprintf(&b, "├ Version traduction : `%s`\n", translation)
		fmt.Fprintf(&b, "└ Lien : %s\n", a.ThreadURL)
	}

	return b.String()
}
