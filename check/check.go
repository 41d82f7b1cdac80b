// Package check implements the version-reconciliation engine: one cycle
// enumerates monitored threads, extracts declared versions, resolves the
// authoritative F95 versions in batch, and turns every new discrepancy
// into a grouped alert.
package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"f95fr-notifier/extract"
	"f95fr-notifier/f95"
	"f95fr-notifier/ledger"
	"f95fr-notifier/pkg/notifier"
)

// ErrAlreadyRunning is returned when a cycle is triggered while another
// one is still in flight. The new trigger is rejected, not queued.
var ErrAlreadyRunning = errors.New("check cycle already running")

// Lister enumerates the monitored threads of one forum, starter text and
// tags included.
type Lister interface {
	Threads(ctx context.Context, kind notifier.ForumKind) ([]notifier.MonitoredThread, error)
}

// Source resolves authoritative versions for a set of F95 thread ids.
type Source interface {
	ResolveVersions(ctx context.Context, ids []string) (map[string]string, error)
}

// Sender posts messages to the alert channel. Implementations handle their
// own retry; a send that still fails is dropped by the dispatcher.
type Sender interface {
	Send(ctx context.Context, content string) error
}

// Config holds checker configuration.
type Config struct {
	Lister    Lister
	Source    Source
	Sender    Sender
	Ledger    *ledger.Ledger
	Logger    *slog.Logger
	Forums    []notifier.ForumKind
	Cooldown  time.Duration // manual-trigger cooldown, default 90s
	SendPause time.Duration // pause between alert messages, default 1s
}

// Checker runs reconciliation cycles. At most one cycle runs at a time per
// process; manual triggers are additionally rate-limited by a cooldown.
type Checker struct {
	lister Lister
	source Source
	sender Sender
	ledger *ledger.Ledger
	logger *slog.Logger
	forums []notifier.ForumKind

	cycleMu sync.Mutex // cycle guard, TryLock'ed per trigger

	manualMu   sync.Mutex
	lastManual time.Time
	cooldown   time.Duration

	sendPause time.Duration
}

// New creates a checker.
func New(cfg *Config) *Checker {
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = 90 * time.Second
	}
	sendPause := cfg.SendPause
	if sendPause == 0 {
		sendPause = time.Second
	}
	return &Checker{
		lister:    cfg.Lister,
		source:    cfg.Source,
		sender:    cfg.Sender,
		ledger:    cfg.Ledger,
		logger:    cfg.Logger,
		forums:    cfg.Forums,
		cooldown:  cooldown,
		sendPause: sendPause,
	}
}

// ManualAllowed reports whether a manual trigger is permitted now and, if
// not, how long remains on the cooldown. A permitted call opens a new
// cooldown window. Independent of the cycle guard.
func (c *Checker) ManualAllowed(now time.Time) (bool, time.Duration) {
	c.manualMu.Lock()
	defer c.manualMu.Unlock()

	if !c.lastManual.IsZero() {
		if elapsed := now.Sub(c.lastManual); elapsed < c.cooldown {
			return false, c.cooldown - elapsed
		}
	}
	c.lastManual = now
	return true, 0
}

type record struct {
	thread notifier.MonitoredThread
	decl   notifier.Declaration
}

// RunCycle runs one full reconciliation cycle. Returns ErrAlreadyRunning
// when another cycle holds the guard. A transport failure fetching
// versions aborts the cycle after one diagnostic message; any panic inside
// the cycle is recovered and logged so the scheduler keeps running.
func (c *Checker) RunCycle(ctx context.Context) (err error) {
	if !c.cycleMu.TryLock() {
		return ErrAlreadyRunning
	}
	defer c.cycleMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Check cycle panicked", "panic", r)
			c.sendDiagnostic(ctx, fmt.Sprintf("%v", r))
			err = fmt.Errorf("check cycle: %v", r)
		}
	}()

	start := time.Now()
	c.logger.Info("Starting F95 version check cycle")

	c.ledger.PurgeExpired(start)

	records := c.collect(ctx)
	if len(records) == 0 {
		c.logger.Info("No threads with an F95 link found, nothing to check")
		return nil
	}

	ids := slices.Sorted(maps.Keys(records))
	versions, err := c.source.ResolveVersions(ctx, ids)
	if err != nil {
		c.logger.Error("F95 version fetch failed, aborting cycle", "error", err)
		c.sendDiagnostic(ctx, err.Error())
		return fmt.Errorf("fetch versions: %w", err)
	}

	alerts := c.compare(records, versions, time.Now())
	if len(alerts) == 0 {
		c.logger.Info("No version discrepancies detected",
			"threads", len(records), "duration", time.Since(start).String())
		return nil
	}

	c.dispatch(ctx, alerts)
	c.logger.Info("Check cycle completed",
		"threads", len(records), "alerts", len(alerts), "duration", time.Since(start).String())
	return nil
}

// collect gathers, per monitored forum, every thread whose starter message
// declares an F95 link and a game version. Threads missing either field
// are dropped. The F95 id is the primary key: when several threads declare
// the same id, the last one seen wins.
func (c *Checker) collect(ctx context.Context) map[string]record {
	records := make(map[string]record)

	for _, kind := range c.forums {
		threads, err := c.lister.Threads(ctx, kind)
		if err != nil {
			c.logger.Warn("Failed to list forum threads", "forum", kind.String(), "error", err)
			continue
		}
		c.logger.Info("Forum threads collected", "forum", kind.String(), "count", len(threads))

		for _, th := range threads {
			decl := extract.Declaration(th.StarterText)
			if decl.LinkURL == "" || decl.GameVersion == "" {
				continue
			}
			id := f95.ExtractThreadID(decl.LinkURL)
			if id == "" {
				c.logger.Warn("Could not extract an F95 id", "thread", th.Name, "url", decl.LinkURL)
				continue
			}
			if prev, ok := records[id]; ok {
				c.logger.Warn("Multiple threads declare the same F95 id, keeping the last seen",
					"f95_id", id, "replaced", prev.thread.Name, "kept", th.Name)
			}
			records[id] = record{thread: th, decl: decl}
		}
	}

	return records
}

// compare diffs declared versions against the authoritative ones and turns
// every discrepancy not yet notified into an alert, marking the ledger as
// it goes. An id missing from the authoritative map yields an alert with
// an empty F95 version, deduplicated under the ledger's reserved token.
func (c *Checker) compare(records map[string]record, versions map[string]string, now time.Time) []notifier.Alert {
	var alerts []notifier.Alert

	for _, id := range slices.Sorted(maps.Keys(records)) {
		rec := records[id]
		declared := strings.TrimSpace(rec.decl.GameVersion)
		authoritative, found := versions[id]
		authoritative = strings.TrimSpace(authoritative)

		if found && authoritative != "" && authoritative == declared {
			continue
		}

		ledgerVersion := authoritative
		if ledgerVersion == "" {
			ledgerVersion = ledger.UnknownVersion
		}
		if c.ledger.AlreadyNotified(rec.thread.ID, ledgerVersion) {
			c.logger.Info("Discrepancy already notified, skipping",
				"thread", rec.thread.Name, "version", authoritative)
			continue
		}

		alerts = append(alerts, notifier.Alert{
			ThreadName:         rec.thread.Name,
			ThreadURL:          rec.thread.JumpURL,
			F95Version:         authoritative,
			DeclaredVersion:    declared,
			TranslationVersion: strings.TrimSpace(rec.decl.TranslationVersion),
			Forum:              rec.thread.Forum,
		})
		c.ledger.MarkNotified(rec.thread.ID, ledgerVersion, now)
		c.logger.Info("New version discrepancy",
			"thread", rec.thread.Name, "declared", declared, "f95", authoritative)
	}

	return alerts
}

// sendDiagnostic posts a best-effort failure notice to the alert channel.
func (c *Checker) sendDiagnostic(ctx context.Context, detail string) {
	content := "⚠️ **Contrôle F95 impossible**\n" +
		"Erreur lors de la récupération de l'API F95 : `" + detail + "`\n" +
		"Nouvelle tentative dans 24h."
	if err := c.sender.Send(ctx, content); err != nil {
		c.logger.Warn("Failed to send diagnostic message", "error", err)
	}
}
