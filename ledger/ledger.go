// Package ledger is the anti-duplicate notification memory: it remembers,
// per thread, the last version an alert was actually sent for. Entries are
// in-memory only and evicted after a fixed retention window.
package ledger

import (
	"log/slog"
	"sync"
	"time"
)

// Retention is how long a notification entry is kept before eviction.
const Retention = 30 * 24 * time.Hour

// UnknownVersion is the reserved token stored when the authoritative
// version could not be determined, so that "still undeterminable" is
// deduplicated instead of re-alerted every cycle. It is not a version
// string any upstream source can produce.
const UnknownVersion = "\x00indeterminee"

type entry struct {
	notifiedAt time.Time
	version    string
}

// Ledger tracks which (thread, version) pairs have already been alerted.
// Safe for concurrent use; one instance per bot process, injected rather
// than global so independent bots and tests get their own state.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]entry
	logger  *slog.Logger
}

// New creates an empty ledger.
func New(logger *slog.Logger) *Ledger {
	return &Ledger{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// PurgeExpired removes entries older than the retention window. Called
// once at the start of every cycle. Returns how many entries were removed.
func (l *Ledger) PurgeExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-Retention)
	var removed int
	for threadID, e := range l.entries {
		if e.notifiedAt.Before(cutoff) {
			delete(l.entries, threadID)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Info("Purged expired notification entries", "removed", removed, "remaining", len(l.entries))
	}
	return removed
}

// AlreadyNotified reports whether an alert was already sent for this exact
// (thread, version) pair. Comparison is exact string equality; callers trim
// whitespace before consulting the ledger.
func (l *Ledger) AlreadyNotified(threadID, version string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[threadID]
	return ok && e.version == version
}

// MarkNotified records that an alert was sent for this thread and version,
// overwriting any previous entry for the thread.
func (l *Ledger) MarkNotified(threadID, version string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[threadID] = entry{version: version, notifiedAt: now}
}

// Len returns the number of tracked threads.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
