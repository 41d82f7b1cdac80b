package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"f95fr-notifier/extract"
	"f95fr-notifier/ledger"
	"f95fr-notifier/pkg/notifier"
)

type fakeLister struct {
	threads map[notifier.ForumKind][]notifier.MonitoredThread
	err     error
	block   chan struct{} // when set, Threads waits until closed
}

func (f *fakeLister) Threads(_ context.Context, kind notifier.ForumKind) ([]notifier.MonitoredThread, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.threads[kind], nil
}

type fakeSource struct {
	versions map[string]string
	err      error
	calls    int
}

func (f *fakeSource) ResolveVersions(_ context.Context, _ []string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.versions, nil
}

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (f *fakeSender) Send(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, content)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func starter(link, gameVersion, translationVersion string) string {
	text := "Lien du jeu : [F95](" + link + ")\n"
	if gameVersion != "" {
		text += "Version du jeu : " + gameVersion + "\n"
	}
	if translationVersion != "" {
		text += "Version de la traduction : " + translationVersion + "\n"
	}
	return text
}

func TestStarterTemplateExtracts(t *testing.T) {
	decl := extract.Declaration(starter("https://f95zone.to/threads/100/", "1.0", "v1"))
	if decl.LinkURL != "https://f95zone.to/threads/100/" {
		t.Errorf("link not extracted from fixture, got %q", decl.LinkURL)
	}
	if decl.GameVersion != "1.0" {
		t.Errorf("game version not extracted from fixture, got %q", decl.GameVersion)
	}
	if decl.TranslationVersion != "v1" {
		t.Errorf("translation version not extracted from fixture, got %q", decl.TranslationVersion)
	}
}

func testChecker(t *testing.T, lister Lister, source Source, sender Sender) *Checker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&Config{
		Lister:    lister,
		Source:    source,
		Sender:    sender,
		Ledger:    ledger.New(logger),
		Logger:    logger,
		Forums:    []notifier.ForumKind{notifier.ForumAuto, notifier.ForumSemiAuto},
		SendPause: time.Millisecond,
	})
}

func TestRunCycleNoDiscrepancy(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {{
			ID:          "t1",
			Name:        "Cool Game [1.0]",
			JumpURL:     "https://discord.com/channels/1/2/3",
			StarterText: starter("https://f95zone.to/threads/100/", "1.0", "v1"),
			Forum:       notifier.ForumAuto,
		}},
	}}
	source := &fakeSource{versions: map[string]string{"100": "1.0"}}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if got := sender.sent(); len(got) != 0 {
		t.Errorf("expected no alerts, got %d: %v", len(got), got)
	}
}

func TestRunCycleDiscrepancyAlertsOnce(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {{
			ID:          "t1",
			Name:        "Cool Game [1.0]",
			JumpURL:     "https://discord.com/channels/1/2/3",
			StarterText: starter("https://f95zone.to/threads/100/", "1.0", ""),
			Forum:       notifier.ForumAuto,
		}},
	}}
	source := &fakeSource{versions: map[string]string{"100": "1.1"}}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 alert message, got %d", len(got))
	}
	for _, want := range []string{"Cool Game [1.0]", "`1.1`", "`1.0`", "Non renseignée", "Traductions Automatiques"} {
		if !strings.Contains(got[0], want) {
			t.Errorf("alert missing %q:\n%s", want, got[0])
		}
	}

	// Second cycle with the same authoritative version must stay silent.
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	if got := sender.sent(); len(got) != 1 {
		t.Errorf("expected no new alert on repeat cycle, got %d messages", len(got))
	}
}

func TestRunCycleNewVersionAlertsAgain(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {{
			ID:          "t1",
			Name:        "Cool Game",
			StarterText: starter("https://f95zone.to/threads/100/", "1.0", ""),
			Forum:       notifier.ForumAuto,
		}},
	}}
	source := &fakeSource{versions: map[string]string{"100": "1.1"}}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	source.versions["100"] = "1.2"
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("expected a second alert for the new version, got %d messages", len(got))
	}
}

func TestRunCycleUnknownVersion(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumSemiAuto: {{
			ID:          "t1",
			Name:        "Missing Game",
			StarterText: starter("https://f95zone.to/threads/200/", "0.5", ""),
			Forum:       notifier.ForumSemiAuto,
		}},
	}}
	source := &fakeSource{versions: map[string]string{}} // id absent from the response
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if !strings.Contains(got[0], "Version F95 non détectée") || !strings.Contains(got[0], "non détectée") {
		t.Errorf("expected an unknown-version alert:\n%s", got[0])
	}

	// Deduplicated under the reserved token on the next cycle.
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	if got := sender.sent(); len(got) != 1 {
		t.Errorf("expected unknown-version alert to dedupe, got %d messages", len(got))
	}
}

func TestRunCycleSkipsIncompleteStarters(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {
			{ID: "t1", Name: "No Link", StarterText: "**Version du jeu :** 1.0\n", Forum: notifier.ForumAuto},
			{ID: "t2", Name: "No Version", StarterText: starter("https://f95zone.to/threads/300/", "", ""), Forum: notifier.ForumAuto},
		},
	}}
	source := &fakeSource{}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if source.calls != 0 {
		t.Errorf("expected no batch fetch for incomplete starters, got %d calls", source.calls)
	}
}

func TestRunCycleFetchFailureSendsDiagnostic(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {{
			ID:          "t1",
			Name:        "Cool Game",
			StarterText: starter("https://f95zone.to/threads/100/", "1.0", ""),
			Forum:       notifier.ForumAuto,
		}},
	}}
	source := &fakeSource{err: errors.New("connection refused")}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err == nil {
		t.Fatal("expected an error when the version fetch fails")
	}

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("expected exactly one diagnostic message, got %d", len(got))
	}
	if !strings.Contains(got[0], "Nouvelle tentative dans 24h") {
		t.Errorf("diagnostic missing retry notice:\n%s", got[0])
	}
}

func TestRunCycleGuardRejectsConcurrentCycle(t *testing.T) {
	block := make(chan struct{})
	lister := &fakeLister{block: block}
	c := testChecker(t, lister, &fakeSource{}, &fakeSender{})

	done := make(chan error, 1)
	go func() { done <- c.RunCycle(context.Background()) }()

	// Wait until the first cycle holds the guard.
	deadline := time.After(2 * time.Second)
	for c.cycleMu.TryLock() {
		c.cycleMu.Unlock()
		select {
		case <-deadline:
			t.Fatal("first cycle never acquired the guard")
		case <-time.After(time.Millisecond):
		}
	}

	if err := c.RunCycle(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("RunCycle() during another cycle = %v, want ErrAlreadyRunning", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Errorf("first RunCycle() error = %v", err)
	}
}

func TestRunCycleDuplicateIDLastWins(t *testing.T) {
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{
		notifier.ForumAuto: {
			{ID: "t1", Name: "First Claim", StarterText: starter("https://f95zone.to/threads/100/", "1.0", ""), Forum: notifier.ForumAuto},
			{ID: "t2", Name: "Second Claim", StarterText: starter("https://f95zone.to/threads/100/", "1.0", ""), Forum: notifier.ForumAuto},
		},
	}}
	source := &fakeSource{versions: map[string]string{"100": "2.0"}}
	sender := &fakeSender{}

	c := testChecker(t, lister, source, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got := sender.sent()
	if len(got) != 1 {
		t.Fatalf("expected 1 alert message, got %d", len(got))
	}
	if strings.Contains(got[0], "First Claim") || !strings.Contains(got[0], "Second Claim") {
		t.Errorf("expected the last thread to own the id:\n%s", got[0])
	}
}

func TestManualAllowedCooldown(t *testing.T) {
	c := testChecker(t, &fakeLister{}, &fakeSource{}, &fakeSender{})
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if ok, _ := c.ManualAllowed(base); !ok {
		t.Fatal("first manual trigger should be allowed")
	}
	ok, remaining := c.ManualAllowed(base.Add(30 * time.Second))
	if ok {
		t.Fatal("trigger inside the cooldown should be rejected")
	}
	if remaining != 60*time.Second {
		t.Errorf("remaining = %v, want 60s", remaining)
	}
	if ok, _ := c.ManualAllowed(base.Add(91 * time.Second)); !ok {
		t.Error("trigger after the cooldown should be allowed")
	}
}

func TestRunCycleManyAlertsBatched(t *testing.T) {
	var threads []notifier.MonitoredThread
	versions := make(map[string]string)
	for i := range 7 {
		id := fmt.Sprintf("%d", 500+i)
		threads = append(threads, notifier.MonitoredThread{
			ID:          "t" + id,
			Name:        "Game " + id,
			StarterText: starter("https://f95zone.to/threads/"+id+"/", "1.0", ""),
			Forum:       notifier.ForumAuto,
		})
		versions[id] = "2.0"
	}
	lister := &fakeLister{threads: map[notifier.ForumKind][]notifier.MonitoredThread{notifier.ForumAuto: threads}}
	sender := &fakeSender{}

	c := testChecker(t, lister, &fakeSource{versions: versions}, sender)
	if err := c.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	got := sender.sent()
	if len(got) != 2 {
		t.Fatalf("7 alerts should span 2 messages, got %d", len(got))
	}
	if !strings.Contains(got[0], "(5 jeux)") || !strings.Contains(got[1], "(2 jeux)") {
		t.Errorf("unexpected batch headers:\n%s\n---\n%s", got[0], got[1])
	}
}
