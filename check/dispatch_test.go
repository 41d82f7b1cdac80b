package check

import (
	"strings"
	"testing"

	"f95fr-notifier/pkg/notifier"
)

func TestGroupAlerts(t *testing.T) {
	alerts := []notifier.Alert{
		{ThreadName: "a", Forum: notifier.ForumSemiAuto, F95Version: "1.0"},
		{ThreadName: "b", Forum: notifier.ForumAuto},
		{ThreadName: "c", Forum: notifier.ForumAuto, F95Version: "2.0"},
		{ThreadName: "d", Forum: notifier.ForumAuto, F95Version: "3.0"},
	}

	groups := groupAlerts(alerts)
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3", len(groups))
	}

	// Auto before semi-auto, known versions before unknown.
	if groups[0].forum != notifier.ForumAuto || !groups[0].versionKnown || len(groups[0].alerts) != 2 {
		t.Errorf("groups[0] = %+v, want auto/known with 2 alerts", groups[0])
	}
	if groups[1].forum != notifier.ForumAuto || groups[1].versionKnown || groups[1].alerts[0].ThreadName != "b" {
		t.Errorf("groups[1] = %+v, want auto/unknown with alert b", groups[1])
	}
	if groups[2].forum != notifier.ForumSemiAuto || !groups[2].versionKnown {
		t.Errorf("groups[2] = %+v, want semi-auto/known", groups[2])
	}
}

func TestBatchAlerts(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  []int
	}{
		{name: "empty", count: 0, want: nil},
		{name: "under limit", count: 3, want: []int{3}},
		{name: "exact limit", count: 5, want: []int{5}},
		{name: "one over", count: 6, want: []int{5, 1}},
		{name: "two full plus rest", count: 12, want: []int{5, 5, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := make([]notifier.Alert, tt.count)
			batches := batchAlerts(alerts, alertsPerMessage)
			if len(batches) != len(tt.want) {
				t.Fatalf("len(batches) = %d, want %d", len(batches), len(tt.want))
			}
			for i, size := range tt.want {
				if len(batches[i]) != size {
					t.Errorf("batch %d has %d alerts, want %d", i, len(batches[i]), size)
				}
			}
		})
	}
}

func TestRenderBatchKnownVersion(t *testing.T) {
	got := renderBatch(notifier.ForumAuto, true, []notifier.Alert{{
		ThreadName:         "Cool Game [Ch.7]",
		ThreadURL:          "https://discord.com/channels/1/2/3",
		F95Version:         "Ch.8",
		DeclaredVersion:    "Ch.7",
		TranslationVersion: "v1.0",
	}})

	for _, want := range []string{
		"🚨 **Mises à jour détectées : Traductions Automatiques** (1 jeu)",
		"**Cool Game [Ch.7]**",
		"├ Version F95 : `Ch.8`",
		"├ Version du poste : `Ch.7`",
		"├ Version traduction : `v1.0`",
		"└ Lien : https://discord.com/channels/1/2/3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("renderBatch() missing %q:\n%s", want, got)
		}
	}
}

func TestRenderBatchUnknownVersionDefaults(t *testing.T) {
	got := renderBatch(notifier.ForumSemiAuto, false, []notifier.Alert{{
		ThreadName:      "Mystery Game",
		DeclaredVersion: "0.3",
	}})

	for _, want := range []string{
		"⚠️ **Version F95 non détectée : Traductions Semi-Automatiques** (1 jeu)",
		"├ Version F95 : `non détectée`",
		"├ Version traduction : `Non renseignée`",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("renderBatch() missing %q:\n%s", want, got)
		}
	}
}
