package suppress

import (
	"testing"
	"time"

	"github.com/linnemanlabs/tripwire/internal/alert"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func compiled(t *testing.T, kind alert.SuppressionKind, id string, match map[string]any, from, to time.Time) *Window {
	t.Helper()
	w := &Window{ID: id, Name: id + "-name", Kind: kind, Match: match, StartsAt: from, EndsAt: to}
	if err := w.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return w
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		RuleID:    "ssh-fail",
		Severity:  "high",
		EventType: "login",
		Attrs:     map[string]any{"host": "web-1", "env": "staging"},
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	silence := compiled(t, alert.KindSilence, "s1", map[string]any{"attrs.host": "web-1"}, t0, t0.Add(time.Hour))
	maint := compiled(t, alert.KindMaintenance, "m1", map[string]any{"attrs.env": "staging"}, t0, t0.Add(2*time.Hour))
	otherSilence := compiled(t, alert.KindSilence, "s2", map[string]any{"alert.severity": "low"}, t0, t0.Add(time.Hour))

	tests := []struct {
		name     string
		src      Static
		now      time.Time
		wantKind alert.SuppressionKind
		wantID   string
	}{
		{"silence before maintenance", Static{Silence: []*Window{silence}, Maintenance: []*Window{maint}}, t0.Add(time.Minute), alert.KindSilence, "s1"},
		{"maintenance when silence ended", Static{Silence: []*Window{silence}, Maintenance: []*Window{maint}}, t0.Add(90 * time.Minute), alert.KindMaintenance, "m1"},
		{"non-matching silence skipped", Static{Silence: []*Window{otherSilence}, Maintenance: []*Window{maint}}, t0, alert.KindMaintenance, "m1"},
		{"inclusive end", Static{Silence: []*Window{silence}}, t0.Add(time.Hour), alert.KindSilence, "s1"},
		{"before start", Static{Silence: []*Window{silence}}, t0.Add(-time.Second), "", ""},
		{"after everything", Static{Silence: []*Window{silence}, Maintenance: []*Window{maint}}, t0.Add(3 * time.Hour), "", ""},
		{"no windows", Static{}, t0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewEvaluator(tt.src).Evaluate(testAlert(), tt.now)
			if tt.wantID == "" {
				if got != nil {
					t.Fatalf("got %+v, want nil", got)
				}
				return
			}
			if got == nil || got.Kind != tt.wantKind || got.ID != tt.wantID || got.Name != tt.wantID+"-name" {
				t.Fatalf("got %+v, want %s/%s", got, tt.wantKind, tt.wantID)
			}
		})
	}
}

func TestWindow_AlertFields(t *testing.T) {
	t.Parallel()

	w := compiled(t, alert.KindSilence, "s", map[string]any{
		"alert.rule_id":  "ssh-fail",
		"alert.severity": map[string]any{"$in": []any{"high", "critical"}},
	}, t0, t0.Add(time.Hour))
	if !w.Matches(testAlert(), t0) {
		t.Error("expected match on alert fields")
	}
}

func TestWindow_CompileRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w    Window
	}{
		{"missing id", Window{StartsAt: t0, EndsAt: t0.Add(time.Hour)}},
		{"missing bounds", Window{ID: "x"}},
		{"inverted", Window{ID: "x", StartsAt: t0, EndsAt: t0.Add(-time.Hour)}},
		{"bad predicate", Window{ID: "x", StartsAt: t0, EndsAt: t0.Add(time.Hour), Match: map[string]any{"a": map[string]any{"$regex": "["}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := tt.w
			if err := w.Compile(); err == nil {
				t.Fatal("expected error")
			}
			if w.Matches(testAlert(), t0) {
				t.Error("rejected window must not match")
			}
		})
	}
}
