package event

import (
	"errors"
	"testing"
	"time"
)

func TestNormalize_FlattensAttrs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := []byte(`{"id":"e-1","type":"login","attrs":{"source":"10.0.0.1","net":{"port":22,"proto":"tcp"},"ok":false,"tags":["a","b"],"note":null}}`)

	ev, err := Normalize(raw, now)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.ID != "e-1" {
		t.Errorf("ID = %q, want %q", ev.ID, "e-1")
	}
	if ev.Type != "login" {
		t.Errorf("Type = %q, want %q", ev.Type, "login")
	}
	if !ev.ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", ev.ReceivedAt, now)
	}

	tests := []struct {
		path string
		want any
	}{
		{"attrs.source", "10.0.0.1"},
		{"source", "10.0.0.1"},
		{"attrs.net.port", float64(22)},
		{"net.proto", "tcp"},
		{"ok", false},
		{"type", "login"},
		{"id", "e-1"},
	}
	for _, tt := range tests {
		got, ok := ev.Lookup(tt.path)
		if !ok {
			t.Errorf("Lookup(%q) not found", tt.path)
			continue
		}
		if got != tt.want {
			t.Errorf("Lookup(%q) = %v (%T), want %v (%T)", tt.path, got, got, tt.want, tt.want)
		}
	}

	tags, ok := ev.Lookup("tags")
	if !ok {
		t.Fatal("tags not found")
	}
	if arr, ok := tags.([]any); !ok || len(arr) != 2 {
		t.Errorf("tags = %#v, want 2-element slice", tags)
	}

	if v, ok := ev.Lookup("note"); !ok || v != nil {
		t.Errorf("Lookup(note) = %v, %v; want nil, true", v, ok)
	}
}

func TestNormalize_EntityUpsertWithoutAttrs(t *testing.T) {
	t.Parallel()

	ev, err := Normalize([]byte(`{"type":"host","hostname":"db-1","os":{"family":"linux"}}`), time.Now())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected generated ID")
	}
	if v, _ := ev.Lookup("hostname"); v != "db-1" {
		t.Errorf("hostname = %v, want db-1", v)
	}
	if v, _ := ev.Lookup("attrs.os.family"); v != "linux" {
		t.Errorf("os.family = %v, want linux", v)
	}
	if _, ok := ev.Attrs["type"]; ok {
		t.Error("type leaked into attrs")
	}
}

func TestNormalize_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{bad`, ErrInvalidDocument},
		{"array", `[1,2]`, ErrInvalidDocument},
		{"missing type", `{"attrs":{"a":1}}`, ErrMissingType},
		{"empty type", `{"type":""}`, ErrMissingType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize([]byte(tt.raw), time.Now())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNew_FlattensNestedMaps(t *testing.T) {
	t.Parallel()

	ev := New("", "proc", map[string]any{
		"user": map[string]any{"name": "root", "uid": 0},
		"cmd":  "bash",
	}, time.Now())

	if v, _ := ev.Lookup("user.name"); v != "root" {
		t.Errorf("user.name = %v, want root", v)
	}
	if v, _ := ev.Lookup("attrs.cmd"); v != "bash" {
		t.Errorf("cmd = %v, want bash", v)
	}
	if _, ok := ev.Lookup("user"); ok {
		t.Error("nested map should not be addressable as a whole")
	}
}

func TestLookup_Missing(t *testing.T) {
	t.Parallel()

	ev := &Event{Attrs: map[string]any{}}
	if _, ok := ev.Lookup("type"); ok {
		t.Error("empty type should not resolve")
	}
	if _, ok := ev.Lookup("attrs.nope"); ok {
		t.Error("missing attr should not resolve")
	}
}
