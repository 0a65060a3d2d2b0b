package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"TRACE", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNopAndZeroLoggers(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
	// Must not panic.
	zero.Info("ignored")
	zero.With(String("k", "v")).Warn("ignored")

	n := Nop()
	if n.IsZero() {
		t.Fatalf("Nop logger is usable, not zero")
	}
	n.Error("ignored", Err(nil))
}

func TestWithDoesNotMutateParent(t *testing.T) {
	parent := NewConsole("ERROR")
	child := parent.With(String("comp", "child"))
	if len(parent.fields) != 0 {
		t.Fatalf("With must not mutate the parent, got %d fields", len(parent.fields))
	}
	if len(child.fields) != 1 {
		t.Fatalf("child should carry one field, got %d", len(child.fields))
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	svc, log := New(Config{Level: "ERROR", Console: false})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled at ERROR")
	}
	svc.Apply(Config{Level: "DEBUG", Console: false})
	if !log.Enabled(LevelDebug) {
		t.Fatalf("loggers from the service must observe Apply")
	}
}
