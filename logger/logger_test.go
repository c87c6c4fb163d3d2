package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func captureOutput(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevLevel := GetLevel()
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel(prevLevel)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, WARN)

	Debug("test", "hidden %d", 1)
	Info("test", "hidden %d", 2)
	Warn("test", "shown %d", 3)
	Error("", "shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Messages below WARN should be dropped, got:\n%s", out)
	}
	if !strings.Contains(out, "[test WARN ] shown 3") {
		t.Errorf("Missing prefixed warn line, got:\n%s", out)
	}
	if !strings.Contains(out, "[ERROR] shown 4") {
		t.Errorf("Missing unprefixed error line, got:\n%s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "debug")
	if got := LevelFromEnv(ERROR); got != DEBUG {
		t.Errorf("LevelFromEnv = %v, want DEBUG", got)
	}
	t.Setenv(EnvLevel, "")
	if got := LevelFromEnv(ERROR); got != ERROR {
		t.Errorf("LevelFromEnv fallback = %v, want ERROR", got)
	}
}

func TestDebugJSONUsesProtojson(t *testing.T) {
	buf := captureOutput(t, DEBUG)

	DebugJSON("test", "message", wrapperspb.Int64(42))

	if !strings.Contains(buf.String(), `"42"`) {
		t.Errorf("Expected protojson int64 rendering, got:\n%s", buf.String())
	}
}

func TestShort(t *testing.T) {
	if got := Short("E88002B2-3A05"); got != "E88002B2" {
		t.Errorf("Short = %q", got)
	}
	if got := Short("abc"); got != "abc" {
		t.Errorf("Short = %q", got)
	}
}
