package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	a := &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Live:   LiveConfig{Provider: "gemini", Model: "m"},
	}
	b := &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Live:   LiveConfig{Provider: "gemini", Model: "m"},
	}

	d := Diff(a, b)
	if d.LogLevelChanged || d.RestartRequired {
		t.Errorf("Diff of identical configs = %+v; want zero diff", d)
	}
}

func TestDiff_LogLevelChange(t *testing.T) {
	a := &Config{Server: ServerConfig{LogLevel: LogInfo}}
	b := &Config{Server: ServerConfig{LogLevel: LogDebug}}

	d := Diff(a, b)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false; want true")
	}
	if d.NewLogLevel != LogDebug {
		t.Errorf("NewLogLevel = %q; want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("a log level change alone must not require restart")
	}
}

func TestDiff_LiveChangeRequiresRestart(t *testing.T) {
	a := &Config{Live: LiveConfig{Provider: "gemini", Voice: "Aoede"}}
	b := &Config{Live: LiveConfig{Provider: "gemini", Voice: "Puck"}}

	if d := Diff(a, b); !d.RestartRequired {
		t.Error("RestartRequired = false; want true for a live transport change")
	}
}

func TestDiff_SessionChangeRequiresRestart(t *testing.T) {
	a := &Config{Session: SessionConfig{FailedRetryDelay: time.Second}}
	b := &Config{Session: SessionConfig{FailedRetryDelay: 2 * time.Second}}

	if d := Diff(a, b); !d.RestartRequired {
		t.Error("RestartRequired = false; want true for a session tunable change")
	}
}
