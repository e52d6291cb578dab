package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo || cfg.Pretty || cfg.Output == nil {
		t.Errorf("DefaultConfig() = %+v, want info level, JSON, non-nil output", cfg)
	}
}

func TestSetup_LevelThreshold(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
		drop  []string
	}{
		{LevelDebug, []string{"planned", "fetched", "retrying", "blocked"}, nil},
		{LevelInfo, []string{"fetched", "retrying", "blocked"}, []string{"planned"}},
		{LevelWarn, []string{"retrying", "blocked"}, []string{"planned", "fetched"}},
		{LevelError, []string{"blocked"}, []string{"planned", "fetched", "retrying"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			var buf bytes.Buffer
			logger := Setup(Config{Level: tt.level, Output: &buf})

			logger.Debug().Msg("planned")
			logger.Info().Msg("fetched")
			logger.Warn().Msg("retrying")
			logger.Error().Msg("blocked")

			out := buf.String()
			for _, msg := range tt.want {
				if !strings.Contains(out, msg) {
					t.Errorf("output missing %q at %s: %q", msg, tt.level, out)
				}
			}
			for _, msg := range tt.drop {
				if strings.Contains(out, msg) {
					t.Errorf("output has %q at %s", msg, tt.level)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestToZerolog(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if result := toZerolog(tt.input); result != tt.expected {
				t.Errorf("toZerolog(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger_ComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: LevelInfo, Output: &buf})

	NewLogger("scheduler").Info().
		Str(FieldRunID, "r-1").
		Int(FieldBatch, 2).
		Str(FieldState, "FETCHING").
		Msg("Item fetched")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]any{
		"component": "scheduler",
		FieldRunID:  "r-1",
		FieldBatch:  float64(2),
		FieldState:  "FETCHING",
		"message":   "Item fetched",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestSetup_Pretty(t *testing.T) {
	var buf bytes.Buffer
	Setup(Config{Level: LevelInfo, Pretty: true, Output: &buf})
	NewLogger("walker").Info().Msg("Page fetched")

	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("pretty output looks like JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "Page fetched") {
		t.Errorf("pretty output = %q", buf.String())
	}
}
