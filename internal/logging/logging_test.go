package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("volume")
	logger.Info().Msg("mounted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["component"] != "volume" {
		t.Fatalf("component = %v, want volume", entry["component"])
	}
	if entry["message"] != "mounted" {
		t.Fatalf("message = %v, want mounted", entry["message"])
	}
}

func TestWithVolumeAddsVolumeField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.InfoLevel, JSONOutput: true, Output: &buf})

	logger := WithVolume(WithComponent("volume"), "system-packages")
	logger.Info().Msg("activated")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["volume"] != "system-packages" {
		t.Fatalf("volume = %v, want system-packages", entry["volume"])
	}
}

func TestDebugBelowGlobalLevelIsDropped(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: zerolog.InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("volume").Debug().Msg("should not appear")

	if buf.Len() != 0 {
		t.Fatalf("expected no output below the global level, got %q", buf.String())
	}
}
