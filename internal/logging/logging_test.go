package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "prod", "debug")
	logger.Debug().Str("schedule_id", "abc").Msg("booking")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if entry["schedule_id"] != "abc" || entry["message"] != "booking" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNewWithWriter_LevelFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "prod", "not-a-level")
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at default info level, got %q", buf.String())
	}
	logger.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Error("info should be written")
	}
}
