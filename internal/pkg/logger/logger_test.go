package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "json")
	l.Info().Str("delivery_id", "dlv_1").Msg("delivered")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["delivery_id"] != "dlv_1" {
		t.Errorf("delivery_id = %v, want dlv_1", entry["delivery_id"])
	}
	if entry["message"] != "delivered" {
		t.Errorf("message = %v, want delivered", entry["message"])
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "text")
	l.Warn().Msg("retry scheduled")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("expected console output, got JSON: %q", out)
	}
	if !strings.Contains(out, "retry scheduled") {
		t.Errorf("output %q does not contain message", out)
	}
}
