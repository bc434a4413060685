package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestStructuredOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("upload complete", "bucket", "media", "size", 1024)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "upload complete" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["bucket"] != "media" {
		t.Errorf("bucket = %v", record["bucket"])
	}
	if record["size"] != float64(1024) {
		t.Errorf("size = %v", record["size"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "json", false)

	Debug("dropped")
	Info("dropped too")
	Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("below-threshold lines leaked:\n%s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing:\n%s", out)
	}
}

func TestSetLevel_IgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	SetLevel("VERBOSE")

	Info("still info")
	if !strings.Contains(buf.String(), "still info") {
		t.Error("invalid level must not change the threshold")
	}
}

func TestContextFields_PrependedToOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	ctx := NewRequestContext(context.Background(), "corr-42", "abc123", "audio", 3)
	InfoCtx(ctx, "handling request")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if record[KeyCorrelationID] != "corr-42" {
		t.Errorf("correlation_id = %v", record[KeyCorrelationID])
	}
	if record[KeyContentKey] != "abc123" {
		t.Errorf("content_key = %v", record[KeyContentKey])
	}
	if record[KeyIntent] != "audio" {
		t.Errorf("intent = %v", record[KeyIntent])
	}
	if record[KeyAttempt] != float64(3) {
		t.Errorf("attempt = %v", record[KeyAttempt])
	}
}

func TestContextFields_NoContextAttached(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	InfoCtx(context.Background(), "no log context")

	if !strings.Contains(buf.String(), "no log context") {
		t.Error("logging without a LogContext must still emit the line")
	}
	if strings.Contains(buf.String(), KeyCorrelationID) {
		t.Error("no correlation field expected without a LogContext")
	}
}

func TestTextFormat_ContainsMessage(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("eviction pass", "removed", 2)

	out := buf.String()
	if !strings.Contains(out, "eviction pass") {
		t.Errorf("text output missing message:\n%s", out)
	}
	if !strings.Contains(out, "removed=2") {
		t.Errorf("text output missing attribute:\n%s", out)
	}
}
