package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("bitloss", "debug", "json", &buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "user-1")
	logger.WithContext(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["trace_id"] != "trace-1" {
		t.Errorf("trace_id = %v, want trace-1", line["trace_id"])
	}
	if line["user_id"] != "user-1" {
		t.Errorf("user_id = %v, want user-1", line["user_id"])
	}
	if line["service"] != "bitloss" {
		t.Errorf("service = %v, want bitloss", line["service"])
	}
}

func TestLogRequestLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "info"},
		{404, "warning"},
		{503, "error"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewWithOutput("bitloss", "debug", "json", &buf)
		logger.LogRequest(context.Background(), "GET", "/feed", tt.status, 5*time.Millisecond)

		var line map[string]any
		if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
			t.Fatalf("unmarshal log line: %v", err)
		}
		if line["level"] != tt.level {
			t.Errorf("status %d: level = %v, want %s", tt.status, line["level"], tt.level)
		}
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := New("bitloss", "loud", "text")
	if got := logger.GetLevel().String(); got != "info" {
		t.Errorf("level = %s, want info", got)
	}
}

func TestEmptyContextValues(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	if GetTraceID(ctx) != "" {
		t.Error("empty trace id should not be stored")
	}
	if GetUserID(context.Background()) != "" {
		t.Error("GetUserID on bare context should be empty")
	}
}
