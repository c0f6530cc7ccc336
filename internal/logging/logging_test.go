package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("stage", "telemetry")).Warn(context.Background(), "datapath failed",
		Int("index", 1),
		Err(errors.New("boom")),
	)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "datapath failed" {
		t.Fatalf("msg = %v, want datapath failed", line["msg"])
	}
	if line["stage"] != "telemetry" || line["error"] != "boom" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if line["index"] != float64(1) {
		t.Fatalf("index = %v, want 1", line["index"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Error(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("error line missing: %q", out)
	}
}

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRunID returned empty id")
	}
	ctx2, id2 := EnsureRunID(ctx)
	if id2 != id {
		t.Fatalf("second EnsureRunID = %q, want %q", id2, id)
	}
	if RunIDFromContext(ctx2) != id {
		t.Fatalf("RunIDFromContext mismatch")
	}
}

func TestWithRunLoggerNilBase(t *testing.T) {
	ctx, log := WithRunLogger(context.Background(), nil)
	if log == nil {
		t.Fatalf("WithRunLogger returned nil logger")
	}
	if RunIDFromContext(ctx) == "" {
		t.Fatalf("run id not attached")
	}
	log.Info(ctx, "noop")
}
