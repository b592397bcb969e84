package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitDefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Stderr: &buf})

	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")

	out := buf.String()
	if strings.Contains(out, "debug msg") {
		t.Error("debug should be suppressed without Verbose")
	}
	if strings.Contains(out, "info msg") {
		t.Error("info should be suppressed without Verbose")
	}
	if !strings.Contains(out, "warn msg") {
		t.Error("warn should always be emitted")
	}
}

func TestInitVerbose(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Verbose: true, Stderr: &buf})

	Debug("debug msg")
	if !strings.Contains(buf.String(), "debug msg") {
		t.Error("debug should be emitted with Verbose")
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{JSONFormat: true, Stderr: &buf})

	Warn("warn msg", "package", "@scope/pkg")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "warn msg" {
		t.Errorf("msg = %v, want %q", record["msg"], "warn msg")
	}
	if record["package"] != "@scope/pkg" {
		t.Errorf("package = %v, want %q", record["package"], "@scope/pkg")
	}
}

func TestNonFileWriterDefaultsToText(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Stderr: &buf})

	Warn("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("non-file writer should get text output unless JSONFormat is set")
	}
}
