package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LogOpts{JSON: true, Service: "relay"})
	log.Debug("hidden")
	log.Info("shown", "rId", "r1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if 1 != len(lines) {
		t.Fatalf("failed record count control, got %d", len(lines))
	}
	var rec map[string]any
	err := json.Unmarshal([]byte(lines[0]), &rec)
	if nil != err {
		t.Fatalf("failed json.Unmarshal, got error %v", err)
	}
	if "relay" != rec["service"] || "r1" != rec["rId"] || "shown" != rec["msg"] {
		t.Errorf("failed record control, got %v", rec)
	}
}

func TestNewLoggerDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, LogOpts{Debug: true})
	log.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("failed debug record control, got %q", buf.String())
	}
}

func TestWithLogAttrs(t *testing.T) {
	var buf bytes.Buffer
	ctx := SetObservability(context.Background(), &Observability{Logger: NewLogger(&buf, LogOpts{})})
	ctx = WithLogAttrs(ctx, "account", "a1")
	GetObservability(ctx).Log().Info("tagged")
	if !strings.Contains(buf.String(), "account=a1") {
		t.Errorf("failed attribute control, got %q", buf.String())
	}
}

func TestNoopLogger(t *testing.T) {
	if NoopLogger().Enabled(context.Background(), slog.LevelError) {
		t.Error("NoopLogger is enabled")
	}
}
