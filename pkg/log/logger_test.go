package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(DebugLevel), WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.With(Component("fetcher")).Info("fetched", Str("topic", "http://a/"), Int("entries", 3))

	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if m["msg"] != "fetched" || m["component"] != "fetcher" || m["topic"] != "http://a/" {
		t.Fatalf("unexpected entry: %v", m)
	}
	if m["level"] != "INFO" {
		t.Fatalf("level: %v", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("filtering broken: %q", buf.String())
	}
	l.SetLevel(DebugLevel)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("SetLevel not applied")
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(WithLevel(ErrorLevel), WithOutput(NewWriterOutput(&buf)))
	child := root.WithComponent("x")
	root.SetLevel(DebugLevel)
	child.Debug("child debug")
	if !strings.Contains(buf.String(), "child debug") {
		t.Fatalf("child did not observe parent level change")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestApplyConfigRedacts(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "info", Format: "json", Output: "null", Redact: []string{"verify_token"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	bl := l.(*BaseLogger)
	var buf bytes.Buffer
	bl.outputs = []Output{NewWriterOutput(&buf)}
	l.Info("subscribe", Str("verify_token", "secret"))
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("redaction failed: %q", buf.String())
	}
}

func TestSampler(t *testing.T) {
	s := newSampler(2, 3)
	var allowed int
	for i := 0; i < 8; i++ {
		if s.allow(0, "m") {
			allowed++
		}
	}
	// 2 initial, then indices 2,5 of the remainder
	if allowed != 4 {
		t.Fatalf("allowed=%d", allowed)
	}
}
