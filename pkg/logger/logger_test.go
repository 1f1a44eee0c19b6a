package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")
	ctx = log.WithAccountID(ctx, "acct-456")
	ctx = log.WithJobID(ctx, "job-789")

	log.Error(ctx, "debit rejected", errors.New("balance too low"))

	for _, field := range []string{`"request_id":"req-123"`, `"account_id":"acct-456"`, `"job_id":"job-789"`} {
		if !bytes.Contains(buf.Bytes(), []byte(field)) {
			t.Fatalf("expected %s in entry %s", field, buf.String())
		}
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := log.WithFields(context.Background(), map[string]any{"env": "test"})
	ctx = log.WithFields(ctx, map[string]any{"addr": ":8080"})
	log.Info(ctx, "starting")

	if !bytes.Contains(buf.Bytes(), []byte(`"env":"test"`)) || !bytes.Contains(buf.Bytes(), []byte(`"addr":":8080"`)) {
		t.Fatalf("expected accumulated fields, got %s", buf.String())
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: zerolog.InfoLevel, Output: buf})

	log.Debug(context.Background(), "poll tick")

	if buf.Len() != 0 {
		t.Fatalf("debug entry should be suppressed, got %s", buf.String())
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("empty level should default to info, got %v", lvl)
	}
	if lvl := ParseLevel("nonsense"); lvl != zerolog.InfoLevel {
		t.Fatalf("unknown level should fall back to info, got %v", lvl)
	}
	if lvl := ParseLevel("WARN"); lvl != zerolog.WarnLevel {
		t.Fatalf("level parsing should be case-insensitive, got %v", lvl)
	}
}
