package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})
	if log.Logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.Logger.GetLevel())
	}
	if _, ok := log.Logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", log.Logger.Formatter)
	}

	fallback := New(LoggingConfig{Level: "loud"})
	if fallback.Logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", fallback.Logger.GetLevel())
	}
}

func TestWithComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "info", Format: "json"})
	log.Logger.SetOutput(&buf)

	log.WithComponent("session").WithFields(map[string]interface{}{"state": "BOUND"}).Info("state changed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["component"] != "session" || entry["state"] != "BOUND" {
		t.Fatalf("unexpected fields: %v", entry)
	}
}
