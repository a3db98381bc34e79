package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/maestro/internal/events"
)

func TestRunLogger_WritesPerRunFile(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	defer bus.Close()

	logger := NewRunLogger(dir, bus)
	defer logger.Close()

	bus.Publish(events.NewTypedEventWithRun(events.SourceRunner, events.RunStartedPayload{
		Query:  "hello",
		Skills: []string{"a"},
	}, "run-42"))

	path := filepath.Join(dir, "run-42.jsonl")
	waitForFile(t, path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))

	var e events.Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("invalid JSONL line %q: %v", line, err)
	}
	if e.Type != events.EventRunStarted {
		t.Errorf("type = %s", e.Type)
	}
	if e.RunID != "run-42" {
		t.Errorf("run id = %s", e.RunID)
	}
}

func TestRunLogger_GlobalFileWithoutRunID(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	defer bus.Close()

	logger := NewRunLogger(dir, bus)
	defer logger.Close()

	bus.Publish(events.NewTypedEvent(events.SourceRunner, events.RunStartedPayload{Query: "q"}))

	waitForFile(t, filepath.Join(dir, "_global.jsonl"))
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s was not written", path)
}
