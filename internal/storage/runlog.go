// Package storage persists run history: a sqlite store for run results and a
// JSONL event log per run.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dohr-michael/maestro/internal/events"
)

// RunLogger persists bus events to JSONL files organized by run.
type RunLogger struct {
	dir         string
	bus         *events.Bus
	unsubscribe func()
}

// NewRunLogger creates a RunLogger that subscribes to all bus events and
// writes them as JSONL to dir, one file per run.
func NewRunLogger(dir string, bus *events.Bus) *RunLogger {
	rl := &RunLogger{
		dir: dir,
		bus: bus,
	}
	rl.unsubscribe = bus.Subscribe(rl.handleEvent)
	return rl
}

// Close unsubscribes the logger from the event bus.
func (rl *RunLogger) Close() {
	if rl.unsubscribe != nil {
		rl.unsubscribe()
	}
}

func (rl *RunLogger) handleEvent(e events.Event) {
	_ = rl.writeEvent(e)
}

func (rl *RunLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	path := rl.logPath(e.RunID)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

func (rl *RunLogger) logPath(runID string) string {
	if runID == "" {
		return filepath.Join(rl.dir, "_global.jsonl")
	}
	return filepath.Join(rl.dir, runID+".jsonl")
}
