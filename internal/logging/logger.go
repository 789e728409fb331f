// Package logging provides leveled logging and run journaling for acoupipe.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A Journal of structured JSONL run events written next to the dataset
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug. At this level every sample
// and every sampler draw is logged.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "error", "warn", "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Components use it when
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// JournalFile is the journal's file name inside a dataset directory.
const JournalFile = "journal.jsonl"

// Journal writes run events (start, finish, skipped samples) as JSONL.
// It is safe for concurrent use. A nil Journal is safe to use;
// all methods are no-ops on nil receiver.
type Journal struct {
	mu    sync.Mutex
	w     io.Writer
	c     io.Closer
	runID string
}

// NewJournal opens dir/journal.jsonl for append.
func NewJournal(dir, runID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, JournalFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{w: f, c: f, runID: runID}, nil
}

// NewJournalWriter journals to w. Close does not close w.
func NewJournalWriter(w io.Writer, runID string) *Journal {
	return &Journal{w: w, runID: runID}
}

// RunID returns the run identifier stamped on every event.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Log writes an event as a single JSONL line. "time", "run" and "event"
// fields are added. The caller's map is not mutated.
// Safe to call on nil receiver.
func (j *Journal) Log(event string, fields map[string]any) {
	if j == nil || j.w == nil {
		return
	}

	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["run"] = j.runID
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.w.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (j *Journal) Close() {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.c != nil {
		j.c.Close()
	}
	j.w = nil
	j.c = nil
}
