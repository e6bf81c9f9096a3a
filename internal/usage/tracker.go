// Package usage records per-LLM-call token consumption in a capped JSON
// file. The file is advisory telemetry: a torn or unreadable file resets the
// history instead of failing the daemon.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxRecords bounds usage.json; the oldest records fall off first.
const maxRecords = 1000

// Record is one completed LLM call.
type Record struct {
	At               time.Time `json:"at"`
	RunID            string    `json:"runId,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	DurationMs       int64     `json:"durationMs"`
}

// Totals aggregates the retained window.
type Totals struct {
	Calls            int            `json:"calls"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
	ByModel          map[string]int `json:"byModel"` // model -> total tokens
}

// Tracker persists records write-through.
type Tracker struct {
	mu      sync.Mutex
	path    string
	records []Record
}

func Open(path string) (*Tracker, error) {
	t := &Tracker{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage file: %w", err)
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		slog.Warn("usage file unreadable, starting fresh", "path", path, "error", err)
		t.records = nil
	}
	if len(t.records) > maxRecords {
		t.records = t.records[len(t.records)-maxRecords:]
	}
	return t, nil
}

// Add appends one record and persists. Records beyond the cap are dropped
// oldest-first.
func (t *Tracker) Add(rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	if len(t.records) > maxRecords {
		t.records = t.records[len(t.records)-maxRecords:]
	}
	return t.saveLocked()
}

// Recent returns up to n records, newest first. n <= 0 returns everything.
func (t *Tracker) Recent(n int) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.records)
	if n > 0 && n < count {
		count = n
	}
	out := make([]Record, count)
	for i := 0; i < count; i++ {
		out[i] = t.records[len(t.records)-1-i]
	}
	return out
}

// Totals aggregates every retained record.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals := Totals{ByModel: make(map[string]int)}
	for _, r := range t.records {
		totals.Calls++
		totals.PromptTokens += r.PromptTokens
		totals.CompletionTokens += r.CompletionTokens
		totals.TotalTokens += r.TotalTokens
		totals.ByModel[r.Model] += r.TotalTokens
	}
	return totals
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "usage-*.tmp")
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save usage: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save usage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save usage: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}
