// Package recorder writes rotating JSONL traces of a verification session:
// raw input batches, window lifecycle, evidence, verified actions, replay
// judgments. Traces exist for tuning the fusion weights against real
// recordings and for postmortem debugging.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const defaultTraceDir = "data/traces"

// Trace entry types.
const (
	TypeRawInput       = "raw_input"
	TypeWindowOpened   = "window_opened"
	TypeWindowClosed   = "window_closed"
	TypeEvidence       = "evidence"
	TypeVerifiedAction = "verified_action"
	TypeJudgment       = "replay_judgment"
	TypeSessionState   = "session_state"
)

// Entry is a single record in a trace file.
type Entry struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder manages rotating trace files, one per verification session.
type Recorder struct {
	basePath string
	maxFiles int

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// New creates a recorder writing under basePath, keeping at most maxFiles
// traces.
func New(basePath string, maxFiles int) (*Recorder, error) {
	if basePath == "" {
		basePath = defaultTraceDir
	}
	if maxFiles <= 0 {
		maxFiles = 3
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath, maxFiles: maxFiles}, nil
}

// Start begins a new trace for a session, rotating old files so only the
// newest traces survive.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log appends one entry to the current trace. A recorder with no open trace
// silently drops entries, so callers never need to guard.
func (r *Recorder) Log(entryType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Entry{
		Timestamp: time.Now(),
		Type:      entryType,
		SessionID: sessionID,
		Data:      data,
	})
}

// rotate keeps only the newest traces, leaving room for the one about to be
// created.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	if len(traces) >= r.maxFiles {
		keep := r.maxFiles - 1
		for i := keep; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(r.basePath, traces[i].Name))
		}
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
