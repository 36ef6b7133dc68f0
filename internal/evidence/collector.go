// Package evidence gathers independent observations about a closed action
// window. Each collector watches one channel (DOM structure, rendered pixels,
// or the application's authoritative state API) and reports what it saw with
// a source-specific confidence. Collectors never see each other's output;
// weighing them against each other is the fusion engine's job.
package evidence

import (
	"context"
	"time"

	"lessonlens-server/internal/action"
)

// Collector produces one evidence record per closed action window.
type Collector interface {
	// Source identifies which evidence channel this collector feeds.
	Source() action.EvidenceSource

	// WindowOpened is called when a new action window opens, before any of
	// the window's effects have landed. Collectors that diff before/after
	// snapshots capture their baseline here. Must be cheap; it runs on the
	// input path.
	WindowOpened(ctx context.Context, w *action.ActionWindow) error

	// Collect runs after the window closes and returns what this channel
	// observed. An error means the channel produced no usable evidence for
	// this window; fusion proceeds without it.
	Collect(ctx context.Context, w *action.ActionWindow) (*action.EvidenceRecord, error)
}

// CollectAll runs every collector against a closed window concurrently and
// returns whatever evidence arrived before the deadline. Failed or late
// collectors simply leave their slot empty.
func CollectAll(ctx context.Context, collectors []Collector, w *action.ActionWindow, deadline time.Duration) action.EvidenceSet {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		source action.EvidenceSource
		rec    *action.EvidenceRecord
	}
	results := make(chan result, len(collectors))

	for _, c := range collectors {
		go func(c Collector) {
			rec, err := c.Collect(ctx, w)
			if err != nil {
				results <- result{source: c.Source()}
				return
			}
			results <- result{source: c.Source(), rec: rec}
		}(c)
	}

	var set action.EvidenceSet
	for range collectors {
		var r result
		select {
		case r = <-results:
		case <-ctx.Done():
			return set
		}
		if r.rec == nil {
			continue
		}
		switch r.source {
		case action.SourceStructural:
			set.Structural = r.rec
		case action.SourceVisual:
			set.Visual = r.rec
		case action.SourceState:
			set.State = r.rec
		}
	}
	return set
}
