// Package factlog keeps a queryable deductive record of everything the
// verification pipeline decides: evidence records, verified actions, window
// lifecycle and session state transitions, mirrored as Datalog facts. Rules
// loaded from the schema (or added at runtime) derive higher-level facts,
// such as repeated failures on the same element.
package factlog

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"lessonlens-server/internal/action"
	"lessonlens-server/internal/config"
)

// Fact is one normalized entry in the log.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Base predicates recorded by the pipeline.
const (
	PredEvidence     = "evidence_record" // evidence_record(Session, Window, Source, ChangeFound, Confidence)
	PredVerified     = "verified_action" // verified_action(Session, Window, Seq, Status, Confidence)
	PredWindowClosed = "window_closed"   // window_closed(Session, Window, EventCount)
	PredSessionState = "session_state"   // session_state(Session, From, To)
	PredRawInput     = "raw_input_event" // raw_input_event(Session, Type, Target)
	PredHover        = "hover_event"     // hover_event(Session, Label)
)

// lowValuePredicates may be sampled away under buffer pressure. Verification
// outcomes and lifecycle facts are never sampled.
func lowValuePredicates() map[string]bool {
	return map[string]bool{
		PredRawInput: true, // every keystroke and click lands here
		PredHover:    true, // pointer noise
	}
}

// Log wraps the Mangle deductive database with pipeline-specific fact
// management.
type Log struct {
	cfg          config.FactsConfig
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// Temporal ring buffer plus a per-predicate index into it.
	facts []Fact
	index map[string][]int

	samplingRate float64
	lowValue     map[string]bool

	subMu         sync.RWMutex
	subscriptions map[string][]chan WatchEvent
}

// WatchEvent is emitted when a watched predicate derives new facts.
type WatchEvent struct {
	Predicate string    `json:"predicate"`
	Facts     []Fact    `json:"facts"`
	Timestamp time.Time `json:"timestamp"`
}

func New(cfg config.FactsConfig) (*Log, error) {
	l := &Log{
		cfg:           cfg,
		facts:         make([]Fact, 0, cfg.FactBufferLimit),
		index:         make(map[string][]int),
		store:         factstore.NewSimpleInMemoryStore(),
		samplingRate:  1.0,
		lowValue:      lowValuePredicates(),
		subscriptions: make(map[string][]chan WatchEvent),
	}

	if cfg.Enable && cfg.SchemaPath != "" {
		if err := l.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// LoadSchema parses and analyzes a Mangle schema file.
func (l *Log) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.programInfo = programInfo
	l.schemaLoaded = true
	return nil
}

// AddRule adds a Mangle rule at runtime, so a coach can assert lesson-specific
// derivations without restarting the server.
func (l *Log) AddRule(ruleSource string) error {
	if !l.cfg.Enable {
		return nil
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existingDecls := make(map[ast.PredicateSym]ast.Decl)
	if l.programInfo != nil && l.programInfo.Decls != nil {
		for k, v := range l.programInfo.Decls {
			if v != nil {
				existingDecls[k] = *v
			}
		}
	}

	newProgramInfo, err := analysis.AnalyzeOneUnit(sourceUnit, existingDecls)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if l.programInfo == nil {
		l.programInfo = newProgramInfo
	} else {
		for k, v := range newProgramInfo.Decls {
			l.programInfo.Decls[k] = v
		}
	}
	return nil
}

// AddFacts appends facts to the temporal buffer and the Mangle store, then
// re-evaluates rules. Low-value facts may be sampled away under pressure.
func (l *Log) AddFacts(ctx context.Context, facts []Fact) error {
	if !l.cfg.Enable {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.updateSamplingRate()

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if l.shouldAccept(f) {
			filtered = append(filtered, f)
		}
	}

	baseIdx := len(l.facts)
	l.facts = append(l.facts, filtered...)
	if l.cfg.FactBufferLimit > 0 && len(l.facts) > l.cfg.FactBufferLimit {
		trim := len(l.facts) - l.cfg.FactBufferLimit
		l.facts = l.facts[trim:]
		l.rebuildIndex()
	} else {
		for i, f := range filtered {
			l.index[f.Predicate] = append(l.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range filtered {
		atom, err := factToAtom(f)
		if err != nil {
			continue
		}
		l.store.Add(atom)
	}

	if l.schemaLoaded && l.programInfo != nil {
		if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
		l.notifyWatchers()
	}
	return nil
}

// Typed recorders used by the session coordinator. They keep the predicate
// shapes in one place.

func (l *Log) RecordEvidence(ctx context.Context, sessionID string, rec *action.EvidenceRecord) error {
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredEvidence,
		Args:      []interface{}{sessionID, rec.WindowID, rec.Source.String(), rec.ChangeFound, rec.Confidence},
		Timestamp: rec.Timestamp,
	}})
}

func (l *Log) RecordVerifiedAction(ctx context.Context, va *action.VerifiedAction) error {
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredVerified,
		Args:      []interface{}{va.SessionID, va.WindowID, int64(va.Seq), va.Status.String(), va.Confidence},
		Timestamp: va.Timestamp,
	}})
}

func (l *Log) RecordWindowClosed(ctx context.Context, w *action.ActionWindow) error {
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredWindowClosed,
		Args:      []interface{}{w.SessionID, w.ID, int64(len(w.RawEvents))},
		Timestamp: w.ClosedAt,
	}})
}

func (l *Log) RecordSessionState(ctx context.Context, sessionID, from, to string) error {
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredSessionState,
		Args:      []interface{}{sessionID, from, to},
		Timestamp: time.Now(),
	}})
}

func (l *Log) RecordRawInput(ctx context.Context, sessionID string, ev action.RawInputEvent) error {
	target := ev.AriaLabel
	if target == "" {
		target = ev.TargetID
	}
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredRawInput,
		Args:      []interface{}{sessionID, ev.Type, target},
		Timestamp: ev.Timestamp,
	}})
}

func (l *Log) RecordHover(ctx context.Context, sessionID, label string) error {
	return l.AddFacts(ctx, []Fact{{
		Predicate: PredHover,
		Args:      []interface{}{sessionID, label},
		Timestamp: time.Now(),
	}})
}

func (l *Log) updateSamplingRate() {
	if l.cfg.FactBufferLimit <= 0 {
		l.samplingRate = 1.0
		return
	}
	fillRatio := float64(len(l.facts)) / float64(l.cfg.FactBufferLimit)
	switch {
	case fillRatio < 0.5:
		l.samplingRate = 1.0
	case fillRatio < 0.7:
		l.samplingRate = 0.8
	case fillRatio < 0.85:
		l.samplingRate = 0.5
	case fillRatio < 0.95:
		l.samplingRate = 0.2
	default:
		l.samplingRate = 0.1
	}
}

func (l *Log) shouldAccept(f Fact) bool {
	if !l.lowValue[f.Predicate] {
		return true
	}
	if l.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < l.samplingRate
}

// SamplingRate returns the current adaptive sampling rate, for diagnostics.
func (l *Log) SamplingRate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.samplingRate
}

// Subscribe registers a channel that receives events when a predicate derives
// new facts.
func (l *Log) Subscribe(predicate string, ch chan WatchEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscriptions[predicate] = append(l.subscriptions[predicate], ch)
}

// Unsubscribe removes a channel from a predicate's subscription list.
func (l *Log) Unsubscribe(predicate string, ch chan WatchEvent) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	channels := l.subscriptions[predicate]
	for i, c := range channels {
		if c == ch {
			l.subscriptions[predicate] = append(channels[:i], channels[i+1:]...)
			break
		}
	}
}

func (l *Log) notifyWatchers() {
	l.subMu.RLock()
	watched := make([]string, 0, len(l.subscriptions))
	for p, chs := range l.subscriptions {
		if len(chs) > 0 {
			watched = append(watched, p)
		}
	}
	l.subMu.RUnlock()

	for _, predicate := range watched {
		wildcard := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: -1}}
		var derived []Fact
		_ = l.store.GetFacts(wildcard, func(atom ast.Atom) error {
			derived = append(derived, atomToFact(atom))
			return nil
		})
		if len(derived) > 0 {
			l.notifySubscribers(predicate, derived)
		}
	}
}

func (l *Log) notifySubscribers(predicate string, facts []Fact) {
	l.subMu.RLock()
	channels := l.subscriptions[predicate]
	l.subMu.RUnlock()

	if len(channels) == 0 {
		return
	}
	event := WatchEvent{Predicate: predicate, Facts: facts, Timestamp: time.Now()}
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			// Slow watcher: skip rather than stall evaluation.
		}
	}
}

// Query runs a Mangle query and returns all satisfying variable bindings,
// falling back to a direct buffer scan when the store has no match.
func (l *Log) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !l.cfg.Enable || !l.schemaLoaded {
		return nil, fmt.Errorf("fact log not ready")
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := sourceUnit.Clauses[0].Head

	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				result[varArg.Symbol] = convertConstant(atom.Args[i])
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, l.queryBufferLocked(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

// queryBufferLocked scans the temporal buffer for facts matching the pattern.
// Callers must hold l.mu.
func (l *Log) queryBufferLocked(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range l.index[predicate] {
		if idx < 0 || idx >= len(l.facts) {
			continue
		}
		f := l.facts[idx]
		if len(queryArgs) > 0 && len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, qArg := range queryArgs {
			if i >= len(f.Args) {
				break
			}
			if varArg, ok := qArg.(ast.Variable); ok {
				result[varArg.Symbol] = f.Args[i]
			} else if constArg, ok := qArg.(ast.Constant); ok {
				if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", convertConstant(constArg)) {
					matches = false
					break
				}
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// Evaluate runs full program evaluation and returns derived facts for one
// predicate.
func (l *Log) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !l.cfg.Enable || !l.schemaLoaded {
		return nil, fmt.Errorf("fact log not ready")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range l.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}

	var queryAtom ast.Atom
	predSym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom = ast.Atom{Predicate: predSym, Args: args}
	} else {
		queryAtom = ast.Atom{Predicate: predSym}
	}

	facts := make([]Fact, 0)
	err := l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		facts = append(facts, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// QueryTemporal returns buffered facts for a predicate within a time window.
// Zero bounds are open.
func (l *Log) QueryTemporal(predicate string, after, before time.Time) []Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range l.index[predicate] {
		if idx < 0 || idx >= len(l.facts) {
			continue
		}
		f := l.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts for a predicate via the index.
func (l *Log) FactsByPredicate(predicate string) []Fact {
	return l.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Ready reports whether the log can serve queries.
func (l *Log) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schemaLoaded || !l.cfg.Enable
}

func factToAtom(f Fact) (ast.Atom, error) {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}, nil
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}
	switch term := c.(type) {
	case ast.Constant:
		if term.Type == ast.StringType {
			val, _ := term.StringValue()
			return val
		} else if term.Type == ast.NumberType {
			return term.NumberValue
		} else if term.Type == ast.Float64Type {
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (l *Log) rebuildIndex() {
	l.index = make(map[string][]int)
	for i, f := range l.facts {
		l.index[f.Predicate] = append(l.index[f.Predicate], i)
	}
}
