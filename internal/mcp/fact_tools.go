package mcp

import (
	"context"

	"lessonlens-server/internal/factlog"
)

// QueryFactsTool runs a Mangle query over the verification fact log.
type QueryFactsTool struct {
	facts *factlog.Log
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the verification fact log with a Mangle goal.

The log records the full verification trail:
- verified_action(Session, Window, Seq, Status, Confidence)
- evidence_record(Session, Window, Source, ChangeFound, Confidence)
- window_closed(Session, Window, EventCount)
- session_state(Session, From, To)
- raw_input_event(Session, Type, Target)
- hover_event(Session, Label)

EXAMPLE: verified_action("sess-1", Window, Seq, "FAILED", Conf).`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle goal, e.g. verified_action(S, A, Seq, Status, Conf).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil || !t.facts.Ready() {
		return map[string]interface{}{"success": false, "error": "fact log disabled"}, nil
	}
	query := getStringArg(args, "query")
	if query == "" {
		return map[string]interface{}{"success": false, "error": "query is required"}, nil
	}
	results, err := t.facts.Query(ctx, query)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "count": len(results), "results": results}, nil
}

// SubmitRuleTool adds a derivation rule to the fact log.
type SubmitRuleTool struct {
	facts *factlog.Log
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule deriving new predicates from the verification facts.

EXAMPLE:
struggling(Session) :- verified_action(Session, _, _, "FAILED", _), verified_action(Session, _, _, "UNCERTAIN", _).

Then query or evaluate 'struggling' to see which students need help.`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle rule source, including the trailing period",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil || !t.facts.Ready() {
		return map[string]interface{}{"success": false, "error": "fact log disabled"}, nil
	}
	rule := getStringArg(args, "rule")
	if rule == "" {
		return map[string]interface{}{"success": false, "error": "rule is required"}, nil
	}
	if err := t.facts.AddRule(rule); err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true}, nil
}

// EvaluateRuleTool evaluates a derived predicate and returns its facts.
type EvaluateRuleTool struct {
	facts *factlog.Log
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return "Evaluate a derived predicate (added with submit-rule or from the base schema) and return all facts it produces."
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. failed_action",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.facts == nil || !t.facts.Ready() {
		return map[string]interface{}{"success": false, "error": "fact log disabled"}, nil
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return map[string]interface{}{"success": false, "error": "predicate is required"}, nil
	}
	facts, err := t.facts.Evaluate(ctx, predicate)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}
	return map[string]interface{}{"success": true, "count": len(facts), "facts": facts}, nil
}
