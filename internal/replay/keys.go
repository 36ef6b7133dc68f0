// Package replay verifies a student's live actions against a recorded
// lesson: it waits for the next verified action, compares it with the step
// the instructor recorded, and judges the match.
package replay

import (
	"regexp"
	"strings"

	"lessonlens-server/internal/action"
)

// Key is one normalized comparison key extracted from an action.
type Key struct {
	Type  string
	Value string
}

// Key types.
const (
	KeyVerb   = "verb"   // what kind of gesture: click, type, interact
	KeyRef    = "ref"    // addressable target: cell address, element label
	KeyValue  = "value"  // entered or resulting value
	KeyEffect = "effect" // whether the action had an observed effect
)

var (
	cellRefPattern = regexp.MustCompile(`\b([A-Z]{1,3}[1-9][0-9]{0,3})\b`)
	quotedPattern  = regexp.MustCompile(`"([^"]*)"`)
	verbPattern    = regexp.MustCompile(`^(clicked|typed|interacted)\b`)
)

// FromAction extracts comparison keys from a verified action. The
// authoritative state changes contribute ref and value keys directly; the
// interpretation text fills in the rest.
func FromAction(va *action.VerifiedAction) []Key {
	keys := make([]Key, 0, 8)

	if m := verbPattern.FindStringSubmatch(va.Interpretation); len(m) == 2 {
		keys = append(keys, Key{Type: KeyVerb, Value: m[1]})
	}

	if va.Evidence.State != nil && len(va.Evidence.State.StateChanges) > 0 {
		for _, ch := range va.Evidence.State.StateChanges {
			keys = append(keys, Key{Type: KeyRef, Value: normalizeRef(ch.Ref)})
			if ch.After != "" {
				keys = append(keys, Key{Type: KeyValue, Value: normalizeValue(ch.After)})
			}
		}
	} else {
		keys = append(keys, fromText(va.Interpretation)...)
	}

	if va.Status == action.StatusSuccess {
		keys = append(keys, Key{Type: KeyEffect, Value: "changed"})
	}
	return dedupe(keys)
}

// fromText pulls refs and values out of an interpretation string.
func fromText(text string) []Key {
	keys := make([]Key, 0, 4)
	for _, m := range cellRefPattern.FindAllStringSubmatch(text, -1) {
		keys = append(keys, Key{Type: KeyRef, Value: normalizeRef(m[1])})
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if v := normalizeValue(m[1]); v != "" {
			keys = append(keys, Key{Type: KeyValue, Value: v})
		}
	}
	return keys
}

func normalizeRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func dedupe(keys []Key) []Key {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[Key]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// hasKeys reports whether any key of the given type is present.
func hasKeys(keys []Key, keyType string) bool {
	for _, k := range keys {
		if k.Type == keyType {
			return true
		}
	}
	return false
}

// overlap computes the fraction of expected keys of one type that the live
// set also contains. No expected keys of that type means a neutral 1.
func overlap(expected, live []Key, keyType string) float64 {
	var want, got float64
	liveSet := make(map[Key]bool, len(live))
	for _, k := range live {
		liveSet[k] = true
	}
	for _, k := range expected {
		if k.Type != keyType {
			continue
		}
		want++
		if liveSet[k] {
			got++
		}
	}
	if want == 0 {
		return 1
	}
	return got / want
}

// missing returns the expected keys of a type absent from the live set.
func missing(expected, live []Key, keyType string) []string {
	liveSet := make(map[Key]bool, len(live))
	for _, k := range live {
		liveSet[k] = true
	}
	var out []string
	for _, k := range expected {
		if k.Type == keyType && !liveSet[k] {
			out = append(out, k.Value)
		}
	}
	return out
}

// extra returns the live keys of a type the expected set does not contain.
func extra(expected, live []Key, keyType string) []string {
	expSet := make(map[Key]bool, len(expected))
	for _, k := range expected {
		expSet[k] = true
	}
	var out []string
	for _, k := range live {
		if k.Type == keyType && !expSet[k] {
			out = append(out, k.Value)
		}
	}
	return out
}
