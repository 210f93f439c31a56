package rule

import (
	"encoding/json"
	"fmt"

	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
)

// CompiledRule is a Rule with its match tree and action list precompiled:
// regexes parsed, JSONPath expressions parsed, CEL programs compiled, and
// nested action trees (Chain/Conditional/Parallel) recursively compiled.
type CompiledRule struct {
	Rule

	match   *compiledCondition
	actions []compiledAction
}

// CompileRule compiles a single Rule. evaluator may be nil if neither the
// rule's match tree nor any of its actions reference cel_expr/CEL.
func CompileRule(r Rule, evaluator *celeval.Evaluator) (*CompiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: rule missing id", ErrInvalidRule)
	}
	if r.Name == "" {
		return nil, fmt.Errorf("%w: rule %q missing name", ErrInvalidRule, r.ID)
	}

	match, err := compileCondition(r.MatchConditions, evaluator)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.ID, err)
	}

	actions, err := compileActions(r.Actions, evaluator)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.ID, err)
	}

	return &CompiledRule{Rule: r, match: match, actions: actions}, nil
}

// CompileDocument compiles every rule in doc, returning compiled rules
// sorted by descending priority (ties broken by input order, i.e. a
// stable sort).
func CompileDocument(doc *Document, evaluator *celeval.Evaluator) ([]*CompiledRule, error) {
	if doc.Version != SupportedVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrUnsupportedVersion, doc.Version, SupportedVersion)
	}

	compiled := make([]*CompiledRule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))
	for _, r := range doc.Rules {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}

		cr, err := CompileRule(r, evaluator)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	stableSortByPriorityDesc(compiled)
	return compiled, nil
}

// stableSortByPriorityDesc sorts compiled rules by descending priority,
// preserving input order among equal priorities since no tie-break rule
// is specified beyond "sorted by priority".
func stableSortByPriorityDesc(rules []*CompiledRule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j-1].Priority < rules[j].Priority; j-- {
			rules[j-1], rules[j] = rules[j], rules[j-1]
		}
	}
}

// ParametersAs decodes an ActionSpec's Parameters into dst, rejecting
// unknown fields so a typo in a rule file surfaces at load time rather than
// silently doing nothing.
func ParametersAs(spec ActionSpec, dst interface{}) error {
	if len(spec.Parameters) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytesReader(spec.Parameters))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: action %q parameters: %v", ErrInvalidRule, spec.ActionType, err)
	}
	return nil
}
