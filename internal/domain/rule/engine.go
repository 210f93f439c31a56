package rule

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"gopkg.in/yaml.v3"

	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/policy"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// Engine is a compiled, immutable snapshot of a rule document: every rule's
// match tree and action list precompiled and sorted by descending priority.
// It is read-mostly and safe for concurrent use; the interceptor chain
// swaps an Engine's container (an atomic.Pointer[Engine]) on reload rather
// than mutating one in place.
type Engine struct {
	rules     []*CompiledRule
	evaluator *celeval.Evaluator
	counters  *Counters
	source    time.Time // build time, surfaced for diagnostics
}

// ParseDocument decodes a rule document from either JSON or YAML bytes. It
// tries JSON first (a strict superset check via the leading byte) and
// falls back to YAML. YAML input is normalized through a JSON re-encode so
// the raw-parameter fields (json.RawMessage) decode uniformly and unknown
// fields are rejected on both paths.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	trimmed := bytesTrimLeadingSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' && trimmed[0] != '[' {
		var tree interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("%w: yaml decode: %v", ErrInvalidRule, err)
		}
		normalized, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("%w: yaml normalize: %v", ErrInvalidRule, err)
		}
		data = normalized
	}
	dec := json.NewDecoder(bytesReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidRule, err)
	}
	return &doc, nil
}

func bytesTrimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	return b[i:]
}

// NewEngine compiles data (JSON or YAML) into an Engine. evaluator may be
// nil if no rule in the document uses cel_expr or a Conditional predicate
// referencing CEL; passing nil when one is needed surfaces as a compile
// error rather than a silent no-op.
func NewEngine(data []byte, evaluator *celeval.Evaluator) (*Engine, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	rules, err := CompileDocument(doc, evaluator)
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules, evaluator: evaluator, counters: &Counters{}, source: time.Now()}, nil
}

// EmptyEngine returns an Engine with no rules: every envelope evaluates to
// OutcomeContinue. Used when no rule file is configured.
func EmptyEngine() *Engine {
	return &Engine{rules: nil, counters: &Counters{}}
}

// Rules returns the compiled rule list in evaluation order, for admin/list
// endpoints and tests. The returned slice must not be mutated.
func (e *Engine) Rules() []*CompiledRule {
	return e.rules
}

// Evaluate walks the engine's rules in priority order against env. The
// first enabled rule whose match tree matches runs its action list and its
// Outcome is returned; if no rule matches, OutcomeContinue is returned.
// Rules after the first match are not evaluated: each envelope gets a
// single disposition out of the rule engine.
func (e *Engine) Evaluate(envelope *mcp.MessageEnvelope, evalCtx EvalContextFunc) (Outcome, *Rule, error) {
	if e == nil || len(e.rules) == 0 {
		return Outcome{Kind: OutcomeContinue}, nil, nil
	}

	matchEnv := &MatchEnv{Envelope: envelope}
	if evalCtx != nil {
		matchEnv.EvalCtx = evalCtx(envelope)
	}

	for _, cr := range e.rules {
		if !cr.Enabled {
			continue
		}
		matched, err := cr.match.Evaluate(matchEnv, e.evaluator)
		if err != nil {
			return Outcome{}, &cr.Rule, fmt.Errorf("rule %q: %w", cr.ID, err)
		}
		if !matched {
			continue
		}

		actionEnv := &ActionEnv{
			Match:     matchEnv,
			Counters:  e.counters,
			Evaluator: e.evaluator,
			Rand:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // fault/delay jitter only, not security-sensitive
			Now:       time.Now(),
		}
		outcome, err := ExecuteActions(cr.actions, actionEnv)
		if err != nil {
			return outcome, &cr.Rule, fmt.Errorf("rule %q: %w", cr.ID, err)
		}
		return outcome, &cr.Rule, nil
	}

	return Outcome{Kind: OutcomeContinue}, nil, nil
}

// EvalContextFunc builds the CEL evaluation context for one envelope, on
// demand (only called when a rule's match tree or action predicate
// actually has a CEL leaf to evaluate).
type EvalContextFunc func(envelope *mcp.MessageEnvelope) policy.EvaluationContext
