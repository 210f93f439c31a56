package rule

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	gocel "github.com/google/cel-go/cel"
	"github.com/ohler55/ojg/jp"

	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/policy"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// compiledMethodMatch is a MethodMatch with its regex precompiled, when
// applicable.
type compiledMethodMatch struct {
	matchType     MatchType
	value         string
	caseSensitive bool
	re            *regexp.Regexp
}

// compiledJSONPath is a JSONPathCondition with its path expression and, for
// the "matches" op, its comparison regex precompiled.
type compiledJSONPath struct {
	expr    jp.Expr
	op      JSONPathOp
	value   json.RawMessage
	valueRe *regexp.Regexp
}

// compiledHeaderMatch is a HeaderMatch with its regex precompiled, when
// applicable.
type compiledHeaderMatch struct {
	name      string
	matchType MatchType
	value     string
	re        *regexp.Regexp
}

// compiledCondition mirrors MatchConditions with every leaf precompiled, so
// that Evaluate never recompiles a regex or re-parses a JSONPath expression
// or CEL program on the hot path.
type compiledCondition struct {
	operator Operator

	method    *compiledMethodMatch
	transport *mcp.TransportKind
	direction *mcp.Direction
	header    *compiledHeaderMatch
	jsonpath  []compiledJSONPath
	celProg   gocel.Program

	children []*compiledCondition
}

// MatchEnv is everything evaluation needs from the message under
// consideration: the envelope itself, plus the CEL evaluation context built
// for it (shared with the cel_expr leaf and, when present, a Conditional
// action's predicate).
type MatchEnv struct {
	Envelope *mcp.MessageEnvelope
	EvalCtx  policy.EvaluationContext
}

func compileMethodMatch(m *MethodMatch) (*compiledMethodMatch, error) {
	if m == nil {
		return nil, nil
	}
	cm := &compiledMethodMatch{matchType: m.MatchType, value: m.Value, caseSensitive: m.CaseSensitive}
	if m.MatchType == MatchRegex {
		pattern := m.Value
		if !m.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: method regex %q: %v", ErrInvalidRule, m.Value, err)
		}
		cm.re = re
	}
	return cm, nil
}

func compileHeaderMatch(h *HeaderMatch) (*compiledHeaderMatch, error) {
	if h == nil {
		return nil, nil
	}
	ch := &compiledHeaderMatch{name: h.Name, matchType: h.MatchType, value: h.Value}
	if h.MatchType == MatchRegex {
		re, err := regexp.Compile(h.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: header regex %q: %v", ErrInvalidRule, h.Value, err)
		}
		ch.re = re
	}
	return ch, nil
}

func compileTransport(s string) (*mcp.TransportKind, error) {
	if s == "" {
		return nil, nil
	}
	switch strings.ToLower(s) {
	case "stdio":
		t := mcp.TransportStdio
		return &t, nil
	case "http":
		t := mcp.TransportHTTP
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", ErrInvalidRule, s)
	}
}

func compileDirection(s string) (*mcp.Direction, error) {
	if s == "" {
		return nil, nil
	}
	normalized := strings.ToLower(strings.ReplaceAll(s, "_", ""))
	switch normalized {
	case "clienttoserver":
		d := mcp.ClientToServer
		return &d, nil
	case "servertoclient":
		d := mcp.ServerToClient
		return &d, nil
	case "internal":
		d := mcp.Internal
		return &d, nil
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidRule, s)
	}
}

func compileJSONPathConditions(conds []JSONPathCondition) ([]compiledJSONPath, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	compiled := make([]compiledJSONPath, 0, len(conds))
	for _, c := range conds {
		expr, err := jp.ParseString(c.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: jsonpath %q: %v", ErrInvalidRule, c.Path, err)
		}
		cj := compiledJSONPath{expr: expr, op: c.Op, value: c.Value}
		if c.Op == JSONPathMatches {
			var pattern string
			if err := json.Unmarshal(c.Value, &pattern); err != nil {
				return nil, fmt.Errorf("%w: jsonpath %q matches value must be a string pattern: %v", ErrInvalidRule, c.Path, err)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: jsonpath %q matches pattern: %v", ErrInvalidRule, c.Path, err)
			}
			cj.valueRe = re
		}
		compiled = append(compiled, cj)
	}
	return compiled, nil
}

// compileCondition recursively compiles a MatchConditions tree. evaluator is
// nil-safe: a nil evaluator with a non-empty CELExpr leaf is a compile error,
// since cel_expr requires the CEL environment to be wired.
func compileCondition(m MatchConditions, evaluator *celeval.Evaluator) (*compiledCondition, error) {
	operator := m.Operator
	if operator == "" {
		operator = OpAnd
	}

	if operator == OpNot {
		if m.hasLeaves() || len(m.Children) != 1 {
			return nil, fmt.Errorf("%w: \"not\" requires exactly one child and no leaves", ErrInvalidCondition)
		}
	}

	cc := &compiledCondition{operator: operator}

	var err error
	if cc.method, err = compileMethodMatch(m.Method); err != nil {
		return nil, err
	}
	if cc.transport, err = compileTransport(m.Transport); err != nil {
		return nil, err
	}
	if cc.direction, err = compileDirection(m.Direction); err != nil {
		return nil, err
	}
	if cc.header, err = compileHeaderMatch(m.Header); err != nil {
		return nil, err
	}
	if cc.jsonpath, err = compileJSONPathConditions(m.JSONPath); err != nil {
		return nil, err
	}
	if m.CELExpr != "" {
		if evaluator == nil {
			return nil, fmt.Errorf("%w: cel_expr leaf requires a CEL environment", ErrInvalidCondition)
		}
		prg, err := evaluator.Compile(m.CELExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: cel_expr %q: %v", ErrInvalidCondition, m.CELExpr, err)
		}
		cc.celProg = prg
	}

	for _, child := range m.Children {
		compiledChild, err := compileCondition(child, evaluator)
		if err != nil {
			return nil, err
		}
		cc.children = append(cc.children, compiledChild)
	}

	return cc, nil
}

// Evaluate walks the compiled condition tree against env, consulting
// evaluator only for the cel_expr leaf (evaluator may be nil if no rule in
// the document uses cel_expr).
func (cc *compiledCondition) Evaluate(env *MatchEnv, evaluator *celeval.Evaluator) (bool, error) {
	if cc == nil {
		return true, nil
	}

	results := make([]bool, 0, 6)

	if cc.method != nil {
		results = append(results, matchMethod(cc.method, env.Envelope.Message.Method))
	}
	if cc.transport != nil {
		results = append(results, env.Envelope.Context.Delivery.Transport == *cc.transport)
	}
	if cc.direction != nil {
		results = append(results, env.Envelope.Context.Direction == *cc.direction)
	}
	if cc.header != nil {
		results = append(results, matchHeader(cc.header, env.Envelope.Context.Delivery.Headers))
	}
	for _, jc := range cc.jsonpath {
		ok, err := matchJSONPath(jc, env.Envelope.Message)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}
	if cc.celProg != nil {
		ok, err := evaluator.Evaluate(cc.celProg, env.EvalCtx)
		if err != nil {
			return false, fmt.Errorf("%w: cel_expr: %v", ErrActionEval, err)
		}
		results = append(results, ok)
	}

	for _, child := range cc.children {
		ok, err := child.Evaluate(env, evaluator)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	switch cc.operator {
	case OpNot:
		return !results[0], nil
	case OpOr:
		for _, r := range results {
			if r {
				return true, nil
			}
		}
		return len(results) == 0, nil
	default: // OpAnd, and the implicit "node with no operator" case
		for _, r := range results {
			if !r {
				return false, nil
			}
		}
		return true, nil
	}
}

func matchMethod(m *compiledMethodMatch, method string) bool {
	switch m.matchType {
	case MatchRegex:
		return m.re.MatchString(method)
	case MatchGlob:
		candidate, pattern := method, m.value
		if !m.caseSensitive {
			candidate = strings.ToLower(candidate)
			pattern = strings.ToLower(pattern)
		}
		ok, err := path.Match(pattern, candidate)
		return err == nil && ok
	default: // MatchExact
		if m.caseSensitive {
			return method == m.value
		}
		return strings.EqualFold(method, m.value)
	}
}

func matchHeader(h *compiledHeaderMatch, headers map[string][]string) bool {
	if headers == nil {
		return false
	}
	var value string
	found := false
	for k, vs := range headers {
		if strings.EqualFold(k, h.name) && len(vs) > 0 {
			value = vs[0]
			found = true
			break
		}
	}
	if !found {
		return false
	}
	switch h.matchType {
	case MatchRegex:
		return h.re.MatchString(value)
	case MatchGlob:
		ok, err := path.Match(h.value, value)
		return err == nil && ok
	default:
		return value == h.value
	}
}

// jsonPathTarget selects which message field ("params" or "result") a
// JSONPath leaf resolves against.
func jsonPathTarget(msg *mcp.ProtocolMessage) json.RawMessage {
	if msg.Kind() == mcp.KindResponse {
		return msg.Result
	}
	return msg.Params
}

func matchJSONPath(jc compiledJSONPath, msg *mcp.ProtocolMessage) (bool, error) {
	raw := jsonPathTarget(msg)
	if len(raw) == 0 {
		return false, nil
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return false, fmt.Errorf("%w: jsonpath target is not valid JSON: %v", ErrActionEval, err)
	}

	matches := jc.expr.Get(data)

	switch jc.op {
	case JSONPathExists:
		return len(matches) > 0, nil
	case JSONPathEq:
		if len(matches) == 0 {
			return false, nil
		}
		var want interface{}
		if err := json.Unmarshal(jc.value, &want); err != nil {
			return false, fmt.Errorf("%w: jsonpath eq value is not valid JSON: %v", ErrActionEval, err)
		}
		for _, got := range matches {
			if jsonEqual(got, want) {
				return true, nil
			}
		}
		return false, nil
	case JSONPathMatches:
		for _, got := range matches {
			s, ok := got.(string)
			if !ok {
				continue
			}
			if jc.valueRe.MatchString(s) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown jsonpath op %q", ErrInvalidRule, jc.op)
	}
}

// jsonEqual compares two values decoded from JSON by re-encoding: simplest
// way to get value equality that is robust to map/slice/number representation
// differences between the two unmarshal call sites.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
