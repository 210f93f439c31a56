package rule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/ohler55/ojg/jp"

	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// bytesReader adapts a json.RawMessage to an io.Reader via bytes.NewReader.
func bytesReader(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}

// Outcome is what a compiled action list produced for one envelope: either
// "keep going" (Continue), or a terminal disposition the interceptor
// translates into a response.
type OutcomeKind int

const (
	// OutcomeContinue means no terminal action applied; the envelope (as
	// possibly modified by Modify actions already applied) proceeds.
	OutcomeContinue OutcomeKind = iota
	// OutcomeBlock means the chain halted with a synthesized error.
	OutcomeBlock
	// OutcomeMock means a mock response should be returned instead of
	// forwarding to the upstream.
	OutcomeMock
)

// Outcome is the result of executing a rule's (or a Chain/Conditional/
// Parallel sub-list's) compiled actions against one envelope.
type Outcome struct {
	Kind OutcomeKind

	// Params carries the raw params/result json this outcome leaves in
	// place after any Modify actions; nil means "unchanged".
	ModifiedParams json.RawMessage
	ModifiedResult json.RawMessage
	IDPreserved    bool

	// Block fields, set when Kind == OutcomeBlock.
	BlockReason string
	BlockCode   int

	// Mock fields, set when Kind == OutcomeMock.
	MockResult  json.RawMessage
	MockIsError bool
	MockCode    int
	MockMessage string
}

// ActionEnv is everything action evaluation needs beyond the compiled
// action tree itself: the match environment (for Conditional predicates)
// and the mutable per-message counters a Mock generator/template may read.
type ActionEnv struct {
	Match     *MatchEnv
	Counters  *Counters
	Evaluator *celeval.Evaluator
	Rand      *rand.Rand
	Now       time.Time
}

// Counters hands out monotonically increasing sequence numbers for the
// "sequence" mock generator, process-wide (one per rule engine instance).
type Counters struct {
	seq int64
}

// Next returns the next value in the sequence, starting at 1.
func (c *Counters) Next() int64 {
	return atomic.AddInt64(&c.seq, 1)
}

// compiledAction is one compiled ActionSpec: the typed parameters plus,
// for the composite kinds, recursively compiled children.
type compiledAction struct {
	actionType ActionType

	block          *BlockParams
	modify         *ModifyParams
	compiledModify []compiledModifyChange
	mock           *MockParams
	mockTemplate   *template.Template
	delay          *DelayParams
	fault          *FaultParams

	chain         *ChainParams
	compiledChain []compiledAction

	conditional       *ConditionalParams
	compiledPredicate *compiledCondition
	compiledThen      []compiledAction
	compiledElse      []compiledAction

	parallel         *ParallelParams
	compiledParallel []compiledAction
}

// compiledModifyChange is a ModifyChange with its JSONPath expression and,
// for "transform", its template precompiled.
type compiledModifyChange struct {
	expr      jp.Expr
	op        ModifyOp
	value     json.RawMessage
	transform *template.Template
}

func compileModifyChanges(changes []ModifyChange) ([]compiledModifyChange, error) {
	out := make([]compiledModifyChange, 0, len(changes))
	for _, c := range changes {
		expr, err := jp.ParseString(c.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: modify path %q: %v", ErrInvalidRule, c.Path, err)
		}
		cc := compiledModifyChange{expr: expr, op: c.Op, value: c.Value}
		if c.Op == ModifyOpTransform {
			tmpl, err := template.New("transform").Parse(c.Transform)
			if err != nil {
				return nil, fmt.Errorf("%w: modify transform: %v", ErrInvalidRule, err)
			}
			cc.transform = tmpl
		}
		out = append(out, cc)
	}
	return out, nil
}

// compileActions compiles an ordered list of ActionSpec into their typed,
// precompiled form. evaluator may be nil if nothing in the list needs CEL.
func compileActions(specs []ActionSpec, evaluator *celeval.Evaluator) ([]compiledAction, error) {
	out := make([]compiledAction, 0, len(specs))
	for _, spec := range specs {
		ca, err := compileAction(spec, evaluator)
		if err != nil {
			return nil, err
		}
		out = append(out, ca)
	}
	return out, nil
}

func compileAction(spec ActionSpec, evaluator *celeval.Evaluator) (compiledAction, error) {
	ca := compiledAction{actionType: spec.ActionType}

	switch spec.ActionType {
	case ActionContinue:
		// No parameters.
	case ActionBlock:
		var p BlockParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		ca.block = &p
	case ActionModify:
		var p ModifyParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		compiled, err := compileModifyChanges(p.Changes)
		if err != nil {
			return ca, err
		}
		ca.modify = &p
		ca.compiledModify = compiled
	case ActionMock:
		var p MockParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		ca.mock = &p
		if p.Response.Kind == MockTemplate {
			tmpl, err := template.New("mock").Parse(p.Response.Template)
			if err != nil {
				return ca, fmt.Errorf("%w: mock template: %v", ErrInvalidRule, err)
			}
			ca.mockTemplate = tmpl
		}
	case ActionDelay, ActionPause:
		var p DelayParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		ca.delay = &p
	case ActionFault:
		var p FaultParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		ca.fault = &p
	case ActionChain:
		var p ChainParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		children, err := compileActions(p.Children, evaluator)
		if err != nil {
			return ca, err
		}
		ca.chain = &p
		ca.compiledChain = children
	case ActionConditional:
		var p ConditionalParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		pred, err := compileCondition(p.Predicate, evaluator)
		if err != nil {
			return ca, err
		}
		thenActions, err := compileActions(p.Then, evaluator)
		if err != nil {
			return ca, err
		}
		elseActions, err := compileActions(p.Else, evaluator)
		if err != nil {
			return ca, err
		}
		ca.conditional = &p
		ca.compiledPredicate = pred
		ca.compiledThen = thenActions
		ca.compiledElse = elseActions
	case ActionParallel:
		var p ParallelParams
		if err := ParametersAs(spec, &p); err != nil {
			return ca, err
		}
		children, err := compileActions(p.Children, evaluator)
		if err != nil {
			return ca, err
		}
		ca.parallel = &p
		ca.compiledParallel = children
	default:
		return ca, fmt.Errorf("%w: %q", ErrUnknownActionType, spec.ActionType)
	}

	return ca, nil
}

// ExecuteActions runs a compiled action list against env in order: the
// first terminal action (Block or Mock) stops the list;
// Continue/Modify/Delay/Pause/Fault
// (when it doesn't fire) fall through to the next action. A Chain,
// Conditional, or Parallel action recurses and its result is treated the
// same way. Returns the running Outcome, defaulting to OutcomeContinue if
// the whole list completes without a terminal action.
func ExecuteActions(actions []compiledAction, env *ActionEnv) (Outcome, error) {
	out := Outcome{Kind: OutcomeContinue}
	for _, a := range actions {
		next, err := executeOne(a, out, env)
		if err != nil {
			return out, err
		}
		out = next
		if out.Kind != OutcomeContinue {
			return out, nil
		}
	}
	return out, nil
}

func executeOne(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	switch a.actionType {
	case ActionContinue:
		return in, nil

	case ActionBlock:
		out := in
		out.Kind = OutcomeBlock
		out.BlockReason = a.block.Reason
		out.BlockCode = a.block.ErrorCode
		return out, nil

	case ActionModify:
		return applyModify(a, in, env)

	case ActionMock:
		return applyMock(a, in, env)

	case ActionDelay, ActionPause:
		return in, sleepWithJitter(a.delay, env)

	case ActionFault:
		return applyFault(a, in, env)

	case ActionChain:
		return executeChain(a, in, env)

	case ActionConditional:
		return executeConditional(a, in, env)

	case ActionParallel:
		return executeParallel(a, in, env)

	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownActionType, a.actionType)
	}
}

func executeChain(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	out := in
	for _, child := range a.compiledChain {
		next, err := executeOne(child, out, env)
		if err != nil {
			if a.chain.StopOnError {
				return out, err
			}
			continue
		}
		out = next
		if out.Kind != OutcomeContinue {
			return out, nil
		}
	}
	return out, nil
}

func executeConditional(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	match, err := a.compiledPredicate.Evaluate(env.Match, env.Evaluator)
	if err != nil {
		return in, err
	}
	branch := a.compiledThen
	if !match {
		branch = a.compiledElse
	}
	out := in
	for _, child := range branch {
		next, err := executeOne(child, out, env)
		if err != nil {
			return out, err
		}
		out = next
		if out.Kind != OutcomeContinue {
			return out, nil
		}
	}
	return out, nil
}

// executeParallel runs each child against the same starting Outcome and
// combines them sequentially (this module's async runtime is cooperative,
// not OS-threaded within one envelope's evaluation, so "parallel" here
// means "independent of each other's intermediate state", not concurrent
// goroutines racing on the same Outcome). WaitForAll=false returns the
// first terminal outcome; WaitForAll=true requires every child to
// Continue, otherwise the first terminal outcome found wins.
func executeParallel(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	for _, child := range a.compiledParallel {
		next, err := executeOne(child, in, env)
		if err != nil {
			return in, err
		}
		if next.Kind != OutcomeContinue {
			if !a.parallel.WaitForAll {
				return next, nil
			}
			return next, nil
		}
	}
	return in, nil
}

func sleepWithJitter(p *DelayParams, env *ActionEnv) error {
	ms := p.Ms
	if p.JitterPercent > 0 && env.Rand != nil {
		spread := float64(ms) * p.JitterPercent / 100
		ms += int(env.Rand.Float64()*2*spread) - int(spread)
		if ms < 0 {
			ms = 0
		}
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

func applyFault(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	roll := 1.0
	if env.Rand != nil {
		roll = env.Rand.Float64()
	}
	if roll >= a.fault.Probability {
		return in, nil
	}
	out := in
	switch a.fault.Kind {
	case FaultTimeout:
		return out, fmt.Errorf("%w: injected timeout fault", ErrActionEval)
	case FaultNetError:
		return out, fmt.Errorf("%w: injected network fault", ErrActionEval)
	case FaultMalformed:
		out.Kind = OutcomeMock
		out.MockResult = json.RawMessage(`{`) // deliberately malformed JSON
		return out, nil
	case FaultSlow:
		time.Sleep(2 * time.Second)
		return out, nil
	default:
		return out, fmt.Errorf("%w: unknown fault kind %q", ErrInvalidRule, a.fault.Kind)
	}
}

// applyModify applies each configured change against the outcome's current
// params/result (or the original envelope's, on the first Modify action in
// a list) and returns the updated json.RawMessage.
func applyModify(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	out := in
	out.IDPreserved = a.modify.PreserveID

	isResponse := env.Match.Envelope.Message.Kind() == mcp.KindResponse
	current := out.ModifiedParams
	if isResponse {
		current = out.ModifiedResult
	}
	if current == nil {
		if isResponse {
			current = env.Match.Envelope.Message.Result
		} else {
			current = env.Match.Envelope.Message.Params
		}
	}
	if len(current) == 0 {
		current = json.RawMessage(`{}`)
	}

	var data interface{}
	if err := json.Unmarshal(current, &data); err != nil {
		return out, fmt.Errorf("%w: modify target is not valid JSON: %v", ErrActionEval, err)
	}

	for _, c := range a.compiledModify {
		var err error
		data, err = applyModifyChange(c, data, env)
		if err != nil {
			return out, err
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("%w: re-encoding modified value: %v", ErrActionEval, err)
	}

	if isResponse {
		out.ModifiedResult = encoded
	} else {
		out.ModifiedParams = encoded
	}
	return out, nil
}

func applyModifyChange(c compiledModifyChange, data interface{}, env *ActionEnv) (interface{}, error) {
	switch c.op {
	case ModifyOpRemove:
		result, err := c.expr.Remove(data)
		if err != nil {
			return nil, fmt.Errorf("%w: modify remove: %v", ErrActionEval, err)
		}
		return result, nil
	case ModifyOpSet, ModifyOpAdd:
		var value interface{}
		if len(c.value) > 0 {
			if err := json.Unmarshal(c.value, &value); err != nil {
				return nil, fmt.Errorf("%w: modify value is not valid JSON: %v", ErrActionEval, err)
			}
		}
		if err := c.expr.Set(data, value); err != nil {
			return nil, fmt.Errorf("%w: modify set: %v", ErrActionEval, err)
		}
		return data, nil
	case ModifyOpTransform:
		matches := c.expr.Get(data)
		for _, m := range matches {
			rendered, err := renderTemplate(c.transform, transformTemplateContext(m, env))
			if err != nil {
				return nil, err
			}
			var replacement interface{}
			if err := json.Unmarshal([]byte(rendered), &replacement); err != nil {
				replacement = rendered
			}
			if err := c.expr.Set(data, replacement); err != nil {
				return nil, fmt.Errorf("%w: modify transform: %v", ErrActionEval, err)
			}
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unknown modify op %q", ErrInvalidRule, c.op)
	}
}

// transformTemplateContext is the variable set a "transform" op's template
// sees: the current value at the matched path, under ".Value".
func transformTemplateContext(value interface{}, env *ActionEnv) map[string]interface{} {
	return map[string]interface{}{
		"Value":     value,
		"SessionID": env.Match.Envelope.Context.SessionID,
		"Method":    env.Match.Envelope.Message.Method,
		"Timestamp": env.Now,
	}
}

// mockTemplateContext is the variable set available to a Mock action's
// "template" kind: session_id, method, timestamp, and counters.
type mockTemplateContext struct {
	SessionID string
	Method    string
	Timestamp string
	Counter   int64
}

func renderTemplate(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: template render: %v", ErrActionEval, err)
	}
	return buf.String(), nil
}

func applyMock(a compiledAction, in Outcome, env *ActionEnv) (Outcome, error) {
	if a.mock.DelayMs > 0 {
		time.Sleep(time.Duration(a.mock.DelayMs) * time.Millisecond)
	}

	out := in
	out.Kind = OutcomeMock
	out.MockIsError = a.mock.Response.IsError
	out.MockCode = a.mock.Response.ErrorCode
	out.MockMessage = a.mock.Response.ErrorMsg

	switch a.mock.Response.Kind {
	case MockStatic:
		out.MockResult = a.mock.Response.Static

	case MockTemplate:
		ctx := mockTemplateContext{
			SessionID: env.Match.Envelope.Context.SessionID,
			Method:    env.Match.Envelope.Message.Method,
			Timestamp: env.Now.Format(time.RFC3339),
		}
		if env.Counters != nil {
			ctx.Counter = env.Counters.Next()
		}
		rendered, err := renderTemplate(a.mockTemplate, ctx)
		if err != nil {
			return out, err
		}
		out.MockResult = json.RawMessage(rendered)

	case MockGenerator:
		result, err := runGenerator(a.mock.Response.Generator, env)
		if err != nil {
			return out, err
		}
		out.MockResult = result

	default:
		return out, fmt.Errorf("%w: unknown mock response kind %q", ErrInvalidRule, a.mock.Response.Kind)
	}

	return out, nil
}

func runGenerator(kind MockGeneratorKind, env *ActionEnv) (json.RawMessage, error) {
	switch kind {
	case GeneratorSuccess:
		return json.RawMessage(`{"ok":true}`), nil
	case GeneratorError:
		return json.RawMessage(`{"ok":false}`), nil
	case GeneratorRandom:
		n := int64(0)
		if env.Rand != nil {
			n = env.Rand.Int63()
		}
		return json.Marshal(map[string]int64{"value": n})
	case GeneratorSequence:
		n := int64(0)
		if env.Counters != nil {
			n = env.Counters.Next()
		}
		return json.Marshal(map[string]int64{"value": n})
	default:
		return nil, fmt.Errorf("%w: unknown generator %q", ErrInvalidRule, kind)
	}
}
