// Package rule defines the grammar the rule-based interceptor evaluates: a
// tree of match conditions over a message envelope (method, transport,
// direction, headers, JSONPath on params/result, and a CEL escape hatch),
// paired with an ordered list of actions (continue/block/modify/mock/
// delay/pause/fault/chain/conditional/parallel) that run when the tree
// matches.
package rule

import "encoding/json"

// MatchType selects how a string leaf compares its configured value against
// the envelope field it targets.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchGlob  MatchType = "glob"
	MatchRegex MatchType = "regex"
)

// MethodMatch matches a rule's method leaf against the message method.
type MethodMatch struct {
	MatchType     MatchType `json:"match_type" yaml:"match_type"`
	Value         string    `json:"value" yaml:"value"`
	CaseSensitive bool      `json:"case_sensitive" yaml:"case_sensitive"`
}

// HeaderMatch matches a single HTTP delivery header by name.
type HeaderMatch struct {
	Name      string    `json:"name" yaml:"name"`
	MatchType MatchType `json:"match_type" yaml:"match_type"`
	Value     string    `json:"value" yaml:"value"`
}

// JSONPathOp is the comparison a JSONPathCondition performs once its path
// resolves against params or result.
type JSONPathOp string

const (
	JSONPathEq      JSONPathOp = "eq"
	JSONPathExists  JSONPathOp = "exists"
	JSONPathMatches JSONPathOp = "matches"
)

// JSONPathCondition matches a JSONPath expression evaluated against the
// message's params (requests/notifications) or result (responses).
type JSONPathCondition struct {
	Path  string          `json:"path" yaml:"path"`
	Op    JSONPathOp      `json:"op" yaml:"op"`
	Value json.RawMessage `json:"value,omitempty" yaml:"value,omitempty"`
}

// Operator composes a MatchConditions node's leaves and children.
type Operator string

const (
	// OpAnd requires every set leaf and every child to match. It is the
	// implicit operator when Operator is left empty on a node that carries
	// leaves or children directly.
	OpAnd Operator = "and"
	OpOr  Operator = "or"
	// OpNot negates the result of its single child (Children[0]); a node
	// using OpNot must carry exactly one child and no leaves.
	OpNot Operator = "not"
)

// MatchConditions is one node of the condition tree. A node may carry any
// subset of the leaf fields directly (implicitly AND-ed together) and/or
// nested Children combined by Operator. An empty MatchConditions node
// (no leaves, no children) matches everything.
type MatchConditions struct {
	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`

	Method    *MethodMatch        `json:"method,omitempty" yaml:"method,omitempty"`
	Transport string              `json:"transport,omitempty" yaml:"transport,omitempty"` // "Stdio" | "Http"
	Direction string              `json:"direction,omitempty" yaml:"direction,omitempty"` // "ClientToServer" | "ServerToClient"
	Header    *HeaderMatch        `json:"header,omitempty" yaml:"header,omitempty"`
	JSONPath  []JSONPathCondition `json:"jsonpath,omitempty" yaml:"jsonpath,omitempty"`
	// CELExpr exposes the CEL evaluator directly, for conditions too
	// complex for the and/or/not tree.
	CELExpr string `json:"cel_expr,omitempty" yaml:"cel_expr,omitempty"`

	Children []MatchConditions `json:"children,omitempty" yaml:"children,omitempty"`
}

// hasLeaves reports whether the node sets any leaf condition directly.
func (m MatchConditions) hasLeaves() bool {
	return m.Method != nil || m.Transport != "" || m.Direction != "" ||
		m.Header != nil || len(m.JSONPath) > 0 || m.CELExpr != ""
}

// ActionType names an ActionSpec variant.
type ActionType string

const (
	ActionContinue    ActionType = "continue"
	ActionBlock       ActionType = "block"
	ActionModify      ActionType = "modify"
	ActionMock        ActionType = "mock"
	ActionDelay       ActionType = "delay"
	ActionPause       ActionType = "pause"
	ActionFault       ActionType = "fault"
	ActionChain       ActionType = "chain"
	ActionConditional ActionType = "conditional"
	ActionParallel    ActionType = "parallel"
)

// ActionSpec is one entry in a rule's ordered action list. Parameters holds
// the variant-specific fields as raw JSON; Compile (see compile.go) decodes
// them into the typed *Params struct matching ActionType.
type ActionSpec struct {
	ActionType ActionType      `json:"action_type" yaml:"action_type"`
	Parameters json.RawMessage `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ModifyOp is the JSONPath-qualified edit a ModifyChange applies.
type ModifyOp string

const (
	ModifyOpSet       ModifyOp = "set"
	ModifyOpRemove    ModifyOp = "remove"
	ModifyOpAdd       ModifyOp = "add"
	ModifyOpTransform ModifyOp = "transform"
)

// ModifyChange is one edit within a Modify action.
type ModifyChange struct {
	Path      string          `json:"path" yaml:"path"`
	Op        ModifyOp        `json:"op" yaml:"op"`
	Value     json.RawMessage `json:"value,omitempty" yaml:"value,omitempty"`
	Transform string          `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// ModifyParams is the decoded Parameters for ActionModify.
type ModifyParams struct {
	Changes    []ModifyChange `json:"changes" yaml:"changes"`
	PreserveID bool           `json:"preserve_id" yaml:"preserve_id"`
}

// BlockParams is the decoded Parameters for ActionBlock.
type BlockParams struct {
	Reason    string `json:"reason" yaml:"reason"`
	ErrorCode int    `json:"error_code,omitempty" yaml:"error_code,omitempty"`
}

// MockResponseKind selects how a Mock action's response body is produced.
type MockResponseKind string

const (
	MockStatic    MockResponseKind = "static"
	MockTemplate  MockResponseKind = "template"
	MockGenerator MockResponseKind = "generator"
)

// MockGeneratorKind names one of the built-in response generators.
type MockGeneratorKind string

const (
	GeneratorSuccess  MockGeneratorKind = "success"
	GeneratorError    MockGeneratorKind = "error"
	GeneratorRandom   MockGeneratorKind = "random"
	GeneratorSequence MockGeneratorKind = "sequence"
)

// MockResponseSpec describes the body a Mock action substitutes.
type MockResponseSpec struct {
	Kind MockResponseKind `json:"kind" yaml:"kind"`

	// Static is used verbatim as the result (or error.data) when Kind is
	// "static".
	Static json.RawMessage `json:"static,omitempty" yaml:"static,omitempty"`

	// Template is rendered with text/template against a context exposing
	// session_id, method, timestamp, and counter, when Kind is "template".
	Template string `json:"template,omitempty" yaml:"template,omitempty"`

	// Generator names a built-in body generator when Kind is "generator".
	Generator MockGeneratorKind `json:"generator,omitempty" yaml:"generator,omitempty"`

	IsError   bool   `json:"is_error,omitempty" yaml:"is_error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	ErrorMsg  string `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// MockParams is the decoded Parameters for ActionMock.
type MockParams struct {
	Response MockResponseSpec `json:"response" yaml:"response"`
	DelayMs  int              `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// DelayParams is the decoded Parameters for ActionDelay and ActionPause.
type DelayParams struct {
	Ms            int     `json:"ms" yaml:"ms"`
	JitterPercent float64 `json:"jitter_percent,omitempty" yaml:"jitter_percent,omitempty"`
}

// FaultKind names the failure mode a Fault action injects.
type FaultKind string

const (
	FaultTimeout   FaultKind = "timeout"
	FaultMalformed FaultKind = "malformed"
	FaultSlow      FaultKind = "slow"
	FaultNetError  FaultKind = "net_error"
)

// FaultParams is the decoded Parameters for ActionFault.
type FaultParams struct {
	Kind        FaultKind `json:"kind" yaml:"kind"`
	Probability float64   `json:"probability" yaml:"probability"`
}

// ChainParams is the decoded Parameters for ActionChain.
type ChainParams struct {
	Children    []ActionSpec `json:"children" yaml:"children"`
	StopOnError bool         `json:"stop_on_error" yaml:"stop_on_error"`
}

// ConditionalParams is the decoded Parameters for ActionConditional.
type ConditionalParams struct {
	Predicate MatchConditions `json:"predicate" yaml:"predicate"`
	Then      []ActionSpec    `json:"then" yaml:"then"`
	Else      []ActionSpec    `json:"else,omitempty" yaml:"else,omitempty"`
}

// ParallelParams is the decoded Parameters for ActionParallel.
type ParallelParams struct {
	Children   []ActionSpec `json:"children" yaml:"children"`
	WaitForAll bool         `json:"wait_for_all" yaml:"wait_for_all"`
}

// Rule is one entry in a rule document.
type Rule struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	Priority        int             `json:"priority" yaml:"priority"`
	MatchConditions MatchConditions `json:"match_conditions" yaml:"match_conditions"`
	Actions         []ActionSpec    `json:"actions" yaml:"actions"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	Tags            []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// SupportedVersion is the only rule document version this engine accepts.
// Bumping the document schema requires bumping this constant and adding an
// explicit migration, not silently accepting unknown versions.
const SupportedVersion = "1.0"

// Document is the top-level shape of a rule file: a version and an
// ordered list of rules.
type Document struct {
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}
