package rule

import "errors"

// Sentinel errors surfaced by document parsing, compilation, and action
// evaluation. Callers (the rule engine, the interceptor) match on these with
// errors.Is rather than string comparison.
var (
	// ErrUnsupportedVersion is returned when a rule document's version field
	// does not match SupportedVersion.
	ErrUnsupportedVersion = errors.New("rule: unsupported document version")

	// ErrInvalidRule is returned when a rule fails structural validation
	// (missing id/name, malformed match tree). An unknown action type is
	// reported as ErrUnknownActionType instead.
	ErrInvalidRule = errors.New("rule: invalid rule")

	// ErrInvalidCondition is returned when a MatchConditions node is
	// structurally unsound, e.g. "not" with zero or more than one child.
	ErrInvalidCondition = errors.New("rule: invalid match condition")

	// ErrUnknownActionType is returned when an ActionSpec names a type this
	// engine does not implement.
	ErrUnknownActionType = errors.New("rule: unknown action type")

	// ErrActionEval is returned when evaluating a compiled action fails at
	// runtime (template render failure, JSONPath failure).
	ErrActionEval = errors.New("rule: action evaluation failed")
)
