package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	celeval "github.com/shadowcat-mcp/shadowcat/internal/adapter/outbound/cel"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/policy"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/rule"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// RuleInterceptor evaluates every envelope against a compiled rule.Engine
// and applies the resulting Outcome: Continue passes the (possibly
// Modify-adjusted) envelope to next, Block short-circuits with ErrBlocked,
// and Mock synthesizes a response envelope without involving next at all.
//
// The engine is held behind an atomic pointer so a file watcher can swap in
// a newly compiled engine without pausing in-flight evaluations: a new
// document is parsed and compiled in full before the pointer is ever
// updated, so a malformed edit never takes effect.
type RuleInterceptor struct {
	engine    atomic.Pointer[rule.Engine]
	evaluator *celeval.Evaluator
	next      MessageInterceptor
	logger    *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRuleInterceptor creates a RuleInterceptor wrapping next. engine may be
// EmptyEngine() when no rule file is configured.
func NewRuleInterceptor(engine *rule.Engine, evaluator *celeval.Evaluator, next MessageInterceptor, logger *slog.Logger) *RuleInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = rule.EmptyEngine()
	}
	ri := &RuleInterceptor{
		evaluator: evaluator,
		next:      next,
		logger:    logger,
	}
	ri.engine.Store(engine)
	return ri
}

// LoadFile loads and compiles path once, without watching it for changes.
func (r *RuleInterceptor) LoadFile(path string) error {
	return r.reloadFrom(path)
}

// WatchFile loads path, compiles it, and starts an fsnotify watcher that
// recompiles and swaps the engine on every write. A compile failure during
// an edit is logged and the previously active engine keeps serving traffic.
func (r *RuleInterceptor) WatchFile(ctx context.Context, path string) error {
	if err := r.reloadFrom(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rule interceptor: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("rule interceptor: watch %s: %w", path, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watchLoop(ctx, path)
	return nil
}

func (r *RuleInterceptor) watchLoop(ctx context.Context, path string) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			_ = r.watcher.Close()
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			// Editors frequently replace a file via rename+create rather
			// than an in-place write; treat both as a reload signal and
			// re-add the watch in case the inode changed.
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reloadFrom(path); err != nil {
				r.logger.Error("rule file reload failed, keeping previous engine", "path", path, "error", err)
				continue
			}
			_ = r.watcher.Add(path)
			r.logger.Info("rule file reloaded", "path", path)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("rule file watcher error", "error", err)
		}
	}
}

func (r *RuleInterceptor) reloadFrom(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	engine, err := rule.NewEngine(data, r.evaluator)
	if err != nil {
		return fmt.Errorf("compile %s: %w", path, err)
	}
	r.engine.Store(engine)
	return nil
}

// ActiveRules returns the rules loaded in the currently active engine, in
// evaluation order, for the admin surface.
func (r *RuleInterceptor) ActiveRules() []rule.Rule {
	compiled := r.engine.Load().Rules()
	out := make([]rule.Rule, 0, len(compiled))
	for _, cr := range compiled {
		out = append(out, cr.Rule)
	}
	return out
}

// Stop halts the file watcher, if one was started.
func (r *RuleInterceptor) Stop() {
	if r.watcher == nil {
		return
	}
	_ = r.watcher.Close()
	<-r.done
}

// Intercept runs envelope through the active rule engine and dispatches on
// the resulting Outcome.
func (r *RuleInterceptor) Intercept(ctx context.Context, msg *mcp.MessageEnvelope) (*mcp.MessageEnvelope, error) {
	engine := r.engine.Load()

	outcome, matched, err := engine.Evaluate(msg, r.evalContext)
	if err != nil {
		r.logger.Error("rule evaluation failed", "error", err)
		return nil, fmt.Errorf("rule evaluation: %w", err)
	}

	switch outcome.Kind {
	case rule.OutcomeBlock:
		ruleID := ""
		if matched != nil {
			ruleID = matched.ID
		}
		r.logger.Info("message blocked by rule", "rule_id", ruleID, "reason", outcome.BlockReason, "code", outcome.BlockCode)
		return nil, &BlockError{Reason: outcome.BlockReason, Code: outcome.BlockCode}

	case rule.OutcomeMock:
		ruleID := ""
		if matched != nil {
			ruleID = matched.ID
		}
		r.logger.Debug("message mocked by rule", "rule_id", ruleID)
		return r.buildMockResponse(msg, outcome), nil

	default:
		if outcome.ModifiedParams != nil || outcome.ModifiedResult != nil {
			msg = applyModifiedPayload(msg, outcome)
		}
		if r.next == nil {
			return msg, nil
		}
		return r.next.Intercept(ctx, msg)
	}
}

// applyModifiedPayload returns a shallow copy of msg with its params/result
// replaced by the rule engine's Modify output, leaving everything else
// (direction, session, delivery context) untouched.
func applyModifiedPayload(msg *mcp.MessageEnvelope, outcome rule.Outcome) *mcp.MessageEnvelope {
	clone := msg.Clone()
	proto := *clone.Message
	if outcome.ModifiedParams != nil {
		proto.Params = outcome.ModifiedParams
	}
	if outcome.ModifiedResult != nil {
		proto.Result = outcome.ModifiedResult
	}
	clone.Message = &proto
	return clone
}

// buildMockResponse synthesizes a JSON-RPC response envelope from a Mock
// outcome without forwarding to the next interceptor (and therefore never
// reaching the upstream at all).
func (r *RuleInterceptor) buildMockResponse(msg *mcp.MessageEnvelope, outcome rule.Outcome) *mcp.MessageEnvelope {
	var resp *mcp.ProtocolMessage
	if outcome.MockIsError {
		resp = mcp.NewErrorResponse(msg.Message.ID, outcome.MockCode, outcome.MockMessage, nil)
	} else {
		resp = mcp.NewResultResponse(msg.Message.ID, outcome.MockResult)
	}

	clone := msg.WithDirection(mcp.ServerToClient)
	clone.Message = resp
	return clone
}

// evalContext builds the CEL activation for one envelope, extracting the
// tool name from tools/call params the same way the upstream router does.
func (r *RuleInterceptor) evalContext(envelope *mcp.MessageEnvelope) policy.EvaluationContext {
	ctx := policy.EvaluationContext{
		SessionID:   envelope.Context.SessionID,
		RequestTime: time.Now(),
		Protocol:    "mcp",
		ActionName:  envelope.Message.Method,
		ActionType:  "tool_call",
		Method:      envelope.Message.Method,
		Direction:   envelope.Context.Direction.String(),
		Transport:   envelope.Context.Delivery.Transport.String(),
	}

	if envelope.Message.Method == "tools/call" {
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := envelope.Message.ParseParams(&params); err == nil {
			ctx.ToolName = params.Name
			ctx.ToolArguments = params.Arguments
		}
	}

	return ctx
}

var _ MessageInterceptor = (*RuleInterceptor)(nil)
