package cel

import (
	"testing"
	"time"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/policy"
)

func TestBuildActivation_PopulatesAllVariables(t *testing.T) {
	now := time.Now()
	ctx := policy.EvaluationContext{
		ToolName:      "read_file",
		ToolArguments: map[string]interface{}{"path": "/etc/passwd"},
		UserRoles:     []string{"user"},
		SessionID:     "sess-9",
		IdentityID:    "id-9",
		IdentityName:  "Bob",
		RequestTime:   now,
		Method:        "tools/call",
		Direction:     "client_to_server",
		Transport:     "stdio",
	}

	activation := BuildActivation(ctx)

	checks := map[string]interface{}{
		"tool_name":     "read_file",
		"session_id":    "sess-9",
		"identity_id":   "id-9",
		"identity_name": "Bob",
		"action_type":   "tool_call",
		"action_name":   "read_file",
		"protocol":      "mcp",
		"method":        "tools/call",
		"direction":     "client_to_server",
		"transport":     "stdio",
	}
	for key, want := range checks {
		if got := activation[key]; got != want {
			t.Errorf("activation[%q] = %v, want %v", key, got, want)
		}
	}

	if activation["arguments"] == nil || activation["tool_args"] == nil {
		t.Error("arguments/tool_args should be populated")
	}
	if activation["identity_roles"] == nil || activation["user_roles"] == nil {
		t.Error("identity_roles/user_roles should be populated")
	}
}

func TestBuildActivation_NilMapsBecomeEmpty(t *testing.T) {
	activation := BuildActivation(policy.EvaluationContext{})

	args, ok := activation["tool_args"].(map[string]interface{})
	if !ok || args == nil {
		t.Errorf("tool_args = %T, want non-nil map", activation["tool_args"])
	}
	roles, ok := activation["user_roles"].([]string)
	if !ok || roles == nil {
		t.Errorf("user_roles = %T, want non-nil slice", activation["user_roles"])
	}
}

func TestRuleEnvironment_GlobFunction(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := policy.EvaluationContext{ToolName: "fs_read", Method: "tools/call"}

	if !evaluate(t, e, `glob("fs_*", tool_name)`, ctx) {
		t.Error(`glob("fs_*", tool_name) should match fs_read`)
	}
	if evaluate(t, e, `glob("net_*", tool_name)`, ctx) {
		t.Error(`glob("net_*", tool_name) should not match fs_read`)
	}
	if !evaluate(t, e, `glob("tools/*", method)`, ctx) {
		t.Error(`glob("tools/*", method) should match tools/call`)
	}
}

func TestRuleEnvironment_ActionArg(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := policy.EvaluationContext{
		ToolArguments: map[string]interface{}{"url": "https://example.com", "count": int64(3)},
	}

	if !evaluate(t, e, `action_arg(arguments, "url") == "https://example.com"`, ctx) {
		t.Error("action_arg should extract the url argument")
	}
	if !evaluate(t, e, `action_arg(arguments, "missing") == null`, ctx) {
		t.Error("action_arg should return null for a missing key")
	}
}

func TestRuleEnvironment_ActionArgContains(t *testing.T) {
	e := newTestEvaluator(t)
	ctx := policy.EvaluationContext{
		ToolArguments: map[string]interface{}{"query": "SELECT password FROM users"},
	}

	if !evaluate(t, e, `action_arg_contains(arguments, "password")`, ctx) {
		t.Error("action_arg_contains should find the substring")
	}
	if evaluate(t, e, `action_arg_contains(arguments, "nonexistent")`, ctx) {
		t.Error("action_arg_contains should not match an absent substring")
	}
}
