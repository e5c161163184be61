package tools

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Policy decisions
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// PolicyEngine is the OPA gate evaluated before a tool executes.
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine prepares the policy. The module must define data.tool_policy.decision.
func NewPolicyEngine(ctx context.Context, policyContent string) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &PolicyEngine{query: query}, nil
}

// PolicyInput is the document the policy sees as input
type PolicyInput struct {
	ToolName   string                 `json:"tool_name"`
	BusinessID string                 `json:"business_id"`
	SessionID  string                 `json:"session_id"`
	Args       map[string]interface{} `json:"args"`
}

// Evaluate returns the decision and an optional reason.
// The rule may produce a string or an object {decision, reason}.
func (e *PolicyEngine) Evaluate(ctx context.Context, input PolicyInput) (string, string, error) {
	doc := map[string]interface{}{
		"tool_name":   input.ToolName,
		"business_id": input.BusinessID,
		"session_id":  input.SessionID,
		"args":        input.Args,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = DecisionAllow
		}
		return decision, reason, nil
	}
	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy allows every tool except payments above maxPayment.
func DefaultPolicy(maxPayment float64) string {
	return fmt.Sprintf(`
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "capture_payment"
	input.args.amount > %g
}
`, maxPayment)
}
