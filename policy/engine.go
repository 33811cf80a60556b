// Package policy evaluates the Rego policy that gates session opening.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// SessionInput is the document the policy sees as `input`.
type SessionInput struct {
	AgentID         string `json:"agent_id"`
	Payer           string `json:"payer"`
	AgentRecipient  string `json:"agent_recipient"`
	EndpointType    string `json:"endpoint_type"`
	EndpointURL     string `json:"endpoint_url"`
	PrepayAmount    int64  `json:"prepay_amount"`
	MessageFee      int64  `json:"message_fee"`
	SettleThreshold int64  `json:"settle_threshold"`
	ChainID         int64  `json:"chain_id"`
	RegisteredAgent bool   `json:"registered_agent"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define the set rule data.session_policy.deny.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.session_policy.deny"),
		rego.Module("session_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate runs the policy. The session is allowed when no deny message is produced.
func (e *Engine) Evaluate(ctx context.Context, input SessionInput) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allowed: true}, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, item := range v {
			reasons = append(reasons, fmt.Sprint(item))
		}
	case nil:
	default:
		return Decision{}, fmt.Errorf("policy returned unexpected type %T", v)
	}
	sort.Strings(reasons)
	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package session_policy

import rego.v1

max_prepay := 1000000000

deny contains "prepay must be positive" if {
	input.prepay_amount <= 0
}

deny contains "prepay exceeds the per-session limit" if {
	input.prepay_amount > max_prepay
}

deny contains msg if {
	not input.endpoint_type in {"http", "echo"}
	msg := sprintf("endpoint type %q is not allowed", [input.endpoint_type])
}

deny contains "http endpoints must use an http(s) url" if {
	input.endpoint_type == "http"
	not startswith(input.endpoint_url, "http://")
	not startswith(input.endpoint_url, "https://")
}

deny contains "agent recipient must differ from payer" if {
	lower(input.agent_recipient) == lower(input.payer)
}
`
