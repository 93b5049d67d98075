package toolexecutor

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Violation types
const (
	ViolationDenyList       = "deny_list"
	ViolationNotInAllowList = "not_in_allow_list"
)

// PolicyEvaluator evaluates tool policies and determines if tool execution should be allowed
type PolicyEvaluator struct {
	logger zerolog.Logger
}

// NewPolicyEvaluator creates a new policy evaluator
func NewPolicyEvaluator(logger zerolog.Logger) *PolicyEvaluator {
	return &PolicyEvaluator{logger: logger}
}

// EvaluationResult represents the result of a policy evaluation
type EvaluationResult struct {
	Allowed       bool                   // Whether the tool execution is allowed
	Reason        string                 // Reason for the decision
	ViolationType string                 // "deny_list", "not_in_allow_list" or ""
	Metadata      map[string]interface{} // Additional metadata
}

// Evaluate checks toolName against the global policy merged with the override for provider.
func (pe *PolicyEvaluator) Evaluate(toolName string, cfg PolicyConfig, provider string) EvaluationResult {
	policy := cfg.Effective(provider)
	_, overrideKey, _ := cfg.Override(provider)

	metadata := map[string]interface{}{
		"tool_name": toolName,
	}
	if provider != "" {
		metadata["provider"] = provider
	}
	if overrideKey != "" {
		metadata["override"] = overrideKey
	}

	if matchAny(policy.Deny, toolName) {
		pe.logViolation(toolName, provider, ViolationDenyList)
		metadata["violation_type"] = ViolationDenyList
		return EvaluationResult{
			Allowed:       false,
			Reason:        fmt.Sprintf("tool '%s' is in deny list", toolName),
			ViolationType: ViolationDenyList,
			Metadata:      metadata,
		}
	}

	if len(policy.Allow) > 0 && !matchAny(policy.Allow, toolName) {
		pe.logViolation(toolName, provider, ViolationNotInAllowList)
		metadata["violation_type"] = ViolationNotInAllowList
		return EvaluationResult{
			Allowed:       false,
			Reason:        fmt.Sprintf("tool '%s' is not in allow list", toolName),
			ViolationType: ViolationNotInAllowList,
			Metadata:      metadata,
		}
	}

	return EvaluationResult{
		Allowed:  true,
		Reason:   "tool is not denied by policy",
		Metadata: metadata,
	}
}

func (pe *PolicyEvaluator) logViolation(toolName, provider, violationType string) {
	pe.logger.Warn().
		Str("tool", toolName).
		Str("provider", provider).
		Str("violation_type", violationType).
		Msg("Policy violation: tool execution blocked")
}
