package toolexecutor

import (
	"strings"
)

// ToolPolicy is an allow/deny list pair. Entries are exact names, "*", or a
// prefix ending in "*".
type ToolPolicy struct {
	Allow []string `mapstructure:"allow" json:"allow"`
	Deny  []string `mapstructure:"deny" json:"deny"`
}

// PolicyConfig is the global policy plus per-provider overrides. Override
// keys are exact provider names or "<family>/*".
type PolicyConfig struct {
	ToolPolicy `mapstructure:",squash"`
	ByProvider map[string]ToolPolicy `mapstructure:"by_provider" json:"by_provider,omitempty"`
}

// Override returns the provider override for provider, if any.
func (pc PolicyConfig) Override(provider string) (ToolPolicy, string, bool) {
	if provider == "" || len(pc.ByProvider) == 0 {
		return ToolPolicy{}, "", false
	}
	if p, ok := pc.ByProvider[provider]; ok {
		return p, provider, true
	}
	family := provider
	if i := strings.Index(provider, "/"); i > 0 {
		family = provider[:i]
	}
	key := family + "/*"
	if p, ok := pc.ByProvider[key]; ok {
		return p, key, true
	}
	return ToolPolicy{}, "", false
}

// Effective merges the global policy with the override for provider. Deny
// lists are unioned; a non-empty override allow list replaces the global one.
func (pc PolicyConfig) Effective(provider string) ToolPolicy {
	effective := ToolPolicy{
		Allow: append([]string(nil), pc.Allow...),
		Deny:  append([]string(nil), pc.Deny...),
	}

	override, _, ok := pc.Override(provider)
	if !ok {
		return effective
	}

	seen := make(map[string]bool, len(effective.Deny))
	for _, d := range effective.Deny {
		seen[d] = true
	}
	for _, d := range override.Deny {
		if !seen[d] {
			effective.Deny = append(effective.Deny, d)
			seen[d] = true
		}
	}

	if len(override.Allow) > 0 {
		effective.Allow = append([]string(nil), override.Allow...)
	}
	return effective
}

// IsToolAllowed checks if a tool is allowed by the policy. Deny wins; an
// empty allow list permits every tool that is not denied.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	if matchAny(tp.Deny, toolName) {
		return false
	}
	if len(tp.Allow) == 0 {
		return true
	}
	return matchAny(tp.Allow, toolName)
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == name
	}
}
