package toolexecutor

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ToolPolicy defines which tools may be offered to the model and dispatched.
type ToolPolicy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// Validate warns about policies that hide every tool and rejects empty names.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}

	hasAllowWildcard := false
	for _, name := range tp.Allow {
		if name == "" {
			return fmt.Errorf("tool policy allow list contains an empty name")
		}
		if name == "*" {
			hasAllowWildcard = true
		}
	}
	for _, name := range tp.Deny {
		if name == "" {
			return fmt.Errorf("tool policy deny list contains an empty name")
		}
		if name == "*" && hasAllowWildcard {
			log.Warn().Msg("Tool policy has both allow and deny wildcards - deny will override allow")
		}
	}

	if len(tp.Allow) == 0 {
		log.Warn().Msg("Tool policy has empty allow list - all tools will be denied by default")
	}
	return nil
}
