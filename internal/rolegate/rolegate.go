// Package rolegate decides whether a caller's role claim may use a resource group.
package rolegate

import (
	"slices"
	"strings"

	"retailcore/internal/apperr"
)

// Policy is the static set of roles allowed on a route group. An empty policy
// admits any authenticated caller.
type Policy []string

func Allow(roles ...string) Policy {
	return Policy(roles)
}

// Check returns nil when the claim is admitted, an Unauthorized error when no
// claim is present, and a Forbidden error when the role is not in the policy.
func (p Policy) Check(role string, present bool) error {
	role = strings.TrimSpace(role)
	if !present || role == "" {
		return apperr.Unauthorized("Unauthorized")
	}
	if len(p) > 0 && !slices.Contains(p, role) {
		return apperr.Forbidden("Forbidden")
	}
	return nil
}
