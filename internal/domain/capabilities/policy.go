package capabilities

import "strings"

// Policy decides whether a requested contract is covered by a grant.
type Policy struct{}

// NewPolicy creates a new domain policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// IsGranted checks if a specific capability (request) is covered by any of the granted capabilities.
func (p *Policy) IsGranted(request Capability, granted []Capability) bool {
	for _, grant := range granted {
		if matchPattern(request.Namespace, grant.Namespace) && matchPattern(request.Name, grant.Name) {
			return true
		}
	}
	return false
}

// matchPattern performs simple glob-like pattern matching.
// Supports "*" wildcard at the end of the pattern.
func matchPattern(request, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(request, prefix)
	}
	return request == pattern
}
