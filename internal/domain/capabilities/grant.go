package capabilities

// Grant is the set of capabilities embedded in a unit's claims.
type Grant []Capability

// NewGrant creates a grant from contract ids, skipping malformed entries.
func NewGrant(contractIDs ...string) Grant {
	g := make(Grant, 0, len(contractIDs))
	for _, id := range contractIDs {
		c, err := ParseCapability(id)
		if err != nil {
			continue
		}
		g.Add(c)
	}
	return g
}

// Add adds a capability to the grant if it's not already present.
func (g *Grant) Add(cap Capability) {
	if !g.Contains(cap) {
		*g = append(*g, cap)
	}
}

// Contains checks if the grant contains a specific capability.
func (g Grant) Contains(cap Capability) bool {
	for _, existing := range g {
		if existing.Equals(cap) {
			return true
		}
	}
	return false
}

// Strings returns the grant as contract ids.
func (g Grant) Strings() []string {
	out := make([]string, 0, len(g))
	for _, c := range g {
		out = append(out, c.String())
	}
	return out
}

// Broad returns the capabilities that grant a whole namespace.
func (g Grant) Broad() []Capability {
	var out []Capability
	for _, c := range g {
		if c.IsBroad() {
			out = append(out, c)
		}
	}
	return out
}
