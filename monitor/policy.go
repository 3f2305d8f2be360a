package monitor

// Policy names one comparison rule of the differ. A disabled policy still
// persists its field but emits no event.
type Policy string

const (
	PolicyRename      Policy = "rename"
	PolicyController  Policy = "controller"
	PolicyRank        Policy = "rank"
	PolicyValidity    Policy = "validity"
	PolicyOnline      Policy = "online"
	PolicyActive      Policy = "active"
	PolicyCommission  Policy = "commission"
	PolicySessionKeys Policy = "sessionKeys"
	PolicyLocation    Policy = "location"
	PolicyVersion     Policy = "version"
)

type Policies map[Policy]bool

// DefaultPolicies enables every rule except version changes.
func DefaultPolicies() Policies {
	return Policies{
		PolicyRename:      true,
		PolicyController:  true,
		PolicyRank:        true,
		PolicyValidity:    true,
		PolicyOnline:      true,
		PolicyActive:      true,
		PolicyCommission:  true,
		PolicySessionKeys: true,
		PolicyLocation:    true,
		PolicyVersion:     false,
	}
}

// Enabled treats unknown policies as disabled.
func (p Policies) Enabled(name Policy) bool {
	return p[name]
}

// With returns a copy with overrides applied.
func (p Policies) With(overrides map[string]bool) Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[Policy(k)] = v
	}
	return out
}
