package auth

import "slices"

type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
	// RoleSystem is held only by the built-in SystemActorID.
	RoleSystem Role = "system"
)

// SystemActorID identifies automated actors such as the reconciler and
// escalation heuristics.
const SystemActorID = "system"

// Capability is a single privileged action class.
type Capability uint8

const (
	// CapArbitrate allows moving and resolving any dispute case.
	CapArbitrate Capability = 1 << iota
	// CapEscalate allows escalating a case for senior review.
	CapEscalate
	// CapModerate allows suspending listings and members.
	CapModerate
	// CapAdminister allows removing any listing.
	CapAdminister
)

func (c Capability) String() string {
	switch c {
	case CapArbitrate:
		return "arbitrate"
	case CapEscalate:
		return "escalate"
	case CapModerate:
		return "moderate"
	case CapAdminister:
		return "administer"
	}
	return "unknown"
}

// CapabilitySet is a bitmask of capabilities.
type CapabilitySet uint8

func (s CapabilitySet) Has(c Capability) bool {
	return uint8(s)&uint8(c) != 0
}

var roleCapabilities = map[Role]CapabilitySet{
	RoleUser:   0,
	RoleStaff:  CapabilitySet(CapArbitrate | CapEscalate | CapModerate),
	RoleAdmin:  CapabilitySet(CapArbitrate | CapEscalate | CapModerate | CapAdminister),
	RoleSystem: CapabilitySet(CapArbitrate | CapEscalate),
}

// CapabilitiesFor unions the capability sets of roles. Unknown roles grant nothing.
func CapabilitiesFor(roles []Role) CapabilitySet {
	var set CapabilitySet
	for _, r := range roles {
		set |= roleCapabilities[r]
	}
	return set
}

func ValidRole(r Role) bool {
	_, ok := roleCapabilities[r]
	return ok && r != RoleSystem
}

// Principal is an actor resolved through a Directory.
type Principal struct {
	ID    string
	Name  string
	Roles []Role
	Caps  CapabilitySet
}

func NewPrincipal(id, name string, roles ...Role) Principal {
	return Principal{ID: id, Name: name, Roles: roles, Caps: CapabilitiesFor(roles)}
}

func (p Principal) Can(c Capability) bool {
	return p.Caps.Has(c)
}

func (p Principal) HasRole(r Role) bool {
	return slices.Contains(p.Roles, r)
}

// IsStaff reports whether the principal belongs to the moderation team.
func (p Principal) IsStaff() bool {
	return p.HasRole(RoleStaff) || p.HasRole(RoleAdmin)
}
