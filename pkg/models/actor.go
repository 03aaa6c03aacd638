// Package models contains domain models for qshield.
package models

import (
	"fmt"
	"strings"
)

// Role is the capability and visibility class of a connected actor.
type Role string

const (
	RoleSender       Role = "sender"
	RoleReceiver     Role = "receiver"
	RoleEavesdropper Role = "eavesdropper"
)

// AllRoles lists every role in a stable order.
var AllRoles = []Role{RoleSender, RoleReceiver, RoleEavesdropper}

// roleAliases maps the persona names used by the demo front ends.
var roleAliases = map[string]Role{
	"sender":       RoleSender,
	"patient":      RoleSender,
	"alice":        RoleSender,
	"receiver":     RoleReceiver,
	"doctor":       RoleReceiver,
	"bob":          RoleReceiver,
	"eavesdropper": RoleEavesdropper,
	"hacker":       RoleEavesdropper,
	"eve":          RoleEavesdropper,
}

// ParseRole resolves a role or persona name.
func ParseRole(s string) (Role, error) {
	if r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Valid reports whether r is one of the three actor roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSender, RoleReceiver, RoleEavesdropper:
		return true
	}
	return false
}

func (r Role) bit() RoleSet {
	switch r {
	case RoleSender:
		return 1 << 0
	case RoleReceiver:
		return 1 << 1
	case RoleEavesdropper:
		return 1 << 2
	}
	return 0
}

// RoleSet is a set of roles used as an event visibility filter.
type RoleSet uint8

// RolesAll contains every role.
const RolesAll RoleSet = 1<<0 | 1<<1 | 1<<2

// NewRoleSet builds a set from roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= r.bit()
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	b := r.bit()
	return b != 0 && s&b != 0
}

// With returns the set plus r.
func (s RoleSet) With(r Role) RoleSet { return s | r.bit() }

// Without returns the set minus r.
func (s RoleSet) Without(r Role) RoleSet { return s &^ r.bit() }

// Roles returns the members in AllRoles order.
func (s RoleSet) Roles() []Role {
	out := make([]Role, 0, len(AllRoles))
	for _, r := range AllRoles {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// AttackStrategy selects the eavesdropper's measurement basis policy.
type AttackStrategy string

const (
	StrategyRandom AttackStrategy = "random"
	StrategyZOnly  AttackStrategy = "z_only"
	StrategyXOnly  AttackStrategy = "x_only"
)

// NormalizeStrategy maps unknown strategies to random.
func NormalizeStrategy(s string) AttackStrategy {
	switch AttackStrategy(s) {
	case StrategyZOnly, StrategyXOnly:
		return AttackStrategy(s)
	}
	return StrategyRandom
}
