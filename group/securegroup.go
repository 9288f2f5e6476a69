// Package group implements invitation-gated membership and role-based
// authorization for secure group chats.
//
// The package holds no cryptography and performs no network I/O: it is the
// permission state machine consulted before any group message is encrypted,
// decrypted, or delivered.
package group

import (
	"time"

	"github.com/opd-ai/sechat/crypto"
)

// Role is a member's authorization level within a group.
type Role uint8

const (
	// RoleMember is an ordinary group member.
	RoleMember Role = iota
	// RoleAdmin may invite, revoke invitations, and remove plain members.
	RoleAdmin
	// RoleCreator founded the group. Exactly one per group; cannot be
	// demoted or removed.
	RoleCreator
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleCreator:
		return "creator"
	default:
		return "unknown"
	}
}

// DefaultMaxMembers bounds group size when Settings leaves it unset.
const DefaultMaxMembers = 50

// Settings are the per-group policy knobs.
type Settings struct {
	// AllowMemberInvites lets plain members issue invitations. Creator and
	// admins may always invite.
	AllowMemberInvites bool `json:"allow_member_invites"`
	// MaxMembers caps group size, invitations included at accept time.
	MaxMembers int `json:"max_members"`
}

// Member records one identity's membership.
type Member struct {
	Identity crypto.Identity `json:"identity"`
	Role     Role            `json:"role"`
	JoinedAt time.Time       `json:"joined_at"`
}

// SecureGroup is an invitation-gated group. It is owned and mutated only by
// a Store; callers get copies or read-only views.
type SecureGroup struct {
	ID        string                      `json:"id"`
	Name      string                      `json:"name"`
	Creator   crypto.Identity             `json:"creator"`
	Channel   string                      `json:"channel"`
	Members   map[crypto.Identity]*Member `json:"members"`
	Settings  Settings                    `json:"settings"`
	CreatedAt time.Time                   `json:"created_at"`
}

// roleOf returns the role of an identity, or (0, false) for non-members.
func (g *SecureGroup) roleOf(id crypto.Identity) (Role, bool) {
	m, ok := g.Members[id]
	if !ok {
		return 0, false
	}
	return m.Role, true
}

// MemberIdentities returns the identities of all current members.
func (g *SecureGroup) MemberIdentities() []crypto.Identity {
	ids := make([]crypto.Identity, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	return ids
}
