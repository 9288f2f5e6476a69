package group

import (
	"time"

	"github.com/opd-ai/sechat/crypto"
)

// InvitationStatus is the state of a group invitation. PENDING is the only
// non-terminal state; every transition out of it is final.
type InvitationStatus uint8

const (
	StatusPending InvitationStatus = iota
	StatusAccepted
	StatusDeclined
	StatusExpired
	StatusRevoked
)

func (s InvitationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusDeclined:
		return "declined"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s InvitationStatus) Terminal() bool {
	return s != StatusPending
}

// DefaultInvitationTTL is how long a new invitation stays acceptable.
const DefaultInvitationTTL = 24 * time.Hour

// Invitation is one invitation to join a group. At most one PENDING
// invitation exists per (group, invitee) pair.
type Invitation struct {
	ID        string           `json:"id"`
	GroupID   string           `json:"group_id"`
	Inviter   crypto.Identity  `json:"inviter"`
	Invitee   crypto.Identity  `json:"invitee"`
	Status    InvitationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Expired reports whether the invitation's deadline has passed.
func (i *Invitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
