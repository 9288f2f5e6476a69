package group

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sechat/crypto"
)

var (
	// ErrAccessDenied indicates the acting identity lacks permission for the
	// operation. The operation has no side effects.
	ErrAccessDenied = errors.New("access denied")
	// ErrGroupNotFound indicates an unknown group id.
	ErrGroupNotFound = errors.New("group not found")
	// ErrGroupFull indicates the group is at its member cap.
	ErrGroupFull = errors.New("group is full")
	// ErrAlreadyMember indicates the invitee already belongs to the group.
	ErrAlreadyMember = errors.New("already a member")
	// ErrDuplicateInvitation indicates a PENDING invitation already exists
	// for the (group, invitee) pair.
	ErrDuplicateInvitation = errors.New("pending invitation already exists")
	// ErrInvitationNotFound indicates an unknown invitation id.
	ErrInvitationNotFound = errors.New("invitation not found")
	// ErrNotInvitee indicates the acting identity is not the addressed
	// invitee.
	ErrNotInvitee = errors.New("not the addressed invitee")
	// ErrInvitationNotPending indicates the invitation already reached a
	// terminal state.
	ErrInvitationNotPending = errors.New("invitation is not pending")
	// ErrInvitationExpired indicates the invitation deadline has passed.
	// The stored status is left unchanged.
	ErrInvitationExpired = errors.New("invitation expired")
)

// Store owns all SecureGroup and Invitation state. All methods are safe for
// concurrent use; authorization rules are enforced inside the lock so a
// denied operation observes and produces no partial state.
type Store struct {
	mu          sync.RWMutex
	groups      map[string]*SecureGroup
	invitations map[string]*Invitation
	// pending indexes the single PENDING invitation per (group, invitee).
	pending map[string]string
	now     func() time.Time
}

// NewStore creates an empty access-control store.
func NewStore() *Store {
	return &Store{
		groups:      make(map[string]*SecureGroup),
		invitations: make(map[string]*Invitation),
		pending:     make(map[string]string),
		now:         time.Now,
	}
}

func pendingKey(groupID string, invitee crypto.Identity) string {
	return groupID + "|" + string(invitee)
}

// CreateGroup creates a group with the creator as its sole member holding
// RoleCreator. Anyone may create a group.
func (s *Store) CreateGroup(name string, creator crypto.Identity, settings Settings) (*SecureGroup, error) {
	if name == "" {
		return nil, errors.New("group name cannot be empty")
	}
	if creator == "" {
		return nil, errors.New("creator identity cannot be empty")
	}
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = DefaultMaxMembers
	}

	id := uuid.New().String()
	g := &SecureGroup{
		ID:      id,
		Name:    name,
		Creator: creator,
		Channel: "#sg-" + id[:8],
		Members: map[crypto.Identity]*Member{
			creator: {Identity: creator, Role: RoleCreator, JoinedAt: s.now()},
		},
		Settings:  settings,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.groups[id] = g
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group_id": id,
		"name":     name,
	}).Info("Created secure group")

	return g, nil
}

// Group returns a group by id.
func (s *Store) Group(groupID string) (*SecureGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

// Groups returns all groups in the store.
func (s *Store) Groups() []*SecureGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SecureGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// CanAccess is the sole authorization gate for group traffic: it reports
// whether identity is currently a member of the group.
func (s *Store) CanAccess(groupID string, identity crypto.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	_, member := g.Members[identity]
	return member
}

// Invite creates a PENDING invitation. Creator and admins may always invite;
// plain members only when the group allows member invites.
func (s *Store) Invite(groupID string, inviter, invitee crypto.Identity) (*Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}

	role, isMember := g.roleOf(inviter)
	if !isMember {
		return nil, fmt.Errorf("%w: inviter is not a member", ErrAccessDenied)
	}
	if role == RoleMember && !g.Settings.AllowMemberInvites {
		return nil, fmt.Errorf("%w: member invitations disabled for this group", ErrAccessDenied)
	}
	if _, already := g.Members[invitee]; already {
		return nil, ErrAlreadyMember
	}
	if _, dup := s.pending[pendingKey(groupID, invitee)]; dup {
		return nil, ErrDuplicateInvitation
	}
	if len(g.Members) >= g.Settings.MaxMembers {
		return nil, ErrGroupFull
	}

	inv := &Invitation{
		ID:        uuid.New().String(),
		GroupID:   groupID,
		Inviter:   inviter,
		Invitee:   invitee,
		Status:    StatusPending,
		CreatedAt: s.now(),
		ExpiresAt: s.now().Add(DefaultInvitationTTL),
	}
	s.invitations[inv.ID] = inv
	s.pending[pendingKey(groupID, invitee)] = inv.ID

	logrus.WithFields(logrus.Fields{
		"function":      "Invite",
		"group_id":      groupID,
		"invitation_id": inv.ID,
	}).Info("Created group invitation")

	return inv, nil
}

// RegisterGroup installs group metadata received from the network (via an
// invitation) so a joining session can track membership locally. The
// creator is seeded as the sole member; an existing group is left as is.
func (s *Store) RegisterGroup(id, name string, creator crypto.Identity, channel string, settings Settings) (*SecureGroup, error) {
	if id == "" || creator == "" {
		return nil, errors.New("group id and creator are required")
	}
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = DefaultMaxMembers
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, exists := s.groups[id]; exists {
		return g, nil
	}
	g := &SecureGroup{
		ID:      id,
		Name:    name,
		Creator: creator,
		Channel: channel,
		Members: map[crypto.Identity]*Member{
			creator: {Identity: creator, Role: RoleCreator, JoinedAt: s.now()},
		},
		Settings:  settings,
		CreatedAt: s.now(),
	}
	s.groups[id] = g
	return g, nil
}

// RegisterIncoming records an invitation received from the network so the
// invitee's store can later accept or decline it. An existing invitation
// with the same id is left untouched.
func (s *Store) RegisterIncoming(inv *Invitation) error {
	if inv == nil || inv.ID == "" {
		return errors.New("invalid invitation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invitations[inv.ID]; exists {
		return nil
	}
	copied := *inv
	s.invitations[copied.ID] = &copied
	if copied.Status == StatusPending {
		s.pending[pendingKey(copied.GroupID, copied.Invitee)] = copied.ID
	}
	return nil
}

// Invitation returns an invitation by id.
func (s *Store) Invitation(id string) (*Invitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	return inv, nil
}

// Accept transitions a PENDING invitation to ACCEPTED and adds the invitee
// as a plain member. It fails with no state change when the invitation is
// missing, identity is not the invitee, the status is not PENDING, or the
// invitation has expired. Accepting twice fails on the second call.
func (s *Store) Accept(invitationID string, identity crypto.Identity) (*SecureGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[invitationID]
	if !ok {
		return nil, ErrInvitationNotFound
	}
	if inv.Invitee != identity {
		return nil, ErrNotInvitee
	}
	if inv.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvitationNotPending, inv.Status)
	}
	if inv.Expired(s.now()) {
		return nil, ErrInvitationExpired
	}

	g, ok := s.groups[inv.GroupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	if len(g.Members) >= g.Settings.MaxMembers {
		return nil, ErrGroupFull
	}

	inv.Status = StatusAccepted
	delete(s.pending, pendingKey(inv.GroupID, inv.Invitee))
	g.Members[identity] = &Member{Identity: identity, Role: RoleMember, JoinedAt: s.now()}

	logrus.WithFields(logrus.Fields{
		"function":      "Accept",
		"invitation_id": invitationID,
		"group_id":      inv.GroupID,
	}).Info("Invitation accepted")

	return g, nil
}

// Decline transitions a PENDING invitation to DECLINED. Only the addressed
// invitee may decline.
func (s *Store) Decline(invitationID string, identity crypto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[invitationID]
	if !ok {
		return ErrInvitationNotFound
	}
	if inv.Invitee != identity {
		return ErrNotInvitee
	}
	if inv.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrInvitationNotPending, inv.Status)
	}

	inv.Status = StatusDeclined
	delete(s.pending, pendingKey(inv.GroupID, inv.Invitee))
	return nil
}

// Revoke transitions a PENDING invitation to REVOKED. Only the group's
// creator or an admin may revoke.
func (s *Store) Revoke(invitationID string, actor crypto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[invitationID]
	if !ok {
		return ErrInvitationNotFound
	}
	g, ok := s.groups[inv.GroupID]
	if !ok {
		return ErrGroupNotFound
	}
	role, isMember := g.roleOf(actor)
	if !isMember || role == RoleMember {
		return fmt.Errorf("%w: revocation requires admin or creator", ErrAccessDenied)
	}
	if inv.Status != StatusPending {
		return fmt.Errorf("%w: status is %s", ErrInvitationNotPending, inv.Status)
	}

	inv.Status = StatusRevoked
	delete(s.pending, pendingKey(inv.GroupID, inv.Invitee))
	return nil
}

// ExpireStale transitions PENDING invitations past their deadline to
// EXPIRED and returns how many were expired.
func (s *Store) ExpireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired := 0
	for _, inv := range s.invitations {
		if inv.Status == StatusPending && inv.Expired(now) {
			inv.Status = StatusExpired
			delete(s.pending, pendingKey(inv.GroupID, inv.Invitee))
			expired++
		}
	}
	return expired
}

// Promote raises a plain member to admin. Creator only.
func (s *Store) Promote(groupID string, actor, target crypto.Identity) error {
	return s.setRole(groupID, actor, target, RoleAdmin)
}

// Demote lowers an admin to plain member. Creator only; the creator itself
// cannot be demoted.
func (s *Store) Demote(groupID string, actor, target crypto.Identity) error {
	return s.setRole(groupID, actor, target, RoleMember)
}

func (s *Store) setRole(groupID string, actor, target crypto.Identity, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	actorRole, isMember := g.roleOf(actor)
	if !isMember || actorRole != RoleCreator {
		return fmt.Errorf("%w: role changes require the creator", ErrAccessDenied)
	}
	targetMember, ok := g.Members[target]
	if !ok {
		return fmt.Errorf("target is not a member")
	}
	if targetMember.Role == RoleCreator {
		return fmt.Errorf("%w: creator role cannot be changed", ErrAccessDenied)
	}

	targetMember.Role = role
	logrus.WithFields(logrus.Fields{
		"function": "setRole",
		"group_id": groupID,
		"new_role": role.String(),
	}).Info("Member role changed")
	return nil
}

// RemoveMember removes target from the group. The creator may remove anyone
// but itself; admins remove plain members only; members remove no one.
//
// Removal does not rotate the group key: forward secrecy after removal
// requires the caller to rotate separately.
func (s *Store) RemoveMember(groupID string, actor, target crypto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	actorRole, isMember := g.roleOf(actor)
	if !isMember {
		return fmt.Errorf("%w: actor is not a member", ErrAccessDenied)
	}
	targetMember, ok := g.Members[target]
	if !ok {
		return fmt.Errorf("target is not a member")
	}

	switch {
	case targetMember.Role == RoleCreator:
		return fmt.Errorf("%w: creator cannot be removed", ErrAccessDenied)
	case actorRole == RoleCreator:
		// Creator removes anyone but self, and self is RoleCreator above.
	case actorRole == RoleAdmin && targetMember.Role == RoleMember:
		// Admin removes plain members only.
	default:
		return fmt.Errorf("%w: %s may not remove %s", ErrAccessDenied, actorRole, targetMember.Role)
	}

	delete(g.Members, target)
	logrus.WithFields(logrus.Fields{
		"function": "RemoveMember",
		"group_id": groupID,
	}).Info("Member removed from group")
	return nil
}

// Snapshot is the serializable form of a Store, reloadable with Restore.
type Snapshot struct {
	Groups      map[string]*SecureGroup `json:"groups"`
	Invitations map[string]*Invitation  `json:"invitations"`
	Pending     map[string]string       `json:"pending"`
}

// Snapshot captures the store state for persistence.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Groups:      make(map[string]*SecureGroup, len(s.groups)),
		Invitations: make(map[string]*Invitation, len(s.invitations)),
		Pending:     make(map[string]string, len(s.pending)),
	}
	for id, g := range s.groups {
		snap.Groups[id] = g
	}
	for id, inv := range s.invitations {
		snap.Invitations[id] = inv
	}
	for k, v := range s.pending {
		snap.Pending[k] = v
	}
	return snap
}

// Restore replaces the store state from a snapshot.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = snap.Groups
	s.invitations = snap.Invitations
	s.pending = snap.Pending
	if s.groups == nil {
		s.groups = make(map[string]*SecureGroup)
	}
	if s.invitations == nil {
		s.invitations = make(map[string]*Invitation)
	}
	if s.pending == nil {
		s.pending = make(map[string]string)
	}
}

// MarshalJSON serializes the store via its snapshot.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON restores the store from a snapshot document.
func (s *Store) UnmarshalJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.Restore(&snap)
	return nil
}
