package sechat

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/opd-ai/sechat/crypto"
	"github.com/opd-ai/sechat/group"
	"github.com/opd-ai/sechat/groupkey"
)

// Envelope markers distinguishing a payload's purpose from plain chat text.
// They must match the reference protocol byte for byte.
const (
	secureGroupPrefix = "<SECURE-GROUP>"
	secureGroupSuffix = "</SECURE-GROUP>"
	groupInvitePrefix = "<GROUP-INVITE>"
	groupInviteSuffix = "</GROUP-INVITE>"
	groupAcceptPrefix = "<GROUP-ACCEPT>"
	groupAcceptSuffix = "</GROUP-ACCEPT>"
)

// GroupInvite is a received group invitation together with the material the
// invitee needs to join: group metadata and the group key wrapped for the
// invitee's identity.
type GroupInvite struct {
	Invitation *group.Invitation           `json:"invitation"`
	GroupName  string                      `json:"group_name"`
	Channel    string                      `json:"channel"`
	Creator    crypto.Identity             `json:"creator"`
	Settings   group.Settings              `json:"settings"`
	WrappedKey *groupkey.EncryptedGroupKey `json:"wrapped_key"`
	KeyVersion int                         `json:"key_version"`

	// InviterHandle is the transport handle the invitation arrived from,
	// recorded locally so the reply can be addressed. Never serialized.
	InviterHandle string `json:"-"`
}

// inviteReply is the invitee's answer to a delivered invitation, sent back
// encrypted for the inviter's identity so both access-control stores
// converge on the invitation outcome. Possession of the invitation id,
// which only travels inside the encrypted invitation, authenticates it.
type inviteReply struct {
	InvitationID string                 `json:"invitation_id"`
	GroupID      string                 `json:"group_id"`
	Member       crypto.Identity        `json:"member"`
	Status       group.InvitationStatus `json:"status"`
}

// wrapSecureGroup envelopes a serialized group message.
func wrapSecureGroup(body []byte) []byte {
	return []byte(secureGroupPrefix + string(body) + secureGroupSuffix)
}

// unwrapSecureGroup extracts the JSON body from a SECURE-GROUP envelope.
func unwrapSecureGroup(raw string) ([]byte, bool, error) {
	if !strings.HasPrefix(raw, secureGroupPrefix) {
		return nil, false, nil
	}
	if !strings.HasSuffix(raw, secureGroupSuffix) {
		return nil, true, fmt.Errorf("unterminated secure-group envelope")
	}
	return []byte(raw[len(secureGroupPrefix) : len(raw)-len(secureGroupSuffix)]), true, nil
}

// wrapGroupInvite envelopes asymmetrically encrypted invitation bytes.
func wrapGroupInvite(ciphertext []byte) []byte {
	return []byte(groupInvitePrefix + base64.StdEncoding.EncodeToString(ciphertext) + groupInviteSuffix)
}

// unwrapGroupInvite extracts the ciphertext from a GROUP-INVITE envelope.
func unwrapGroupInvite(raw string) ([]byte, bool, error) {
	return unwrapCiphertext(raw, groupInvitePrefix, groupInviteSuffix)
}

// wrapGroupAccept envelopes asymmetrically encrypted invite-reply bytes.
func wrapGroupAccept(ciphertext []byte) []byte {
	return []byte(groupAcceptPrefix + base64.StdEncoding.EncodeToString(ciphertext) + groupAcceptSuffix)
}

// unwrapGroupAccept extracts the ciphertext from a GROUP-ACCEPT envelope.
func unwrapGroupAccept(raw string) ([]byte, bool, error) {
	return unwrapCiphertext(raw, groupAcceptPrefix, groupAcceptSuffix)
}

func unwrapCiphertext(raw, prefix, suffix string) ([]byte, bool, error) {
	if !strings.HasPrefix(raw, prefix) {
		return nil, false, nil
	}
	if !strings.HasSuffix(raw, suffix) {
		return nil, true, fmt.Errorf("unterminated %s envelope", strings.Trim(prefix, "<>"))
	}
	inner := raw[len(prefix) : len(raw)-len(suffix)]
	ciphertext, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return nil, true, fmt.Errorf("decode %s envelope: %w", strings.Trim(prefix, "<>"), err)
	}
	return ciphertext, true, nil
}
