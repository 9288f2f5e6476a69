// Package groupkey manages the shared symmetric keys that protect group
// traffic: generation, explicit rotation, per-member wrapping through the
// asymmetric engine, and message encryption.
//
// Possession of a wrapped-key record — not knowledge of the key bytes — is
// the authorization artifact: Decrypt refuses to operate for an identity
// without a record even if the raw key is somehow known.
package groupkey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/sechat/crypto"
)

// KeySize is the symmetric key length in bytes (AES-256).
const KeySize = 32

// keyIDLen is the number of hash bytes kept for the key id tag.
const keyIDLen = 8

// GroupKey is one version of a group's symmetric key. Keys are superseded
// by rotation, never mutated.
type GroupKey struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Key       []byte    `json:"key"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// EncryptedGroupKey is a group key wrapped for one member's asymmetric
// identity. One record exists per (group, member) holding access.
type EncryptedGroupKey struct {
	GroupID   string          `json:"group_id"`
	Member    crypto.Identity `json:"member"`
	KeyID     string          `json:"key_id"`
	Wrapped   []byte          `json:"wrapped"`
	CreatedAt time.Time       `json:"created_at"`
}

// Message is an encrypted group message ready for enveloping. IV and
// Ciphertext are base64-encoded for the text transport.
type Message struct {
	ID         string          `json:"id"`
	GroupID    string          `json:"group_id"`
	Sender     crypto.Identity `json:"sender"`
	KeyID      string          `json:"key_id"`
	IV         string          `json:"iv"`
	Ciphertext string          `json:"ciphertext"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ToJSON serializes the message for the wire envelope.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON parses a wire envelope body into a Message.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse group message: %w", err)
	}
	if m.GroupID == "" || m.KeyID == "" {
		return nil, fmt.Errorf("group message missing required fields")
	}
	return &m, nil
}

// keyIDOf derives the short key id deterministically from the key bytes.
func keyIDOf(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:keyIDLen])
}

// newKey generates a fresh random group key for the given version.
func newKey(groupID string, version int) (*GroupKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}
	return &GroupKey{
		ID:        keyIDOf(key),
		GroupID:   groupID,
		Key:       key,
		Version:   version,
		CreatedAt: time.Now(),
	}, nil
}

// messageID derives a dedup hint from (sender, group, second). Rapid
// same-second sends collide; the id is never used as an authoritative key.
func messageID(sender crypto.Identity, groupID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", sender, groupID, ts.Unix())))
	return hex.EncodeToString(sum[:8])
}

// decodeB64 is a small helper for the message fields.
func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
