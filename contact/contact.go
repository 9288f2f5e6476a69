// Package contact implements the direct-message channel: the per-contact
// registry, asymmetric encryption orchestration, passphrase-candidate
// decryption, and the local append-only message history.
package contact

import (
	"time"

	"github.com/opd-ai/sechat/crypto"
)

// Contact maps a transport handle to a crypto identity. Handles are unique
// within a registry.
type Contact struct {
	Handle    string          `json:"handle"`
	Identity  crypto.Identity `json:"identity"`
	PublicKey []byte          `json:"public_key"`

	// Online is heuristic: set true only when traffic arrives from the
	// contact, reset for everyone on transport disconnect.
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// DirectMessage is one processed direct message, sent or received. Records
// are immutable once appended to history.
type DirectMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted"`
	Verified  bool      `json:"verified"`
}
