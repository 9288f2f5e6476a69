// Package crypto defines the asymmetric engine contract the chat layers
// depend on, together with a NaCl-based implementation.
//
// The chat layers never touch raw key material directly: they target a
// recipient by Identity (a public-key fingerprint) and receive classified
// errors on failure. Secrets are never included in error values.
package crypto

import (
	"errors"
	"fmt"
)

// Identity is the fingerprint identifying an asymmetric key pair. It is
// distinct from the transport handle a party uses on the network.
type Identity string

// DecryptReason classifies why a decryption attempt failed.
type DecryptReason uint8

const (
	// ReasonMissingPassphrase means the local private key could not be
	// unlocked with the supplied passphrase.
	ReasonMissingPassphrase DecryptReason = iota
	// ReasonIdentityMismatch means the ciphertext was not encrypted for any
	// locally held identity.
	ReasonIdentityMismatch
	// ReasonMalformed means the ciphertext structure could not be parsed.
	ReasonMalformed
)

func (r DecryptReason) String() string {
	switch r {
	case ReasonMissingPassphrase:
		return "missing passphrase"
	case ReasonIdentityMismatch:
		return "identity mismatch"
	case ReasonMalformed:
		return "malformed ciphertext"
	default:
		return "unknown"
	}
}

// DecryptError is a classified decryption failure. It never carries key
// material or passphrases.
type DecryptError struct {
	Reason DecryptReason
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt failed (%s)", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// ReasonOf extracts the classification from an error chain. The second
// return is false when the error is not a DecryptError.
func ReasonOf(err error) (DecryptReason, bool) {
	var de *DecryptError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return 0, false
}

// ErrUnknownIdentity indicates an Identity with no key material on record.
var ErrUnknownIdentity = errors.New("unknown identity")

// Engine is the asymmetric crypto collaborator. Implementations must be safe
// for concurrent use.
type Engine interface {
	// Encrypt encrypts and signs plaintext for the recipient identity.
	Encrypt(plaintext []byte, recipient Identity) ([]byte, error)
	// Decrypt decrypts ciphertext addressed to a local identity, unlocking
	// the private key with passphrase when it is protected. verified is true
	// only when the embedded signature checks against a known identity.
	Decrypt(ciphertext []byte, passphrase string) (plaintext []byte, verified bool, err error)
	// ExportPublicKey serializes the public half of an identity for sharing.
	ExportPublicKey(identity Identity) ([]byte, error)
	// ImportKey registers previously exported public key material and
	// returns the identity it belongs to.
	ImportKey(material []byte) (Identity, error)
}
