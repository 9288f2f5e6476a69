package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// envelopeMagic prefixes every ciphertext this engine produces so receivers
// can distinguish encrypted payloads from plain text.
var envelopeMagic = []byte("SBX1")

// IsEnvelope reports whether data carries this engine's ciphertext marker.
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(data, envelopeMagic)
}

// Argon2id parameters for passphrase-derived key-encryption keys.
const (
	kdfTime    uint32 = 3
	kdfMemory  uint32 = 64 * 1024
	kdfThreads uint8  = 1
	kdfSaltLen        = 16
)

// fingerprintLen is the number of fingerprint bytes kept, hex-encoded into
// a 40-character Identity.
const fingerprintLen = 20

// publicMaterial is the serialized form of an exported public key.
type publicMaterial struct {
	Fingerprint string `json:"fingerprint"`
	BoxPublic   string `json:"box_public"`
	SignPublic  string `json:"sign_public"`
}

// innerEnvelope is the signed payload sealed inside the anonymous box.
type innerEnvelope struct {
	Signer    string `json:"signer,omitempty"`
	Signature string `json:"sig,omitempty"`
	Message   string `json:"msg"`
}

type remoteKey struct {
	boxPub  [32]byte
	signPub ed25519.PublicKey
}

type localKey struct {
	boxPub  [32]byte
	signPub ed25519.PublicKey

	// Exactly one of boxPriv / sealedPriv is populated. When the identity
	// was generated with a passphrase, the box private key lives only in
	// sealed form and every decryption must unlock it.
	boxPriv    [32]byte
	sealed     bool
	sealedPriv []byte // salt || nonce || secretbox(boxPriv)

	// Signing is not passphrase-gated in this engine; the signing key
	// stays resident so Encrypt needs no unlock step.
	signPriv ed25519.PrivateKey
}

// NaClEngine implements Engine with NaCl anonymous boxes for confidentiality
// and Ed25519 signatures for sender verification.
type NaClEngine struct {
	mu      sync.RWMutex
	locals  map[Identity]*localKey
	known   map[Identity]*remoteKey
	localID Identity
}

// NewNaClEngine creates an engine with no identities.
func NewNaClEngine() *NaClEngine {
	return &NaClEngine{
		locals: make(map[Identity]*localKey),
		known:  make(map[Identity]*remoteKey),
	}
}

func fingerprint(boxPub [32]byte, signPub ed25519.PublicKey) Identity {
	h := sha256.New()
	h.Write(boxPub[:])
	h.Write(signPub)
	return Identity(hex.EncodeToString(h.Sum(nil)[:fingerprintLen]))
}

// GenerateIdentity creates a fresh local key pair. A non-empty passphrase
// seals the box private key so later decryption requires it. The first
// identity generated becomes the engine's signing identity.
func (e *NaClEngine) GenerateIdentity(passphrase string) (Identity, error) {
	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate box key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}

	id := fingerprint(*boxPub, signPub)
	lk := &localKey{
		boxPub:   *boxPub,
		signPub:  signPub,
		signPriv: signPriv,
	}
	if passphrase != "" {
		sealed, err := sealPrivate(*boxPriv, passphrase)
		if err != nil {
			return "", err
		}
		lk.sealed = true
		lk.sealedPriv = sealed
	} else {
		lk.boxPriv = *boxPriv
	}

	e.mu.Lock()
	e.locals[id] = lk
	if e.localID == "" {
		e.localID = id
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateIdentity",
		"identity":   string(id)[:8],
		"passphrase": passphrase != "",
	}).Info("Generated local identity")

	return id, nil
}

// LocalIdentity returns the identity used for signing outgoing messages.
func (e *NaClEngine) LocalIdentity() Identity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.localID
}

// SetLocalIdentity selects which local identity signs outgoing messages.
func (e *NaClEngine) SetLocalIdentity(id Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.locals[id]; !ok {
		return ErrUnknownIdentity
	}
	e.localID = id
	return nil
}

func sealPrivate(priv [32]byte, passphrase string) ([]byte, error) {
	salt := make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, 32))

	out := make([]byte, 0, kdfSaltLen+24+len(priv)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, priv[:], &nonce, &key)
	return out, nil
}

func openPrivate(sealed []byte, passphrase string) ([32]byte, bool) {
	var priv [32]byte
	if len(sealed) < kdfSaltLen+24+secretbox.Overhead {
		return priv, false
	}
	salt := sealed[:kdfSaltLen]
	var nonce [24]byte
	copy(nonce[:], sealed[kdfSaltLen:kdfSaltLen+24])
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, 32))

	opened, ok := secretbox.Open(nil, sealed[kdfSaltLen+24:], &nonce, &key)
	if !ok || len(opened) != 32 {
		return priv, false
	}
	copy(priv[:], opened)
	return priv, true
}

// Encrypt seals plaintext for the recipient inside an anonymous box,
// signing it with the engine's local identity when one exists.
func (e *NaClEngine) Encrypt(plaintext []byte, recipient Identity) ([]byte, error) {
	e.mu.RLock()
	recipientPub, err := e.publicOf(recipient)
	signer := e.localID
	var signPriv ed25519.PrivateKey
	if lk, ok := e.locals[signer]; ok {
		signPriv = lk.signPriv
	}
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	inner := innerEnvelope{
		Message: base64.StdEncoding.EncodeToString(plaintext),
	}
	if signPriv != nil {
		inner.Signer = string(signer)
		inner.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(signPriv, plaintext))
	}

	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	sealed, err := box.SealAnonymous(nil, payload, &recipientPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}

	out := make([]byte, 0, len(envelopeMagic)+len(sealed))
	out = append(out, envelopeMagic...)
	out = append(out, sealed...)
	return out, nil
}

// publicOf resolves a recipient's box public key. Caller holds e.mu.
func (e *NaClEngine) publicOf(id Identity) ([32]byte, error) {
	if rk, ok := e.known[id]; ok {
		return rk.boxPub, nil
	}
	if lk, ok := e.locals[id]; ok {
		return lk.boxPub, nil
	}
	return [32]byte{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, shortID(id))
}

// Decrypt opens ciphertext with any local identity, unlocking sealed keys
// with passphrase. The returned verified flag is true only when the embedded
// signature checks against an identity this engine knows.
func (e *NaClEngine) Decrypt(ciphertext []byte, passphrase string) ([]byte, bool, error) {
	if !IsEnvelope(ciphertext) {
		return nil, false, &DecryptError{Reason: ReasonMalformed}
	}
	sealed := ciphertext[len(envelopeMagic):]

	e.mu.RLock()
	locals := make([]*localKey, 0, len(e.locals))
	for _, lk := range e.locals {
		locals = append(locals, lk)
	}
	e.mu.RUnlock()

	lockedOut := false
	var payload []byte
	for _, lk := range locals {
		priv := lk.boxPriv
		if lk.sealed {
			opened, ok := openPrivate(lk.sealedPriv, passphrase)
			if !ok {
				lockedOut = true
				continue
			}
			priv = opened
		}
		pub := lk.boxPub
		if opened, ok := box.OpenAnonymous(nil, sealed, &pub, &priv); ok {
			payload = opened
			break
		}
	}

	if payload == nil {
		if lockedOut {
			return nil, false, &DecryptError{Reason: ReasonMissingPassphrase}
		}
		return nil, false, &DecryptError{Reason: ReasonIdentityMismatch}
	}

	var inner innerEnvelope
	if err := json.Unmarshal(payload, &inner); err != nil {
		return nil, false, &DecryptError{Reason: ReasonMalformed, Err: err}
	}
	plaintext, err := base64.StdEncoding.DecodeString(inner.Message)
	if err != nil {
		return nil, false, &DecryptError{Reason: ReasonMalformed, Err: err}
	}

	return plaintext, e.verifySignature(&inner, plaintext), nil
}

func (e *NaClEngine) verifySignature(inner *innerEnvelope, plaintext []byte) bool {
	if inner.Signer == "" || inner.Signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(inner.Signature)
	if err != nil {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var signPub ed25519.PublicKey
	if rk, ok := e.known[Identity(inner.Signer)]; ok {
		signPub = rk.signPub
	} else if lk, ok := e.locals[Identity(inner.Signer)]; ok {
		signPub = lk.signPub
	}
	if signPub == nil {
		return false
	}
	return ed25519.Verify(signPub, plaintext, sig)
}

// ExportPublicKey serializes the public half of a local or known identity.
func (e *NaClEngine) ExportPublicKey(identity Identity) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var boxPub [32]byte
	var signPub ed25519.PublicKey
	if lk, ok := e.locals[identity]; ok {
		boxPub, signPub = lk.boxPub, lk.signPub
	} else if rk, ok := e.known[identity]; ok {
		boxPub, signPub = rk.boxPub, rk.signPub
	} else {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, shortID(identity))
	}

	return json.Marshal(publicMaterial{
		Fingerprint: string(identity),
		BoxPublic:   base64.StdEncoding.EncodeToString(boxPub[:]),
		SignPublic:  base64.StdEncoding.EncodeToString(signPub),
	})
}

// ImportKey registers exported public key material and returns its identity.
// The fingerprint is recomputed from the key bytes; material whose embedded
// fingerprint disagrees is rejected.
func (e *NaClEngine) ImportKey(material []byte) (Identity, error) {
	var pm publicMaterial
	if err := json.Unmarshal(material, &pm); err != nil {
		return "", fmt.Errorf("parse key material: %w", err)
	}
	boxBytes, err := base64.StdEncoding.DecodeString(pm.BoxPublic)
	if err != nil || len(boxBytes) != 32 {
		return "", fmt.Errorf("invalid box public key")
	}
	signBytes, err := base64.StdEncoding.DecodeString(pm.SignPublic)
	if err != nil || len(signBytes) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid signing public key")
	}

	var boxPub [32]byte
	copy(boxPub[:], boxBytes)
	id := fingerprint(boxPub, signBytes)
	if pm.Fingerprint != "" && pm.Fingerprint != string(id) {
		return "", fmt.Errorf("fingerprint mismatch in key material")
	}

	e.mu.Lock()
	e.known[id] = &remoteKey{boxPub: boxPub, signPub: signBytes}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ImportKey",
		"identity": shortID(id),
	}).Info("Imported public key")

	return id, nil
}

// shortID truncates an identity for logging.
func shortID(id Identity) string {
	if len(id) > 8 {
		return string(id)[:8]
	}
	return string(id)
}
