package groupkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sechat/crypto"
)

var (
	// ErrNoActiveKey indicates the group has no generated key yet.
	ErrNoActiveKey = errors.New("no active key for group")
	// ErrNoWrappedKey indicates the identity holds no wrapped-key record
	// for the group. This is an authorization failure, not a crypto one.
	ErrNoWrappedKey = errors.New("no wrapped key record for member")
	// ErrStaleKey indicates the message was encrypted under a key id that
	// does not match the locally held active key. The caller should request
	// a fresh wrapped copy; this is distinct from a generic crypto error.
	ErrStaleKey = errors.New("message key id does not match active key")
	// ErrMalformedMessage indicates undecodable message fields or a
	// ciphertext that does not fit the block structure.
	ErrMalformedMessage = errors.New("malformed group message")
)

// Manager owns group keys and wrapped-key records. Wrapping goes through
// the asymmetric engine; the raw key bytes never appear in errors or logs.
type Manager struct {
	mu     sync.RWMutex
	engine crypto.Engine
	active map[string]*GroupKey
	// wrapped holds one record per (group, member) with access.
	wrapped map[string]map[crypto.Identity]*EncryptedGroupKey
}

// NewManager creates a key manager backed by the given engine.
func NewManager(engine crypto.Engine) *Manager {
	return &Manager{
		engine:  engine,
		active:  make(map[string]*GroupKey),
		wrapped: make(map[string]map[crypto.Identity]*EncryptedGroupKey),
	}
}

// Generate creates the group's first key and wraps it for every listed
// member. Fails if the group already has an active key.
func (m *Manager) Generate(groupID string, members []crypto.Identity) (*GroupKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[groupID]; exists {
		return nil, fmt.Errorf("group %s already has an active key", groupID)
	}
	return m.installKey(groupID, 1, members)
}

// Rotate replaces the active key with a brand-new one and re-wraps it for
// every listed member. Records for identities not listed are discarded,
// which is what restores forward secrecy after a removal.
func (m *Manager) Rotate(groupID string, members []crypto.Identity) (*GroupKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	if current, ok := m.active[groupID]; ok {
		version = current.Version + 1
	}
	delete(m.wrapped, groupID)
	return m.installKey(groupID, version, members)
}

// installKey generates, stores, and wraps a key. Caller holds m.mu.
func (m *Manager) installKey(groupID string, version int, members []crypto.Identity) (*GroupKey, error) {
	key, err := newKey(groupID, version)
	if err != nil {
		return nil, err
	}

	records := make(map[crypto.Identity]*EncryptedGroupKey, len(members))
	for _, member := range members {
		rec, err := m.wrapLocked(key, member)
		if err != nil {
			return nil, fmt.Errorf("wrap key for member: %w", err)
		}
		records[member] = rec
	}

	m.active[groupID] = key
	m.wrapped[groupID] = records

	logrus.WithFields(logrus.Fields{
		"function": "installKey",
		"group_id": groupID,
		"key_id":   key.ID,
		"version":  version,
		"members":  len(members),
	}).Info("Installed group key")

	return key, nil
}

func (m *Manager) wrapLocked(key *GroupKey, member crypto.Identity) (*EncryptedGroupKey, error) {
	wrapped, err := m.engine.Encrypt(key.Key, member)
	if err != nil {
		return nil, err
	}
	return &EncryptedGroupKey{
		GroupID:   key.GroupID,
		Member:    member,
		KeyID:     key.ID,
		Wrapped:   wrapped,
		CreatedAt: time.Now(),
	}, nil
}

// Wrap wraps the active key for an identity without storing a record.
// Used to carry the key inside an invitation: the record only becomes an
// authorization artifact once the invitee installs it on acceptance.
func (m *Manager) Wrap(groupID string, member crypto.Identity) (*EncryptedGroupKey, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.active[groupID]
	if !ok {
		return nil, 0, ErrNoActiveKey
	}
	rec, err := m.wrapLocked(key, member)
	if err != nil {
		return nil, 0, err
	}
	return rec, key.Version, nil
}

// WrapForMember wraps the existing active key for a newly added member.
// No rotation takes place.
func (m *Manager) WrapForMember(groupID string, member crypto.Identity) (*EncryptedGroupKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.active[groupID]
	if !ok {
		return nil, ErrNoActiveKey
	}
	rec, err := m.wrapLocked(key, member)
	if err != nil {
		return nil, err
	}
	if m.wrapped[groupID] == nil {
		m.wrapped[groupID] = make(map[crypto.Identity]*EncryptedGroupKey)
	}
	m.wrapped[groupID][member] = rec
	return rec, nil
}

// ImportWrapped installs a wrapped-key record received from the network,
// together with the unwrapped key bytes, as this side's active key.
// Used by an invitee whose invitation carried the group key.
func (m *Manager) ImportWrapped(rec *EncryptedGroupKey, key []byte, version int) error {
	if rec == nil {
		return errors.New("nil wrapped key record")
	}
	if keyIDOf(key) != rec.KeyID {
		return fmt.Errorf("key bytes do not match record key id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[rec.GroupID] = &GroupKey{
		ID:        rec.KeyID,
		GroupID:   rec.GroupID,
		Key:       key,
		Version:   version,
		CreatedAt: time.Now(),
	}
	if m.wrapped[rec.GroupID] == nil {
		m.wrapped[rec.GroupID] = make(map[crypto.Identity]*EncryptedGroupKey)
	}
	m.wrapped[rec.GroupID][rec.Member] = rec
	return nil
}

// RemoveMember deletes only the member's wrapped record. The key is NOT
// rotated: a removed member with a cached key can still read traffic until
// the caller explicitly rotates.
func (m *Manager) RemoveMember(groupID string, member crypto.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if records, ok := m.wrapped[groupID]; ok {
		delete(records, member)
	}
}

// WrappedFor returns the wrapped-key record for a member, if any.
func (m *Manager) WrappedFor(groupID string, member crypto.Identity) (*EncryptedGroupKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.wrapped[groupID][member]
	return rec, ok
}

// ActiveKey returns the group's current key.
func (m *Manager) ActiveKey(groupID string) (*GroupKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.active[groupID]
	if !ok {
		return nil, ErrNoActiveKey
	}
	return key, nil
}

// Encrypt encrypts plaintext under the group's active key with AES-256-CBC,
// a fresh random IV, and PKCS#7 padding. The sender must hold a wrapped-key
// record for the group.
func (m *Manager) Encrypt(groupID string, sender crypto.Identity, plaintext []byte) (*Message, error) {
	m.mu.RLock()
	key, ok := m.active[groupID]
	var hasRecord bool
	if ok {
		_, hasRecord = m.wrapped[groupID][sender]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNoActiveKey
	}
	if !hasRecord {
		return nil, fmt.Errorf("%w: %s", ErrNoWrappedKey, shortIdentity(sender))
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	now := time.Now()
	return &Message{
		ID:         messageID(sender, groupID, now),
		GroupID:    groupID,
		Sender:     sender,
		KeyID:      key.ID,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Timestamp:  now,
	}, nil
}

// Decrypt decrypts a group message for member. It requires a wrapped-key
// record for the member and an exact key id match; a mismatch yields
// ErrStaleKey so the caller can request a fresh wrapped copy.
func (m *Manager) Decrypt(msg *Message, member crypto.Identity) ([]byte, error) {
	m.mu.RLock()
	key, hasKey := m.active[msg.GroupID]
	var hasRecord bool
	if hasKey {
		_, hasRecord = m.wrapped[msg.GroupID][member]
	}
	m.mu.RUnlock()

	if !hasKey {
		return nil, ErrNoActiveKey
	}
	if !hasRecord {
		return nil, fmt.Errorf("%w: %s", ErrNoWrappedKey, shortIdentity(member))
	}
	if msg.KeyID != key.ID {
		return nil, fmt.Errorf("%w: message %s, active %s", ErrStaleKey, msg.KeyID, key.ID)
	}

	iv, err := decodeB64(msg.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: bad iv", ErrMalformedMessage)
	}
	ciphertext, err := decodeB64(msg.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformedMessage)
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return plaintext, nil
}

// Snapshot is the serializable key-manager state.
type Snapshot struct {
	Active  map[string]*GroupKey                              `json:"active"`
	Wrapped map[string]map[crypto.Identity]*EncryptedGroupKey `json:"wrapped"`
}

// Snapshot captures the manager state for persistence.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &Snapshot{
		Active:  make(map[string]*GroupKey, len(m.active)),
		Wrapped: make(map[string]map[crypto.Identity]*EncryptedGroupKey, len(m.wrapped)),
	}
	for id, key := range m.active {
		snap.Active[id] = key
	}
	for id, records := range m.wrapped {
		copied := make(map[crypto.Identity]*EncryptedGroupKey, len(records))
		for member, rec := range records {
			copied[member] = rec
		}
		snap.Wrapped[id] = copied
	}
	return snap
}

// Restore replaces the manager state from a snapshot.
func (m *Manager) Restore(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = snap.Active
	m.wrapped = snap.Wrapped
	if m.active == nil {
		m.active = make(map[string]*GroupKey)
	}
	if m.wrapped == nil {
		m.wrapped = make(map[string]map[crypto.Identity]*EncryptedGroupKey)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}

func shortIdentity(id crypto.Identity) string {
	if len(id) > 8 {
		return string(id)[:8]
	}
	return string(id)
}
