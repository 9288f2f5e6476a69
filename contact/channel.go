package contact

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sechat/crypto"
	"github.com/opd-ai/sechat/framing"
	"github.com/opd-ai/sechat/transport"
)

var (
	// ErrContactNotFound indicates an unknown transport handle.
	ErrContactNotFound = errors.New("contact not found")
	// ErrDuplicateContact indicates the handle is already registered.
	ErrDuplicateContact = errors.New("contact already registered")
)

// MessageCallback receives every processed inbound direct message. It runs
// on the transport loop and must not block.
type MessageCallback func(*DirectMessage)

// Channel is the direct-message channel. It owns the contact registry and
// the append-only history, and orchestrates encryption through the engine.
//
// Registry and history are written by both the transport loop (inbound) and
// caller goroutines (outbound), so all access is serialized on one mutex.
type Channel struct {
	mu        sync.RWMutex
	transport transport.Transport
	engine    crypto.Engine
	assembler *framing.Assembler
	contacts  map[string]*Contact
	history   []*DirectMessage

	// candidates is the ordered list of passphrases tried against inbound
	// ciphertext, stopping at the first success. Configured by the caller;
	// no built-in fallback passphrases exist.
	candidates []string

	onMessage MessageCallback

	// interceptor sees every reassembled payload before message handling.
	// Returning true consumes the payload; the orchestrator uses this to
	// claim envelope-marked traffic such as group invitations.
	interceptor func(sender string, raw []byte) bool
}

// NewChannel creates a direct-message channel. candidates may be empty, in
// which case only the empty passphrase is tried.
func NewChannel(t transport.Transport, engine crypto.Engine, assembler *framing.Assembler, candidates []string) *Channel {
	if len(candidates) == 0 {
		candidates = []string{""}
	}
	return &Channel{
		transport:  t,
		engine:     engine,
		assembler:  assembler,
		contacts:   make(map[string]*Contact),
		candidates: append([]string(nil), candidates...),
	}
}

// SetPassphraseCandidates replaces the ordered decryption candidate list.
func (c *Channel) SetPassphraseCandidates(candidates []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append([]string(nil), candidates...)
}

// SetInterceptor installs the pre-handling payload hook.
func (c *Channel) SetInterceptor(fn func(sender string, raw []byte) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptor = fn
}

// OnMessage registers the inbound message callback.
func (c *Channel) OnMessage(cb MessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = cb
}

// AddContact registers a contact from exported public key material.
func (c *Channel) AddContact(handle string, keyMaterial []byte) (*Contact, error) {
	if handle == "" {
		return nil, errors.New("handle cannot be empty")
	}

	identity, err := c.engine.ImportKey(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("import contact key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contacts[handle]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateContact, handle)
	}

	contact := &Contact{
		Handle:    handle,
		Identity:  identity,
		PublicKey: append([]byte(nil), keyMaterial...),
	}
	c.contacts[handle] = contact

	logrus.WithFields(logrus.Fields{
		"function": "AddContact",
		"handle":   handle,
	}).Info("Contact registered")

	return contact, nil
}

// RemoveContact drops a contact from the registry. History is untouched.
func (c *Channel) RemoveContact(handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contacts[handle]; !exists {
		return fmt.Errorf("%w: %s", ErrContactNotFound, handle)
	}
	delete(c.contacts, handle)
	return nil
}

// Contact returns the contact for a handle.
func (c *Channel) Contact(handle string) (*Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contact, ok := c.contacts[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, handle)
	}
	return contact, nil
}

// Contacts returns all registered contacts.
func (c *Channel) Contacts() []*Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		out = append(out, contact)
	}
	return out
}

// Send encrypts plaintext for the contact's identity, frames it, and sends
// it unicast. The sent message is appended to history with encrypted=true.
func (c *Channel) Send(handle, plaintext string) (*DirectMessage, error) {
	c.mu.RLock()
	contact, ok := c.contacts[handle]
	local := c.transport.LocalHandle()
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContactNotFound, handle)
	}

	ciphertext, err := c.engine.Encrypt([]byte(plaintext), contact.Identity)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", handle, err)
	}

	for _, frame := range framing.Encode(ciphertext) {
		if err := c.transport.SendUnicast(handle, []byte(frame)); err != nil {
			return nil, fmt.Errorf("send to %s: %w", handle, err)
		}
	}

	msg := &DirectMessage{
		ID:        uuid.New().String(),
		Sender:    local,
		Recipient: handle,
		Content:   plaintext,
		Timestamp: time.Now(),
		Encrypted: true,
	}
	c.append(msg)
	return msg, nil
}

// HandleInbound processes one inbound unicast payload from sender. Chunked
// frames are buffered until their assembly completes; incomplete assemblies
// return (nil, nil). Every completed message, encrypted or not, is appended
// to history and delivered to the message callback.
func (c *Channel) HandleInbound(sender string, payload []byte) (*DirectMessage, error) {
	c.markOnline(sender)

	line := string(payload)
	var raw []byte
	switch {
	case framing.IsChunk(line):
		chunk, err := framing.ParseChunk(line)
		if err != nil {
			return nil, err
		}
		assembled, complete, err := c.assembler.Add(sender, chunk)
		if err != nil {
			return nil, err
		}
		if !complete {
			return nil, nil
		}
		raw = assembled
	case framing.IsEncoded(line):
		decoded, err := framing.Decode(line)
		if err != nil {
			return nil, err
		}
		raw = decoded
	default:
		// Plain chat text with no wrapper.
		return c.recordInbound(sender, line, false, false), nil
	}

	c.mu.RLock()
	interceptor := c.interceptor
	c.mu.RUnlock()
	if interceptor != nil && interceptor(sender, raw) {
		return nil, nil
	}

	if !crypto.IsEnvelope(raw) {
		return c.recordInbound(sender, string(raw), false, false), nil
	}

	plaintext, verified, err := c.decryptWithCandidates(raw)
	if err != nil {
		reason, _ := crypto.ReasonOf(err)
		logrus.WithFields(logrus.Fields{
			"function": "HandleInbound",
			"sender":   sender,
			"reason":   reason.String(),
		}).Warn("Failed to decrypt direct message")
		return nil, err
	}

	return c.recordInbound(sender, string(plaintext), true, verified), nil
}

// decryptWithCandidates tries each configured passphrase in order, stopping
// at the first success. On total failure the error from the most specific
// classification observed is returned.
func (c *Channel) decryptWithCandidates(ciphertext []byte) ([]byte, bool, error) {
	c.mu.RLock()
	candidates := c.candidates
	c.mu.RUnlock()

	var lastErr error
	for _, passphrase := range candidates {
		plaintext, verified, err := c.engine.Decrypt(ciphertext, passphrase)
		if err == nil {
			return plaintext, verified, nil
		}
		if lastErr == nil || moreSpecific(err, lastErr) {
			lastErr = err
		}
	}
	return nil, false, lastErr
}

// moreSpecific prefers identity-mismatch and malformed classifications over
// missing-passphrase, which every wrong candidate produces.
func moreSpecific(candidate, current error) bool {
	cr, ok := crypto.ReasonOf(candidate)
	if !ok {
		return false
	}
	pr, ok := crypto.ReasonOf(current)
	if !ok {
		return true
	}
	return pr == crypto.ReasonMissingPassphrase && cr != crypto.ReasonMissingPassphrase
}

func (c *Channel) recordInbound(sender, content string, encrypted, verified bool) *DirectMessage {
	c.mu.RLock()
	local := c.transport.LocalHandle()
	c.mu.RUnlock()

	msg := &DirectMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: local,
		Content:   content,
		Timestamp: time.Now(),
		Encrypted: encrypted,
		Verified:  verified,
	}
	c.append(msg)

	c.mu.RLock()
	cb := c.onMessage
	c.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
	return msg
}

func (c *Channel) append(msg *DirectMessage) {
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

func (c *Channel) markOnline(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if contact, ok := c.contacts[handle]; ok {
		contact.Online = true
		contact.LastSeen = time.Now()
	}
}

// MarkDisconnected resets every contact's online flag. Called when the
// transport session ends.
func (c *Channel) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, contact := range c.contacts {
		contact.Online = false
	}
}

// History returns the full append-only message history.
func (c *Channel) History() []*DirectMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*DirectMessage(nil), c.history...)
}

// HistoryWith returns the history restricted to one contact handle.
func (c *Channel) HistoryWith(handle string) []*DirectMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*DirectMessage, 0)
	for _, msg := range c.history {
		if msg.Sender == handle || msg.Recipient == handle {
			out = append(out, msg)
		}
	}
	return out
}

// Snapshot is the serializable channel state.
type Snapshot struct {
	Contacts map[string]*Contact `json:"contacts"`
	History  []*DirectMessage    `json:"history"`
}

// Snapshot captures contacts and history for persistence.
func (c *Channel) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &Snapshot{
		Contacts: make(map[string]*Contact, len(c.contacts)),
		History:  append([]*DirectMessage(nil), c.history...),
	}
	for handle, contact := range c.contacts {
		snap.Contacts[handle] = contact
	}
	return snap
}

// Restore replaces contacts and history from a snapshot. Imported contacts
// re-register their key material with the engine so encryption targeting
// works after a reload.
func (c *Channel) Restore(snap *Snapshot) error {
	contacts := snap.Contacts
	if contacts == nil {
		contacts = make(map[string]*Contact)
	}
	for _, contact := range contacts {
		if len(contact.PublicKey) == 0 {
			continue
		}
		if _, err := c.engine.ImportKey(contact.PublicKey); err != nil {
			return fmt.Errorf("restore contact %s: %w", contact.Handle, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts = contacts
	c.history = snap.History
	return nil
}
