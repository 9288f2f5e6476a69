// Package sechat implements end-to-end encrypted one-to-one and group chat
// carried over a public, line-oriented text network.
//
// The Client wires a transport adapter, the message framer, the
// direct-message channel, and the group subsystems together, routing each
// inbound frame by its envelope marker.
//
// Example:
//
//	engine := crypto.NewNaClEngine()
//	identity, _ := engine.GenerateIdentity("hunter2")
//
//	client, err := sechat.New(sechat.Options{
//	    Endpoint:   "irc.example.net",
//	    Handle:     "alice",
//	    Identity:   identity,
//	    Passphrase: "hunter2",
//	}, engine)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnDirectMessage(func(msg *contact.DirectMessage) {
//	    fmt.Printf("%s: %s\n", msg.Sender, msg.Content)
//	})
//
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package sechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sechat/contact"
	"github.com/opd-ai/sechat/crypto"
	"github.com/opd-ai/sechat/framing"
	"github.com/opd-ai/sechat/group"
	"github.com/opd-ai/sechat/groupkey"
	"github.com/opd-ai/sechat/room"
	"github.com/opd-ai/sechat/transport"
)

// janitorInterval paces background maintenance: purging stale chunk
// assemblies and expiring stale invitations.
const janitorInterval = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Endpoint is the network endpoint name (host) to connect to.
	Endpoint string
	// Handle is the requested transport handle. The transport may adjust
	// it after a collision.
	Handle string
	// Identity is the local crypto identity used for group membership and
	// message signing.
	Identity crypto.Identity
	// Passphrase is the application-level current passphrase, tried first
	// when decrypting inbound ciphertext.
	Passphrase string
	// PassphraseCandidates overrides the full ordered candidate list. When
	// empty, [Passphrase, ""] is used.
	PassphraseCandidates []string
	// AssemblyTTL overrides the chunk-reassembly timeout.
	AssemblyTTL time.Duration
	// IRC tunes the transport adapter.
	IRC *transport.IRCConfig
}

func (o *Options) candidates() []string {
	if len(o.PassphraseCandidates) > 0 {
		return o.PassphraseCandidates
	}
	return []string{o.Passphrase, ""}
}

// GroupMessageCallback receives decrypted group traffic. It runs on the
// transport loop and must not block.
type GroupMessageCallback func(msg *groupkey.Message, plaintext string)

// InviteCallback receives decrypted group invitations addressed to this
// client's identity.
type InviteCallback func(*GroupInvite)

// RoomMessageCallback receives plaintext room traffic, including traffic on
// external unmanaged rooms.
type RoomMessageCallback func(*room.Message)

// ConnectionCallback reports transport session changes.
type ConnectionCallback func(connected bool)

// Client is one chat session: a transport connection plus the owned state
// of every subsystem. Multiple independent Clients may coexist in a
// process; nothing is global.
type Client struct {
	opts      Options
	engine    crypto.Engine
	transport transport.Transport
	assembler *framing.Assembler

	contacts *contact.Channel
	groups   *group.Store
	keys     *groupkey.Manager
	rooms    *room.Manager

	mu            sync.RWMutex
	invites       map[string]*GroupInvite
	onGroup       GroupMessageCallback
	onInvite      InviteCallback
	onRoom        RoomMessageCallback
	onConnection  ConnectionCallback
	janitorCancel context.CancelFunc
}

// New creates a Client using the IRC transport adapter.
func New(opts Options, engine crypto.Engine) (*Client, error) {
	return NewWithTransport(opts, engine, transport.NewIRCClient(opts.IRC))
}

// NewWithTransport creates a Client on a caller-supplied transport.
func NewWithTransport(opts Options, engine crypto.Engine, t transport.Transport) (*Client, error) {
	if engine == nil {
		return nil, errors.New("crypto engine is required")
	}
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Identity == "" {
		return nil, errors.New("local identity is required")
	}

	assembler := framing.NewAssembler(opts.AssemblyTTL)
	c := &Client{
		opts:      opts,
		engine:    engine,
		transport: t,
		assembler: assembler,
		contacts:  contact.NewChannel(t, engine, assembler, opts.candidates()),
		groups:    group.NewStore(),
		keys:      groupkey.NewManager(engine),
		rooms:     room.NewManager(),
		invites:   make(map[string]*GroupInvite),
	}

	c.contacts.SetInterceptor(c.interceptUnicast)
	t.OnUnicast(c.handleUnicast)
	t.OnMulticast(c.handleMulticast)
	t.OnSystem(c.handleSystem)

	return c, nil
}

// Connect establishes the transport session and starts background
// maintenance. Blocks until registration completes or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	handle, err := c.transport.Connect(ctx, c.opts.Endpoint, c.opts.Handle)
	if err != nil {
		return err
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.janitorCancel = cancel
	c.mu.Unlock()
	go c.janitor(janitorCtx)

	// Rejoin the multicast addresses of known groups.
	for _, g := range c.groups.Groups() {
		if c.groups.CanAccess(g.ID, c.opts.Identity) {
			if err := c.transport.JoinMulticast(g.Channel); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Connect",
					"group_id": g.ID,
					"error":    err.Error(),
				}).Warn("Failed to rejoin group channel")
			}
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"endpoint": c.opts.Endpoint,
		"handle":   handle,
	}).Info("Session established")

	c.notifyConnection(true)
	return nil
}

// Disconnect ends the transport session. Contacts lose their online flag;
// reconnection requires another Connect call.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.janitorCancel
	c.janitorCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := c.transport.Disconnect()
	c.contacts.MarkDisconnected()
	c.notifyConnection(false)
	return err
}

// janitor runs periodic maintenance until cancelled.
func (c *Client) janitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.assembler.PurgeStale()
			c.groups.ExpireStale()
		}
	}
}

// Contacts exposes the direct-message channel.
func (c *Client) Contacts() *contact.Channel { return c.contacts }

// Groups exposes the access-control store.
func (c *Client) Groups() *group.Store { return c.groups }

// Keys exposes the group key manager.
func (c *Client) Keys() *groupkey.Manager { return c.keys }

// Rooms exposes the plaintext room manager.
func (c *Client) Rooms() *room.Manager { return c.rooms }

// Identity returns the local crypto identity.
func (c *Client) Identity() crypto.Identity { return c.opts.Identity }

// OnDirectMessage registers the direct-message callback.
func (c *Client) OnDirectMessage(cb contact.MessageCallback) {
	c.contacts.OnMessage(cb)
}

// OnGroupMessage registers the decrypted group traffic callback.
func (c *Client) OnGroupMessage(cb GroupMessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGroup = cb
}

// OnGroupInvite registers the invitation delivery callback.
func (c *Client) OnGroupInvite(cb InviteCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInvite = cb
}

// OnRoomMessage registers the plaintext room traffic callback.
func (c *Client) OnRoomMessage(cb RoomMessageCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRoom = cb
}

// OnConnectionStatus registers the session status callback.
func (c *Client) OnConnectionStatus(cb ConnectionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnection = cb
}

// SendDirectMessage encrypts and sends a direct message to a contact.
func (c *Client) SendDirectMessage(handle, text string) (*contact.DirectMessage, error) {
	return c.contacts.Send(handle, text)
}

// CreateGroup creates a secure group with this identity as creator,
// generates its first key, and joins its multicast address.
func (c *Client) CreateGroup(name string, settings group.Settings) (*group.SecureGroup, error) {
	g, err := c.groups.CreateGroup(name, c.opts.Identity, settings)
	if err != nil {
		return nil, err
	}
	if _, err := c.keys.Generate(g.ID, []crypto.Identity{c.opts.Identity}); err != nil {
		return nil, err
	}
	if c.transport.Connected() {
		if err := c.transport.JoinMulticast(g.Channel); err != nil {
			return nil, fmt.Errorf("join group channel: %w", err)
		}
	}
	return g, nil
}

// InviteToGroup invites a registered contact to a group. The invitation is
// authorized by the access-control matrix, carries the group key wrapped
// for the invitee, and travels asymmetrically encrypted in a GROUP-INVITE
// envelope.
func (c *Client) InviteToGroup(groupID, inviteeHandle string) (*group.Invitation, error) {
	invitee, err := c.contacts.Contact(inviteeHandle)
	if err != nil {
		return nil, err
	}
	g, err := c.groups.Group(groupID)
	if err != nil {
		return nil, err
	}

	inv, err := c.groups.Invite(groupID, c.opts.Identity, invitee.Identity)
	if err != nil {
		return nil, err
	}

	wrapped, version, err := c.keys.Wrap(groupID, invitee.Identity)
	if err != nil {
		return nil, fmt.Errorf("wrap group key for invitee: %w", err)
	}

	payload, err := json.Marshal(&GroupInvite{
		Invitation: inv,
		GroupName:  g.Name,
		Channel:    g.Channel,
		Creator:    g.Creator,
		Settings:   g.Settings,
		WrappedKey: wrapped,
		KeyVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal invitation: %w", err)
	}

	ciphertext, err := c.engine.Encrypt(payload, invitee.Identity)
	if err != nil {
		return nil, fmt.Errorf("encrypt invitation: %w", err)
	}

	if err := c.sendEnveloped(inviteeHandle, false, wrapGroupInvite(ciphertext)); err != nil {
		return nil, err
	}
	return inv, nil
}

// AcceptInvite accepts a delivered invitation: membership is applied, the
// wrapped group key installed, and the group's multicast address joined.
func (c *Client) AcceptInvite(invitationID string) (*group.SecureGroup, error) {
	c.mu.RLock()
	notice, ok := c.invites[invitationID]
	c.mu.RUnlock()
	if !ok {
		return nil, group.ErrInvitationNotFound
	}

	g, err := c.groups.Accept(invitationID, c.opts.Identity)
	if err != nil {
		return nil, err
	}

	if notice.WrappedKey != nil {
		key, err := c.unwrapKey(notice.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("unwrap group key: %w", err)
		}
		if err := c.keys.ImportWrapped(notice.WrappedKey, key, notice.KeyVersion); err != nil {
			return nil, err
		}
	}

	if c.transport.Connected() {
		if err := c.transport.JoinMulticast(g.Channel); err != nil {
			return nil, fmt.Errorf("join group channel: %w", err)
		}
	}

	c.sendInviteReply(notice, group.StatusAccepted)

	c.mu.Lock()
	delete(c.invites, invitationID)
	c.mu.Unlock()
	return g, nil
}

// DeclineInvite declines a delivered invitation and notifies the inviter.
func (c *Client) DeclineInvite(invitationID string) error {
	c.mu.RLock()
	notice := c.invites[invitationID]
	c.mu.RUnlock()

	if err := c.groups.Decline(invitationID, c.opts.Identity); err != nil {
		return err
	}
	if notice != nil {
		c.sendInviteReply(notice, group.StatusDeclined)
	}
	c.mu.Lock()
	delete(c.invites, invitationID)
	c.mu.Unlock()
	return nil
}

// sendInviteReply reports the invitation outcome back to the inviter so its
// access-control store applies the same transition. The accept itself has
// already succeeded locally; a reply that cannot be sent is logged, not
// surfaced.
func (c *Client) sendInviteReply(notice *GroupInvite, status group.InvitationStatus) {
	if notice.InviterHandle == "" || !c.transport.Connected() {
		return
	}

	payload, err := json.Marshal(&inviteReply{
		InvitationID: notice.Invitation.ID,
		GroupID:      notice.Invitation.GroupID,
		Member:       c.opts.Identity,
		Status:       status,
	})
	if err != nil {
		return
	}
	ciphertext, err := c.engine.Encrypt(payload, notice.Invitation.Inviter)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "sendInviteReply",
			"invitation_id": notice.Invitation.ID,
			"error":         err.Error(),
		}).Warn("Failed to encrypt invitation reply")
		return
	}
	if err := c.sendEnveloped(notice.InviterHandle, false, wrapGroupAccept(ciphertext)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "sendInviteReply",
			"invitation_id": notice.Invitation.ID,
			"error":         err.Error(),
		}).Warn("Failed to send invitation reply")
	}
}

// RevokeInvite revokes a pending invitation this side issued.
func (c *Client) RevokeInvite(invitationID string) error {
	return c.groups.Revoke(invitationID, c.opts.Identity)
}

// RemoveMember removes a member and deletes their wrapped-key record. The
// group key is NOT rotated: call RotateGroupKey separately to cut off a
// removed member's cached key.
func (c *Client) RemoveMember(groupID string, target crypto.Identity) error {
	if err := c.groups.RemoveMember(groupID, c.opts.Identity, target); err != nil {
		return err
	}
	c.keys.RemoveMember(groupID, target)
	return nil
}

// RotateGroupKey generates a brand-new group key and re-wraps it for every
// remaining member.
func (c *Client) RotateGroupKey(groupID string) (*groupkey.GroupKey, error) {
	g, err := c.groups.Group(groupID)
	if err != nil {
		return nil, err
	}
	if !c.groups.CanAccess(groupID, c.opts.Identity) {
		return nil, group.ErrAccessDenied
	}
	return c.keys.Rotate(groupID, g.MemberIdentities())
}

// SendGroupMessage encrypts plaintext under the group key and transmits it
// on the group's multicast address.
func (c *Client) SendGroupMessage(groupID, plaintext string) (*groupkey.Message, error) {
	if !c.groups.CanAccess(groupID, c.opts.Identity) {
		return nil, fmt.Errorf("%w: not a member of group", group.ErrAccessDenied)
	}
	g, err := c.groups.Group(groupID)
	if err != nil {
		return nil, err
	}

	msg, err := c.keys.Encrypt(groupID, c.opts.Identity, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	body, err := msg.ToJSON()
	if err != nil {
		return nil, err
	}
	if err := c.sendEnveloped(g.Channel, true, wrapSecureGroup(body)); err != nil {
		return nil, err
	}
	return msg, nil
}

// SendRoomMessage sends plaintext to a room's multicast address with no
// encryption and records it locally. Room text is not framed, so it must
// fit a single transport line.
func (c *Client) SendRoomMessage(roomName, text string) error {
	if len(text) > framing.MaxFrameBytes {
		return fmt.Errorf("room message exceeds %d bytes", framing.MaxFrameBytes)
	}
	if err := c.transport.SendMulticast(roomName, []byte(text)); err != nil {
		return err
	}
	c.rooms.Record(roomName, c.transport.LocalHandle(), text)
	return nil
}

// sendEnveloped frames an envelope and transmits every frame.
func (c *Client) sendEnveloped(target string, multicast bool, envelope []byte) error {
	for _, frame := range framing.Encode(envelope) {
		var err error
		if multicast {
			err = c.transport.SendMulticast(target, []byte(frame))
		} else {
			err = c.transport.SendUnicast(target, []byte(frame))
		}
		if err != nil {
			return fmt.Errorf("send envelope: %w", err)
		}
	}
	return nil
}

// handleUnicast delegates inbound unicast frames to the direct-message
// channel; the interceptor claims envelope-marked payloads first.
func (c *Client) handleUnicast(ev transport.Event) {
	if _, err := c.contacts.HandleInbound(ev.Sender, ev.Payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleUnicast",
			"sender":   ev.Sender,
			"error":    err.Error(),
		}).Debug("Dropped malformed unicast frame")
	}
}

// interceptUnicast claims group-invite and invite-reply envelopes arriving
// over unicast.
func (c *Client) interceptUnicast(sender string, raw []byte) bool {
	s := string(raw)
	switch {
	case strings.HasPrefix(s, groupInvitePrefix):
		c.routeInvite(sender, s)
		return true
	case strings.HasPrefix(s, groupAcceptPrefix):
		c.routeInviteReply(s)
		return true
	}
	return false
}

// handleMulticast routes one inbound multicast frame by envelope marker:
// encrypted-group first, invitation second, otherwise legacy plaintext on
// an external unmanaged room.
func (c *Client) handleMulticast(ev transport.Event) {
	line := string(ev.Payload)
	var raw []byte
	switch {
	case framing.IsChunk(line):
		chunk, err := framing.ParseChunk(line)
		if err != nil {
			c.logFramingError("handleMulticast", err)
			return
		}
		assembled, complete, err := c.assembler.Add(ev.Sender, chunk)
		if err != nil {
			c.logFramingError("handleMulticast", err)
			return
		}
		if !complete {
			return
		}
		raw = assembled
	case framing.IsEncoded(line):
		decoded, err := framing.Decode(line)
		if err != nil {
			c.logFramingError("handleMulticast", err)
			return
		}
		raw = decoded
	default:
		// Legacy plaintext broadcast: no envelope, no membership
		// enforcement.
		c.routeRoomText(ev.Target, ev.Sender, line)
		return
	}

	s := string(raw)
	if body, ok, err := unwrapSecureGroup(s); ok {
		if err != nil {
			c.logFramingError("handleMulticast", err)
			return
		}
		c.routeSecureGroup(body)
		return
	}
	if _, ok, _ := unwrapGroupInvite(s); ok {
		c.routeInvite(ev.Sender, s)
		return
	}
	if _, ok, _ := unwrapGroupAccept(s); ok {
		c.routeInviteReply(s)
		return
	}
	c.routeRoomText(ev.Target, ev.Sender, s)
}

// routeSecureGroup authorizes and decrypts one group message. The access
// gate runs before any decryption; remote senders outside the membership
// are dropped without side effects.
func (c *Client) routeSecureGroup(body []byte) {
	msg, err := groupkey.MessageFromJSON(body)
	if err != nil {
		c.logFramingError("routeSecureGroup", err)
		return
	}

	if !c.groups.CanAccess(msg.GroupID, msg.Sender) {
		logrus.WithFields(logrus.Fields{
			"function": "routeSecureGroup",
			"group_id": msg.GroupID,
		}).Warn("Dropped group message from non-member sender")
		return
	}
	if !c.groups.CanAccess(msg.GroupID, c.opts.Identity) {
		return
	}
	if msg.Sender == c.opts.Identity {
		// Own multicast echo.
		return
	}

	plaintext, err := c.keys.Decrypt(msg, c.opts.Identity)
	if err != nil {
		if errors.Is(err, groupkey.ErrStaleKey) {
			logrus.WithFields(logrus.Fields{
				"function": "routeSecureGroup",
				"group_id": msg.GroupID,
				"key_id":   msg.KeyID,
			}).Warn("Group message under stale key, fresh wrapped copy needed")
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "routeSecureGroup",
				"group_id": msg.GroupID,
				"error":    err.Error(),
			}).Warn("Failed to decrypt group message")
		}
		return
	}

	c.mu.RLock()
	cb := c.onGroup
	c.mu.RUnlock()
	if cb != nil {
		cb(msg, string(plaintext))
	}
}

// routeInvite decrypts an invitation envelope addressed to this identity
// and surfaces it. Invitations for other identities fail decryption and
// are dropped quietly.
func (c *Client) routeInvite(sender, envelope string) {
	ciphertext, ok, err := unwrapGroupInvite(envelope)
	if !ok || err != nil {
		if err != nil {
			c.logFramingError("routeInvite", err)
		}
		return
	}

	var payload []byte
	for _, passphrase := range c.opts.candidates() {
		plaintext, _, derr := c.engine.Decrypt(ciphertext, passphrase)
		if derr == nil {
			payload = plaintext
			break
		}
	}
	if payload == nil {
		return
	}

	var invite GroupInvite
	if err := json.Unmarshal(payload, &invite); err != nil || invite.Invitation == nil {
		c.logFramingError("routeInvite", fmt.Errorf("malformed invitation payload"))
		return
	}
	if invite.Invitation.Invitee != c.opts.Identity {
		return
	}

	if _, err := c.groups.RegisterGroup(invite.Invitation.GroupID, invite.GroupName,
		invite.Creator, invite.Channel, invite.Settings); err != nil {
		return
	}
	if err := c.groups.RegisterIncoming(invite.Invitation); err != nil {
		return
	}

	invite.InviterHandle = sender
	c.mu.Lock()
	c.invites[invite.Invitation.ID] = &invite
	cb := c.onInvite
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "routeInvite",
		"invitation_id": invite.Invitation.ID,
		"group_id":      invite.Invitation.GroupID,
	}).Info("Group invitation received")

	if cb != nil {
		cb(&invite)
	}
}

// routeInviteReply applies an invitation outcome reported by the invitee,
// adding an accepting member to the local store and wrapping the active key
// for them so later rotations cover the full membership. Replies that do
// not match a known invitation and its addressed invitee are dropped.
func (c *Client) routeInviteReply(envelope string) {
	ciphertext, ok, err := unwrapGroupAccept(envelope)
	if !ok || err != nil {
		if err != nil {
			c.logFramingError("routeInviteReply", err)
		}
		return
	}

	var payload []byte
	for _, passphrase := range c.opts.candidates() {
		plaintext, _, derr := c.engine.Decrypt(ciphertext, passphrase)
		if derr == nil {
			payload = plaintext
			break
		}
	}
	if payload == nil {
		return
	}

	var reply inviteReply
	if err := json.Unmarshal(payload, &reply); err != nil || reply.InvitationID == "" {
		c.logFramingError("routeInviteReply", fmt.Errorf("malformed invitation reply"))
		return
	}
	inv, err := c.groups.Invitation(reply.InvitationID)
	if err != nil || inv.Invitee != reply.Member || inv.GroupID != reply.GroupID {
		return
	}

	switch reply.Status {
	case group.StatusAccepted:
		if _, err := c.groups.Accept(reply.InvitationID, reply.Member); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "routeInviteReply",
				"invitation_id": reply.InvitationID,
				"error":         err.Error(),
			}).Warn("Failed to apply invitation acceptance")
			return
		}
		if _, err := c.keys.WrapForMember(reply.GroupID, reply.Member); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "routeInviteReply",
				"group_id": reply.GroupID,
				"error":    err.Error(),
			}).Warn("Failed to wrap group key for accepted member")
		}
		logrus.WithFields(logrus.Fields{
			"function":      "routeInviteReply",
			"invitation_id": reply.InvitationID,
			"group_id":      reply.GroupID,
		}).Info("Invitation acceptance applied")
	case group.StatusDeclined:
		if err := c.groups.Decline(reply.InvitationID, reply.Member); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "routeInviteReply",
				"invitation_id": reply.InvitationID,
				"error":         err.Error(),
			}).Warn("Failed to apply invitation decline")
		}
	}
}

// routeRoomText records plaintext traffic on its (possibly external) room.
func (c *Client) routeRoomText(target, sender, text string) {
	c.rooms.External(target)
	msg := c.rooms.Record(target, sender, text)

	c.mu.RLock()
	cb := c.onRoom
	c.mu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

// handleSystem reacts to connection-level notices. A lost connection
// resets contact presence; no reconnection is attempted.
func (c *Client) handleSystem(ev transport.Event) {
	switch string(ev.Payload) {
	case transport.SystemConnectionLost, transport.SystemDisconnected:
		c.contacts.MarkDisconnected()
		c.notifyConnection(false)
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.mu.RLock()
	cb := c.onConnection
	c.mu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}

// unwrapKey opens a wrapped group key with the configured passphrase
// candidates, stopping at the first success.
func (c *Client) unwrapKey(rec *groupkey.EncryptedGroupKey) ([]byte, error) {
	var lastErr error
	for _, passphrase := range c.opts.candidates() {
		key, _, err := c.engine.Decrypt(rec.Wrapped, passphrase)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// logFramingError logs and drops malformed remote input. Hostile or broken
// frames never crash the loop.
func (c *Client) logFramingError(fn string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": fn,
		"error":    err.Error(),
	}).Debug("Dropped malformed frame")
}
