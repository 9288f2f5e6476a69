package sechat

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/sechat/contact"
	"github.com/opd-ai/sechat/group"
	"github.com/opd-ai/sechat/groupkey"
	"github.com/opd-ai/sechat/room"
)

// SecureState is the first of the two persisted documents: access-control
// state and the key manager's wrapped keys. Fully reloadable.
type SecureState struct {
	Access  *group.Snapshot    `json:"access"`
	Keys    *groupkey.Snapshot `json:"keys"`
	SavedAt time.Time          `json:"saved_at"`
}

// ChatState is the second persisted document: chat-room metadata, room
// history, and the direct-message channel's contacts and history.
type ChatState struct {
	Rooms   *room.Snapshot    `json:"rooms"`
	Direct  *contact.Snapshot `json:"direct"`
	SavedAt time.Time         `json:"saved_at"`
}

// SecureStateJSON serializes groups, invitations, and wrapped keys.
func (c *Client) SecureStateJSON() ([]byte, error) {
	state := &SecureState{
		Access:  c.groups.Snapshot(),
		Keys:    c.keys.Snapshot(),
		SavedAt: time.Now(),
	}
	return json.Marshal(state)
}

// LoadSecureState reconstructs access-control and key state from a
// document produced by SecureStateJSON.
func (c *Client) LoadSecureState(data []byte) error {
	var state SecureState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse secure state: %w", err)
	}
	if state.Access != nil {
		c.groups.Restore(state.Access)
	}
	if state.Keys != nil {
		c.keys.Restore(state.Keys)
	}
	return nil
}

// ChatStateJSON serializes rooms, room history, contacts, and message
// history.
func (c *Client) ChatStateJSON() ([]byte, error) {
	state := &ChatState{
		Rooms:   c.rooms.Snapshot(),
		Direct:  c.contacts.Snapshot(),
		SavedAt: time.Now(),
	}
	return json.Marshal(state)
}

// LoadChatState reconstructs room and direct-message state from a document
// produced by ChatStateJSON.
func (c *Client) LoadChatState(data []byte) error {
	var state ChatState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse chat state: %w", err)
	}
	if state.Rooms != nil {
		c.rooms.Restore(state.Rooms)
	}
	if state.Direct != nil {
		if err := c.contacts.Restore(state.Direct); err != nil {
			return err
		}
	}
	return nil
}

// SaveState writes both documents to disk with owner-only permissions.
func (c *Client) SaveState(securePath, chatPath string) error {
	secure, err := c.SecureStateJSON()
	if err != nil {
		return err
	}
	chat, err := c.ChatStateJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(securePath, secure, 0o600); err != nil {
		return fmt.Errorf("write secure state: %w", err)
	}
	if err := os.WriteFile(chatPath, chat, 0o600); err != nil {
		return fmt.Errorf("write chat state: %w", err)
	}
	return nil
}

// LoadState reads both documents from disk. Missing files are not an
// error; the corresponding state simply starts empty.
func (c *Client) LoadState(securePath, chatPath string) error {
	if data, err := os.ReadFile(securePath); err == nil {
		if err := c.LoadSecureState(data); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read secure state: %w", err)
	}
	if data, err := os.ReadFile(chatPath); err == nil {
		if err := c.LoadChatState(data); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read chat state: %w", err)
	}
	return nil
}
