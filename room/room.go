// Package room manages plaintext chat rooms: the unauthenticated group
// variant with membership bookkeeping but no cryptographic enforcement.
// Traffic arriving on a multicast address with no recognized envelope is
// filed under an external, unmanaged room.
package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxMembers bounds room size when unset.
const DefaultMaxMembers = 100

var (
	// ErrRoomNotFound indicates an unknown room name.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists indicates a create for an existing name.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomFull indicates the room is at its member cap.
	ErrRoomFull = errors.New("room is full")
	// ErrNotCreator indicates a delete by someone other than the creator.
	ErrNotCreator = errors.New("only the creator may delete a room")
)

// Room is a plaintext chat room. The creator starts in both the member and
// admin sets. External rooms track traffic from unmanaged addresses; they
// have no creator and enforce nothing.
type Room struct {
	Name       string          `json:"name"`
	Creator    string          `json:"creator"`
	Members    map[string]bool `json:"members"`
	Admins     map[string]bool `json:"admins"`
	Private    bool            `json:"private"`
	MaxMembers int             `json:"max_members"`
	External   bool            `json:"external"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Message is one plaintext room message.
type Message struct {
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager owns room metadata and message history.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	history map[string][]*Message
}

// NewManager creates an empty room manager.
func NewManager() *Manager {
	return &Manager{
		rooms:   make(map[string]*Room),
		history: make(map[string][]*Message),
	}
}

// Create creates a room with the creator in the member and admin sets.
func (m *Manager) Create(name, creator string, private bool, maxMembers int) (*Room, error) {
	if name == "" {
		return nil, errors.New("room name cannot be empty")
	}
	if maxMembers <= 0 {
		maxMembers = DefaultMaxMembers
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, name)
	}

	r := &Room{
		Name:       name,
		Creator:    creator,
		Members:    map[string]bool{creator: true},
		Admins:     map[string]bool{creator: true},
		Private:    private,
		MaxMembers: maxMembers,
		CreatedAt:  time.Now(),
	}
	m.rooms[name] = r

	logrus.WithFields(logrus.Fields{
		"function": "Create",
		"room":     name,
		"private":  private,
	}).Info("Room created")

	return r, nil
}

// Join adds a member to a room.
func (m *Manager) Join(name, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	if len(r.Members) >= r.MaxMembers {
		return fmt.Errorf("%w: %s", ErrRoomFull, name)
	}
	r.Members[handle] = true
	return nil
}

// Leave removes a member from a room.
func (m *Manager) Leave(name, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	delete(r.Members, handle)
	delete(r.Admins, handle)
	return nil
}

// Delete removes a room and its history. Only the creator may delete a
// managed room.
func (m *Manager) Delete(name, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	if !r.External && r.Creator != actor {
		return ErrNotCreator
	}
	delete(m.rooms, name)
	delete(m.history, name)
	return nil
}

// Room returns a room by name.
func (m *Manager) Room(name string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return r, nil
}

// Rooms returns all rooms.
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// External returns the unmanaged room for a multicast address, creating it
// on first use. External rooms enforce no membership.
func (m *Manager) External(address string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[address]; ok {
		return r
	}
	r := &Room{
		Name:       address,
		Members:    make(map[string]bool),
		Admins:     make(map[string]bool),
		MaxMembers: DefaultMaxMembers,
		External:   true,
		CreatedAt:  time.Now(),
	}
	m.rooms[address] = r
	return r
}

// Record appends a message to a room's history, tracking the sender as a
// member of external rooms.
func (m *Manager) Record(name, sender, content string) *Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &Message{
		Room:      name,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now(),
	}
	m.history[name] = append(m.history[name], msg)
	if r, ok := m.rooms[name]; ok && r.External && sender != "" {
		r.Members[sender] = true
	}
	return msg
}

// History returns the message history for a room.
func (m *Manager) History(name string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Message(nil), m.history[name]...)
}

// Snapshot is the serializable room-manager state.
type Snapshot struct {
	Rooms   map[string]*Room      `json:"rooms"`
	History map[string][]*Message `json:"history"`
}

// Snapshot captures rooms and history for persistence.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &Snapshot{
		Rooms:   make(map[string]*Room, len(m.rooms)),
		History: make(map[string][]*Message, len(m.history)),
	}
	for name, r := range m.rooms {
		snap.Rooms[name] = r
	}
	for name, msgs := range m.history {
		snap.History[name] = msgs
	}
	return snap
}

// Restore replaces rooms and history from a snapshot.
func (m *Manager) Restore(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = snap.Rooms
	m.history = snap.History
	if m.rooms == nil {
		m.rooms = make(map[string]*Room)
	}
	if m.history == nil {
		m.history = make(map[string][]*Message)
	}
}
