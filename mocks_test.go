package sechat

import (
	"context"
	"sync"

	"github.com/opd-ai/sechat/transport"
)

// memoryHub is an in-memory network connecting hub transports by handle.
// Delivery is synchronous on the sender's goroutine, which keeps tests
// deterministic without sleeps.
type memoryHub struct {
	mu       sync.Mutex
	clients  map[string]*hubTransport
	unicasts int
}

func newMemoryHub() *memoryHub {
	return &memoryHub{clients: make(map[string]*hubTransport)}
}

func (h *memoryHub) transportFor(handle string) *hubTransport {
	return &hubTransport{hub: h, handle: handle, joined: make(map[string]bool)}
}

func (h *memoryHub) deliverUnicast(sender, target string, payload []byte) {
	h.mu.Lock()
	h.unicasts++
	peer := h.clients[target]
	h.mu.Unlock()
	if peer == nil {
		return
	}
	peer.deliver(transport.Event{
		Kind:    transport.EventUnicast,
		Sender:  sender,
		Target:  target,
		Payload: append([]byte(nil), payload...),
	})
}

func (h *memoryHub) deliverMulticast(sender, address string, payload []byte) {
	h.mu.Lock()
	var peers []*hubTransport
	for handle, peer := range h.clients {
		if handle == sender {
			continue
		}
		if peer.isJoined(address) {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(transport.Event{
			Kind:    transport.EventMulticast,
			Sender:  sender,
			Target:  address,
			Payload: append([]byte(nil), payload...),
		})
	}
}

func (h *memoryHub) unicastCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unicasts
}

// hubTransport is one endpoint on the hub implementing transport.Transport.
type hubTransport struct {
	hub    *memoryHub
	handle string

	mu        sync.Mutex
	connected bool
	joined    map[string]bool

	onUnicast   transport.Handler
	onMulticast transport.Handler
	onSystem    transport.Handler
}

func (t *hubTransport) Connect(_ context.Context, _, handle string) (string, error) {
	t.mu.Lock()
	t.connected = true
	if handle != "" {
		t.handle = handle
	}
	local := t.handle
	t.mu.Unlock()

	t.hub.mu.Lock()
	t.hub.clients[local] = t
	t.hub.mu.Unlock()
	return local, nil
}

func (t *hubTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	t.connected = false
	local := t.handle
	t.mu.Unlock()

	t.hub.mu.Lock()
	delete(t.hub.clients, local)
	t.hub.mu.Unlock()
	return nil
}

func (t *hubTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *hubTransport) LocalHandle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ""
	}
	return t.handle
}

func (t *hubTransport) JoinMulticast(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined[address] = true
	return nil
}

func (t *hubTransport) LeaveMulticast(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.joined, address)
	return nil
}

func (t *hubTransport) isJoined(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined[address]
}

func (t *hubTransport) SendUnicast(handle string, payload []byte) error {
	if !t.Connected() {
		return transport.ErrNotConnected
	}
	t.hub.deliverUnicast(t.handle, handle, payload)
	return nil
}

func (t *hubTransport) SendMulticast(address string, payload []byte) error {
	if !t.Connected() {
		return transport.ErrNotConnected
	}
	t.hub.deliverMulticast(t.handle, address, payload)
	return nil
}

func (t *hubTransport) OnUnicast(h transport.Handler)   { t.onUnicast = h }
func (t *hubTransport) OnMulticast(h transport.Handler) { t.onMulticast = h }
func (t *hubTransport) OnSystem(h transport.Handler)    { t.onSystem = h }

func (t *hubTransport) deliver(ev transport.Event) {
	var h transport.Handler
	switch ev.Kind {
	case transport.EventUnicast:
		h = t.onUnicast
	case transport.EventMulticast:
		h = t.onMulticast
	default:
		h = t.onSystem
	}
	if h != nil {
		h(ev)
	}
}
