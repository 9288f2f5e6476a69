package contact

import (
	"context"
	"sync"

	"github.com/opd-ai/sechat/transport"
)

// mockTransport records sent frames without touching the network.
type mockTransport struct {
	mu        sync.Mutex
	handle    string
	connected bool
	unicasts  []sentFrame
}

type sentFrame struct {
	target  string
	payload []byte
}

func newMockTransport(handle string) *mockTransport {
	return &mockTransport{handle: handle, connected: true}
}

func (m *mockTransport) Connect(_ context.Context, _, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = handle
	m.connected = true
	return handle, nil
}

func (m *mockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) LocalHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

func (m *mockTransport) JoinMulticast(string) error  { return nil }
func (m *mockTransport) LeaveMulticast(string) error { return nil }

func (m *mockTransport) SendUnicast(target string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return transport.ErrNotConnected
	}
	m.unicasts = append(m.unicasts, sentFrame{target: target, payload: append([]byte(nil), payload...)})
	return nil
}

func (m *mockTransport) SendMulticast(string, []byte) error { return nil }

func (m *mockTransport) OnUnicast(transport.Handler)   {}
func (m *mockTransport) OnMulticast(transport.Handler) {}
func (m *mockTransport) OnSystem(transport.Handler)    {}

func (m *mockTransport) sentTo(target string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0)
	for _, f := range m.unicasts {
		if f.target == target {
			out = append(out, f.payload)
		}
	}
	return out
}
