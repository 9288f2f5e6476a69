package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer is the far end of an in-memory pipe speaking just enough
// IRC to drive the client through registration and message delivery.
type scriptedServer struct {
	conn  net.Conn
	lines chan string
	once  sync.Once
}

func newScriptedServer(conn net.Conn) *scriptedServer {
	s := &scriptedServer{conn: conn, lines: make(chan string, 64)}
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		close(s.lines)
	}()
	return s
}

// expect waits for the next line matching prefix, skipping others.
func (s *scriptedServer) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func (s *scriptedServer) send(t *testing.T, line string) {
	t.Helper()
	_, err := s.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func (s *scriptedServer) close() {
	s.once.Do(func() { s.conn.Close() })
}

// pipeClient returns a client whose dial fails on the TLS port and hands
// out an in-memory pipe on the plaintext port, plus the server end.
func pipeClient(t *testing.T) (*IRCClient, *scriptedServer) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	c := NewIRCClient(&IRCConfig{RegisterTimeout: 5 * time.Second})
	c.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		if strings.HasSuffix(addr, ":6697") {
			return nil, fmt.Errorf("connection refused")
		}
		return clientEnd, nil
	}

	srv := newScriptedServer(serverEnd)
	t.Cleanup(srv.close)
	return c, srv
}

// connectClient drives registration to completion in the background while
// Connect blocks on the synchronous pipe.
func connectClient(t *testing.T, c *IRCClient, srv *scriptedServer, handle string) string {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.expect(t, "NICK ")
		srv.expect(t, "USER ")
		srv.send(t, ":testserv 001 "+handle+" :Welcome")
	}()

	got, err := c.Connect(context.Background(), "irc.example.org", handle)
	require.NoError(t, err)
	<-done
	return got
}

func TestConnectFallsBackToPlaintext(t *testing.T) {
	c, srv := pipeClient(t)

	got := connectClient(t, c, srv, "alice")
	assert.Equal(t, "alice", got)
	assert.True(t, c.Connected())
	assert.Equal(t, "alice", c.LocalHandle())

	_, err := c.Connect(context.Background(), "irc.example.org", "alice")
	assert.Error(t, err, "second connect on a live session is refused")

	require.NoError(t, c.Disconnect())
}

func TestConnectRegeneratesHandleOnCollision(t *testing.T) {
	c, srv := pipeClient(t)

	var regenerated string
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.expect(t, "NICK alice")
		srv.expect(t, "USER ")
		srv.send(t, ":testserv 433 * alice :Nickname is already in use")
		line := srv.expect(t, "NICK ")
		regenerated = strings.TrimPrefix(line, "NICK ")
		srv.send(t, ":testserv 001 "+regenerated+" :Welcome")
	}()

	got, err := c.Connect(context.Background(), "irc.example.org", "alice")
	require.NoError(t, err)
	<-done

	assert.Equal(t, regenerated, got)
	assert.Regexp(t, regexp.MustCompile(`^alice-[0-9a-f]{4}$`), got)

	require.NoError(t, c.Disconnect())
}

func TestConnectGivesUpAfterRepeatedCollisions(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	c := NewIRCClient(&IRCConfig{RegisterTimeout: 5 * time.Second, MaxNickRetries: 2})
	c.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		if strings.HasSuffix(addr, ":6697") {
			return nil, fmt.Errorf("connection refused")
		}
		return clientEnd, nil
	}
	srv := newScriptedServer(serverEnd)
	t.Cleanup(srv.close)

	go func() {
		srv.expect(t, "NICK ")
		srv.expect(t, "USER ")
		for i := 0; i < 3; i++ {
			srv.send(t, ":testserv 433 * x :Nickname is already in use")
			if i < 2 {
				srv.expect(t, "NICK ")
			}
		}
	}()

	_, err := c.Connect(context.Background(), "irc.example.org", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collision")
	assert.False(t, c.Connected())
}

func TestPrivmsgRouting(t *testing.T) {
	c, srv := pipeClient(t)

	unicast := make(chan Event, 4)
	multicast := make(chan Event, 4)
	c.OnUnicast(func(ev Event) { unicast <- ev })
	c.OnMulticast(func(ev Event) { multicast <- ev })

	connectClient(t, c, srv, "alice")
	defer c.Disconnect()

	srv.send(t, ":bob!user@host PRIVMSG alice :direct hello")
	select {
	case ev := <-unicast:
		assert.Equal(t, EventUnicast, ev.Kind)
		assert.Equal(t, "bob", ev.Sender)
		assert.Equal(t, "alice", ev.Target)
		assert.Equal(t, []byte("direct hello"), ev.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("unicast event not delivered")
	}

	srv.send(t, ":carol!user@host PRIVMSG #room :group hello")
	select {
	case ev := <-multicast:
		assert.Equal(t, EventMulticast, ev.Kind)
		assert.Equal(t, "carol", ev.Sender)
		assert.Equal(t, "#room", ev.Target)
		assert.Equal(t, []byte("group hello"), ev.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("multicast event not delivered")
	}

	// A hash-target frame never reaches the unicast handler.
	select {
	case ev := <-unicast:
		t.Fatalf("unexpected unicast event: %+v", ev)
	default:
	}
}

func TestPingPong(t *testing.T) {
	c, srv := pipeClient(t)
	connectClient(t, c, srv, "alice")
	defer c.Disconnect()

	srv.send(t, "PING :token-123")
	line := srv.expect(t, "PONG")
	assert.Equal(t, "PONG :token-123", line)
}

func TestSendAndMulticastLifecycle(t *testing.T) {
	c, srv := pipeClient(t)

	assert.ErrorIs(t, c.SendUnicast("bob", []byte("early")), ErrNotConnected)

	connectClient(t, c, srv, "alice")
	defer c.Disconnect()

	require.NoError(t, c.JoinMulticast("room"))
	assert.Equal(t, "JOIN #room", srv.expect(t, "JOIN"))

	require.NoError(t, c.SendMulticast("room", []byte("to the room")))
	assert.Equal(t, "PRIVMSG #room :to the room", srv.expect(t, "PRIVMSG"))

	require.NoError(t, c.SendUnicast("bob", []byte("to bob")))
	assert.Equal(t, "PRIVMSG bob :to bob", srv.expect(t, "PRIVMSG"))

	assert.Error(t, c.SendUnicast("bob", []byte("line\nbreak")))

	require.NoError(t, c.LeaveMulticast("room"))
	assert.Equal(t, "PART #room", srv.expect(t, "PART"))
}

func TestDisconnect(t *testing.T) {
	c, srv := pipeClient(t)

	system := make(chan Event, 4)
	c.OnSystem(func(ev Event) { system <- ev })

	connectClient(t, c, srv, "alice")

	go srv.expect(t, "QUIT")
	require.NoError(t, c.Disconnect())

	assert.False(t, c.Connected())
	assert.Empty(t, c.LocalHandle())
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)

	select {
	case ev := <-system:
		assert.Equal(t, EventSystem, ev.Kind)
		assert.Equal(t, SystemDisconnected, string(ev.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("system event not delivered")
	}
}

// closeTracker records whether Close was called on the wrapped conn.
type closeTracker struct {
	net.Conn
	mu     sync.Mutex
	closed bool
}

func (c *closeTracker) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *closeTracker) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestConnectionLossEmitsSystemEvent(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	tracked := &closeTracker{Conn: clientEnd}
	c := NewIRCClient(&IRCConfig{RegisterTimeout: 5 * time.Second})
	c.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		if strings.HasSuffix(addr, ":6697") {
			return nil, fmt.Errorf("connection refused")
		}
		return tracked, nil
	}
	srv := newScriptedServer(serverEnd)
	t.Cleanup(srv.close)

	system := make(chan Event, 4)
	c.OnSystem(func(ev Event) { system <- ev })

	connectClient(t, c, srv, "alice")

	// Server drops the link; the read loop surfaces it exactly once.
	srv.close()

	select {
	case ev := <-system:
		assert.Equal(t, SystemConnectionLost, string(ev.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("loss event not delivered")
	}
	assert.False(t, c.Connected())
	assert.Empty(t, c.LocalHandle())

	// The loss path tears the session down: the socket is closed, not
	// leaked, and an explicit Disconnect has nothing left to do.
	assert.True(t, tracked.wasClosed(), "connection must be closed after loss")
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *ircMessage
	}{
		{
			"privmsg with full prefix",
			":bob!user@host PRIVMSG alice :hello there",
			&ircMessage{nick: "bob", command: "PRIVMSG", params: []string{"alice"}, trailing: "hello there"},
		},
		{
			"server numeric",
			":testserv 001 alice :Welcome to the network",
			&ircMessage{nick: "testserv", command: "001", params: []string{"alice"}, trailing: "Welcome to the network"},
		},
		{
			"ping without prefix",
			"PING :token",
			&ircMessage{nick: "", command: "PING", params: nil, trailing: "token"},
		},
		{"empty line", "", nil},
		{"bare prefix", ":lonely", nil},
		{
			"no trailing",
			"JOIN #room",
			&ircMessage{command: "JOIN", params: []string{"#room"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseLine(tt.line)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.nick, got.nick)
			assert.Equal(t, tt.want.command, got.command)
			assert.Equal(t, tt.want.trailing, got.trailing)
			if len(tt.want.params) > 0 {
				assert.Equal(t, tt.want.params, got.params)
			}
		})
	}
}

func TestNormalizeChannel(t *testing.T) {
	assert.Equal(t, "#room", normalizeChannel("room"))
	assert.Equal(t, "#room", normalizeChannel("#room"))
}
