package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IRCConfig tunes the IRC adapter. The zero value uses the defaults below.
type IRCConfig struct {
	// TLSPort is tried first (encrypted). Default 6697.
	TLSPort int
	// PlainPort is the documented unencrypted fallback. Default 6667.
	PlainPort int
	// DialTimeout bounds each connection attempt. Default 10s.
	DialTimeout time.Duration
	// RegisterTimeout bounds the NICK/USER registration exchange.
	RegisterTimeout time.Duration
	// MaxNickRetries caps handle regeneration after collisions. Default 5.
	MaxNickRetries int
	// TLSConfig overrides the TLS client configuration for the primary
	// attempt. Nil uses a default verifying configuration.
	TLSConfig *tls.Config
}

func (c *IRCConfig) withDefaults() IRCConfig {
	out := IRCConfig{}
	if c != nil {
		out = *c
	}
	if out.TLSPort == 0 {
		out.TLSPort = 6697
	}
	if out.PlainPort == 0 {
		out.PlainPort = 6667
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.RegisterTimeout == 0 {
		out.RegisterTimeout = 30 * time.Second
	}
	if out.MaxNickRetries == 0 {
		out.MaxNickRetries = 5
	}
	return out
}

// readDeadlineInterval is how often the read loop wakes to poll the
// liveness flag. Disconnect completes within one interval.
const readDeadlineInterval = 500 * time.Millisecond

// IRCClient is the IRC-backed Transport. One processing goroutine delivers
// all inbound events; callbacks run on that goroutine.
type IRCClient struct {
	cfg IRCConfig

	mu        sync.RWMutex
	conn      net.Conn
	handle    string
	connected bool
	channels  map[string]bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onUnicast   Handler
	onMulticast Handler
	onSystem    Handler

	// dial is swappable so tests can run against an in-memory pipe.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewIRCClient creates a disconnected IRC transport.
func NewIRCClient(cfg *IRCConfig) *IRCClient {
	c := &IRCClient{
		cfg:      cfg.withDefaults(),
		channels: make(map[string]bool),
	}
	c.dial = c.defaultDial
	return c
}

func (c *IRCClient) defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	return d.DialContext(ctx, network, addr)
}

// Connect dials the endpoint, TLS first and plaintext second, each attempt
// bounded by DialTimeout, then registers the handle. On a nickname
// collision the handle is regenerated with a random suffix and registration
// retried. The handle in use is returned.
func (c *IRCClient) Connect(ctx context.Context, endpoint, handle string) (string, error) {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return "", fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, encrypted, err := c.dialSequence(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", endpoint, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Connect",
		"endpoint":  endpoint,
		"encrypted": encrypted,
	}).Info("Transport connection established")

	reader := bufio.NewReader(conn)
	finalHandle, err := c.register(conn, reader, handle)
	if err != nil {
		conn.Close()
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.handle = finalHandle
	c.connected = true
	c.cancel = cancel
	c.channels = make(map[string]bool)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(loopCtx, reader)

	return finalHandle, nil
}

// dialSequence tries the encrypted port, then the documented plaintext
// fallback. Both attempts share the per-attempt timeout.
func (c *IRCClient) dialSequence(ctx context.Context, endpoint string) (net.Conn, bool, error) {
	tlsAddr := net.JoinHostPort(endpoint, fmt.Sprint(c.cfg.TLSPort))
	raw, err := c.dial(ctx, "tcp", tlsAddr)
	if err == nil {
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: endpoint}
		}
		tlsConn := tls.Client(raw, tlsCfg)
		if hsErr := tlsConn.HandshakeContext(ctx); hsErr == nil {
			return tlsConn, true, nil
		}
		raw.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "dialSequence",
		"endpoint": endpoint,
	}).Warn("Encrypted attempt failed, falling back to plaintext")

	plainAddr := net.JoinHostPort(endpoint, fmt.Sprint(c.cfg.PlainPort))
	conn, err := c.dial(ctx, "tcp", plainAddr)
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

// register performs the NICK/USER exchange, regenerating the handle on
// collision replies until the server accepts or retries run out.
func (c *IRCClient) register(conn net.Conn, reader *bufio.Reader, handle string) (string, error) {
	deadline := time.Now().Add(c.cfg.RegisterTimeout)
	current := handle

	if err := writeLine(conn, "NICK "+current); err != nil {
		return "", err
	}
	if err := writeLine(conn, fmt.Sprintf("USER %s 0 * :%s", current, current)); err != nil {
		return "", err
	}

	retries := 0
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		raw, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("registration read: %w", err)
		}
		msg := parseLine(strings.TrimRight(raw, "\r\n"))
		if msg == nil {
			continue
		}

		switch msg.command {
		case "PING":
			_ = writeLine(conn, "PONG :"+msg.trailing)
		case "001": // welcome
			_ = conn.SetReadDeadline(time.Time{})
			return current, nil
		case "433", "436": // nickname in use / collision
			retries++
			if retries > c.cfg.MaxNickRetries {
				return "", fmt.Errorf("handle collision persisted after %d retries", retries-1)
			}
			current = regenerateHandle(handle)
			logrus.WithFields(logrus.Fields{
				"function": "register",
				"handle":   current,
				"retry":    retries,
			}).Info("Handle collision, retrying with regenerated handle")
			if err := writeLine(conn, "NICK "+current); err != nil {
				return "", err
			}
		}
	}
}

// regenerateHandle appends a random 4-hex-digit suffix to the base handle.
func regenerateHandle(base string) string {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return base + "-0000"
	}
	return base + "-" + hex.EncodeToString(buf)
}

// Disconnect sends QUIT and stops the processing loop. The loop exits
// within one read-deadline interval; no automatic reconnection follows.
func (c *IRCClient) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	cancel := c.cancel
	c.connected = false
	c.handle = ""
	c.mu.Unlock()

	_ = writeLine(conn, "QUIT :leaving")
	cancel()
	err := conn.Close()
	c.wg.Wait()

	c.emitSystem(SystemDisconnected)
	return err
}

// Connected reports whether a session is live.
func (c *IRCClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LocalHandle returns the registered handle.
func (c *IRCClient) LocalHandle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// JoinMulticast joins a multicast address (an IRC channel).
func (c *IRCClient) JoinMulticast(address string) error {
	ch := normalizeChannel(address)
	if err := c.writeConnected("JOIN " + ch); err != nil {
		return err
	}
	c.mu.Lock()
	c.channels[ch] = true
	c.mu.Unlock()
	return nil
}

// LeaveMulticast leaves a multicast address.
func (c *IRCClient) LeaveMulticast(address string) error {
	ch := normalizeChannel(address)
	if err := c.writeConnected("PART " + ch); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
	return nil
}

// SendUnicast sends payload to a single handle. Fire-and-forget: no
// delivery confirmation is awaited.
func (c *IRCClient) SendUnicast(handle string, payload []byte) error {
	return c.sendPrivmsg(handle, payload)
}

// SendMulticast sends payload to a multicast address.
func (c *IRCClient) SendMulticast(address string, payload []byte) error {
	return c.sendPrivmsg(normalizeChannel(address), payload)
}

func (c *IRCClient) sendPrivmsg(target string, payload []byte) error {
	text := string(payload)
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("payload must not contain line breaks")
	}
	return c.writeConnected("PRIVMSG " + target + " :" + text)
}

func (c *IRCClient) writeConnected(line string) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	return writeLine(conn, line)
}

// OnUnicast registers the handler for frames addressed to this handle.
func (c *IRCClient) OnUnicast(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnicast = h
}

// OnMulticast registers the handler for frames on joined addresses.
func (c *IRCClient) OnMulticast(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMulticast = h
}

// OnSystem registers the handler for connection-level notices.
func (c *IRCClient) OnSystem(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSystem = h
}

// readLoop is the single processing loop delivering inbound events. It
// polls short read deadlines so cancellation is observed within one
// iteration.
func (c *IRCClient) readLoop(ctx context.Context, reader *bufio.Reader) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadlineInterval))
		raw, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Connection lost. Tear the session down here so the socket
			// is not leaked, surface it once, and stop; reconnection
			// requires a new Connect call.
			c.mu.Lock()
			wasConnected := c.connected
			c.connected = false
			c.handle = ""
			cancel := c.cancel
			c.mu.Unlock()
			if wasConnected {
				if cancel != nil {
					cancel()
				}
				conn.Close()
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"error":    err.Error(),
				}).Warn("Transport connection lost")
				c.emitSystem(SystemConnectionLost)
			}
			return
		}

		c.handleLine(strings.TrimRight(raw, "\r\n"))
	}
}

// handleLine routes one inbound line. A PRIVMSG goes to exactly one of the
// unicast or multicast handlers depending on its target.
func (c *IRCClient) handleLine(line string) {
	msg := parseLine(line)
	if msg == nil {
		return
	}

	switch msg.command {
	case "PING":
		_ = c.writeConnected("PONG :" + msg.trailing)
	case "PRIVMSG":
		if len(msg.params) == 0 {
			return
		}
		target := msg.params[0]
		ev := Event{
			Sender:  msg.nick,
			Target:  target,
			Payload: []byte(msg.trailing),
		}
		c.mu.RLock()
		var h Handler
		if strings.HasPrefix(target, "#") {
			ev.Kind = EventMulticast
			h = c.onMulticast
		} else {
			ev.Kind = EventUnicast
			h = c.onUnicast
		}
		c.mu.RUnlock()
		if h != nil {
			h(ev)
		}
	case "ERROR":
		c.emitSystem("server error: " + msg.trailing)
	}
}

func (c *IRCClient) emitSystem(note string) {
	c.mu.RLock()
	h := c.onSystem
	c.mu.RUnlock()
	if h != nil {
		h(Event{Kind: EventSystem, Payload: []byte(note)})
	}
}

// ircMessage is a minimally parsed IRC line.
type ircMessage struct {
	nick     string
	command  string
	params   []string
	trailing string
}

// parseLine parses ":prefix COMMAND params :trailing". Lines that do not
// fit the shape are dropped, never fatal.
func parseLine(line string) *ircMessage {
	if line == "" {
		return nil
	}
	msg := &ircMessage{}

	if line[0] == ':' {
		idx := strings.IndexByte(line, ' ')
		if idx < 0 {
			return nil
		}
		prefix := line[1:idx]
		if bang := strings.IndexByte(prefix, '!'); bang >= 0 {
			msg.nick = prefix[:bang]
		} else {
			msg.nick = prefix
		}
		line = line[idx+1:]
	}

	if idx := strings.Index(line, " :"); idx >= 0 {
		msg.trailing = line[idx+2:]
		line = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	msg.command = fields[0]
	msg.params = fields[1:]
	return msg
}

func normalizeChannel(address string) string {
	if strings.HasPrefix(address, "#") {
		return address
	}
	return "#" + address
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\r\n"))
	if err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}
