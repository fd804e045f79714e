package stream

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaytrans/relaytrans/internal/cryptochan"
)

// State is a stream client's position in the handshake/liveness lifecycle.
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticating
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one accepted stream-channel connection: a microphone's control
// and text-return socket, carrying the AES-CFB session negotiated during the
// handshake. A Client's socket operations are serialized to its own worker
// goroutine; Send may be called from other goroutines (the dispatch worker
// replying with transcribed text) concurrently with that read loop.
type Client struct {
	conn   net.Conn
	cipher *cryptochan.Cipher
	key    [cryptochan.KeySize]byte
	iv     [cryptochan.IVSize]byte

	// host is the bare IP the datagram server pairs against — derived from
	// conn.RemoteAddr(), stripped of its ephemeral source port.
	host string

	state atomic.Int32

	sendMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	deadline time.Time
}

func newClient(conn net.Conn, key [cryptochan.KeySize]byte, iv [cryptochan.IVSize]byte, host string) *Client {
	c := &Client{
		conn:   conn,
		cipher: cryptochan.NewCipher(key, iv),
		key:    key,
		iv:     iv,
		host:   host,
	}
	c.state.Store(int32(StateHandshaking))
	return c
}

// Host returns the bare remote IP address, used to pair this client with its
// datagram counterpart.
func (c *Client) Host() string { return c.host }

// Key returns the session's negotiated AES key.
func (c *Client) Key() [cryptochan.KeySize]byte { return c.key }

// IV returns the session's negotiated AES IV.
func (c *Client) IV() [cryptochan.IVSize]byte { return c.iv }

// RemoteAddr returns the underlying connection's remote address.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State reports the client's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Send encrypts payload and writes it as one length-prefixed frame. Safe to
// call concurrently with the server's own read loop for this client.
func (c *Client) Send(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ciphertext, err := c.cipher.Encrypt(payload)
	if err != nil {
		return err
	}
	return cryptochan.WriteFrame(c.conn, ciphertext)
}

// sendRaw writes plaintext bytes encrypted under the session cipher; used
// internally for the handshake's OK and the liveness PONG reply.
func (c *Client) sendRaw(plaintext []byte) error {
	return c.Send(plaintext)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.setState(StateClosed)
	_ = c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
