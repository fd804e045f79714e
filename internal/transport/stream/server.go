// Package stream implements the reliable, authenticated "stream channel":
// an RSA-OAEP handshake negotiates a per-connection AES-CFB session, after
// which a shared-token challenge gates entry to Established state. Once
// established, the connection carries liveness PING/PONG traffic and
// arbitrary encrypted control/text frames in both directions.
//
// Built on net.Listener/net.Conn and the cryptochan package, using
// eventbus.Bus for the connected/message/disconnected/timeout/ping fan-out.
package stream

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaytrans/relaytrans/internal/cryptochan"
	"github.com/relaytrans/relaytrans/internal/eventbus"
)

// MessageEvent pairs a decrypted application payload with the Client it
// arrived from.
type MessageEvent struct {
	Client  *Client
	Payload []byte
}

// literal protocol bytes exchanged during handshake and liveness checks.
var (
	okMessage   = []byte("OK")
	pingMessage = []byte("PING")
	pongMessage = []byte("PONG")
)

// ErrAlreadyRunning is returned by Start when the server is already serving.
var ErrAlreadyRunning = errors.New("stream: server already running")

// Server accepts stream-channel connections, drives each through the
// RSA/AES handshake, and fans out connected/message/disconnected/timeout/
// ping events to subscribers. A single Server instance is the "stream
// channel server" of the relay.
type Server struct {
	priv    *rsa.PrivateKey
	pubPEM  []byte
	secret  []byte
	timeout time.Duration

	poolSize int

	Connected    *eventbus.Bus[*Client]
	Message      *eventbus.Bus[MessageEvent]
	Disconnected *eventbus.Bus[*Client]
	TimedOut     *eventbus.Bus[*Client]
	Ping         *eventbus.Bus[*Client]

	mu       sync.Mutex
	running  bool
	listener net.Listener
	done     chan struct{}
	conns    chan net.Conn
	clients  map[*Client]struct{}
	acceptWg sync.WaitGroup
	wg       sync.WaitGroup
}

// New creates a Server. priv is the process-wide RSA key pair generated once
// at startup and constant for the lifetime of the process; secret is the
// shared bearer token every peer must present; timeout is the liveness
// deadline; poolSize bounds the number of connections handled concurrently.
func New(priv *rsa.PrivateKey, secret string, timeout time.Duration, poolSize int) (*Server, error) {
	pubPEM, err := cryptochan.PublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("stream: encode public key: %w", err)
	}
	if poolSize < 1 {
		poolSize = 1
	}
	return &Server{
		priv:         priv,
		pubPEM:       pubPEM,
		secret:       []byte(secret),
		timeout:      timeout,
		poolSize:     poolSize,
		Connected:    eventbus.New[*Client](),
		Message:      eventbus.New[MessageEvent](),
		Disconnected: eventbus.New[*Client](),
		TimedOut:     eventbus.New[*Client](),
		Ping:         eventbus.New[*Client](),
	}, nil
}

// Start binds addr and begins accepting connections. It returns once the
// listener is bound; accepting and handling happen in background
// goroutines. Calling Start twice without an intervening Stop returns
// ErrAlreadyRunning.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("stream: listen %s: %w", addr, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.conns = make(chan net.Conn, s.poolSize)
	s.clients = make(map[*Client]struct{})
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.poolSize; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.acceptWg.Add(1)
	go s.acceptLoop()

	slog.Info("stream server listening", "addr", ln.Addr().String(), "pool_size", s.poolSize)
	return nil
}

// ListenAddr returns the address the server is bound to. Only valid after
// Start has returned successfully.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, signals all workers to drain, and waits for
// every in-flight connection handler to return. Safe to call on a server
// that was never started or already stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	// The acceptor must be gone before conns closes: it may be mid-send.
	s.acceptWg.Wait()
	close(s.conns)

	// Unblock every established session's read loop.
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("stream server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Warn("stream server accept error", "error", err)
				continue
			}
		}
		select {
		case s.conns <- conn:
		case <-s.done:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for conn := range s.conns {
		s.handleConnection(conn)
	}
}

// handleConnection drives one accepted connection through the handshake
// and, on success, the Established read loop. It always closes conn before
// returning.
func (s *Server) handleConnection(conn net.Conn) {
	client, err := s.handshake(conn)
	if err != nil {
		if !errors.Is(err, errHandshakeMalformed) && !errors.Is(err, errAuthFailed) {
			slog.Warn("stream handshake error", "remote", conn.RemoteAddr(), "error", err)
		}
		_ = conn.Close()
		return
	}

	client.setState(StateEstablished)

	// A handshake that raced with Stop must not outlive it.
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		client.close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
	}()

	s.Connected.Emit(client)

	s.readLoop(client)
}

var (
	errHandshakeMalformed = errors.New("stream: handshake malformed")
	errAuthFailed         = errors.New("stream: auth failed")
)

// handshake runs the fixed connect sequence: send the public key, receive
// and decrypt the session (key, IV), reply OK, then read and check the
// shared token.
func (s *Server) handshake(conn net.Conn) (*Client, error) {
	if _, err := conn.Write(s.pubPEM); err != nil {
		return nil, fmt.Errorf("stream: send public key: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.timeout))
	ciphertext, err := cryptochan.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("stream: read handshake ciphertext: %w", err)
	}

	key, iv, err := cryptochan.DecryptHandshake(s.priv, ciphertext)
	if err != nil {
		return nil, errHandshakeMalformed
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	client := newClient(conn, key, iv, host)
	client.setState(StateAuthenticating)

	if err := client.sendRaw(okMessage); err != nil {
		return nil, fmt.Errorf("stream: send handshake OK: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.timeout))
	tokenCiphertext, err := cryptochan.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("stream: read auth token: %w", err)
	}
	token, err := client.cipher.Decrypt(tokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("stream: decrypt auth token: %w", err)
	}
	if !cryptochan.SecureCompare(token, s.secret) {
		return nil, errAuthFailed
	}

	return client, nil
}

// readLoop is the Established-state frame loop: every inbound frame is
// decrypted and classified as PING or an application message; the deadline
// advances on every successful read. It returns (and the caller closes the
// connection) on timeout, peer close, or any I/O error.
func (s *Server) readLoop(client *Client) {
	defer func() {
		client.close()
	}()

	for {
		client.conn.SetReadDeadline(time.Now().Add(s.timeout))
		ciphertext, err := cryptochan.ReadFrame(client.conn)
		if err != nil {
			if client.isClosed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.TimedOut.Emit(client)
				return
			}
			s.Disconnected.Emit(client)
			return
		}

		plaintext, err := client.cipher.Decrypt(ciphertext)
		if err != nil {
			slog.Warn("stream decrypt error", "remote", client.RemoteAddr(), "error", err)
			s.Disconnected.Emit(client)
			return
		}

		if string(plaintext) == string(pingMessage) {
			if err := client.sendRaw(pongMessage); err != nil {
				s.Disconnected.Emit(client)
				return
			}
			s.Ping.Emit(client)
			continue
		}

		s.Message.Emit(MessageEvent{Client: client, Payload: plaintext})
	}
}
