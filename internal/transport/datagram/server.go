// Package datagram implements the low-latency "datagram channel": a single
// UDP socket carrying per-packet AES-CFB encrypted audio from many remote
// microphones. Unlike the stream channel there is no handshake on this
// socket at all — pairing happens out of band, via AddClient called from
// the stream channel's handshake, and the first datagram from a
// previously-unseen (host, port) claims a pending client slot.
package datagram

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/relaytrans/relaytrans/internal/cryptochan"
	"github.com/relaytrans/relaytrans/internal/eventbus"
)

// ErrAlreadyRunning is returned by Start when the server is already serving.
var ErrAlreadyRunning = errors.New("datagram: server already running")

// maxDatagramSize bounds a single inbound read. Opus frames over UDP are
// always far smaller than a classic IP fragmentation threshold.
const maxDatagramSize = 65507

// Client is a pending or paired datagram endpoint: one per stream-channel
// session, created unpaired by AddClient and claimed by the first datagram
// that arrives from its host.
type Client struct {
	host   string
	cipher *cryptochan.Cipher

	mu     sync.Mutex
	port   int // 0 until paired
	paired bool
}

// Host returns the client's whitelisted host.
func (c *Client) Host() string { return c.host }

// Addr reports whether the client has been paired and, if so, its full
// (host, port) address.
func (c *Client) Addr() (addr string, paired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paired {
		return "", false
	}
	return fmt.Sprintf("%s:%d", c.host, c.port), true
}

func (c *Client) matches(host string, port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired && c.host == host && c.port == port
}

func (c *Client) tryClaim(port int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paired {
		return false
	}
	c.port = port
	c.paired = true
	return true
}

// MessageEvent pairs a decrypted datagram payload with the Client it
// arrived from.
type MessageEvent struct {
	Client  *Client
	Payload []byte
}

// Server demultiplexes inbound UDP datagrams against a host-keyed whitelist
// of pending/paired Clients and fires Connected (on first pairing) and
// Message (on every decrypted payload) events.
type Server struct {
	Connected *eventbus.Bus[*Client]
	Message   *eventbus.Bus[MessageEvent]

	mu        sync.Mutex
	running   bool
	conn      net.PacketConn
	done      chan struct{}
	wg        sync.WaitGroup
	whitelist map[string][]*Client
}

// New creates an empty Server.
func New() *Server {
	return &Server{
		Connected: eventbus.New[*Client](),
		Message:   eventbus.New[MessageEvent](),
		whitelist: make(map[string][]*Client),
	}
}

// AddClient records a pending datagram client for host, attaching the
// session's key/IV. It is called during the stream handshake, before any
// datagram has arrived from that host.
func (s *Server) AddClient(host string, key [cryptochan.KeySize]byte, iv [cryptochan.IVSize]byte) *Client {
	c := &Client{host: host, cipher: cryptochan.NewCipher(key, iv)}

	s.mu.Lock()
	s.whitelist[host] = append(s.whitelist[host], c)
	s.mu.Unlock()

	return c
}

// RemoveClient removes c from the whitelist. Called when c's owning session
// closes, so a stale entry cannot keep claiming a whitelist slot.
func (s *Server) RemoveClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := s.whitelist[c.host]
	for i, existing := range clients {
		if existing == c {
			s.whitelist[c.host] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(s.whitelist[c.host]) == 0 {
		delete(s.whitelist, c.host)
	}
}

// Start binds addr as a UDP socket and begins the single receive loop.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("datagram: listen %s: %w", addr, err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receiveLoop()

	slog.Info("datagram server listening", "addr", conn.LocalAddr().String())
	return nil
}

// LocalAddr returns the address the server's UDP socket is bound to. Only
// valid after Start has returned successfully.
func (s *Server) LocalAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.LocalAddr().String()
}

// Stop closes the socket and waits for the receive loop to exit. Safe to
// call on a server that was never started or already stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	slog.Info("datagram server stopped")
	return nil
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Warn("datagram server read error", "error", err)
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		s.handleDatagram(addr, payload)
	}
}

// handleDatagram routes one inbound datagram: exact (host, port) match
// first, then first-unpaired-client claiming, then silent drop.
func (s *Server) handleDatagram(addr net.Addr, payload []byte) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return
	}

	s.mu.Lock()
	clients, ok := s.whitelist[host]
	if !ok {
		s.mu.Unlock()
		return
	}

	var target *Client
	for _, c := range clients {
		if c.matches(host, port) {
			target = c
			break
		}
	}

	isNewPairing := false
	if target == nil {
		for _, c := range clients {
			if c.tryClaim(port) {
				target = c
				isNewPairing = true
				break
			}
		}
	}
	s.mu.Unlock()

	if target == nil {
		return
	}

	if isNewPairing {
		s.Connected.Emit(target)
	}

	plaintext, err := target.cipher.Decrypt(payload)
	if err != nil {
		slog.Warn("datagram decrypt error", "host", host, "error", err)
		return
	}

	s.Message.Emit(MessageEvent{Client: target, Payload: plaintext})
}
