package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaytrans/relaytrans/internal/eventbus"
	"github.com/relaytrans/relaytrans/internal/transport/datagram"
	"github.com/relaytrans/relaytrans/internal/transport/stream"
)

// initUDPAddrMessage is the one externally versioned wire message the relay
// sends: it tells a newly authenticated peer where to send its datagram
// audio.
type initUDPAddrMessage struct {
	Type string           `json:"type"`
	Msg  initUDPAddrInner `json:"msg"`
}

type initUDPAddrInner struct {
	UDP initUDPAddrTarget `json:"udp"`
}

type initUDPAddrTarget struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Encryption tells the peer whether datagrams must be encrypted with
	// the session key. Always true for this relay.
	Encryption bool `json:"encryption"`
}

// Manager pairs stream clients with datagram clients into Sessions, routes
// inbound datagram audio to the right session's buffer, and hands a session
// off to the dispatch queue, via an injected Enqueue function, whenever new
// audio arrives while it is not already queued.
type Manager struct {
	datagramSrv  *datagram.Server
	externalHost string
	datagramPort int

	SessionConnected    *eventbus.Bus[*Session]
	SessionDisconnected *eventbus.Bus[*Session]

	mu               sync.RWMutex
	byStreamAddr     map[string]*Session
	byDatagramClient map[*datagram.Client]*Session

	enqueueMu sync.RWMutex
	enqueue   func(*Session)
}

// NewManager wires a Manager to an already-started stream.Server and
// datagram.Server, subscribing to the events that drive session pairing
// and audio routing. externalHost/datagramPort are advertised to peers in
// the init_udpaddr control message.
func NewManager(streamSrv *stream.Server, datagramSrv *datagram.Server, externalHost string, datagramPort int) *Manager {
	m := &Manager{
		datagramSrv:         datagramSrv,
		externalHost:        externalHost,
		datagramPort:        datagramPort,
		SessionConnected:    eventbus.New[*Session](),
		SessionDisconnected: eventbus.New[*Session](),
		byStreamAddr:        make(map[string]*Session),
		byDatagramClient:    make(map[*datagram.Client]*Session),
	}

	streamSrv.Connected.Subscribe(m.handleStreamConnected)
	streamSrv.Disconnected.Subscribe(m.handleStreamClosed)
	streamSrv.TimedOut.Subscribe(m.handleStreamClosed)
	datagramSrv.Message.Subscribe(m.handleDatagramMessage)

	return m
}

// SetEnqueueFunc registers the callback invoked when a session transitions
// from not-queued to queued. The dispatch package wires
// its own queue.Push here; until set, arriving audio is still buffered but
// never scheduled for transcription.
func (m *Manager) SetEnqueueFunc(fn func(*Session)) {
	m.enqueueMu.Lock()
	m.enqueue = fn
	m.enqueueMu.Unlock()
}

// Session looks up the session paired with a stream client's address, for
// tests and diagnostics.
func (m *Manager) Session(streamAddr string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byStreamAddr[streamAddr]
	return s, ok
}

// Count returns the number of currently established sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byStreamAddr)
}

func (m *Manager) handleStreamConnected(c *stream.Client) {
	dc := m.datagramSrv.AddClient(c.Host(), c.Key(), c.IV())
	session := NewSession(c, dc)

	addr := c.RemoteAddr().String()
	m.mu.Lock()
	m.byStreamAddr[addr] = session
	m.byDatagramClient[dc] = session
	m.mu.Unlock()

	if err := m.sendInitUDPAddr(c); err != nil {
		slog.Warn("relay: failed to send init_udpaddr", "remote", addr, "error", err)
	}

	m.SessionConnected.Emit(session)
}

func (m *Manager) sendInitUDPAddr(c *stream.Client) error {
	msg := initUDPAddrMessage{
		Type: "init_udpaddr",
		Msg: initUDPAddrInner{
			UDP: initUDPAddrTarget{
				Host:       m.externalHost,
				Port:       m.datagramPort,
				Encryption: true,
			},
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: marshal init_udpaddr: %w", err)
	}
	return c.Send(payload)
}

func (m *Manager) handleStreamClosed(c *stream.Client) {
	addr := c.RemoteAddr().String()

	m.mu.Lock()
	session, ok := m.byStreamAddr[addr]
	if ok {
		delete(m.byStreamAddr, addr)
		delete(m.byDatagramClient, session.Datagram)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.datagramSrv.RemoveClient(session.Datagram)
	m.SessionDisconnected.Emit(session)
}

func (m *Manager) handleDatagramMessage(e datagram.MessageEvent) {
	m.mu.RLock()
	session, ok := m.byDatagramClient[e.Client]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if session.Append(e.Payload) {
		m.enqueueMu.RLock()
		fn := m.enqueue
		m.enqueueMu.RUnlock()
		if fn != nil {
			fn(session)
		}
	}
}
