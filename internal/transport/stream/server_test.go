package stream

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/relaytrans/relaytrans/internal/cryptochan"
)

const testSecret = "test-secret-token"

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	priv, err := cryptochan.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	srv, err := New(priv, testSecret, 2*time.Second, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, srv.listener.Addr().String()
}

// dialAndHandshake performs the client side of the connect handshake
// against a running Server and returns the raw connection plus the
// negotiated cipher for sending further frames.
func dialAndHandshake(t *testing.T, addr, secret string) (net.Conn, *cryptochan.Cipher) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	block, _ := pem.Decode(buf[:n])
	if block == nil {
		t.Fatalf("failed to decode PEM public key")
	}
	pubAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	pub := pubAny.(*rsa.PublicKey)

	var key [cryptochan.KeySize]byte
	var iv [cryptochan.IVSize]byte
	rand.Read(key[:])
	rand.Read(iv[:])
	plaintext := append(append([]byte{}, iv[:]...), key[:]...)

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		t.Fatalf("encrypt handshake: %v", err)
	}
	if err := cryptochan.WriteFrame(conn, ciphertext); err != nil {
		t.Fatalf("write handshake ciphertext: %v", err)
	}

	okFrame, err := cryptochan.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read OK frame: %v", err)
	}
	cipher := cryptochan.NewCipher(key, iv)
	okPlain, err := cipher.Decrypt(okFrame)
	if err != nil {
		t.Fatalf("decrypt OK frame: %v", err)
	}
	if string(okPlain) != "OK" {
		t.Fatalf("expected OK, got %q", okPlain)
	}

	tokenCiphertext, err := cipher.Encrypt([]byte(secret))
	if err != nil {
		t.Fatalf("encrypt token: %v", err)
	}
	if err := cryptochan.WriteFrame(conn, tokenCiphertext); err != nil {
		t.Fatalf("write token: %v", err)
	}

	return conn, cipher
}

func TestHandshakeEstablishesSessionAndFiresConnected(t *testing.T) {
	srv, addr := startTestServer(t)

	connected := make(chan *Client, 1)
	srv.Connected.Subscribe(func(c *Client) { connected <- c })

	conn, _ := dialAndHandshake(t, addr, testSecret)
	defer conn.Close()

	select {
	case c := <-connected:
		if c.State() != StateEstablished {
			t.Errorf("state = %v, want Established", c.State())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	srv, addr := startTestServer(t)

	messages := make(chan MessageEvent, 1)
	srv.Message.Subscribe(func(m MessageEvent) { messages <- m })

	conn, cipher := dialAndHandshake(t, addr, testSecret)
	defer conn.Close()

	ciphertext, err := cipher.Encrypt([]byte("hello relay"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := cryptochan.WriteFrame(conn, ciphertext); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case m := <-messages:
		if string(m.Payload) != "hello relay" {
			t.Errorf("payload = %q, want %q", m.Payload, "hello relay")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestPingRepliesWithPongAndFiresPing(t *testing.T) {
	srv, addr := startTestServer(t)

	pings := make(chan *Client, 1)
	srv.Ping.Subscribe(func(c *Client) { pings <- c })

	conn, cipher := dialAndHandshake(t, addr, testSecret)
	defer conn.Close()

	ciphertext, _ := cipher.Encrypt([]byte("PING"))
	if err := cryptochan.WriteFrame(conn, ciphertext); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pongFrame, err := cryptochan.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	pongPlain, err := cipher.Decrypt(pongFrame)
	if err != nil {
		t.Fatalf("decrypt pong: %v", err)
	}
	if string(pongPlain) != "PONG" {
		t.Fatalf("expected PONG, got %q", pongPlain)
	}

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping event")
	}
}

func TestAuthFailedClosesConnectionSilently(t *testing.T) {
	srv, addr := startTestServer(t)

	connected := make(chan *Client, 1)
	srv.Connected.Subscribe(func(c *Client) { connected <- c })

	conn, _ := dialAndHandshake(t, addr, "wrong-token")
	defer conn.Close()

	select {
	case <-connected:
		t.Fatal("connected event fired despite auth failure")
	case <-time.After(300 * time.Millisecond):
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after auth failure")
	}
}

func TestDisconnectedFiresOnPeerClose(t *testing.T) {
	srv, addr := startTestServer(t)

	disconnected := make(chan *Client, 1)
	srv.Disconnected.Subscribe(func(c *Client) { disconnected <- c })

	conn, _ := dialAndHandshake(t, addr, testSecret)
	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnected event")
	}
}

func TestTimeoutFiresWhenPeerGoesSilent(t *testing.T) {
	priv, err := cryptochan.GenerateKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	srv, err := New(priv, testSecret, 200*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	timedOut := make(chan *Client, 1)
	srv.TimedOut.Subscribe(func(c *Client) { timedOut <- c })

	conn, _ := dialAndHandshake(t, srv.listener.Addr().String(), testSecret)
	defer conn.Close()

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout event")
	}
}

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	srv, _ := startTestServer(t)
	if err := srv.Start("127.0.0.1:0"); err != ErrAlreadyRunning {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t)
	if err := srv.Stop(); err != nil {
		t.Errorf("first Stop: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestMalformedHandshakeClosesSilently(t *testing.T) {
	srv, addr := startTestServer(t)

	connected := make(chan *Client, 1)
	srv.Connected.Subscribe(func(c *Client) { connected <- c })

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8192)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read public key: %v", err)
	}

	if err := cryptochan.WriteFrame(conn, []byte("not a valid OAEP ciphertext")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	select {
	case <-connected:
		t.Fatal("connected event fired despite malformed handshake")
	case <-time.After(300 * time.Millisecond):
	}
}
