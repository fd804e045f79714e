// Package cryptochan implements the relay's handshake and symmetric framing
// primitives: an RSA-OAEP key exchange followed by AES-CFB encrypted,
// length-prefixed frames.
//
// Both the stream and datagram transports share these primitives; the
// (key, IV) pair negotiated in the handshake drives both channels.
package cryptochan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// KeySize is the length in bytes of an AES-256 session key.
const KeySize = 32

// IVSize is the length in bytes of an AES-CFB initialisation vector.
const IVSize = 16

// HandshakePlaintextSize is the exact length of the RSA-OAEP plaintext a
// peer must submit: IVSize bytes of IV followed by KeySize bytes of key.
const HandshakePlaintextSize = IVSize + KeySize

// maxFrameSize bounds a single length-prefixed frame to guard against a
// malicious or corrupt length prefix causing an unbounded allocation.
const maxFrameSize = 32 << 20 // 32 MiB

// ErrHandshakeMalformed is returned when a handshake ciphertext does not
// decrypt to exactly HandshakePlaintextSize bytes, or RSA-OAEP decryption
// itself fails.
var ErrHandshakeMalformed = errors.New("cryptochan: handshake payload malformed")

// GenerateKeyPair creates a new RSA key pair of the given bit size. Keys
// are generated once at process startup and held for the process lifetime.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: generate RSA key pair: %w", err)
	}
	return priv, nil
}

// PublicKeyPEM encodes pub as PEM-wrapped SubjectPublicKeyInfo, the exact
// form the stream handshake sends to a newly accepted peer as its first
// message.
func PublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// DecryptHandshake decrypts an RSA-OAEP-SHA256 (MGF1-SHA256, no label)
// ciphertext under priv and splits the plaintext into a session IV and a
// session key, in that order. It returns ErrHandshakeMalformed if
// decryption fails or the plaintext length is wrong, never a lower-level
// crypto error — the handshake fails silently either way.
func DecryptHandshake(priv *rsa.PrivateKey, ciphertext []byte) (key [KeySize]byte, iv [IVSize]byte, err error) {
	plaintext, decErr := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if decErr != nil {
		return key, iv, ErrHandshakeMalformed
	}
	if len(plaintext) != HandshakePlaintextSize {
		return key, iv, ErrHandshakeMalformed
	}
	copy(iv[:], plaintext[:IVSize])
	copy(key[:], plaintext[IVSize:])
	return key, iv, nil
}

// Cipher holds a negotiated (key, IV) pair and performs AES-CFB encryption
// and decryption against it. The same (key, IV) pair is reused across
// every message in a session — the wire protocol requires it; see
// DESIGN.md for the tradeoff.
type Cipher struct {
	key []byte
	iv  []byte
}

// NewCipher builds a Cipher from a 32-byte key and a 16-byte IV.
func NewCipher(key [KeySize]byte, iv [IVSize]byte) *Cipher {
	k := make([]byte, KeySize)
	copy(k, key[:])
	v := make([]byte, IVSize)
	copy(v, iv[:])
	return &Cipher{key: k, iv: v}
}

// Encrypt returns plaintext encrypted under AES-CFB with c's key and IV. A
// fresh cipher.Stream is created per call, so the same IV is reused for
// every message — see the Cipher doc comment.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: new AES cipher: %w", err)
	}
	stream := cipher.NewCFBEncrypter(block, c.iv)
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// Decrypt returns ciphertext decrypted under AES-CFB with c's key and IV.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: new AES cipher: %w", err)
	}
	stream := cipher.NewCFBDecrypter(block, c.iv)
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// SecureCompare reports whether a and b are equal using a constant-time
// comparison, used to check the decrypted shared token against the
// configured secret without leaking timing information about where the
// mismatch occurred.
func SecureCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// WriteFrame writes payload to w prefixed with its length as a 4-byte
// big-endian unsigned integer. A byte stream gives no write-unit
// boundaries, so both sides frame explicitly.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("cryptochan: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("cryptochan: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It returns an error if
// the declared length exceeds maxFrameSize, guarding against a corrupt or
// hostile length prefix.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("cryptochan: frame length %d exceeds maximum %d", n, maxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("cryptochan: read frame payload: %w", err)
	}
	return payload, nil
}
