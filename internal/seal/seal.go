// Package seal implements the authenticated encryption applied to every
// tunnel payload. It wraps XChaCha20-Poly1305 under a single pre-shared
// 32-byte key loaded once at startup on both ends.
//
// Sealed blob format:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag: N+16 bytes]
//
// The version byte is included as additional authenticated data, so
// tampering with it causes authentication failure. The nonce is public by
// design and generated fresh from crypto/rand for every seal; the 24-byte
// XChaCha20 nonce size makes random generation safe against reuse.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required pre-shared key length in bytes.
const KeySize = chacha20poly1305.KeySize

// blobVersion is prepended to every sealed blob and authenticated as AAD.
const blobVersion byte = 0x01

// Overhead is the total byte overhead per sealed blob:
// 1 (version) + 24 (nonce) + 16 (Poly1305 tag).
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrAuthentication is returned by Open for any blob that does not
// authenticate: wrong key, tampered ciphertext, tampered nonce or version
// byte, or a truncated blob. The error deliberately carries no further
// detail so it cannot serve as a tampering oracle.
var ErrAuthentication = errors.New("seal: payload authentication failed")

// Engine seals and opens tunnel payloads. It is safe for concurrent use;
// the key is fixed for the lifetime of the process.
type Engine struct {
	aead cipher.AEAD
}

// New creates an Engine from a 32-byte pre-shared key.
func New(key []byte) (*Engine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes; got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: initialize cipher: %w", err)
	}
	return &Engine{aead: aead}, nil
}

// ParseKey decodes a pre-shared key from its hex representation.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("seal: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal: key must be %d bytes (%d hex chars); got %d bytes", KeySize, KeySize*2, len(key))
	}
	return key, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// versioned blob. Every call produces a distinct nonce.
func (e *Engine) Seal(plaintext []byte) ([]byte, error) {
	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, Overhead+len(plaintext))
	blob[0] = blobVersion
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: generate nonce: %w", err)
	}
	return e.aead.Seal(blob, nonce, plaintext, []byte{blobVersion}), nil
}

// Open authenticates and decrypts a sealed blob. Either the full payload
// authenticates or ErrAuthentication is returned; no partial plaintext
// ever escapes.
func (e *Engine) Open(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrAuthentication
	}
	if blob[0] != blobVersion {
		return nil, ErrAuthentication
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte{blobVersion})
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
