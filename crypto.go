package main

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Envelope layout: version(1) || nonce(12) || ciphertext+tag(16).
// The version byte doubles as a format marker; anything we don't
// recognize fails decryption without saying why.
const (
	envelopeVersion = 0x01
	envelopeMin     = 1 + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto accepts a base64-encoded (url or standard alphabet) 256-bit
// key. A plain 32-byte string is used as the key directly; any other key
// material is stretched to 32 bytes with HKDF-SHA256 so any shared
// string works, at the cost of less entropy than a generated key.
func NewCrypto(key string) (*Crypto, error) {
	raw := normalizeKey(key)
	aead, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, err
	}
	return &Crypto{aead: aead}, nil
}

func normalizeKey(key string) []byte {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding,
	} {
		if decoded, err := enc.DecodeString(key); err == nil && len(decoded) == chacha20poly1305.KeySize {
			return decoded
		}
	}
	if len(key) == chacha20poly1305.KeySize {
		return []byte(key)
	}
	stretched := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(key), []byte("key-normalize"), []byte("master"))
	io.ReadFull(kdf, stretched)
	return stretched
}

// generateKey returns a fresh base64url-encoded 256-bit key.
func generateKey() string {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		panic(err) // kernel RNG unavailable
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (c *Crypto) Seal(plain []byte) []byte {
	out := make([]byte, 1+chacha20poly1305.NonceSize, envelopeMin+len(plain))
	out[0] = envelopeVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return c.aead.Seal(out, nonce, plain, nil)
}

// Open authenticates and decrypts an envelope. All failure modes return
// the same ErrDecrypt so the error itself leaks nothing.
func (c *Crypto) Open(blob []byte) ([]byte, error) {
	if len(blob) < envelopeMin || blob[0] != envelopeVersion {
		return nil, ErrDecrypt
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSize]
	plain, err := c.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
