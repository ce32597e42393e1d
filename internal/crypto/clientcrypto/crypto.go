// Package clientcrypto seals the device-local cache. A random data key is wrapped
// under a key derived from the configured cache secret; records are sealed with a
// per-scope subkey and bound to their storage key.
package clientcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	DEKLen  = 32
	KEKLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	scopeInfo = "rxportal-cache:"
)

// ErrTooShort is returned for sealed input shorter than a nonce.
var ErrTooShort = errors.New("sealed value too short")

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives the key-encryption key from the cache secret using Argon2id.
func DeriveKEK(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// WrapDEK encrypts the data key with kek.
func WrapDEK(kek, dek []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	return seal(aead, dek, nil)
}

// UnwrapDEK reverses WrapDEK. A wrong secret fails authentication.
func UnwrapDEK(kek, wrapped []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	return open(aead, wrapped, nil)
}

// Sealer encrypts cache records of one scope (one staff member on one device).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the scope subkey from dek via HKDF-SHA256.
func NewSealer(dek []byte, scope string) (*Sealer, error) {
	r := hkdf.New(sha256.New, dek, nil, []byte(scopeInfo+scope))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to the record key; a value moved to another key
// does not open.
func (s *Sealer) Seal(recordKey, plaintext []byte) ([]byte, error) {
	return seal(s.aead, plaintext, recordKey)
}

// Open decrypts a value produced by Seal under the same record key.
func (s *Sealer) Open(recordKey, sealed []byte) ([]byte, error) {
	return open(s.aead, sealed, recordKey)
}

func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce, err := Rand(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func open(aead cipher.AEAD, sealed, aad []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrTooShort
	}
	return aead.Open(nil, sealed[:n], sealed[n:], aad)
}
