package credstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSeal = "scan-cli/credstore/v1"

// ErrUnseal is returned when a stored value cannot be decrypted, usually
// because the secret changed.
var ErrUnseal = errors.New("credstore: unable to unseal value")

// SealedBackend encrypts values with XChaCha20-Poly1305 before handing them to
// the wrapped backend. The storage key is bound as associated data so a value
// cannot be replayed under another key.
type SealedBackend struct {
	inner Backend
	key   [chacha20poly1305.KeySize]byte
}

// Sealed wraps inner with at-rest encryption keyed from secret.
func Sealed(inner Backend, secret []byte) (*SealedBackend, error) {
	if len(secret) == 0 {
		return nil, errors.New("credstore: empty sealing secret")
	}
	s := &SealedBackend{inner: inner}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoSeal))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return s, nil
}

func (s *SealedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := s.open(key, sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *SealedBackend) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedBackend) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *SealedBackend) seal(key string, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(key)), nil
}

func (s *SealedBackend) open(key string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnseal
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrUnseal
	}
	return plain, nil
}
