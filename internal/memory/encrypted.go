package memory

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfSalt       = "oracle_salt_"
	kdfIterations = 100_000
	cipherPrefix  = "enc:v1:"
)

// ErrDecrypt is returned when a sealed summary cannot be opened.
var ErrDecrypt = errors.New("memory: decrypt failed")

// Encrypted seals summaries and artifact references before they reach the
// inner store and opens them on the way back.
type Encrypted struct {
	inner Store
	aead  cipher.AEAD
}

// NewEncrypted derives an AES-256 key from secret with PBKDF2-SHA256.
func NewEncrypted(inner Store, secret string) (*Encrypted, error) {
	if secret == "" {
		return nil, errors.New("memory: encryption secret is empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(kdfSalt), kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("memory: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("memory: gcm: %w", err)
	}
	return &Encrypted{inner: inner, aead: aead}, nil
}

// Write seals r and passes it on.
func (e *Encrypted) Write(ctx context.Context, r Record) error {
	var err error
	if r.Summary, err = e.seal(r.Summary); err != nil {
		return err
	}
	if r.ArtifactReference != "" {
		if r.ArtifactReference, err = e.seal(r.ArtifactReference); err != nil {
			return err
		}
	}
	return e.inner.Write(ctx, r)
}

// Recent opens the records returned by the inner store. Records that fail
// to open are dropped.
func (e *Encrypted) Recent(ctx context.Context, n int) ([]Record, error) {
	recs, err := e.inner.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		s, err := e.open(r.Summary)
		if err != nil {
			continue
		}
		r.Summary = s
		if r.ArtifactReference, err = e.open(r.ArtifactReference); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Encrypted) seal(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("memory: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open returns unsealed values unchanged so stores written before
// encryption was enabled stay readable.
func (e *Encrypted) open(s string) (string, error) {
	if !strings.HasPrefix(s, cipherPrefix) {
		return s, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrDecrypt
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}
