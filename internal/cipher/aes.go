// Package cipher encrypts records with AES-256-GCM under a key derived from
// the session's quantum key bits.
package cipher

import (
	"context"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/thebtf/qshield/pkg/models"
)

const (
	keyLen   = 32
	nonceLen = 12
	tagLen   = 16
	kdfInfo  = "qshield record key v1"
)

var (
	// ErrNoKey is returned when no key material is supplied.
	ErrNoKey = errors.New("no quantum key set")
	// ErrMalformed is returned for payloads that cannot be decoded.
	ErrMalformed = errors.New("malformed encrypted payload")
)

// AESGCM implements record encryption. The zero value is ready to use.
type AESGCM struct {
	now func() time.Time
}

// New creates an AESGCM cipher.
func New() *AESGCM {
	return &AESGCM{now: time.Now}
}

// DeriveKey expands quantum key bits (one bit per byte) into an AES-256 key.
func DeriveKey(bits []byte) ([]byte, error) {
	if len(bits) == 0 {
		return nil, ErrNoKey
	}
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b&1 == 1 {
			packed[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, packed, nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Fingerprint returns a short identifier of the key derived from bits.
func Fingerprint(bits []byte) string {
	key, err := DeriveKey(bits)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func newGCM(bits []byte) (gocipher.AEAD, error) {
	key, err := DeriveKey(bits)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under the key derived from bits.
func (c *AESGCM) Encrypt(ctx context.Context, bits, plaintext []byte) (*models.EncryptedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gcm, err := newGCM(bits)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagLen

	now := time.Now
	if c != nil && c.now != nil {
		now = c.now
	}
	return &models.EncryptedPayload{
		Ciphertext:  hex.EncodeToString(sealed[:split]),
		Nonce:       hex.EncodeToString(nonce),
		Tag:         hex.EncodeToString(sealed[split:]),
		EncryptedAt: now().UTC(),
	}, nil
}

// Decrypt opens p with the key derived from bits.
func (c *AESGCM) Decrypt(ctx context.Context, bits []byte, p *models.EncryptedPayload) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrMalformed
	}
	ct, err := hex.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}
	nonce, err := hex.DecodeString(p.Nonce)
	if err != nil || len(nonce) != nonceLen {
		return nil, fmt.Errorf("%w: nonce", ErrMalformed)
	}
	tag, err := hex.DecodeString(p.Tag)
	if err != nil || len(tag) != tagLen {
		return nil, fmt.Errorf("%w: tag", ErrMalformed)
	}

	gcm, err := newGCM(bits)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
