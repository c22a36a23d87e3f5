// Package secrets seals configuration values such as agent API keys with
// AES-256-GCM so they can sit in crewflow.yaml. A sealed value reads
//
//	enc:v1:<salt>:<nonce+ciphertext>
//
// with both segments in unpadded base64url. The salt is empty when the
// sealer uses a raw master key instead of a passphrase.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rendis/crewflow/pkg/schema"
)

const (
	sealedPrefix      = "enc:v1:"
	saltSize          = 16
	defaultIterations = 100_000
)

var b64 = base64.RawURLEncoding

// KeyConfig selects how the AES key is obtained. MasterKey (32 raw bytes)
// takes priority over Passphrase.
type KeyConfig struct {
	MasterKey  []byte
	Passphrase string
	Iterations int // PBKDF2 iterations (default 100_000)
}

// Sealer encrypts and decrypts configuration values.
type Sealer struct {
	cfg  KeyConfig
	aead cipher.AEAD // set when a master key is configured
}

// NewSealer validates cfg and creates a Sealer.
func NewSealer(cfg KeyConfig) (*Sealer, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = defaultIterations
	}
	s := &Sealer{cfg: cfg}
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeSecret, "master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		aead, err := newAEAD(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeSecret, "either a master key or a passphrase is required")
	}
	return s, nil
}

// IsSealed reports whether v carries the sealed-value prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}

// Seal encrypts plaintext into a sealed value.
func (s *Sealer) Seal(plaintext string) (string, error) {
	var salt []byte
	aead := s.aead
	if aead == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
		var err error
		if aead, err = s.derive(salt); err != nil {
			return "", err
		}
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + b64.EncodeToString(salt) + ":" + b64.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the prefix are returned
// unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	saltPart, ctPart, ok := strings.Cut(strings.TrimPrefix(value, sealedPrefix), ":")
	if !ok {
		return "", schema.NewError(schema.ErrCodeSecret, "malformed sealed value")
	}
	salt, err := b64.DecodeString(saltPart)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeSecret, "malformed salt").WithCause(err)
	}
	ciphertext, err := b64.DecodeString(ctPart)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeSecret, "malformed ciphertext").WithCause(err)
	}

	aead := s.aead
	switch {
	case len(salt) == 0 && aead == nil:
		return "", schema.NewError(schema.ErrCodeSecret, "value was sealed with a master key")
	case len(salt) > 0 && s.cfg.Passphrase == "":
		return "", schema.NewError(schema.ErrCodeSecret, "value was sealed with a passphrase")
	case len(salt) > 0:
		if aead, err = s.derive(salt); err != nil {
			return "", err
		}
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", schema.NewError(schema.ErrCodeSecret, "ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSecret, "decrypt failed: %s", err.Error())
	}
	return string(plaintext), nil
}

func (s *Sealer) derive(salt []byte) (cipher.AEAD, error) {
	key, err := pbkdf2.Key(sha256.New, s.cfg.Passphrase, salt, s.cfg.Iterations, 32)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSecret, "derive key").WithCause(err)
	}
	return newAEAD(key)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
