package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	nonceSize     = 12
	sealedParts   = 3
	partDelimiter = ":"
)

var (
	// ErrMissingMasterKey indicates the vault was constructed without key material.
	ErrMissingMasterKey = errors.New("vault: master key material required")
	// ErrEmptySecret indicates an attempt to seal an empty secret.
	ErrEmptySecret = errors.New("vault: secret must not be empty")
	// ErrMalformedSealed indicates the sealed value does not follow the nonce:tag:ciphertext encoding.
	ErrMalformedSealed = errors.New("vault: malformed sealed value")
	// ErrDecryptFailed indicates the authentication tag did not verify.
	ErrDecryptFailed = errors.New("vault: decryption failed")
)

// Vault performs authenticated encryption of account secrets under a
// process-wide master key. The key is derived once at construction and is
// never exposed by any method.
type Vault struct {
	key []byte
}

// New derives the AES-256 key from the supplied master key material.
func New(masterKeyMaterial string) (*Vault, error) {
	if strings.TrimSpace(masterKeyMaterial) == "" {
		return nil, ErrMissingMasterKey
	}
	derived := sha256.Sum256([]byte(masterKeyMaterial))
	return &Vault{key: derived[:]}, nil
}

// Encrypt seals the secret under the master key with a fresh random nonce and
// returns the base64(nonce):base64(tag):base64(ciphertext) encoding.
func (v *Vault) Encrypt(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}

	aead, err := v.newAEAD()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(secret), nil)
	tagOffset := len(sealed) - aead.Overhead()
	ciphertext := sealed[:tagOffset]
	tag := sealed[tagOffset:]

	encoded := strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, partDelimiter)
	return encoded, nil
}

// Decrypt opens a sealed value produced by Encrypt. It fails closed: any
// malformed encoding, truncated field, or tag mismatch yields an error and
// never the raw input.
func (v *Vault) Decrypt(sealedValue string) (string, error) {
	parts := strings.Split(sealedValue, partDelimiter)
	if len(parts) != sealedParts {
		return "", fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedSealed, sealedParts, len(parts))
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrMalformedSealed, err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: tag: %v", ErrMalformedSealed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrMalformedSealed, err)
	}

	aead, err := v.newAEAD()
	if err != nil {
		return "", err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return "", fmt.Errorf("%w: unexpected field length", ErrMalformedSealed)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (v *Vault) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: aead init failed: %w", err)
	}
	return aead, nil
}
