package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const nonceByteLength = 16

var (
	// ErrMissingSignature indicates an inbound message carried no signature header.
	ErrMissingSignature = errors.New("signing: signature required")
	// ErrSignatureMismatch indicates the recomputed signature does not match the received one.
	ErrSignatureMismatch = errors.New("signing: signature mismatch")
)

// ProcessorPayload builds the canonical string signed by both sides of the
// payment-processor protocol: timestamp, nonce and body newline-joined with a
// trailing newline.
func ProcessorPayload(timestamp, nonce, body string) string {
	return timestamp + "\n" + nonce + "\n" + body + "\n"
}

// ProcessorSignature computes the hex HMAC-SHA512 digest of the canonical
// payload under the processor shared secret.
func ProcessorSignature(timestamp, nonce, body, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(ProcessorPayload(timestamp, nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProcessorSignature recomputes the expected signature and compares it
// to the received one in constant time. A missing signature is a rejection,
// never an absent-but-trusted message. Hex case is normalized before the
// comparison because the processor emits uppercase digests.
func VerifyProcessorSignature(timestamp, nonce, body, receivedSignature, secret string) error {
	if strings.TrimSpace(receivedSignature) == "" {
		return ErrMissingSignature
	}
	expected := ProcessorSignature(timestamp, nonce, body, secret)
	received := strings.ToLower(strings.TrimSpace(receivedSignature))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrSignatureMismatch
	}
	return nil
}

// NewNonce returns a fresh random nonce in the format the processor expects.
func NewNonce() (string, error) {
	raw := make([]byte, nonceByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("signing: nonce generation failed: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
