package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ExchangeSignature computes the hex HMAC-SHA256 digest of the ordered query
// string under the account secret. The server recomputes over the exact bytes
// it receives, so parameter order must be preserved by the caller.
func ExchangeSignature(queryString, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// AppendExchangeSignature returns the query string with the signature
// parameter appended last. The API key is never part of the signed string; it
// travels in a dedicated request header.
func AppendExchangeSignature(queryString, secret string) string {
	return queryString + "&signature=" + ExchangeSignature(queryString, secret)
}
