package credentials

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("credentials: invalid user id")
	// ErrInvalidAPIKey indicates that an API key is empty.
	ErrInvalidAPIKey = errors.New("credentials: invalid api key")
	// ErrInvalidAPISecret indicates that an API secret is empty.
	ErrInvalidAPISecret = errors.New("credentials: invalid api secret")
	// ErrCredentialNotFound indicates no credential exists for the given user.
	ErrCredentialNotFound = errors.New("credentials: not found")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Credential models the stored link between a platform user and an exchange
// account. The secret is persisted only in sealed form; ConnectedAtMillis is
// set once at first connect and doubles as the synchronization cursor.
type Credential struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	APIKey            string `gorm:"column:api_key;size:128;not null"`
	SealedSecret      string `gorm:"column:api_secret_sealed;type:text;not null"`
	ConnectedAtMillis int64  `gorm:"column:connected_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "exchange_credentials"
}

// MaskAPIKey renders a display-safe form of an API key for responses.
func MaskAPIKey(apiKey string) string {
	if len(apiKey) <= 12 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:6] + "..." + apiKey[len(apiKey)-6:]
}
