package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingVault    = errors.New("vault is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "credentials.service.new"
	opConnect    = "credentials.connect"
	opVerify     = "credentials.verify"
	opGet        = "credentials.get"
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// SecretVault seals and opens account secrets.
type SecretVault interface {
	Encrypt(secret string) (string, error)
	Decrypt(sealed string) (string, error)
}

// AccountProber checks a key pair against the exchange account endpoint.
type AccountProber interface {
	Account(ctx context.Context, apiKey, apiSecret string) error
}

// ServiceConfig describes the dependencies of the credential service.
type ServiceConfig struct {
	Database *gorm.DB
	Vault    SecretVault
	Prober   AccountProber
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores sealed exchange credentials and answers verification probes.
type Service struct {
	db     *gorm.DB
	vault  SecretVault
	prober AccountProber
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Vault == nil {
		return nil, newServiceError(opServiceNew, "missing_vault", errMissingVault)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		vault:  cfg.Vault,
		prober: cfg.Prober,
		clock:  clock,
		logger: logger,
	}, nil
}

// ConnectResult reports the stored link without exposing the secret.
type ConnectResult struct {
	UserID            string
	MaskedAPIKey      string
	ConnectedAtMillis int64
}

// Connect seals the secret and upserts the credential. On re-connect only the
// key material is replaced; ConnectedAtMillis keeps its original value so the
// sync cursor never moves backward.
func (s *Service) Connect(ctx context.Context, rawUserID, apiKey, apiSecret string) (ConnectResult, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return ConnectResult{}, err
	}
	if strings.TrimSpace(apiKey) == "" {
		return ConnectResult{}, ErrInvalidAPIKey
	}
	if strings.TrimSpace(apiSecret) == "" {
		return ConnectResult{}, ErrInvalidAPISecret
	}

	sealed, err := s.vault.Encrypt(apiSecret)
	if err != nil {
		s.logError(opConnect, "seal_failed", err, zap.String("user_id", userID.String()))
		return ConnectResult{}, newServiceError(opConnect, "seal_failed", err)
	}

	credential := Credential{
		UserID:            userID.String(),
		APIKey:            strings.TrimSpace(apiKey),
		SealedSecret:      sealed,
		ConnectedAtMillis: s.clock().UTC().UnixMilli(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret_sealed"}),
	}).Create(&credential).Error
	if err != nil {
		s.logError(opConnect, "store_failed", err, zap.String("user_id", userID.String()))
		return ConnectResult{}, newServiceError(opConnect, "store_failed", err)
	}

	stored, err := s.Get(ctx, userID.String())
	if err != nil {
		s.logError(opConnect, "reload_failed", err, zap.String("user_id", userID.String()))
		return ConnectResult{}, newServiceError(opConnect, "reload_failed", err)
	}

	s.logger.Info("exchange account connected",
		zap.String("user_id", userID.String()),
		zap.String("api_key", MaskAPIKey(stored.APIKey)))

	return ConnectResult{
		UserID:            stored.UserID,
		MaskedAPIKey:      MaskAPIKey(stored.APIKey),
		ConnectedAtMillis: stored.ConnectedAtMillis,
	}, nil
}

// Verify asks the exchange whether the key pair is usable. Nothing is
// persisted; the pair is discarded after the probe.
func (s *Service) Verify(ctx context.Context, apiKey, apiSecret string) error {
	if strings.TrimSpace(apiKey) == "" {
		return ErrInvalidAPIKey
	}
	if strings.TrimSpace(apiSecret) == "" {
		return ErrInvalidAPISecret
	}
	if s.prober == nil {
		return newServiceError(opVerify, "missing_prober", errors.New("account prober not configured"))
	}
	if err := s.prober.Account(ctx, strings.TrimSpace(apiKey), strings.TrimSpace(apiSecret)); err != nil {
		return err
	}
	return nil
}

// Get loads the credential for a user.
func (s *Service) Get(ctx context.Context, rawUserID string) (Credential, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Credential{}, err
	}

	var credential Credential
	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, ErrCredentialNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID.String()))
		return Credential{}, newServiceError(opGet, "query_failed", err)
	}
	return credential, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("credentials service error", attrs...)
}
