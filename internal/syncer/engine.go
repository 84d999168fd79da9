package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/credentials"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/exchange"
)

// maxBatchSize caps how many upserts share one transaction; larger result
// sets are partitioned into multiple atomic batches.
const maxBatchSize = 500

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingCredentials = errors.New("credential store is required")
	errMissingVault       = errors.New("vault is required")
	errMissingFetcher     = errors.New("feed fetcher is required")
	noOpLogger            = zap.NewNop()

	// ErrInvalidCredential indicates the stored sealed secret could not be opened.
	ErrInvalidCredential = errors.New("syncer: stored credential cannot be decrypted")
)

const (
	opEngineNew = "syncer.engine.new"
	opSync      = "syncer.sync"
)

// EngineError carries a dotted operation code alongside the underlying cause.
type EngineError struct {
	code string
	err  error
}

func (e *EngineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *EngineError) Unwrap() error {
	return e.err
}

func (e *EngineError) Code() string {
	return e.code
}

func newEngineError(operation, reason string, cause error) error {
	return &EngineError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// PersistenceError reports a partially committed upsert run. Partitions that
// committed stay committed; re-running the sync is safe because every write
// is an idempotent merge.
type PersistenceError struct {
	Partitions []PartitionResult
	Cause      error
}

func (e *PersistenceError) Error() string {
	committed := 0
	for _, partition := range e.Partitions {
		if partition.Committed {
			committed++
		}
	}
	return fmt.Sprintf("syncer: %d/%d partitions committed: %v", committed, len(e.Partitions), e.Cause)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// CredentialStore yields the stored credential for a user.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (credentials.Credential, error)
}

// SecretVault opens sealed secrets.
type SecretVault interface {
	Decrypt(sealed string) (string, error)
}

// FeedFetcher retrieves the rows of one remote activity feed.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, feed exchange.Feed, apiKey, apiSecret string, startTimeMillis int64) ([]exchange.Record, error)
}

// IDProvider issues fallback identifiers for records without a remote id.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig bundles the dependencies of the sync engine.
type EngineConfig struct {
	Database    *gorm.DB
	Credentials CredentialStore
	Vault       SecretVault
	Fetcher     FeedFetcher
	Feeds       []exchange.Feed
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine mirrors remote exchange activity into local storage, incrementally
// and idempotently.
type Engine struct {
	db          *gorm.DB
	credentials CredentialStore
	vault       SecretVault
	fetcher     FeedFetcher
	feeds       []exchange.Feed
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
}

// NewEngine validates the configuration and constructs the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newEngineError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Credentials == nil {
		return nil, newEngineError(opEngineNew, "missing_credentials", errMissingCredentials)
	}
	if cfg.Vault == nil {
		return nil, newEngineError(opEngineNew, "missing_vault", errMissingVault)
	}
	if cfg.Fetcher == nil {
		return nil, newEngineError(opEngineNew, "missing_fetcher", errMissingFetcher)
	}

	feeds := cfg.Feeds
	if len(feeds) == 0 {
		feeds = exchange.DefaultFeeds
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		db:          cfg.Database,
		credentials: cfg.Credentials,
		vault:       cfg.Vault,
		fetcher:     cfg.Fetcher,
		feeds:       feeds,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Sync runs one full synchronization pass for the user: decrypt the stored
// secret, fetch every feed, filter by the connection cursor, and upsert the
// results in atomic partitions. All feeds are fetched before anything is
// written, so an upstream failure never leaves a partial run behind.
// The credential itself is never mutated; the cursor cannot move backward.
func (e *Engine) Sync(ctx context.Context, userID string) (SyncResult, error) {
	credential, err := e.credentials.Get(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}

	apiSecret, err := e.vault.Decrypt(credential.SealedSecret)
	if err != nil {
		e.logError(opSync, "decrypt_failed", err, zap.String("user_id", credential.UserID))
		return SyncResult{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	cursorMillis := credential.ConnectedAtMillis
	if cursorMillis <= 0 {
		// Conservative default: a credential without a connection time
		// imports nothing historical.
		cursorMillis = e.clock().UTC().UnixMilli()
	}

	fetched := 0
	var pending []Operation
	syncedAt := e.clock().UTC().UnixMilli()
	for _, feed := range e.feeds {
		rows, err := e.fetcher.FetchFeed(ctx, feed, credential.APIKey, apiSecret, cursorMillis)
		if err != nil {
			e.logError(opSync, "feed_fetch_failed", err,
				zap.String("user_id", credential.UserID),
				zap.String("source", feed.Source))
			return SyncResult{}, err
		}
		fetched += len(rows)

		for _, row := range rows {
			if !feed.ServerSideCursor && !recordWithinCursor(row, cursorMillis) {
				continue
			}
			operation, err := e.buildOperation(credential.UserID, feed.Source, row, syncedAt)
			if err != nil {
				e.logError(opSync, "encode_failed", err,
					zap.String("user_id", credential.UserID),
					zap.String("source", feed.Source))
				return SyncResult{}, newEngineError(opSync, "encode_failed", err)
			}
			pending = append(pending, operation)
		}
	}

	result := SyncResult{Fetched: fetched, CursorMillis: cursorMillis}
	if len(pending) == 0 {
		return result, nil
	}

	for index, batch := range partition(pending, maxBatchSize) {
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "remote_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"source", "raw", "synced_at_ms"}),
			}).Create(&batch).Error
		})
		committed := err == nil
		result.Partitions = append(result.Partitions, PartitionResult{
			Index:     index,
			Size:      len(batch),
			Committed: committed,
		})
		if err != nil {
			e.logError(opSync, "batch_commit_failed", err,
				zap.String("user_id", credential.UserID),
				zap.Int("partition", index))
			return result, &PersistenceError{Partitions: result.Partitions, Cause: err}
		}
		result.Written += len(batch)
	}

	e.logger.Info("exchange activity synchronized",
		zap.String("user_id", credential.UserID),
		zap.Int("fetched", result.Fetched),
		zap.Int("written", result.Written),
		zap.Int64("cursor_ms", result.CursorMillis))

	return result, nil
}

// remoteIDFields lists the identifier fields in preference order across the
// supported feeds.
var remoteIDFields = []string{"orderNumber", "orderId", "tradeId", "orderNo", "id", "txId"}

func (e *Engine) buildOperation(userID, source string, row exchange.Record, syncedAtMillis int64) (Operation, error) {
	remoteID := extractRemoteID(row)
	if remoteID == "" {
		// No remote identifier: such records cannot be deduplicated
		// across repeated syncs.
		generated, err := e.idProvider.NewID()
		if err != nil {
			return Operation{}, err
		}
		remoteID = generated
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return Operation{}, err
	}

	return Operation{
		UserID:         userID,
		RemoteID:       remoteID,
		Source:         source,
		Raw:            datatypes.JSON(raw),
		SyncedAtMillis: syncedAtMillis,
	}, nil
}

func extractRemoteID(row exchange.Record) string {
	for _, field := range remoteIDFields {
		value, ok := row[field]
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case string:
			if typed != "" {
				return typed
			}
		case json.Number:
			return typed.String()
		}
	}
	return ""
}

// recordWithinCursor applies the client-side cursor filter for feeds whose
// endpoint cannot filter server-side.
func recordWithinCursor(row exchange.Record, cursorMillis int64) bool {
	for _, field := range []string{"createTime", "insertTime", "applyTime", "time"} {
		value, ok := row[field]
		if !ok {
			continue
		}
		number, ok := value.(json.Number)
		if !ok {
			continue
		}
		createMillis, err := number.Int64()
		if err != nil {
			continue
		}
		return createMillis >= cursorMillis
	}
	// Records without a recognizable timestamp are kept; dropping them
	// silently would lose activity.
	return true
}

func partition(operations []Operation, size int) [][]Operation {
	var batches [][]Operation
	for start := 0; start < len(operations); start += size {
		end := start + size
		if end > len(operations) {
			end = len(operations)
		}
		batches = append(batches, operations[start:end])
	}
	return batches
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
