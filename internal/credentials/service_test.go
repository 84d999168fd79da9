package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/vault"
)

type stubProber struct {
	err   error
	calls int
}

func (p *stubProber) Account(_ context.Context, _, _ string) error {
	p.calls++
	return p.err
}

func newTestService(t *testing.T, clock func() time.Time) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Credential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	secretVault, err := vault.New("credentials-test-master-key")
	if err != nil {
		t.Fatalf("failed to construct vault: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Vault:    secretVault,
		Prober:   &stubProber{},
		Clock:    clock,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func TestConnectStoresSealedSecretOnly(t *testing.T) {
	service, db := newTestService(t, func() time.Time { return time.UnixMilli(1700000000000) })

	result, err := service.Connect(context.Background(), "u1", "AKIAEXCHANGEKEY000", "s3cr3t")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if result.ConnectedAtMillis != 1700000000000 {
		t.Fatalf("unexpected connectedAt: %d", result.ConnectedAtMillis)
	}
	if !strings.Contains(result.MaskedAPIKey, "...") {
		t.Fatalf("api key must be masked in responses: %q", result.MaskedAPIKey)
	}

	var stored Credential
	if err := db.Take(&stored, "user_id = ?", "u1").Error; err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if stored.SealedSecret == "s3cr3t" || strings.Contains(stored.SealedSecret, "s3cr3t") {
		t.Fatalf("secret stored in plaintext: %q", stored.SealedSecret)
	}
	if strings.Count(stored.SealedSecret, ":") != 2 {
		t.Fatalf("expected sealed encoding, got %q", stored.SealedSecret)
	}
}

func TestReconnectReplacesSecretButKeepsConnectedAt(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	service, _ := newTestService(t, func() time.Time { return now })

	first, err := service.Connect(context.Background(), "u1", "key-one", "secret-one")
	if err != nil {
		t.Fatalf("first connect failed: %v", err)
	}

	now = time.UnixMilli(1700000999999)
	second, err := service.Connect(context.Background(), "u1", "key-two", "secret-two")
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	if second.ConnectedAtMillis != first.ConnectedAtMillis {
		t.Fatalf("re-connect must not move connectedAt: got %d want %d",
			second.ConnectedAtMillis, first.ConnectedAtMillis)
	}

	stored, err := service.Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.APIKey != "key-two" {
		t.Fatalf("api key not replaced: %q", stored.APIKey)
	}
}

func TestConnectValidatesInput(t *testing.T) {
	service, _ := newTestService(t, time.Now)

	if _, err := service.Connect(context.Background(), "  ", "k", "s"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := service.Connect(context.Background(), "u1", "", "s"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := service.Connect(context.Background(), "u1", "k", ""); !errors.Is(err, ErrInvalidAPISecret) {
		t.Fatalf("expected ErrInvalidAPISecret, got %v", err)
	}
}

func TestGetReturnsNotFoundForUnknownUser(t *testing.T) {
	service, _ := newTestService(t, time.Now)
	if _, err := service.Get(context.Background(), "ghost"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestVerifyProbesWithoutPersisting(t *testing.T) {
	service, db := newTestService(t, time.Now)
	prober := &stubProber{}
	service.prober = prober

	if err := service.Verify(context.Background(), "probe-key", "probe-secret"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if prober.calls != 1 {
		t.Fatalf("expected one probe call, got %d", prober.calls)
	}

	var count int64
	if err := db.Model(&Credential{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("verify must not persist credentials, found %d rows", count)
	}
}

func TestVerifySurfacesProbeFailure(t *testing.T) {
	service, _ := newTestService(t, time.Now)
	wantErr := errors.New("exchange said no")
	service.prober = &stubProber{err: wantErr}

	if err := service.Verify(context.Background(), "k", "s"); !errors.Is(err, wantErr) {
		t.Fatalf("expected probe error surfaced, got %v", err)
	}
}

func TestMaskAPIKey(t *testing.T) {
	if got := MaskAPIKey("ABCDEF0123456789UVWXYZ"); got != "ABCDEF...UVWXYZ" {
		t.Fatalf("unexpected mask: %q", got)
	}
	if got := MaskAPIKey("short"); got != "*****" {
		t.Fatalf("short keys must be fully masked, got %q", got)
	}
}
