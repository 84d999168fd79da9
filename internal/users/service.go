package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidUserID indicates an empty user identifier.
var ErrInvalidUserID = errors.New("users: invalid user id")

// ServiceConfig describes the dependencies required for entitlement updates.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages user entitlement profiles.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the entitlement service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// GrantPremium upgrades the user to the premium plan. The grant is an
// unconditional field overwrite so repeated webhooks converge to the same
// state; the original grant time is kept on re-grant.
func (s *Service) GrantPremium(ctx context.Context, rawUserID string) error {
	userID := strings.TrimSpace(rawUserID)
	if userID == "" {
		return ErrInvalidUserID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile Profile
		err := tx.Where("user_id = ?", userID).Take(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&Profile{
				UserID:             userID,
				Plan:               PlanPremium,
				PremiumSinceMillis: s.now().UTC().UnixMilli(),
			}).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"plan": PlanPremium}
		if profile.PremiumSinceMillis == 0 {
			updates["premium_since_ms"] = s.now().UTC().UnixMilli()
		}
		return tx.Model(&Profile{}).
			Where("user_id = ?", userID).
			Updates(updates).Error
	})
}

// Get loads the entitlement profile, returning an empty profile when the user
// has never been granted anything.
func (s *Service) Get(ctx context.Context, rawUserID string) (Profile, error) {
	userID := strings.TrimSpace(rawUserID)
	if userID == "" {
		return Profile{}, ErrInvalidUserID
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}
