package users

// PlanPremium is the entitlement granted after a successful payment.
const PlanPremium = "premium"

// Profile captures the per-user entitlement state mutated by payment webhooks.
type Profile struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Plan               string `gorm:"column:plan;size:32;not null;default:''"`
	PremiumSinceMillis int64  `gorm:"column:premium_since_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "user_profiles"
}
