package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Status tracks a payment order through its lifecycle.
type Status string

const (
	// StatusCreated is the initial state after the processor accepted the order.
	StatusCreated Status = "created"
	// StatusPaid is the terminal success state set by a webhook.
	StatusPaid Status = "paid"
	// StatusError is the terminal failure state.
	StatusError Status = "error"
)

// FailureStage distinguishes where a failed order went wrong: the processor
// never accepting it, or the processor reporting failure later via webhook.
type FailureStage string

const (
	// FailureStageNone marks orders that have not failed.
	FailureStageNone FailureStage = ""
	// FailureStageCreate marks orders rejected at creation time.
	FailureStageCreate FailureStage = "create"
	// FailureStageWebhook marks orders the processor later reported as failed.
	FailureStageWebhook FailureStage = "webhook"
)

// Plan identifiers with their bundled prices.
const (
	PlanMonthly = "monthly"
	PlanAnnual  = "annual"
)

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("payments: invalid user id")
	// ErrInvalidAmount indicates that neither an amount nor a priced plan was supplied.
	ErrInvalidAmount = errors.New("payments: amount or plan required")
	// ErrMalformedWebhook indicates an undecodable webhook body.
	ErrMalformedWebhook = errors.New("payments: malformed webhook payload")
	// ErrMalformedTradeNo indicates a merchant trade number that does not embed a user id.
	ErrMalformedTradeNo = errors.New("payments: malformed merchant trade number")
)

// PaymentOrder mirrors one order issued to the payment processor. The
// merchant trade number is the primary key and deterministically embeds the
// owning user, so webhook effects route without a lookup.
type PaymentOrder struct {
	MerchantTradeNo string          `gorm:"column:merchant_trade_no;primaryKey;size:190;not null"`
	UserID          string          `gorm:"column:user_id;size:190;not null;index"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(20,8);not null"`
	Plan            string          `gorm:"column:plan;size:32;not null;default:''"`
	Status          Status          `gorm:"column:status;size:16;not null"`
	FailureStage    FailureStage    `gorm:"column:failure_stage;size:16;not null;default:''"`
	ProcessorRaw    datatypes.JSON  `gorm:"column:processor_raw"`
	ProcessorBizID  string          `gorm:"column:processor_biz_id;size:64;not null;default:''"`
	CreatedAtMillis int64           `gorm:"column:created_at_ms;not null"`
	PaidAtMillis    int64           `gorm:"column:paid_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// NewMerchantTradeNo derives the order key from the owning user and the
// creation time.
func NewMerchantTradeNo(userID string, createdAtMillis int64) string {
	return fmt.Sprintf("%s-%d", userID, createdAtMillis)
}

// ParseMerchantTradeNo recovers the owning user from an order key. The split
// happens at the last dash so user identifiers containing dashes survive the
// round trip.
func ParseMerchantTradeNo(merchantTradeNo string) (string, int64, error) {
	cut := strings.LastIndex(merchantTradeNo, "-")
	if cut <= 0 || cut == len(merchantTradeNo)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedTradeNo, merchantTradeNo)
	}
	userID := merchantTradeNo[:cut]
	createdAtMillis, err := strconv.ParseInt(merchantTradeNo[cut+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedTradeNo, merchantTradeNo)
	}
	return userID, createdAtMillis, nil
}

// PlanAmount resolves the bundled price for a plan; the zero decimal means
// the plan is unknown.
func PlanAmount(plan string) decimal.Decimal {
	switch plan {
	case PlanMonthly:
		return decimal.NewFromInt(13)
	case PlanAnnual:
		return decimal.NewFromInt(125)
	default:
		return decimal.Zero
	}
}
