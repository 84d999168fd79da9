package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/processor"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/signing"
)

const (
	orderCurrency    = "USDT"
	orderProductType = "CASH"

	productNameMonthly = "Premium Plan Monthly"
	productNameAnnual  = "Premium Plan Annual"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingProcessor    = errors.New("processor client is required")
	errMissingEntitlements = errors.New("entitlement service is required")
	errMissingSecret       = errors.New("webhook secret is required")
	noOpLogger             = zap.NewNop()
)

const (
	opServiceNew = "payments.service.new"
	opCreate     = "payments.create_order"
	opWebhook    = "payments.webhook"
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

// OrderCreator submits signed order-creation calls to the processor.
type OrderCreator interface {
	CreateOrder(ctx context.Context, order processor.OrderRequest) (processor.OrderOutcome, error)
}

// EntitlementGranter applies the premium entitlement after a paid order.
type EntitlementGranter interface {
	GrantPremium(ctx context.Context, userID string) error
}

// ServiceConfig bundles the dependencies of the payment service.
type ServiceConfig struct {
	Database      *gorm.DB
	Processor     OrderCreator
	Entitlements  EntitlementGranter
	WebhookSecret string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service owns the payment-order lifecycle: creation against the processor
// and webhook-driven settlement.
type Service struct {
	db            *gorm.DB
	processor     OrderCreator
	entitlements  EntitlementGranter
	webhookSecret string
	clock         func() time.Time
	logger        *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Processor == nil {
		return nil, newServiceError(opServiceNew, "missing_processor", errMissingProcessor)
	}
	if cfg.Entitlements == nil {
		return nil, newServiceError(opServiceNew, "missing_entitlements", errMissingEntitlements)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, newServiceError(opServiceNew, "missing_webhook_secret", errMissingSecret)
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
		db:            cfg.Database,
		processor:     cfg.Processor,
		entitlements:  cfg.Entitlements,
		webhookSecret: cfg.WebhookSecret,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CreateResult reports the outcome of an order-creation attempt.
type CreateResult struct {
	MerchantTradeNo string
	Status          Status
	CheckoutURL     string
	ProcessorCode   string
	Persisted       bool
}

// CreateOrder builds and signs an order, submits it to the processor, and
// persists the attempt. A storage failure after a successful processor call
// is logged and swallowed: the order exists at the processor regardless, and
// the local mirror reconciles eventually.
func (s *Service) CreateOrder(ctx context.Context, rawUserID string, amount decimal.Decimal, plan string) (CreateResult, error) {
	userID := strings.TrimSpace(rawUserID)
	if userID == "" {
		return CreateResult{}, ErrInvalidUserID
	}

	if amount.IsZero() {
		amount = PlanAmount(plan)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return CreateResult{}, ErrInvalidAmount
	}

	createdAtMillis := s.clock().UTC().UnixMilli()
	merchantTradeNo := NewMerchantTradeNo(userID, createdAtMillis)

	productName := productNameMonthly
	if plan == PlanAnnual {
		productName = productNameAnnual
	}

	outcome, err := s.processor.CreateOrder(ctx, processor.OrderRequest{
		MerchantTradeNo: merchantTradeNo,
		TotalFee:        amount.String(),
		Currency:        orderCurrency,
		ProductType:     orderProductType,
		ProductName:     productName,
	})
	if err != nil {
		s.logError(opCreate, "processor_call_failed", err, zap.String("user_id", userID))
		s.persistOrder(ctx, PaymentOrder{
			MerchantTradeNo: merchantTradeNo,
			UserID:          userID,
			Amount:          amount,
			Plan:            plan,
			Status:          StatusError,
			FailureStage:    FailureStageCreate,
			CreatedAtMillis: createdAtMillis,
		})
		return CreateResult{}, newServiceError(opCreate, "processor_call_failed", err)
	}

	order := PaymentOrder{
		MerchantTradeNo: merchantTradeNo,
		UserID:          userID,
		Amount:          amount,
		Plan:            plan,
		Status:          StatusCreated,
		ProcessorRaw:    datatypes.JSON(outcome.RawBody),
		CreatedAtMillis: createdAtMillis,
	}
	if !outcome.Accepted {
		order.Status = StatusError
		order.FailureStage = FailureStageCreate
	}
	persisted := s.persistOrder(ctx, order)

	return CreateResult{
		MerchantTradeNo: merchantTradeNo,
		Status:          order.Status,
		CheckoutURL:     outcome.CheckoutURL(),
		ProcessorCode:   outcome.Response.Code,
		Persisted:       persisted,
	}, nil
}

// WebhookNotice is the raw inbound webhook material: the three signed header
// fields plus the body bytes exactly as received.
type WebhookNotice struct {
	Timestamp string
	Nonce     string
	Signature string
	Body      []byte
}

// WebhookResult reports what a verified webhook changed.
type WebhookResult struct {
	BizStatus          string
	MerchantTradeNo    string
	UserID             string
	OrderUpdated       bool
	EntitlementGranted bool
}

type webhookPayload struct {
	BizStatus string          `json:"bizStatus"`
	BizID     json.RawMessage `json:"bizId"`
	Data      struct {
		MerchantTradeNo string `json:"merchantTradeNo"`
	} `json:"data"`
}

// HandleWebhook verifies the inbound signature and applies the reported
// settlement. Signature mismatch rejects the notice with zero state change.
// A success status sets the order PAID (repeat-safe) and grants the premium
// entitlement; any other status is acknowledged without mutation.
func (s *Service) HandleWebhook(ctx context.Context, notice WebhookNotice) (WebhookResult, error) {
	body := string(notice.Body)
	if err := signing.VerifyProcessorSignature(notice.Timestamp, notice.Nonce, body, notice.Signature, s.webhookSecret); err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err))
		return WebhookResult{}, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(notice.Body, &payload); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	result := WebhookResult{
		BizStatus:       payload.BizStatus,
		MerchantTradeNo: payload.Data.MerchantTradeNo,
	}
	if payload.BizStatus != "PAY_SUCCESS" {
		return result, nil
	}
	if payload.Data.MerchantTradeNo == "" {
		s.logger.Warn("success webhook without merchant trade number")
		return result, nil
	}

	userID, _, err := ParseMerchantTradeNo(payload.Data.MerchantTradeNo)
	if err != nil {
		return WebhookResult{}, err
	}
	result.UserID = userID

	if updated, err := s.markPaid(ctx, payload.Data.MerchantTradeNo, payload.BizID, notice.Body); err != nil {
		// The processor holds the authoritative state; a failed local
		// write is logged and the settlement proceeds.
		s.logError(opWebhook, "order_update_failed", err,
			zap.String("merchant_trade_no", payload.Data.MerchantTradeNo))
	} else {
		result.OrderUpdated = updated
	}

	if err := s.entitlements.GrantPremium(ctx, userID); err != nil {
		s.logError(opWebhook, "entitlement_grant_failed", err, zap.String("user_id", userID))
		return result, newServiceError(opWebhook, "entitlement_grant_failed", err)
	}
	result.EntitlementGranted = true

	s.logger.Info("payment settled",
		zap.String("merchant_trade_no", payload.Data.MerchantTradeNo),
		zap.String("user_id", userID))

	return result, nil
}

// Get loads one payment order.
func (s *Service) Get(ctx context.Context, merchantTradeNo string) (PaymentOrder, error) {
	var order PaymentOrder
	err := s.db.WithContext(ctx).
		Where("merchant_trade_no = ?", merchantTradeNo).
		Take(&order).Error
	if err != nil {
		return PaymentOrder{}, err
	}
	return order, nil
}

// markPaid transitions the order to PAID exactly once. An already-paid order
// is left untouched so repeated webhooks cause no observable change.
func (s *Service) markPaid(ctx context.Context, merchantTradeNo string, bizID json.RawMessage, webhookBody []byte) (bool, error) {
	updated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order PaymentOrder
		err := tx.Where("merchant_trade_no = ?", merchantTradeNo).Take(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("payments: order %s not mirrored locally", merchantTradeNo)
		}
		if err != nil {
			return err
		}
		if order.Status == StatusPaid {
			return nil
		}

		updates := map[string]interface{}{
			"status":           StatusPaid,
			"failure_stage":    FailureStageNone,
			"paid_at_ms":       s.clock().UTC().UnixMilli(),
			"processor_biz_id": decodeBizID(bizID),
			"processor_raw":    datatypes.JSON(webhookBody),
		}
		if err := tx.Model(&PaymentOrder{}).
			Where("merchant_trade_no = ?", merchantTradeNo).
			Updates(updates).Error; err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}

func (s *Service) persistOrder(ctx context.Context, order PaymentOrder) bool {
	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		s.logError(opCreate, "store_failed", err,
			zap.String("merchant_trade_no", order.MerchantTradeNo))
		return false
	}
	return true
}

// decodeBizID tolerates both the numeric and the quoted form the processor
// has used for its order identifier.
func decodeBizID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		return asString
	}
	return string(trimmed)
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
	s.logger.Error("payments service error", attrs...)
}
