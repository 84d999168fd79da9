package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/credentials"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/exchange"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/payments"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/signing"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/syncer"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/vault"
)

const userIDContextKey = "ledgerlink_user_id"

const (
	webhookHeaderTimestamp = "BinancePay-Timestamp"
	webhookHeaderNonce     = "BinancePay-Nonce"
	webhookHeaderSignature = "BinancePay-Signature"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingCredentials      = errors.New("credential service dependency required")
	errMissingSyncEngine       = errors.New("sync engine dependency required")
	errMissingPayments         = errors.New("payment service dependency required")
)

// CredentialService is the slice of the credentials service used by the router.
type CredentialService interface {
	Connect(ctx context.Context, userID, apiKey, apiSecret string) (credentials.ConnectResult, error)
	Verify(ctx context.Context, apiKey, apiSecret string) error
}

// SyncEngine is the slice of the sync engine used by the router.
type SyncEngine interface {
	Sync(ctx context.Context, userID string) (syncer.SyncResult, error)
}

// PaymentService is the slice of the payment service used by the router.
type PaymentService interface {
	CreateOrder(ctx context.Context, userID string, amount decimal.Decimal, plan string) (payments.CreateResult, error)
	HandleWebhook(ctx context.Context, notice payments.WebhookNotice) (payments.WebhookResult, error)
}

// Dependencies collects everything the HTTP handler needs.
type Dependencies struct {
	SessionValidator *auth.SessionValidator
	Credentials      CredentialService
	SyncEngine       SyncEngine
	Payments         PaymentService
	Logger           *zap.Logger
}

// NewHTTPHandler wires the gin router. Every route except the processor
// webhook and the health probe requires a valid session; the webhook is
// authenticated by its own HMAC signature inside the payment service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.SyncEngine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.Payments == nil {
		return nil, errMissingPayments
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Authorization", "Content-Type",
			webhookHeaderTimestamp, webhookHeaderNonce, webhookHeaderSignature,
		},
		MaxAge: 12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		credentials: deps.Credentials,
		syncEngine:  deps.SyncEngine,
		payments:    deps.Payments,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/payments/webhook", handler.handlePaymentWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/keys/verify", handler.handleVerifyKeys)
	protected.POST("/keys/connect", handler.handleConnectKeys)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/payments", handler.handleCreatePayment)

	return router, nil
}

type httpHandler struct {
	sessions    *auth.SessionValidator
	credentials CredentialService
	syncEngine  SyncEngine
	payments    PaymentService
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type keyPairPayload struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

func (h *httpHandler) handleVerifyKeys(c *gin.Context) {
	var request keyPairPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.credentials.Verify(c.Request.Context(), request.APIKey, request.APISecret); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type connectResponsePayload struct {
	UserID            string `json:"user_id"`
	APIKeyMasked      string `json:"api_key_masked"`
	ConnectedAtMillis int64  `json:"connected_at_ms"`
}

func (h *httpHandler) handleConnectKeys(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request keyPairPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.credentials.Connect(c.Request.Context(), userID, request.APIKey, request.APISecret)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, connectResponsePayload{
		UserID:            result.UserID,
		APIKeyMasked:      result.MaskedAPIKey,
		ConnectedAtMillis: result.ConnectedAtMillis,
	})
}

type syncResponsePayload struct {
	Fetched      int   `json:"fetched"`
	Written      int   `json:"written"`
	CursorMillis int64 `json:"cursor_ms"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	result, err := h.syncEngine.Sync(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, syncResponsePayload{
		Fetched:      result.Fetched,
		Written:      result.Written,
		CursorMillis: result.CursorMillis,
	})
}

type createPaymentPayload struct {
	Amount decimal.Decimal `json:"amount"`
	Plan   string          `json:"plan"`
}

type createPaymentResponse struct {
	MerchantTradeNo string `json:"merchant_trade_no"`
	Status          string `json:"status"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	Persisted       bool   `json:"persisted"`
}

func (h *httpHandler) handleCreatePayment(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createPaymentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.payments.CreateOrder(c.Request.Context(), userID, request.Amount, request.Plan)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	status := http.StatusOK
	if result.Status == payments.StatusError {
		status = http.StatusBadGateway
	}
	c.JSON(status, createPaymentResponse{
		MerchantTradeNo: result.MerchantTradeNo,
		Status:          string(result.Status),
		CheckoutURL:     result.CheckoutURL,
		Persisted:       result.Persisted,
	})
}

func (h *httpHandler) handlePaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.payments.HandleWebhook(c.Request.Context(), payments.WebhookNotice{
		Timestamp: c.GetHeader(webhookHeaderTimestamp),
		Nonce:     c.GetHeader(webhookHeaderNonce),
		Signature: c.GetHeader(webhookHeaderSignature),
		Body:      body,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"returnCode": "SUCCESS", "bizStatus": result.BizStatus})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// respondServiceError translates service failures into HTTP statuses without
// leaking secrets or expected signature values.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var upstreamErr *exchange.UpstreamError
	var persistenceErr *syncer.PersistenceError

	switch {
	case errors.Is(err, credentials.ErrInvalidUserID),
		errors.Is(err, credentials.ErrInvalidAPIKey),
		errors.Is(err, credentials.ErrInvalidAPISecret),
		errors.Is(err, payments.ErrInvalidUserID),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrMalformedWebhook),
		errors.Is(err, payments.ErrMalformedTradeNo):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, signing.ErrMissingSignature), errors.Is(err, signing.ErrSignatureMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
	case errors.Is(err, credentials.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "credential_not_found"})
	case errors.Is(err, syncer.ErrInvalidCredential), errors.Is(err, vault.ErrDecryptFailed), errors.Is(err, vault.ErrMalformedSealed):
		h.logger.Error("stored credential unusable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid_credential"})
	case errors.As(err, &upstreamErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":           "upstream_error",
			"upstream_status": upstreamErr.Status,
			"details":         upstreamErr.Body,
		})
	case errors.As(err, &persistenceErr):
		h.logger.Error("partial sync persistence failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
