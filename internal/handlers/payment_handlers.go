package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
	"tokoku_shop_echo/internal/services"
)

type PaymentHandler struct {
	db       *gorm.DB
	store    *services.PaymentStore
	payments *services.PaymentService
	midtrans *services.MidtransService
	tracker  *services.ReconcileTracker
	logger   *zap.Logger
	metrics  *services.ReconcileMetrics
	appURL   string
}

func NewPaymentHandler(
	db *gorm.DB,
	store *services.PaymentStore,
	payments *services.PaymentService,
	midtrans *services.MidtransService,
	tracker *services.ReconcileTracker,
	logger *zap.Logger,
	metrics *services.ReconcileMetrics,
	appURL string,
) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{
		db:       db,
		store:    store,
		payments: payments,
		midtrans: midtrans,
		tracker:  tracker,
		logger:   logger,
		metrics:  metrics,
		appURL:   appURL,
	}
}

// CreateOrder is the minimal intake used to have something to pay for.
func (h *PaymentHandler) CreateOrder(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid order payload")
	}
	if req.Code == "" || req.Amount <= 0 || req.PayerEmail == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code, amount and payer_email are required")
	}

	order := models.Order{
		UUID:       uuid.NewString(),
		Code:       req.Code,
		ItemName:   req.ItemName,
		Amount:     req.Amount,
		PayerName:  req.PayerName,
		PayerEmail: req.PayerEmail,
		Status:     models.OrderStatusUnpaid,
	}
	if err := h.db.Create(&order).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create order: "+err.Error())
	}
	return c.JSON(http.StatusCreated, order)
}

// InitiatePayment creates (or resumes) a hosted checkout for a public order
// and starts the server-side reconciliation loop for its reference.
func (h *PaymentHandler) InitiatePayment(c echo.Context) error {
	order, err := h.findOrder(c)
	if err != nil {
		return err
	}

	forceNew := c.QueryParam("force_new") == "true"
	callbackURL := h.appURL + "/p/" + order.UUID

	result, err := h.payments.InitiatePayment(c.Request().Context(), order, forceNew, callbackURL)
	if err != nil {
		if errors.Is(err, services.ErrOrderAlreadyPaid) {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "Payment is already made. Please check the status."})
		}
		if errors.Is(err, services.ErrInitializationFailed) {
			return echo.NewHTTPError(http.StatusBadGateway, "Failed to initiate payment: "+err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to initiate payment: "+err.Error())
	}

	if h.tracker != nil {
		h.tracker.Start(result.Reference)
	}

	return c.JSON(http.StatusOK, InitiatePaymentResponse{
		Reference:   result.Reference,
		Token:       result.Token,
		RedirectURL: result.RedirectURL,
		IsExisting:  result.IsExisting,
	})
}

// PaymentStatus returns the reconciled status for the order's newest
// reference. The checkout UI polls this.
func (h *PaymentHandler) PaymentStatus(c echo.Context) error {
	order, err := h.findOrder(c)
	if err != nil {
		return err
	}

	var record models.PaymentRecord
	err = h.db.Where("order_code = ?", order.Code).Order("created_at desc").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusOK, PaymentStatusResponse{
				Status:      "none",
				OrderStatus: string(order.Status),
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read payment record")
	}

	return c.JSON(http.StatusOK, PaymentStatusResponse{
		Reference:     record.Reference,
		Status:        string(record.Status),
		TransactionID: record.GatewayTransactionID,
		OrderStatus:   string(order.Status),
	})
}

// WatchPayment resumes the reconciliation loop for a reference, e.g. when
// the customer reopens a checkout they abandoned earlier. The same reference
// keeps being used; watching never issues a new one.
func (h *PaymentHandler) WatchPayment(c echo.Context) error {
	reference := c.Param("reference")
	if reference == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing reference")
	}
	if _, err := h.store.FindByReference(c.Request().Context(), reference); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Unknown reference")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to read payment record")
	}

	started := h.tracker.Start(reference)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reference": reference,
		"watching":  true,
		"started":   started,
	})
}

// UnwatchPayment stops the loop when the customer closes the checkout UI.
// The record stays pending; a webhook or a later watch resolves it.
func (h *PaymentHandler) UnwatchPayment(c echo.Context) error {
	reference := c.Param("reference")
	if reference == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing reference")
	}
	stopped := h.tracker.Cancel(reference)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reference": reference,
		"stopped":   stopped,
	})
}

// HandleGatewayNotification is the webhook ingestor. Midtrans may deliver a
// notification late, twice, or never; everything funnels into the
// conditional write, so replays and races are harmless. The raw payload is
// always logged for audit, whatever the outcome.
func (h *PaymentHandler) HandleGatewayNotification(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Unreadable body")
	}

	var notif services.MidtransNotification
	if err := json.Unmarshal(body, &notif); err != nil || notif.OrderID == "" {
		h.metrics.CountWebhook("malformed")
		return echo.NewHTTPError(http.StatusBadRequest, "Malformed notification")
	}

	if !h.midtrans.VerifySignature(notif.OrderID, notif.StatusCode, notif.GrossAmount, notif.SignatureKey) {
		h.metrics.CountWebhook("bad_signature")
		h.logger.Warn("notification with bad signature",
			zap.String("reference", notif.OrderID),
		)
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid signature")
	}

	ctx := c.Request().Context()
	if err := h.store.RecordCallback(ctx, models.PaymentGatewayMidtrans, notif.OrderID, notif.TransactionStatus, body); err != nil {
		h.logger.Error("callback history write failed",
			zap.String("reference", notif.OrderID),
			zap.Error(err),
		)
	}

	status := services.MapTransactionStatus(notif.TransactionStatus)
	if !status.Terminal() {
		// Nothing to write yet; the reconciliation loop keeps polling.
		h.metrics.CountWebhook("pending")
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	outcome, err := h.payments.ApplyGatewayResult(ctx, notif.OrderID, status, notif.TransactionID, body)
	if err != nil {
		h.metrics.CountWebhook("error")
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to apply notification")
	}

	h.metrics.CountWebhook(outcome.String())
	return c.JSON(http.StatusOK, map[string]string{"status": outcome.String()})
}

func (h *PaymentHandler) findOrder(c echo.Context) (*models.Order, error) {
	orderUUID := c.Param("uuid")
	if orderUUID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid order UUID")
	}
	var order models.Order
	if err := h.db.Where("uuid = ?", orderUUID).First(&order).Error; err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Order not found")
	}
	return &order, nil
}
