package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokoku_shop_echo/internal/models"
)

// ErrOrderAlreadyPaid rejects a checkout for an order that has already been
// settled.
var ErrOrderAlreadyPaid = errors.New("order already paid")

type PaymentService struct {
	db       *gorm.DB
	store    *PaymentStore
	gateway  Gateway
	notifier Notifier
	logger   *zap.Logger
}

func NewPaymentService(db *gorm.DB, store *PaymentStore, gateway Gateway, notifier Notifier, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		db:       db,
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger,
	}
}

// CheckActiveSession returns the newest active session for the order, or nil.
func (s *PaymentService) CheckActiveSession(orderID uint) (*models.PaymentSession, error) {
	var existingSession models.PaymentSession
	err := s.db.Where("order_id = ? AND is_active = ?", orderID, true).Order("created_at desc").First(&existingSession).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil // No active session
		}
		return nil, err
	}
	return &existingSession, nil
}

// InitiatePaymentResult holds the result of an initiation attempt
type InitiatePaymentResult struct {
	Reference   string
	Token       string
	RedirectURL string
	IsExisting  bool
}

// InitiatePayment starts or resumes a checkout for the order. An active
// session whose transaction the gateway still reports pending is reused
// (same reference, same redirect URL) unless forceNew cancels it; every
// fresh initiation issues a brand-new reference. The pending payment record
// is created only after the gateway accepted the transaction, so a failed
// initialization leaves no record behind.
func (s *PaymentService) InitiatePayment(ctx context.Context, order *models.Order, forceNew bool, callbackURL string) (*InitiatePaymentResult, error) {
	if order.Status == models.OrderStatusPaid {
		return nil, ErrOrderAlreadyPaid
	}

	// 1. Check for existing active session
	existingSession, err := s.CheckActiveSession(order.ID)
	if err != nil {
		return nil, err
	}

	if existingSession != nil {
		result, err := s.resumeSession(ctx, order, existingSession, forceNew)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// fall through: the old session was closed, create a new one
	}

	// 2. Create a new gateway transaction under a fresh reference
	reference := GenerateReference(order.Code)

	initReq := InitializeRequest{
		Reference:   reference,
		OrderCode:   order.Code,
		Amount:      order.Amount,
		PayerName:   order.PayerName,
		PayerEmail:  order.PayerEmail,
		ItemName:    order.ItemName,
		CallbackURL: callbackURL,
	}
	initRes, err := s.gateway.Initialize(ctx, initReq)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Create(ctx, reference, order.Code, order.Amount, initRes.Raw); err != nil {
		return nil, err
	}

	// 3. Persist the session record
	reqBytes, _ := json.Marshal(initReq)
	respBytes, _ := json.Marshal(initRes)

	session := models.PaymentSession{
		OrderID:          order.ID,
		Reference:        reference,
		PaymentGateway:   models.PaymentGatewayMidtrans,
		IsActive:         true,
		RequestMetadata:  reqBytes,
		ResponseMetadata: respBytes,
	}
	if err := s.db.Create(&session).Error; err != nil {
		s.logger.Error("payment session persist failed",
			zap.String("reference", reference),
			zap.Error(err),
		)
	}

	s.logger.Info("payment initiated",
		zap.String("reference", reference),
		zap.String("order_code", order.Code),
		zap.Int64("amount", order.Amount),
	)

	return &InitiatePaymentResult{
		Reference:   reference,
		Token:       initRes.Token,
		RedirectURL: initRes.AuthorizationURL,
		IsExisting:  false,
	}, nil
}

// resumeSession decides what to do with a still-active session. Returns a
// non-nil result to reuse it, nil to proceed with a fresh initiation.
func (s *PaymentService) resumeSession(ctx context.Context, order *models.Order, session *models.PaymentSession, forceNew bool) (*InitiatePaymentResult, error) {
	verifyRes, err := s.gateway.Verify(ctx, session.Reference)
	if err != nil {
		// Could not check, assume the session is broken locally
		s.deactivateSession(session)
		return nil, nil
	}

	switch verifyRes.Status {
	case models.PaymentStatusSuccess:
		// Paid while we were not looking: heal the record before refusing.
		if _, err := s.ApplyGatewayResult(ctx, session.Reference, models.PaymentStatusSuccess, verifyRes.TransactionID, verifyRes.Raw); err != nil {
			s.logger.Error("self-heal on resume failed",
				zap.String("reference", session.Reference),
				zap.Error(err),
			)
		}
		s.deactivateSession(session)
		return nil, ErrOrderAlreadyPaid

	case models.PaymentStatusFailed:
		s.deactivateSession(session)
		return nil, nil

	default: // still pending at the gateway
		if forceNew {
			if err := s.gateway.Cancel(ctx, session.Reference); err != nil {
				s.logger.Warn("gateway cancel failed",
					zap.String("reference", session.Reference),
					zap.Error(err),
				)
			}
			s.deactivateSession(session)
			return nil, nil
		}

		var initRes InitializeResult
		if err := json.Unmarshal(session.ResponseMetadata, &initRes); err == nil && initRes.Token != "" {
			return &InitiatePaymentResult{
				Reference:   session.Reference,
				Token:       initRes.Token,
				RedirectURL: initRes.AuthorizationURL,
				IsExisting:  true,
			}, nil
		}
		// Unreadable metadata, treat as broken
		s.deactivateSession(session)
		return nil, nil
	}
}

func (s *PaymentService) deactivateSession(session *models.PaymentSession) {
	session.IsActive = false
	if err := s.db.Save(session).Error; err != nil {
		s.logger.Warn("session deactivate failed",
			zap.String("reference", session.Reference),
			zap.Error(err),
		)
	}
}

// ApplyGatewayResult is the single entry point for terminal evidence coming
// from outside the polling loop: the webhook ingestor and the stale-payment
// sweep both land here. It performs the conditional write, finalizes the
// order when this writer won with a success, and broadcasts the terminal
// state to any context still watching the reference.
func (s *PaymentService) ApplyGatewayResult(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (WriteOutcome, error) {
	if !status.Terminal() {
		return WriteNotFound, fmt.Errorf("apply gateway result %s: non-terminal status %q", reference, status)
	}

	outcome, err := s.store.WriteIfPending(ctx, reference, status, transactionID, raw)
	if err != nil {
		return outcome, err
	}
	if outcome != WriteApplied {
		return outcome, nil
	}

	record, err := s.store.FindByReference(ctx, reference)
	if err != nil {
		return outcome, err
	}

	if status == models.PaymentStatusSuccess {
		if err := s.FinalizeOrder(ctx, record.OrderCode, reference, transactionID); err != nil {
			s.logger.Error("order finalization failed",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, NewStatusMessage(reference, status)); err != nil {
			s.logger.Warn("status publish failed",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("gateway result applied",
		zap.String("reference", reference),
		zap.String("status", string(status)),
		zap.String("transaction_id", transactionID),
	)
	return outcome, nil
}

// FinalizeOrder marks the order paid and books the ledger row. The UPDATE is
// conditional on the order not being paid yet, so a repeated call for the
// same reference settles nothing twice.
func (s *PaymentService) FinalizeOrder(ctx context.Context, orderCode, reference, transactionID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("code = ? AND status <> ?", orderCode, models.OrderStatusPaid).
		Updates(map[string]interface{}{
			"status":         models.OrderStatusPaid,
			"paid_at":        now,
			"paid_reference": reference,
		})
	if res.Error != nil {
		return fmt.Errorf("finalize order %s: %w", orderCode, res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Debug("order already finalized", zap.String("order_code", orderCode))
		return nil
	}

	var order models.Order
	if err := s.db.WithContext(ctx).Where("code = ?", orderCode).First(&order).Error; err != nil {
		return fmt.Errorf("finalize order %s: reload: %w", orderCode, err)
	}

	payment := models.OrderPayment{
		OrderID:              order.ID,
		OrderCode:            orderCode,
		Reference:            reference,
		GatewayTransactionID: transactionID,
		Amount:               order.Amount,
		PaymentGateway:       models.PaymentGatewayMidtrans,
		PaidAt:               now,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return fmt.Errorf("finalize order %s: ledger: %w", orderCode, err)
	}

	s.logger.Info("order finalized",
		zap.String("order_code", orderCode),
		zap.String("reference", reference),
		zap.String("transaction_id", transactionID),
	)
	return nil
}
