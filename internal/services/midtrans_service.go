package services

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"tokoku_shop_echo/internal/models"
)

// verifyTimeout caps how long a single status check against the gateway may
// take before we call it inconclusive.
const verifyTimeout = 10 * time.Second

// MidtransService implements Gateway on top of Midtrans Snap (hosted
// checkout) and the Core API (status check / cancel).
type MidtransService struct {
	SnapClient snap.Client
	CoreClient coreapi.Client

	serverKey string
}

// NewMidtransService builds the Snap and Core API clients.
func NewMidtransService(serverKey, clientKey string, production bool) *MidtransService {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	var c coreapi.Client
	c.New(serverKey, env)

	// Set Default Options
	midtrans.ServerKey = serverKey
	midtrans.ClientKey = clientKey
	midtrans.Environment = env

	return &MidtransService{
		SnapClient: s,
		CoreClient: c,
		serverKey:  serverKey,
	}
}

// Initialize creates a Snap transaction under the given reference and returns
// the token plus the redirect URL the customer gets sent to.
func (s *MidtransService) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInitializationFailed, req.Amount)
	}
	if req.PayerEmail == "" {
		return nil, fmt.Errorf("%w: payer email is required", ErrInitializationFailed)
	}

	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.Amount,
		},
		CustomerDetail: &midtrans.CustomerDetails{
			FName: req.PayerName,
			Email: req.PayerEmail,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.OrderCode,
				Name:  req.ItemName,
				Price: req.Amount,
				Qty:   1,
			},
		},
	}
	if req.CallbackURL != "" {
		param.Callbacks = &snap.Callbacks{Finish: req.CallbackURL}
	}

	resp, err := s.SnapClient.CreateTransaction(param)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}

	raw, _ := json.Marshal(resp)
	return &InitializeResult{
		Reference:        req.Reference,
		Token:            resp.Token,
		AuthorizationURL: resp.RedirectURL,
		Raw:              raw,
	}, nil
}

// Verify asks the Core API for the current status of a reference. Transport
// problems and timeouts surface as ErrNetworkFailure, never as a failed
// payment. The Core API does not take a context, so the call runs in its own
// goroutine and we stop waiting when the deadline passes.
func (s *MidtransService) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	type checkResult struct {
		resp *coreapi.TransactionStatusResponse
		err  *midtrans.Error
	}
	done := make(chan checkResult, 1)
	go func() {
		resp, err := s.CoreClient.CheckTransaction(reference)
		done <- checkResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: check %s: %v", ErrNetworkFailure, reference, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: check %s: %v", ErrNetworkFailure, reference, res.err)
		}
		raw, _ := json.Marshal(res.resp)
		return &VerifyResult{
			Reference:     reference,
			Status:        MapTransactionStatus(res.resp.TransactionStatus),
			TransactionID: res.resp.TransactionID,
			Amount:        parseGrossAmount(res.resp.GrossAmount),
			Raw:           raw,
		}, nil
	}
}

// Cancel voids a still-pending transaction at the gateway, used when the
// customer forces a fresh checkout for the same order.
func (s *MidtransService) Cancel(ctx context.Context, reference string) error {
	_, err := s.CoreClient.CancelTransaction(reference)
	if err != nil {
		return fmt.Errorf("midtrans cancel %s: %v", reference, err)
	}
	return nil
}

// MapTransactionStatus folds Midtrans transaction statuses into our three
// reconciled states. Anything we do not recognize stays pending, which is
// always safe: pending just means "keep checking".
func MapTransactionStatus(transactionStatus string) models.PaymentStatus {
	switch transactionStatus {
	case "settlement", "capture":
		return models.PaymentStatusSuccess
	case "deny", "expire", "cancel", "failure":
		return models.PaymentStatusFailed
	default:
		// pending, authorize, or something new
		return models.PaymentStatusPending
	}
}

// VerifySignature checks a notification's signature key:
// SHA512(order_id + status_code + gross_amount + server key).
func (s *MidtransService) VerifySignature(orderID, statusCode, grossAmount, signatureKey string) bool {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + s.serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signatureKey)) == 1
}

// MidtransNotification is the subset of the notification payload we act on.
type MidtransNotification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	TransactionID     string `json:"transaction_id"`
	PaymentType       string `json:"payment_type"`
	FraudStatus       string `json:"fraud_status"`
}

// parseGrossAmount turns Midtrans' "10000.00" style amount strings into the
// integer amount we store. Unparseable amounts come back as 0 rather than an
// error; the amount here is informational, the authoritative one is on the
// payment record.
func parseGrossAmount(grossAmount string) int64 {
	if grossAmount == "" {
		return 0
	}
	f, err := strconv.ParseFloat(grossAmount, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}
