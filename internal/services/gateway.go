package services

import (
	"context"
	"encoding/json"
	"errors"

	"tokoku_shop_echo/internal/models"
)

var (
	// ErrInitializationFailed means the gateway rejected the transaction
	// before any money could move. Fatal to this checkout attempt; the user
	// retries and gets a fresh reference.
	ErrInitializationFailed = errors.New("payment initialization failed")

	// ErrNetworkFailure is an inconclusive transport-level problem while
	// talking to the gateway. It is never treated as a failed payment, only
	// retried later.
	ErrNetworkFailure = errors.New("payment gateway unreachable")
)

// Gateway abstracts the hosted payment gateway: initialize a transaction to
// obtain a redirect URL, verify a reference to learn its current status,
// cancel a pending transaction. Verify is idempotent and may be called any
// number of times; once the gateway has resolved a transaction it keeps
// answering with the same terminal result.
type Gateway interface {
	Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
	Cancel(ctx context.Context, reference string) error
}

// InitializeRequest describes the transaction to create at the gateway.
type InitializeRequest struct {
	Reference   string
	OrderCode   string
	Amount      int64
	PayerName   string
	PayerEmail  string
	ItemName    string
	CallbackURL string
}

// InitializeResult carries the hosted checkout handle back to the caller.
// AuthorizationURL is where the customer's browser gets redirected.
type InitializeResult struct {
	Reference        string          `json:"reference"`
	Token            string          `json:"token"`
	AuthorizationURL string          `json:"authorization_url"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// VerifyResult is the gateway's answer for a reference. Raw keeps the
// untouched gateway payload for the audit trail.
type VerifyResult struct {
	Reference     string
	Status        models.PaymentStatus
	TransactionID string
	Amount        int64
	Raw           json.RawMessage
}
