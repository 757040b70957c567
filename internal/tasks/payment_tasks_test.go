package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokoku_shop_echo/internal/models"
	"tokoku_shop_echo/internal/services"
)

type sweepGateway struct {
	mu      sync.Mutex
	results map[string]*services.VerifyResult
	errs    map[string]error
}

func (g *sweepGateway) Initialize(ctx context.Context, req services.InitializeRequest) (*services.InitializeResult, error) {
	panic("not used by the sweep")
}

func (g *sweepGateway) Verify(ctx context.Context, reference string) (*services.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.errs[reference]; ok {
		return nil, err
	}
	if res, ok := g.results[reference]; ok {
		return res, nil
	}
	return &services.VerifyResult{Reference: reference, Status: models.PaymentStatusPending}, nil
}

func (g *sweepGateway) Cancel(ctx context.Context, reference string) error { return nil }

// storeApplier applies results straight through the record store, standing in
// for the payment service in tests that have no database.
type storeApplier struct {
	store services.RecordStore
}

func (a *storeApplier) ApplyGatewayResult(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (services.WriteOutcome, error) {
	return a.store.WriteIfPending(ctx, reference, status, transactionID, raw)
}

func TestReconcileStalePayments_HealsResolvedRecords(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryPaymentStore()

	for _, ref := range []string{"ORD-100-1-1", "ORD-101-1-1", "ORD-102-1-1"} {
		_, err := store.Create(ctx, ref, ref[:7], 50000, nil)
		require.NoError(t, err)
	}

	gateway := &sweepGateway{
		results: map[string]*services.VerifyResult{
			"ORD-100-1-1": {Reference: "ORD-100-1-1", Status: models.PaymentStatusSuccess, TransactionID: "TXN-1"},
			"ORD-101-1-1": {Reference: "ORD-101-1-1", Status: models.PaymentStatusFailed, TransactionID: "TXN-2"},
			// ORD-102 still pending at the gateway
		},
	}

	task := &ReconcileStalePaymentsTaskDef{
		Store:     store,
		Gateway:   gateway,
		Payments:  &storeApplier{store: store},
		OlderThan: -time.Second,
		BatchSize: 10,
	}

	result, err := task.HandleExecution(ctx, nil, models.ScheduledTask{})
	require.NoError(t, err)
	require.Equal(t, 3, result["checked"])
	require.Equal(t, 2, result["applied"])
	require.Equal(t, 1, result["inconclusive"])

	success, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, success.Status)

	failed, err := store.FindByReference(ctx, "ORD-101-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, failed.Status)

	pending, err := store.FindByReference(ctx, "ORD-102-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, pending.Status)
}

func TestReconcileStalePayments_NetworkFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryPaymentStore()

	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &sweepGateway{
		errs: map[string]error{"ORD-100-1-1": services.ErrNetworkFailure},
	}

	task := &ReconcileStalePaymentsTaskDef{
		Store:     store,
		Gateway:   gateway,
		Payments:  &storeApplier{store: store},
		OlderThan: -time.Second,
		BatchSize: 10,
	}

	result, err := task.HandleExecution(ctx, nil, models.ScheduledTask{})
	require.NoError(t, err)
	require.Equal(t, 1, result["checked"])
	require.Equal(t, 0, result["applied"])
	require.Equal(t, 1, result["inconclusive"])

	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, record.Status)
}

func TestReconcileStalePayments_WebhookMidSweepCountsAsRace(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryPaymentStore()

	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &sweepGateway{
		results: map[string]*services.VerifyResult{
			"ORD-100-1-1": {Reference: "ORD-100-1-1", Status: models.PaymentStatusSuccess, TransactionID: "TXN-SWEEP"},
		},
	}

	// A webhook resolves the record after the sweep listed it but before the
	// sweep's write lands.
	racingApplier := applierFunc(func(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (services.WriteOutcome, error) {
		_, err := store.WriteIfPending(ctx, reference, models.PaymentStatusSuccess, "TXN-WEBHOOK", nil)
		require.NoError(t, err)
		return store.WriteIfPending(ctx, reference, status, transactionID, raw)
	})

	task := &ReconcileStalePaymentsTaskDef{
		Store:     store,
		Gateway:   gateway,
		Payments:  racingApplier,
		OlderThan: -time.Second,
		BatchSize: 10,
	}

	result, err := task.HandleExecution(ctx, nil, models.ScheduledTask{})
	require.NoError(t, err)
	require.Equal(t, 1, result["already_resolved"])
	require.Equal(t, 0, result["applied"])

	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, "TXN-WEBHOOK", record.GatewayTransactionID)
}

type applierFunc func(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (services.WriteOutcome, error)

func (f applierFunc) ApplyGatewayResult(ctx context.Context, reference string, status models.PaymentStatus, transactionID string, raw json.RawMessage) (services.WriteOutcome, error) {
	return f(ctx, reference, status, transactionID, raw)
}
