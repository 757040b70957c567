package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tokoku_shop_echo/internal/models"
)

type fakeGateway struct {
	mu        sync.Mutex
	calls     int
	initCalls int
	cancels   int
	initFn    func(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	verifyFn  func(ctx context.Context, reference string) (*VerifyResult, error)
}

func (g *fakeGateway) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	g.mu.Lock()
	g.initCalls++
	fn := g.initFn
	g.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeGateway: Initialize not scripted")
	}
	return fn(ctx, req)
}

func (g *fakeGateway) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	g.mu.Lock()
	g.calls++
	fn := g.verifyFn
	g.mu.Unlock()
	return fn(ctx, reference)
}

func (g *fakeGateway) Cancel(ctx context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return nil
}

func (g *fakeGateway) verifyCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGateway) cancelCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancels
}

func (g *fakeGateway) initializeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls
}

type finalizeCall struct {
	orderCode     string
	reference     string
	transactionID string
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []finalizeCall
}

func (f *fakeFinalizer) FinalizeOrder(ctx context.Context, orderCode, reference, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, finalizeCall{orderCode, reference, transactionID})
	return nil
}

func (f *fakeFinalizer) finalized() []finalizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]finalizeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func fastPolicy() ReconcilePolicy {
	return ReconcilePolicy{
		PollInterval:  2 * time.Millisecond,
		FallbackAfter: 3,
		MaxAttempts:   12,
	}
}

func TestReconciler_FallbackVerifySelfHeals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return &VerifyResult{
				Reference:     reference,
				Status:        models.PaymentStatusSuccess,
				TransactionID: "TXN-9",
			}, nil
		},
	}
	finalizer := &fakeFinalizer{}

	r := &Reconciler{
		Store:    store,
		Gateway:  gateway,
		Policy:   fastPolicy(),
		Notifier: NewBusNotifier(),
		Finalize: finalizer,
	}

	outcome, err := r.Run(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, outcome.State)
	require.Equal(t, "ORD-100", outcome.OrderCode)
	require.Equal(t, "TXN-9", outcome.TransactionID)
	require.Equal(t, 3, outcome.Attempts)
	require.Equal(t, 1, gateway.verifyCalls())

	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, record.Status)
	require.Equal(t, "TXN-9", record.GatewayTransactionID)

	require.Equal(t, []finalizeCall{{"ORD-100", "ORD-100-1-1", "TXN-9"}}, finalizer.finalized())
}

func TestReconciler_WebhookWinsVerifyRace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	// A webhook lands while our verification request is in flight: by the time
	// the gateway answers, the record is already resolved. The loop must keep
	// the webhook's value and must not finalize a second time.
	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			outcome, err := store.WriteIfPending(ctx, reference, models.PaymentStatusSuccess, "TXN-WEBHOOK", nil)
			require.NoError(t, err)
			require.Equal(t, WriteApplied, outcome)
			return &VerifyResult{
				Reference:     reference,
				Status:        models.PaymentStatusSuccess,
				TransactionID: "TXN-VERIFY",
			}, nil
		},
	}
	finalizer := &fakeFinalizer{}

	r := &Reconciler{
		Store:    store,
		Gateway:  gateway,
		Policy:   fastPolicy(),
		Finalize: finalizer,
	}

	outcome, err := r.Run(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, outcome.State)
	require.Equal(t, "TXN-WEBHOOK", outcome.TransactionID)

	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, "TXN-WEBHOOK", record.GatewayTransactionID)

	require.Empty(t, finalizer.finalized())
}

func TestReconciler_NetworkFailureEndsTimedOutNotFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return nil, ErrNetworkFailure
		},
	}

	r := &Reconciler{
		Store:   store,
		Gateway: gateway,
		Policy: ReconcilePolicy{
			PollInterval:  2 * time.Millisecond,
			FallbackAfter: 2,
			MaxAttempts:   5,
		},
	}

	outcome, err := r.Run(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, StateTimedOut, outcome.State)
	require.Equal(t, 5, outcome.Attempts)
	require.Equal(t, 4, gateway.verifyCalls())

	// Inconclusive evidence never marks the payment failed. The record stays
	// pending so a late webhook or the sweep can still resolve it.
	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, record.Status)
}

func TestReconciler_GatewayReportsFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return &VerifyResult{
				Reference:     reference,
				Status:        models.PaymentStatusFailed,
				TransactionID: "TXN-9",
			}, nil
		},
	}
	finalizer := &fakeFinalizer{}

	r := &Reconciler{
		Store:    store,
		Gateway:  gateway,
		Policy:   fastPolicy(),
		Finalize: finalizer,
	}

	outcome, err := r.Run(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, outcome.State)

	record, err := store.FindByReference(ctx, "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusFailed, record.Status)

	require.Empty(t, finalizer.finalized())
}

func TestReconciler_CancelLeavesRecordResumable(t *testing.T) {
	store := NewMemoryPaymentStore()
	_, err := store.Create(context.Background(), "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return &VerifyResult{Reference: reference, Status: models.PaymentStatusPending}, nil
		},
	}

	r := &Reconciler{
		Store:   store,
		Gateway: gateway,
		Policy:  fastPolicy(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	outcome, err := r.Run(ctx, "ORD-100-1-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, outcome)

	record, err := store.FindByReference(context.Background(), "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, record.Status)

	// A later loop picks the same reference back up and resolves it.
	gateway.mu.Lock()
	gateway.verifyFn = func(ctx context.Context, reference string) (*VerifyResult, error) {
		return &VerifyResult{Reference: reference, Status: models.PaymentStatusSuccess, TransactionID: "TXN-9"}, nil
	}
	gateway.mu.Unlock()

	resumed, err := r.Run(context.Background(), "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, resumed.State)
	require.Equal(t, "TXN-9", resumed.TransactionID)
}

func TestReconciler_NotifierShortCircuitsPolling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPaymentStore()
	_, err := store.Create(ctx, "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	notifier := NewBusNotifier()
	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return nil, errors.New("should not be called")
		},
	}

	r := &Reconciler{
		Store:   store,
		Gateway: gateway,
		Policy: ReconcilePolicy{
			// A long interval so only the notifier can wake the loop quickly.
			PollInterval:  500 * time.Millisecond,
			FallbackAfter: 3,
			MaxAttempts:   12,
		},
		Notifier: notifier,
	}

	type result struct {
		outcome *ReconcileOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := r.Run(ctx, "ORD-100-1-1")
		done <- result{outcome, err}
	}()

	time.Sleep(50 * time.Millisecond)
	outcome, err := store.WriteIfPending(ctx, "ORD-100-1-1", models.PaymentStatusSuccess, "TXN-9", nil)
	require.NoError(t, err)
	require.Equal(t, WriteApplied, outcome)
	require.NoError(t, notifier.Publish(ctx, NewStatusMessage("ORD-100-1-1", models.PaymentStatusSuccess)))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, StateSuccess, res.outcome.State)
		require.Equal(t, "TXN-9", res.outcome.TransactionID)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("loop did not wake on published status before the next poll tick")
	}
	require.Zero(t, gateway.verifyCalls())
}

func TestReconcileTracker_OneLoopPerReference(t *testing.T) {
	store := NewMemoryPaymentStore()
	_, err := store.Create(context.Background(), "ORD-100-1-1", "ORD-100", 50000, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{
		verifyFn: func(ctx context.Context, reference string) (*VerifyResult, error) {
			return &VerifyResult{Reference: reference, Status: models.PaymentStatusPending}, nil
		},
	}

	tracker := &ReconcileTracker{
		Reconciler: &Reconciler{
			Store:   store,
			Gateway: gateway,
			Policy: ReconcilePolicy{
				PollInterval:  50 * time.Millisecond,
				FallbackAfter: 100,
				MaxAttempts:   1000,
			},
		},
	}

	require.True(t, tracker.Start("ORD-100-1-1"))
	require.True(t, tracker.Running("ORD-100-1-1"))
	require.False(t, tracker.Start("ORD-100-1-1"), "second start while running must be a no-op")

	require.True(t, tracker.Cancel("ORD-100-1-1"))
	require.Eventually(t, func() bool {
		return !tracker.Running("ORD-100-1-1")
	}, time.Second, 5*time.Millisecond)

	require.False(t, tracker.Cancel("ORD-100-1-1"), "cancel with no loop running reports false")

	record, err := store.FindByReference(context.Background(), "ORD-100-1-1")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, record.Status)
}

func TestReconcilePolicy_Defaults(t *testing.T) {
	p := ReconcilePolicy{}.withDefaults()
	require.Equal(t, DefaultReconcilePolicy(), p)

	tuned := ReconcilePolicy{PollInterval: time.Second, FallbackAfter: 2, MaxAttempts: 4}.withDefaults()
	require.Equal(t, ReconcilePolicy{PollInterval: time.Second, FallbackAfter: 2, MaxAttempts: 4}, tuned)
}
