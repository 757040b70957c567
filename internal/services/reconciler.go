package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokoku_shop_echo/internal/models"
)

// ReconcileState is the state of one reconciliation loop instance.
// success, failed and timed_out are terminal.
type ReconcileState string

const (
	StateInitiated ReconcileState = "initiated"
	StatePolling   ReconcileState = "polling"
	StateSuccess   ReconcileState = "success"
	StateFailed    ReconcileState = "failed"
	// StateTimedOut means the interactive wait ran out while the record was
	// still pending. Deliberately distinct from failed: money may have moved
	// even though confirmation never arrived, so the user messaging is
	// "contact support if you were charged", never "payment declined".
	StateTimedOut ReconcileState = "timed_out"
)

func (s ReconcileState) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimedOut
}

// ReconcilePolicy are the product-tuned knobs of the loop. The numbers are
// policy, not behavior: they come from configuration.
type ReconcilePolicy struct {
	// PollInterval is the pause between store reads.
	PollInterval time.Duration
	// FallbackAfter is how many pending polls we tolerate before asking the
	// gateway directly.
	FallbackAfter int
	// MaxAttempts is the hard cap on polls; past it the loop gives up with
	// timed_out. The payment itself is not canceled, a webhook arriving
	// later still resolves the record.
	MaxAttempts int
}

func DefaultReconcilePolicy() ReconcilePolicy {
	return ReconcilePolicy{
		PollInterval:  5 * time.Second,
		FallbackAfter: 3,
		MaxAttempts:   12,
	}
}

func (p ReconcilePolicy) withDefaults() ReconcilePolicy {
	def := DefaultReconcilePolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.FallbackAfter <= 0 {
		p.FallbackAfter = def.FallbackAfter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// ReconciliationAttempt is the ephemeral per-loop state. One per reference,
// never shared; everything shared goes through the record store.
type ReconciliationAttempt struct {
	Reference  string
	Count      int
	StartedAt  time.Time
	LastStatus models.PaymentStatus
}

// ReconcileOutcome is what a finished loop reports back.
type ReconcileOutcome struct {
	State         ReconcileState
	Reference     string
	OrderCode     string
	TransactionID string
	Attempts      int
}

// OrderFinalizer marks the order paid and triggers fulfillment. Invoked by
// whichever writer applied the terminal success write, so at most once per
// reference.
type OrderFinalizer interface {
	FinalizeOrder(ctx context.Context, orderCode, reference, transactionID string) error
}

// Reconciler resolves one payment reference to a terminal state by polling
// the record store and, once the record has been pending for too long,
// falling back to a direct gateway verification whose result is written back
// through the store's conditional update. The loop never overwrites a
// terminal value: if a webhook resolved the record first, the webhook's
// value wins and the loop simply reports it.
type Reconciler struct {
	Store    RecordStore
	Gateway  Gateway
	Policy   ReconcilePolicy
	Logger   *zap.Logger
	Notifier Notifier          // optional: cross-context short circuit
	Finalize OrderFinalizer    // optional: invoked on self-healed success
	Limiter  VerifyLimiter     // optional: guards the verify endpoint
	Metrics  *ReconcileMetrics // optional
}

// Run drives the loop for one reference until a terminal state or ctx
// cancellation. Cancelling is always safe: the record simply stays pending
// and a later Run against the same reference resumes where things stand.
func (r *Reconciler) Run(ctx context.Context, reference string) (*ReconcileOutcome, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("reference", reference))
	policy := r.Policy.withDefaults()

	attempt := &ReconciliationAttempt{
		Reference: reference,
		StartedAt: time.Now(),
	}

	var msgs <-chan StatusMessage
	cancelSub := func() {}
	if r.Notifier != nil {
		msgs, cancelSub = r.Notifier.Subscribe(ctx, reference)
	}
	defer cancelSub()

	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	logger.Info("reconciliation started",
		zap.Duration("poll_interval", policy.PollInterval),
		zap.Int("fallback_after", policy.FallbackAfter),
		zap.Int("max_attempts", policy.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciliation canceled", zap.Int("attempts", attempt.Count))
			return nil, ctx.Err()

		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if msg.Reference != reference || !msg.Status.Terminal() {
				continue
			}
			// Equivalent evidence to our own poll: confirm against the store
			// so we also pick up the transaction id the winner recorded.
			outcome := r.readTerminal(ctx, attempt, logger)
			if outcome != nil {
				return r.finish(outcome, logger), nil
			}

		case <-ticker.C:
			outcome, err := r.tick(ctx, attempt, policy, logger)
			if err != nil {
				// Store trouble is transient here: log, keep the attempt
				// budget untouched, try again next tick.
				logger.Warn("reconcile tick failed", zap.Error(err))
				continue
			}
			if outcome != nil {
				return r.finish(outcome, logger), nil
			}
		}
	}
}

// tick performs at most one store read and, past the fallback threshold, at
// most one gateway verification. A nil outcome means keep polling.
func (r *Reconciler) tick(ctx context.Context, attempt *ReconciliationAttempt, policy ReconcilePolicy, logger *zap.Logger) (*ReconcileOutcome, error) {
	record, err := r.Store.FindByReference(ctx, attempt.Reference)
	if err != nil {
		return nil, err
	}
	attempt.LastStatus = record.Status

	if record.Status.Terminal() {
		return outcomeFromRecord(record, attempt), nil
	}

	attempt.Count++

	if attempt.Count >= policy.FallbackAfter {
		if outcome := r.fallbackVerify(ctx, attempt, record, logger); outcome != nil {
			return outcome, nil
		}
	}

	if attempt.Count >= policy.MaxAttempts {
		logger.Warn("reconciliation attempt budget exhausted, record left pending",
			zap.Int("attempts", attempt.Count),
		)
		return &ReconcileOutcome{
			State:     StateTimedOut,
			Reference: attempt.Reference,
			OrderCode: record.OrderCode,
			Attempts:  attempt.Count,
		}, nil
	}

	return nil, nil
}

// fallbackVerify asks the gateway directly and self-heals the record when the
// answer is terminal. Inconclusive answers (network failure, gateway still
// pending) leave the loop polling.
func (r *Reconciler) fallbackVerify(ctx context.Context, attempt *ReconciliationAttempt, record *models.PaymentRecord, logger *zap.Logger) *ReconcileOutcome {
	if r.Limiter != nil && !r.Limiter.Allow(ctx, attempt.Reference) {
		logger.Debug("direct verification rate limited")
		return nil
	}

	r.Metrics.CountFallbackVerify()
	result, err := r.Gateway.Verify(ctx, attempt.Reference)
	if err != nil {
		r.Metrics.CountInconclusiveVerify()
		logger.Warn("direct verification inconclusive", zap.Error(err))
		return nil
	}
	if !result.Status.Terminal() {
		r.Metrics.CountInconclusiveVerify()
		logger.Info("gateway still reports pending", zap.Int("attempts", attempt.Count))
		return nil
	}

	written, err := r.Store.WriteIfPending(ctx, attempt.Reference, result.Status, result.TransactionID, result.Raw)
	if err != nil {
		logger.Error("self-heal write failed", zap.Error(err))
		return nil
	}

	switch written {
	case WriteApplied:
		logger.Info("record self-healed from direct verification",
			zap.String("status", string(result.Status)),
			zap.String("transaction_id", result.TransactionID),
		)
		if result.Status == models.PaymentStatusSuccess && r.Finalize != nil {
			if err := r.Finalize.FinalizeOrder(ctx, record.OrderCode, attempt.Reference, result.TransactionID); err != nil {
				logger.Error("order finalization failed", zap.Error(err))
			}
		}
		if r.Notifier != nil {
			if err := r.Notifier.Publish(ctx, NewStatusMessage(attempt.Reference, result.Status)); err != nil {
				logger.Warn("status publish failed", zap.Error(err))
			}
		}
		return &ReconcileOutcome{
			State:         stateForStatus(result.Status),
			Reference:     attempt.Reference,
			OrderCode:     record.OrderCode,
			TransactionID: result.TransactionID,
			Attempts:      attempt.Count,
		}

	case WriteAlreadyResolved:
		// The webhook won the race while our verification was in flight.
		// Its stored value is the truth.
		r.Metrics.CountWebhookRace()
		logger.Info("lost self-heal race to webhook write")
		return r.readTerminal(ctx, attempt, logger)

	default: // WriteNotFound
		logger.Error("self-heal write found no record")
		return nil
	}
}

// readTerminal reads the store and returns an outcome only if the record is
// already terminal.
func (r *Reconciler) readTerminal(ctx context.Context, attempt *ReconciliationAttempt, logger *zap.Logger) *ReconcileOutcome {
	record, err := r.Store.FindByReference(ctx, attempt.Reference)
	if err != nil {
		logger.Warn("store read failed", zap.Error(err))
		return nil
	}
	attempt.LastStatus = record.Status
	if !record.Status.Terminal() {
		return nil
	}
	return outcomeFromRecord(record, attempt)
}

func (r *Reconciler) finish(outcome *ReconcileOutcome, logger *zap.Logger) *ReconcileOutcome {
	r.Metrics.CountOutcome(outcome.State)
	logger.Info("reconciliation finished",
		zap.String("state", string(outcome.State)),
		zap.Int("attempts", outcome.Attempts),
		zap.String("transaction_id", outcome.TransactionID),
	)
	return outcome
}

func outcomeFromRecord(record *models.PaymentRecord, attempt *ReconciliationAttempt) *ReconcileOutcome {
	return &ReconcileOutcome{
		State:         stateForStatus(record.Status),
		Reference:     record.Reference,
		OrderCode:     record.OrderCode,
		TransactionID: record.GatewayTransactionID,
		Attempts:      attempt.Count,
	}
}

func stateForStatus(status models.PaymentStatus) ReconcileState {
	switch status {
	case models.PaymentStatusSuccess:
		return StateSuccess
	case models.PaymentStatusFailed:
		return StateFailed
	default:
		return StatePolling
	}
}

// ReconcileTracker keeps at most one live loop per reference in this process
// and lets callers cancel a loop when the customer abandons the checkout UI.
type ReconcileTracker struct {
	Reconciler *Reconciler
	Logger     *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Start launches a reconciliation loop for the reference unless one is
// already running. Loops run detached from the request that started them.
func (t *ReconcileTracker) Start(reference string) bool {
	t.mu.Lock()
	if t.active == nil {
		t.active = make(map[string]context.CancelFunc)
	}
	if _, running := t.active[reference]; running {
		t.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.active[reference] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.active, reference)
			t.mu.Unlock()
			cancel()
		}()
		if _, err := t.Reconciler.Run(ctx, reference); err != nil && t.Logger != nil {
			t.Logger.Info("reconciliation loop stopped",
				zap.String("reference", reference),
				zap.Error(err),
			)
		}
	}()
	return true
}

// Cancel stops the loop for a reference if one is running. The payment
// record is untouched; it stays pending until a webhook or a later loop
// resolves it.
func (t *ReconcileTracker) Cancel(reference string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cancel, ok := t.active[reference]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a loop is currently active for the reference.
func (t *ReconcileTracker) Running(reference string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[reference]
	return ok
}
