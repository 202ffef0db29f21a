package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashbridge/internal/domain"
	"cashbridge/internal/receipt"
	"cashbridge/internal/storage/memory"
)

const (
	btcAddr    = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	receiptURL = "https://cash.app/payments/abc/receipt"
	txID       = "TX-0001"
	userID     = "user-1"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeInspector struct {
	identifier string
	err        error
	calls      atomic.Int32
	hook       func()
}

func (f *fakeInspector) Inspect(_ context.Context, u string) (*domain.ReceiptResult, error) {
	f.calls.Add(1)
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ReceiptResult{Identifier: f.identifier, URL: u}, nil
}

type fakeScanner struct {
	emails []domain.CandidateEmail
	err    error
	panic  bool

	mu            sync.Mutex
	gotIdentifier string
	gotWindow     int
}

func (f *fakeScanner) FindPaymentEmails(_ context.Context, identifier string, _ decimal.Decimal, _ string, windowMinutes int) ([]domain.CandidateEmail, error) {
	if f.panic {
		panic("imap client exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotIdentifier = identifier
	f.gotWindow = windowMinutes
	return f.emails, f.err
}

type fakeDispatcher struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	balanceErr error
	sendErr    error
	sends      atomic.Int32
	lastAmount decimal.Decimal
}

func (f *fakeDispatcher) Send(_ context.Context, _, _ string, amount decimal.Decimal) (*domain.Dispatch, error) {
	f.sends.Add(1)
	f.mu.Lock()
	f.lastAmount = amount
	f.mu.Unlock()
	if f.sendErr != nil {
		return nil, domain.ErrSettlementFailed.Wrap(f.sendErr)
	}
	return &domain.Dispatch{Reference: "txhash-1", Status: "signed"}, nil
}

func (f *fakeDispatcher) AvailableBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

type recorder struct {
	mu      sync.Mutex
	changes []domain.StatusChange
}

func (r *recorder) NotifyStatus(c domain.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) statuses() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Status, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Status)
	}
	return out
}

type fixture struct {
	orch       *Orchestrator
	txs        *memory.TransactionStore
	events     *memory.VerificationEventStore
	inspector  *fakeInspector
	scanner    *fakeScanner
	dispatcher *fakeDispatcher
	notes      *recorder
}

func email(identifier, amount string, age time.Duration) domain.CandidateEmail {
	return domain.CandidateEmail{
		MessageID:          "m-" + identifier,
		Subject:            "Jane Payer sent you $" + amount,
		Amount:             decimal.RequireFromString(amount),
		SenderName:         "Jane Payer",
		CounterpartyHandle: "$janepayer",
		Identifier:         identifier,
		Timestamp:          now.Add(-age),
		Verified:           identifier == "#AB12CD3",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		txs:        memory.NewTransactionStore(),
		events:     memory.NewVerificationEventStore(),
		inspector:  &fakeInspector{identifier: "#AB12CD3"},
		scanner:    &fakeScanner{emails: []domain.CandidateEmail{email("#AB12CD3", "100.00", 5*time.Minute)}},
		dispatcher: &fakeDispatcher{balance: decimal.NewFromInt(1)},
		notes:      &recorder{},
	}
	f.orch = f.newOrchestrator()

	require.NoError(t, f.txs.Insert(context.Background(), &domain.ExchangeTransaction{
		TransactionID: txID,
		UserID:        userID,
		AmountUSD:     decimal.NewFromInt(100),
		ExchangeRate:  decimal.NewFromInt(7800),
		FeePercentage: decimal.NewFromInt(22),
		FeeAmount:     decimal.NewFromInt(22),
		NetAmountUSD:  decimal.NewFromInt(78),
		AmountCrypto:  decimal.RequireFromString("0.01"),
		Currency:      domain.BTC,
		WalletAddress: btcAddr,
		Status:        domain.StatusPending,
		CreatedAt:     now.Add(-10 * time.Minute),
		UpdatedAt:     now.Add(-10 * time.Minute),
	}))
	return f
}

func (f *fixture) newOrchestrator() *Orchestrator {
	return New(Options{
		Transactions: f.txs,
		Events:       f.events,
		Inspector:    f.inspector,
		Scanner:      f.scanner,
		Dispatcher:   f.dispatcher,
		Notifier:     f.notes,
		Clock:        func() time.Time { return now },
	})
}

func (f *fixture) request() domain.VerificationRequest {
	return domain.VerificationRequest{
		TransactionID:      txID,
		ReceiptURL:         receiptURL,
		ClaimedAmount:      decimal.NewFromInt(100),
		CounterpartyHandle: "$janepayer",
	}
}

func (f *fixture) row(t *testing.T) *domain.ExchangeTransaction {
	t.Helper()
	tx, err := f.txs.GetByID(context.Background(), txID)
	require.NoError(t, err)
	return tx
}

func (f *fixture) total(t *testing.T) decimal.Decimal {
	t.Helper()
	stats, err := f.txs.GetUserStats(context.Background(), userID)
	require.NoError(t, err)
	return stats.TotalExchanged
}

func TestVerifyAndSettle_Completes(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "txhash-1", res.SettlementRef)

	row := f.row(t)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	assert.Equal(t, "txhash-1", row.SettlementRef)
	assert.Equal(t, "#AB12CD3", row.ReceiptIdentifier)
	assert.Equal(t, domain.MethodDualChannel, row.VerificationMethod)
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))

	assert.Equal(t, "#AB12CD3", f.scanner.gotIdentifier)
	assert.Equal(t, DefaultWindowMinutes, f.scanner.gotWindow)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.True(t, f.dispatcher.lastAmount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, []domain.Status{domain.StatusVerified, domain.StatusCompleted}, f.notes.statuses())

	events, err := f.events.GetByTransactionID(context.Background(), txID)
	require.NoError(t, err)
	require.Len(t, events, 8)
	var crossDetail string
	for _, e := range events {
		assert.Equal(t, domain.OutcomeOK, e.Outcome, e.Step)
		if e.Step == domain.StepCrossVerification {
			crossDetail = e.Detail
		}
	}
	assert.Contains(t, crossDetail, "receipt=#AB12CD3 mailbox=#AB12CD3")
	assert.Contains(t, crossDetail, "claimed=100.00 emailed=100.00")
	assert.Contains(t, crossDetail, "from=$janepayer")
}

func TestVerifyAndSettle_StepFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		wantStep domain.Step
		wantErr  error
	}{
		{
			name:     "receipt unreadable",
			setup:    func(f *fixture) { f.inspector.err = domain.ErrReceiptVerificationFailed.Wrap(errors.New("navigation timeout")) },
			wantStep: domain.StepWebVerification,
			wantErr:  domain.ErrReceiptVerificationFailed,
		},
		{
			name:     "unclassified inspector error",
			setup:    func(f *fixture) { f.inspector.err = errors.New("chrome crashed") },
			wantStep: domain.StepWebVerification,
			wantErr:  domain.ErrReceiptVerificationFailed,
		},
		{
			name:     "mailbox down",
			setup:    func(f *fixture) { f.scanner.err = domain.ErrMailboxUnavailable.Wrap(errors.New("dial tcp: refused")) },
			wantStep: domain.StepEmailVerification,
			wantErr:  domain.ErrMailboxUnavailable,
		},
		{
			name:     "no email",
			setup:    func(f *fixture) { f.scanner.emails = nil },
			wantStep: domain.StepEmailVerification,
			wantErr:  domain.ErrNoPaymentEmail,
		},
		{
			name: "identifier mismatch",
			setup: func(f *fixture) {
				f.scanner.emails = []domain.CandidateEmail{email("#ZZ99ZZ9", "100.00", 5*time.Minute)}
			},
			wantStep: domain.StepCrossVerification,
			wantErr:  domain.ErrPaymentMismatch,
		},
		{
			name: "amount off by a cent",
			setup: func(f *fixture) {
				f.scanner.emails = []domain.CandidateEmail{email("#AB12CD3", "99.99", 5*time.Minute)}
			},
			wantStep: domain.StepCrossVerification,
			wantErr:  domain.ErrPaymentMismatch,
		},
		{
			name: "email 40 minutes old",
			setup: func(f *fixture) {
				f.scanner.emails = []domain.CandidateEmail{email("#AB12CD3", "100.00", 40*time.Minute)}
			},
			wantStep: domain.StepTimeVerification,
			wantErr:  domain.ErrPaymentTooOld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, res.Success)
			assert.False(t, res.Retryable)
			assert.Equal(t, tt.wantStep, res.Step)
			assert.Equal(t, domain.StatusFailed, res.Status)

			row := f.row(t)
			assert.Equal(t, domain.StatusFailed, row.Status)
			assert.Equal(t, tt.wantStep, row.FailureStep)
			assert.NotEmpty(t, row.ErrorDetail)

			assert.Equal(t, int32(0), f.dispatcher.sends.Load())
			assert.True(t, f.total(t).IsZero())
			assert.Equal(t, []domain.Status{domain.StatusFailed}, f.notes.statuses())
		})
	}
}

func TestVerifyAndSettle_AmountWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.scanner.emails = []domain.CandidateEmail{
		email("#ZZ99ZZ9", "100.00", time.Minute),
		email("#AB12CD3", "100.005", 29*time.Minute),
	}

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestVerifyAndSettle_InsufficientFundsStaysVerified(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.balance = decimal.RequireFromString("0.0001")

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
	assert.Equal(t, domain.StepBalanceCheck, res.Step)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.StatusVerified, res.Status)

	assert.Equal(t, domain.StatusVerified, f.row(t).Status)
	assert.Equal(t, int32(0), f.dispatcher.sends.Load())
	assert.True(t, f.total(t).IsZero())

	// Verification cannot be re-run on a verified row.
	_, err = f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrTransactionNotPending)

	// Once funded the caller retries settlement.
	f.dispatcher.mu.Lock()
	f.dispatcher.balance = decimal.NewFromInt(2)
	f.dispatcher.mu.Unlock()

	res, err = f.orch.RetrySettlement(context.Background(), txID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "txhash-1", res.SettlementRef)
	assert.Equal(t, domain.StatusCompleted, f.row(t).Status)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))
}

func TestVerifyAndSettle_BalanceUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.balanceErr = domain.ErrCustodyUnavailable.Wrap(errors.New("503"))

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrCustodyUnavailable)
	assert.Equal(t, domain.StepBalanceCheck, res.Step)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.StatusVerified, f.row(t).Status)

	// The claim was released.
	require.NoError(t, f.txs.ClaimSettlement(context.Background(), txID))
}

func TestVerifyAndSettle_DispatchFailureFinalizes(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.sendErr = errors.New("custody rejected: invalid address")

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSettlementFailed)
	assert.Equal(t, domain.StepSettlement, res.Step)
	assert.False(t, res.Retryable)
	assert.Equal(t, domain.StatusFailed, res.Status)

	row := f.row(t)
	assert.Equal(t, domain.StatusFailed, row.Status)
	assert.Equal(t, domain.StepSettlement, row.FailureStep)
	assert.Contains(t, row.ErrorDetail, "custody rejected: invalid address")
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.True(t, f.total(t).IsZero())

	_, err = f.orch.RetrySettlement(context.Background(), txID)
	assert.ErrorIs(t, err, domain.ErrTransactionAlreadyFinalized)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
}

func TestVerifyAndSettle_LookupRejections(t *testing.T) {
	f := newFixture(t)

	req := f.request()
	req.TransactionID = "TX-missing"
	res, err := f.orch.VerifyAndSettle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrTransactionNotPending)
	assert.Equal(t, domain.StepTransactionLookup, res.Step)
	assert.Equal(t, int32(0), f.inspector.calls.Load())

	require.NoError(t, f.txs.AdminConfirm(context.Background(), txID, now))
	res, err = f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrTransactionAlreadyFinalized)
	assert.Equal(t, domain.KindStateConflict, domain.KindOf(err))
	assert.Equal(t, domain.StepTransactionLookup, res.Step)
	assert.Equal(t, int32(0), f.inspector.calls.Load())
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))
}

func TestVerifyAndSettle_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := f.request()
	req.ClaimedAmount = decimal.Zero
	_, err := f.orch.VerifyAndSettle(context.Background(), req)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	req = f.request()
	req.ReceiptURL = ""
	_, err = f.orch.VerifyAndSettle(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrMissingField)

	assert.Equal(t, domain.StatusPending, f.row(t).Status)
}

func TestVerifyAndSettle_SecondCallAfterCompletion(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.NoError(t, err)

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrTransactionAlreadyFinalized)
	assert.False(t, res.Success)

	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))
}

func TestVerifyAndSettle_ConcurrentDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.inspector.hook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.VerifyAndSettle(context.Background(), f.request())
		done <- err
	}()

	<-entered
	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrVerificationInProgress)
	assert.False(t, res.Success)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.Equal(t, int32(1), f.inspector.calls.Load())
}

func TestVerifyAndSettle_ConditionalUpdateGate(t *testing.T) {
	f := newFixture(t)

	// Two instances sharing the ledger; both pass the lookup before either transitions.
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.inspector.hook = func() {
		arrived.Done()
		arrived.Wait()
	}
	a := f.newOrchestrator()
	b := f.newOrchestrator()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range []*Orchestrator{a, b} {
		wg.Add(1)
		go func(i int, o *Orchestrator) {
			defer wg.Done()
			_, errs[i] = o.VerifyAndSettle(context.Background(), f.request())
		}(i, o)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.KindOf(err) == domain.KindStateConflict:
			conflicted++
			assert.Equal(t, domain.StepStateTransition, domain.StepOf(err))
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
	assert.Equal(t, domain.StatusCompleted, f.row(t).Status)
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))
}

func TestVerifyAndSettle_PanicIsSystemError(t *testing.T) {
	f := newFixture(t)
	f.scanner.panic = true

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	require.Error(t, err)
	assert.Equal(t, domain.KindSystem, domain.KindOf(err))
	assert.Equal(t, domain.StepUnexpected, res.Step)
	assert.False(t, res.Success)

	// The guard was released.
	f.scanner.panic = false
	_, err = f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.NoError(t, err)
}

func TestVerifyAndSettle_DetachedAfterLookup(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.inspector.hook = cancel

	res, err := f.orch.VerifyAndSettle(ctx, f.request())
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestRetrySettlement_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RetrySettlement(context.Background(), txID)
	assert.ErrorIs(t, err, domain.ErrTransactionNotVerified)

	_, err = f.orch.RetrySettlement(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = f.orch.RetrySettlement(context.Background(), "TX-missing")
	assert.ErrorIs(t, err, domain.ErrTransactionNotPending)

	// A verified row whose claim is held elsewhere.
	require.NoError(t, f.txs.MarkVerified(context.Background(), txID, "#AB12CD3", domain.MethodDualChannel, now))
	_, err = f.orch.RetrySettlement(context.Background(), txID)
	assert.ErrorIs(t, err, domain.ErrVerificationInProgress)
	assert.Equal(t, int32(0), f.dispatcher.sends.Load())
}

type pageRenderer struct {
	text    string
	renders atomic.Int32
}

func (p *pageRenderer) Render(context.Context, string) (string, error) {
	p.renders.Add(1)
	return p.text, nil
}

func TestVerifyAndSettle_ReceiptHostNotAllowedStaysPending(t *testing.T) {
	f := newFixture(t)
	pages := &pageRenderer{text: "Payment to $shop  #AB12CD3  $100.00"}
	orch := New(Options{
		Transactions: f.txs,
		Events:       f.events,
		Inspector:    receipt.NewInspector(pages),
		Scanner:      f.scanner,
		Dispatcher:   f.dispatcher,
		Notifier:     f.notes,
		Clock:        func() time.Time { return now },
	})

	req := f.request()
	req.ReceiptURL = "https://evil.example.com/receipt"
	res, err := orch.VerifyAndSettle(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidReceiptURL)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.Equal(t, domain.StepWebVerification, res.Step)
	assert.Equal(t, int32(0), pages.renders.Load())
	assert.Equal(t, domain.StatusPending, f.row(t).Status)
	assert.Empty(t, f.notes.statuses())

	res, err = orch.VerifyAndSettle(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StatusCompleted, f.row(t).Status)
	assert.Equal(t, int32(1), f.dispatcher.sends.Load())
}

func TestVerifyAndSettle_InspectorInputErrorStaysPending(t *testing.T) {
	f := newFixture(t)
	f.inspector.err = domain.ErrInvalidReceiptURL.Wrapf("host %q not allowed", "evil.example.com")

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrInvalidReceiptURL)
	assert.Equal(t, domain.StepWebVerification, res.Step)
	assert.Equal(t, domain.StatusPending, res.Status)

	row := f.row(t)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Empty(t, row.ErrorDetail)
	assert.Empty(t, f.notes.statuses())

	f.inspector.err = nil
	res, err = f.orch.VerifyAndSettle(context.Background(), f.request())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestVerifyAndSettle_ReceiptWithoutIdentifier(t *testing.T) {
	f := newFixture(t)
	f.inspector.identifier = ""

	res, err := f.orch.VerifyAndSettle(context.Background(), f.request())
	assert.ErrorIs(t, err, domain.ErrReceiptVerificationFailed)
	assert.ErrorIs(t, err, domain.ErrIdentifierNotFound)
	assert.Equal(t, domain.KindExternalService, domain.KindOf(err))
	assert.Equal(t, "receipt verification failed", res.Reason)
	assert.Equal(t, domain.StepWebVerification, res.Step)
	assert.Equal(t, domain.StatusFailed, f.row(t).Status)
}

// confirmingStore lets an admin confirmation land just before the pipeline's
// pending -> verified transition.
type confirmingStore struct {
	*memory.TransactionStore
}

func (s *confirmingStore) MarkVerified(ctx context.Context, id, identifier string, method domain.VerificationMethod, at time.Time) error {
	if err := s.TransactionStore.AdminConfirm(ctx, id, at); err != nil {
		return err
	}
	return s.TransactionStore.MarkVerified(ctx, id, identifier, method, at)
}

func TestVerifyAndSettle_AdminConfirmBeforeVerifyNeverDispatches(t *testing.T) {
	f := newFixture(t)
	orch := New(Options{
		Transactions: &confirmingStore{TransactionStore: f.txs},
		Events:       f.events,
		Inspector:    f.inspector,
		Scanner:      f.scanner,
		Dispatcher:   f.dispatcher,
		Notifier:     f.notes,
		Clock:        func() time.Time { return now },
	})

	res, err := orch.VerifyAndSettle(context.Background(), f.request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransactionAlreadyFinalized)
	assert.Equal(t, domain.StepStateTransition, res.Step)
	assert.False(t, res.Success)

	assert.Equal(t, int32(0), f.dispatcher.sends.Load())
	row := f.row(t)
	assert.Equal(t, domain.StatusCompleted, row.Status)
	assert.Equal(t, domain.MethodAdmin, row.VerificationMethod)
	assert.Empty(t, row.SettlementRef)
	assert.True(t, f.total(t).Equal(decimal.NewFromInt(100)))
	assert.Empty(t, f.notes.statuses())
}
