// Package orchestrator runs the verify-and-settle pipeline.
// It coordinates: lookup → receipt → mailbox → cross-check → time check →
// verified → balance → dispatch → completed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
	"cashbridge/internal/storage"
)

// Pipeline defaults.
const (
	DefaultInspectTimeout = 45 * time.Second
	DefaultScanTimeout    = 60 * time.Second
	DefaultWindowMinutes  = 120
	DefaultMaxEmailAge    = 30 * time.Minute
)

// DefaultAmountTolerance is the largest accepted gap between claimed and emailed amounts (exclusive).
var DefaultAmountTolerance = decimal.RequireFromString("0.01")

// Inspector extracts the receipt identifier from a receipt page.
type Inspector interface {
	Inspect(ctx context.Context, receiptURL string) (*domain.ReceiptResult, error)
}

// URLValidator is implemented by inspectors that can reject a receipt URL
// without loading it.
type URLValidator interface {
	ValidateURL(raw string) (*url.URL, error)
}

// Scanner searches the mailbox for payment notifications.
type Scanner interface {
	FindPaymentEmails(ctx context.Context, identifier string, amount decimal.Decimal, handle string, windowMinutes int) ([]domain.CandidateEmail, error)
}

// Dispatcher pays out through the custody service.
type Dispatcher interface {
	Send(ctx context.Context, currency, address string, amount decimal.Decimal) (*domain.Dispatch, error)
	AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Notifier receives status changes.
type Notifier interface {
	NotifyStatus(change domain.StatusChange)
}

// Orchestrator drives a transaction from pending to a terminal state.
type Orchestrator struct {
	txs        storage.TransactionStore
	events     storage.VerificationEventStore
	inspector  Inspector
	scanner    Scanner
	dispatcher Dispatcher
	notifier   Notifier

	inspectTimeout  time.Duration
	scanTimeout     time.Duration
	windowMinutes   int
	maxEmailAge     time.Duration
	amountTolerance decimal.Decimal

	now    func() time.Time
	logger *zap.Logger

	inflight inflight
}

// Options for creating Orchestrator.
type Options struct {
	// Required collaborators
	Transactions storage.TransactionStore
	Inspector    Inspector
	Scanner      Scanner
	Dispatcher   Dispatcher

	// Optional
	Events   storage.VerificationEventStore
	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time

	// Zero values use the package defaults
	InspectTimeout  time.Duration
	ScanTimeout     time.Duration
	WindowMinutes   int
	MaxEmailAge     time.Duration
	AmountTolerance decimal.Decimal
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		txs:             opts.Transactions,
		events:          opts.Events,
		inspector:       opts.Inspector,
		scanner:         opts.Scanner,
		dispatcher:      opts.Dispatcher,
		notifier:        opts.Notifier,
		inspectTimeout:  opts.InspectTimeout,
		scanTimeout:     opts.ScanTimeout,
		windowMinutes:   opts.WindowMinutes,
		maxEmailAge:     opts.MaxEmailAge,
		amountTolerance: opts.AmountTolerance,
		now:             opts.Clock,
		logger:          logging.OrNop(opts.Logger).Named("orchestrator"),
		inflight:        inflight{ids: make(map[string]struct{})},
	}
	if o.inspectTimeout <= 0 {
		o.inspectTimeout = DefaultInspectTimeout
	}
	if o.scanTimeout <= 0 {
		o.scanTimeout = DefaultScanTimeout
	}
	if o.windowMinutes <= 0 {
		o.windowMinutes = DefaultWindowMinutes
	}
	if o.maxEmailAge <= 0 {
		o.maxEmailAge = DefaultMaxEmailAge
	}
	if !o.amountTolerance.IsPositive() {
		o.amountTolerance = DefaultAmountTolerance
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// VerifyAndSettle cross-checks the receipt and the mailbox for req and, when
// both agree, pays out and completes the transaction.
//
// The returned result is never nil. A non-nil error carries the failing step
// and kind; result.Retryable is set when the row stayed verified.
func (o *Orchestrator) VerifyAndSettle(ctx context.Context, req domain.VerificationRequest) (res *domain.SettlementResult, err error) {
	res = &domain.SettlementResult{TransactionID: req.TransactionID}
	if err := o.validateRequest(req); err != nil {
		return fail(res, err), err
	}

	if !o.inflight.acquire(req.TransactionID) {
		err := domain.ErrVerificationInProgress.At(domain.StepTransactionLookup)
		return fail(res, err), err
	}
	defer o.inflight.release(req.TransactionID)

	r := o.newRun(req.TransactionID)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("pipeline panic",
				zap.String("transaction_id", req.TransactionID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = domain.ErrSystem.Wrapf("panic: %v", p).At(domain.StepUnexpected)
			res = fail(res, err)
		}
		r.finish(res)
	}()

	// Step 1: load and require pending
	start := o.now()
	tx, err := o.load(ctx, req.TransactionID, domain.StatusPending)
	r.record(domain.StepTransactionLookup, start, err)
	if err != nil {
		return fail(res, err), err
	}
	res.Status = tx.Status

	// No mid-pipeline cancellation once the row is found.
	ctx = context.WithoutCancel(ctx)

	// Step 2: receipt identifier
	start = o.now()
	receipt, err := o.inspect(ctx, req.ReceiptURL)
	r.record(domain.StepWebVerification, start, err)
	if err != nil {
		return o.failPending(ctx, res, tx, err)
	}

	// Step 3: mailbox
	start = o.now()
	emails, err := o.scan(ctx, receipt.Identifier, req)
	r.record(domain.StepEmailVerification, start, err)
	if err != nil {
		return o.failPending(ctx, res, tx, err)
	}

	// Step 4: cross-check
	start = o.now()
	attempt, err := o.crossVerify(receipt.Identifier, req, emails)
	r.record(domain.StepCrossVerification, start, err)
	if err != nil {
		return o.failPending(ctx, res, tx, err)
	}
	r.annotate(describeAttempt(attempt))

	// Step 5: freshness
	start = o.now()
	err = o.checkTime(attempt)
	r.record(domain.StepTimeVerification, start, err)
	if err != nil {
		return o.failPending(ctx, res, tx, err)
	}

	// Step 6: pending -> verified; this is the only gate to dispatch
	start = o.now()
	err = o.markVerified(ctx, tx.TransactionID, receipt.Identifier)
	r.record(domain.StepStateTransition, start, err)
	if err != nil {
		return fail(res, err), err
	}
	tx.Status = domain.StatusVerified
	res.Status = domain.StatusVerified
	o.notify(tx, domain.StatusVerified, "", "", "")

	o.logger.Info("payment verified",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("receipt_identifier", attempt.ReceiptIdentifier),
		zap.String("mailbox_identifier", attempt.MailboxIdentifier),
		zap.String("claimed_amount", attempt.ClaimedAmount.StringFixed(2)),
		zap.String("email_amount", attempt.EmailAmount.StringFixed(2)),
		zap.String("counterparty", attempt.CounterpartyHandle),
		zap.Time("email_timestamp", attempt.EmailTimestamp),
	)

	// Steps 7-9
	return o.settle(ctx, r, res, tx)
}

// RetrySettlement resumes a verified transaction at the balance check.
// It is the caller-driven retry after an insufficient-funds result.
func (o *Orchestrator) RetrySettlement(ctx context.Context, transactionID string) (res *domain.SettlementResult, err error) {
	res = &domain.SettlementResult{TransactionID: transactionID}
	if transactionID == "" {
		err := domain.ErrMissingField.Wrapf("transaction_id is required")
		return fail(res, err), err
	}

	if !o.inflight.acquire(transactionID) {
		err := domain.ErrVerificationInProgress.At(domain.StepTransactionLookup)
		return fail(res, err), err
	}
	defer o.inflight.release(transactionID)

	r := o.newRun(transactionID)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("settlement retry panic",
				zap.String("transaction_id", transactionID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = domain.ErrSystem.Wrapf("panic: %v", p).At(domain.StepUnexpected)
			res = fail(res, err)
		}
		r.finish(res)
	}()

	start := o.now()
	tx, err := o.load(ctx, transactionID, domain.StatusVerified)
	r.record(domain.StepTransactionLookup, start, err)
	if err != nil {
		return fail(res, err), err
	}
	res.Status = tx.Status

	start = o.now()
	err = o.txs.ClaimSettlement(ctx, transactionID)
	if err != nil {
		err = o.claimError(ctx, transactionID, err)
	}
	r.record(domain.StepStateTransition, start, err)
	if err != nil {
		return fail(res, err), err
	}

	return o.settle(context.WithoutCancel(ctx), r, res, tx)
}

// settle runs steps 7-9 on a verified row whose settlement claim is held.
func (o *Orchestrator) settle(ctx context.Context, r *run, res *domain.SettlementResult, tx *domain.ExchangeTransaction) (*domain.SettlementResult, error) {
	currency := string(tx.Currency)

	// Step 7: balance
	start := o.now()
	err := o.checkBalance(ctx, currency, tx.AmountCrypto)
	r.record(domain.StepBalanceCheck, start, err)
	if err != nil {
		if relErr := o.txs.ReleaseSettlement(ctx, tx.TransactionID); relErr != nil {
			o.logger.Warn("release settlement claim failed",
				zap.String("transaction_id", tx.TransactionID),
				zap.Error(relErr),
			)
		}
		o.logger.Warn("settlement deferred",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("currency", currency),
			zap.Error(err),
		)
		res = fail(res, err)
		res.Retryable = true
		return res, err
	}

	// Step 8: dispatch
	start = o.now()
	dispatch, err := o.dispatcher.Send(ctx, currency, tx.WalletAddress, tx.AmountCrypto)
	if err == nil && (dispatch == nil || dispatch.Reference == "") {
		err = domain.ErrSettlementFailed.Wrapf("custody returned no reference")
	}
	if err != nil {
		err = asStepError(err, domain.ErrSettlementFailed, domain.StepSettlement)
	}
	r.record(domain.StepSettlement, start, err)
	if err != nil {
		o.logger.Error("settlement dispatch failed",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("currency", currency),
			zap.Error(err),
		)
		if markErr := o.txs.MarkFailed(ctx, tx.TransactionID, domain.StatusVerified, domain.StepSettlement, err.Error(), o.now().UTC()); markErr != nil {
			o.logger.Error("mark failed after dispatch error",
				zap.String("transaction_id", tx.TransactionID),
				zap.Error(markErr),
			)
		} else {
			res.Status = domain.StatusFailed
			o.notify(tx, domain.StatusFailed, "", domain.StepSettlement, domain.Reason(err))
		}
		return fail(res, err), err
	}

	// Step 9: verified -> completed
	if err := o.txs.MarkCompleted(ctx, tx.TransactionID, dispatch.Reference, o.now().UTC()); err != nil {
		// Funds are out; keep the claim so nothing re-dispatches.
		o.logger.Error("mark completed after dispatch failed",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("settlement_ref", dispatch.Reference),
			zap.Error(err),
		)
		sysErr := domain.ErrSystem.Wrap(fmt.Errorf("record settlement %s: %w", dispatch.Reference, err)).At(domain.StepSettlement)
		res = fail(res, sysErr)
		res.SettlementRef = dispatch.Reference
		return res, sysErr
	}

	res.Success = true
	res.Status = domain.StatusCompleted
	res.SettlementRef = dispatch.Reference
	o.notify(tx, domain.StatusCompleted, dispatch.Reference, "", "")

	o.logger.Info("transaction settled",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("currency", currency),
		zap.String("amount", tx.AmountCrypto.String()),
		zap.String("settlement_ref", dispatch.Reference),
	)
	return res, nil
}

// load reads the row and requires status want.
func (o *Orchestrator) load(ctx context.Context, id string, want domain.Status) (*domain.ExchangeTransaction, error) {
	tx, err := o.txs.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrTransactionNotPending.Wrapf("transaction %s not found", id).At(domain.StepTransactionLookup)
	}
	if err != nil {
		return nil, domain.ErrSystem.Wrap(err).At(domain.StepTransactionLookup)
	}
	if tx.Status == want {
		return tx, nil
	}
	if tx.Status.IsTerminal() {
		return nil, domain.ErrTransactionAlreadyFinalized.Wrapf("transaction is %s", tx.Status).At(domain.StepTransactionLookup)
	}
	if want == domain.StatusVerified {
		return nil, domain.ErrTransactionNotVerified.Wrapf("transaction is %s", tx.Status).At(domain.StepTransactionLookup)
	}
	return nil, domain.ErrTransactionNotPending.Wrapf("transaction is %s", tx.Status).At(domain.StepTransactionLookup)
}

func (o *Orchestrator) inspect(ctx context.Context, receiptURL string) (*domain.ReceiptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.inspectTimeout)
	defer cancel()

	receipt, err := o.inspector.Inspect(ctx, receiptURL)
	if err == nil && (receipt == nil || receipt.Identifier == "") {
		err = domain.ErrReceiptVerificationFailed.Wrap(domain.ErrIdentifierNotFound)
	}
	if err != nil {
		return nil, asStepError(err, domain.ErrReceiptVerificationFailed, domain.StepWebVerification)
	}
	return receipt, nil
}

func (o *Orchestrator) scan(ctx context.Context, identifier string, req domain.VerificationRequest) ([]domain.CandidateEmail, error) {
	ctx, cancel := context.WithTimeout(ctx, o.scanTimeout)
	defer cancel()

	emails, err := o.scanner.FindPaymentEmails(ctx, identifier, req.ClaimedAmount, req.CounterpartyHandle, o.windowMinutes)
	if err != nil {
		return nil, asStepError(err, domain.ErrMailboxUnavailable, domain.StepEmailVerification)
	}
	if len(emails) == 0 {
		return nil, domain.ErrNoPaymentEmail.Wrapf("no payment email in the last %d minutes", o.windowMinutes).At(domain.StepEmailVerification)
	}
	return emails, nil
}

// crossVerify picks the first verified email whose identifier equals the
// receipt's and whose amount is within tolerance of the claim.
func (o *Orchestrator) crossVerify(identifier string, req domain.VerificationRequest, emails []domain.CandidateEmail) (*domain.VerificationAttempt, error) {
	claimed := req.ClaimedAmount
	for i := range emails {
		e := &emails[i]
		if !e.Verified || e.Identifier != identifier {
			continue
		}
		if !e.Amount.Sub(claimed).Abs().LessThan(o.amountTolerance) {
			continue
		}
		handle := e.CounterpartyHandle
		if handle == "" {
			handle = req.CounterpartyHandle
		}
		return &domain.VerificationAttempt{
			ReceiptIdentifier:  identifier,
			MailboxIdentifier:  e.Identifier,
			ClaimedAmount:      claimed,
			EmailAmount:        e.Amount,
			CounterpartyHandle: handle,
			EmailTimestamp:     e.Timestamp,
		}, nil
	}
	return nil, domain.ErrPaymentMismatch.Wrapf("no email matches identifier %s and amount %s among %d candidates",
		identifier, claimed.StringFixed(2), len(emails)).At(domain.StepCrossVerification)
}

func (o *Orchestrator) checkTime(attempt *domain.VerificationAttempt) error {
	cutoff := o.now().Add(-o.maxEmailAge)
	if attempt.EmailTimestamp.Before(cutoff) {
		return domain.ErrPaymentTooOld.Wrapf("payment email from %s is older than %s",
			attempt.EmailTimestamp.UTC().Format(time.RFC3339), o.maxEmailAge).At(domain.StepTimeVerification)
	}
	return nil
}

func describeAttempt(a *domain.VerificationAttempt) string {
	return fmt.Sprintf("receipt=%s mailbox=%s claimed=%s emailed=%s from=%s at=%s",
		a.ReceiptIdentifier, a.MailboxIdentifier,
		a.ClaimedAmount.StringFixed(2), a.EmailAmount.StringFixed(2),
		a.CounterpartyHandle, a.EmailTimestamp.UTC().Format(time.RFC3339))
}

func (o *Orchestrator) markVerified(ctx context.Context, id, identifier string) error {
	err := o.txs.MarkVerified(ctx, id, identifier, domain.MethodDualChannel, o.now().UTC())
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrStatusConflict) {
		return o.conflict(ctx, id, err).At(domain.StepStateTransition)
	}
	return domain.ErrSystem.Wrap(err).At(domain.StepStateTransition)
}

func (o *Orchestrator) claimError(ctx context.Context, id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrSettlementClaimed):
		return domain.ErrVerificationInProgress.Wrap(err).At(domain.StepStateTransition)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrStatusConflict):
		return o.conflict(ctx, id, err).At(domain.StepStateTransition)
	}
	return domain.ErrSystem.Wrap(err).At(domain.StepStateTransition)
}

// conflict classifies a lost conditional update by the row's current status.
func (o *Orchestrator) conflict(ctx context.Context, id string, cause error) *domain.Error {
	tx, err := o.txs.GetByID(ctx, id)
	if err == nil && tx.Status.IsTerminal() {
		return domain.ErrTransactionAlreadyFinalized.Wrap(cause)
	}
	return domain.ErrTransactionNotPending.Wrap(cause)
}

func (o *Orchestrator) checkBalance(ctx context.Context, currency string, required decimal.Decimal) error {
	available, err := o.dispatcher.AvailableBalance(ctx, currency)
	if err != nil {
		return asStepError(err, domain.ErrCustodyUnavailable, domain.StepBalanceCheck)
	}
	if available.LessThan(required) {
		return domain.ErrInsufficientFunds.Wrapf("available %s %s, required %s",
			available.String(), currency, required.String()).At(domain.StepBalanceCheck)
	}
	return nil
}

// failPending writes failed for a step 2-5 failure. Client input errors
// leave the row pending so the caller can retry with corrected input.
func (o *Orchestrator) failPending(ctx context.Context, res *domain.SettlementResult, tx *domain.ExchangeTransaction, err error) (*domain.SettlementResult, error) {
	step := domain.StepOf(err)
	if domain.KindOf(err) == domain.KindInvalidInput {
		o.logger.Info("verification rejected",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("step", step.String()),
			zap.Error(err),
		)
		res.Status = tx.Status
		return fail(res, err), err
	}
	if markErr := o.txs.MarkFailed(ctx, tx.TransactionID, domain.StatusPending, step, err.Error(), o.now().UTC()); markErr != nil {
		// Lost the row to a concurrent transition; report what it is now.
		o.logger.Warn("mark failed skipped",
			zap.String("transaction_id", tx.TransactionID),
			zap.String("step", step.String()),
			zap.Error(markErr),
		)
		if cur, getErr := o.txs.GetByID(ctx, tx.TransactionID); getErr == nil {
			res.Status = cur.Status
		}
	} else {
		res.Status = domain.StatusFailed
		o.notify(tx, domain.StatusFailed, "", step, domain.Reason(err))
	}

	o.logger.Info("verification failed",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("step", step.String()),
		zap.Error(err),
	)
	return fail(res, err), err
}

func (o *Orchestrator) notify(tx *domain.ExchangeTransaction, status domain.Status, ref string, step domain.Step, reason string) {
	if o.notifier == nil {
		return
	}
	o.notifier.NotifyStatus(domain.StatusChange{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Status:        status,
		SettlementRef: ref,
		Step:          step,
		Reason:        reason,
		At:            o.now().UTC(),
	})
}

func (o *Orchestrator) newRun(transactionID string) *run {
	return &run{
		o:             o,
		transactionID: transactionID,
		runID:         uuid.NewString(),
		started:       o.now(),
	}
}

func (o *Orchestrator) validateRequest(req domain.VerificationRequest) error {
	if req.TransactionID == "" {
		return domain.ErrMissingField.Wrapf("transaction_id is required")
	}
	if req.ReceiptURL == "" {
		return domain.ErrMissingField.Wrapf("receipt_url is required")
	}
	if !req.ClaimedAmount.IsPositive() {
		return domain.ErrInvalidAmount.Wrapf("claimed amount %s must be positive", req.ClaimedAmount)
	}
	if v, ok := o.inspector.(URLValidator); ok {
		if _, err := v.ValidateURL(req.ReceiptURL); err != nil {
			return asStepError(err, domain.ErrInvalidReceiptURL, domain.StepWebVerification)
		}
	}
	return nil
}

// asStepError tags err with step, wrapping unclassified errors in fallback.
func asStepError(err error, fallback *domain.Error, step domain.Step) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.At(step)
	}
	return fallback.Wrap(err).At(step)
}

func fail(res *domain.SettlementResult, err error) *domain.SettlementResult {
	res.Success = false
	res.Step = domain.StepOf(err)
	res.Reason = domain.Reason(err)
	return res
}

// inflight rejects a second concurrent run for the same transaction.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.ids[id]; busy {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}
