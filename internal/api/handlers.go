package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/exchange"
	"cashbridge/internal/pricing"
	"cashbridge/internal/realtime"
	"cashbridge/internal/storage"
)

const maxBodyBytes = 1 << 20

// Exchange is the ledger front door used by the handlers.
type Exchange interface {
	Quote(ctx context.Context, currency string, amount decimal.Decimal) (*exchange.FeeQuote, error)
	Create(ctx context.Context, req exchange.CreateRequest) (*exchange.Created, error)
	Get(ctx context.Context, id string) (*domain.ExchangeTransaction, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*domain.ExchangeTransaction, error)
	UserStats(ctx context.Context, userID string) (*domain.UserStats, error)
	Summary(ctx context.Context) (*domain.LedgerSummary, error)
	AdminConfirm(ctx context.Context, adminID, id string) (*domain.ExchangeTransaction, error)
	FeeRules(ctx context.Context, currency string) ([]*domain.FeeRule, error)
	AddFeeRule(ctx context.Context, adminID string, rule *domain.FeeRule) error
	DeleteFeeRule(ctx context.Context, adminID string, id int64) error
	AuditLog(ctx context.Context, limit int) ([]*domain.AdminAction, error)
}

// Pipeline runs verification and settlement.
type Pipeline interface {
	VerifyAndSettle(ctx context.Context, req domain.VerificationRequest) (*domain.SettlementResult, error)
	RetrySettlement(ctx context.Context, transactionID string) (*domain.SettlementResult, error)
}

// PriceBoard serves cached market prices.
type PriceBoard interface {
	Current(ctx context.Context) (*pricing.Snapshot, error)
}

// Handler serves the exchange API.
type Handler struct {
	exchange Exchange
	pipeline Pipeline
	prices   PriceBoard
	events   storage.VerificationEventStore
	validate *validator.Validate
	logger   *zap.Logger
}

type quoteRequest struct {
	Currency string `json:"currency" validate:"required,alpha,max=10"`
	Amount   string `json:"amount" validate:"required,numeric"`
}

type createRequest struct {
	FiatAmount        string `json:"fiat_amount" validate:"required,numeric"`
	Currency          string `json:"currency" validate:"required,alpha,max=10"`
	WalletAddress     string `json:"wallet_address" validate:"required,max=128"`
	PriceAtSubmission string `json:"price_at_submission" validate:"required,numeric"`
}

type verifyRequest struct {
	ReceiptURL         string `json:"receipt_url" validate:"required,url"`
	ClaimedAmount      string `json:"claimed_amount" validate:"required,numeric"`
	CounterpartyHandle string `json:"counterparty_handle" validate:"max=64"`
}

type feeRuleRequest struct {
	Currency      string `json:"currency" validate:"required,alpha,max=10"`
	RangeStart    string `json:"range_start" validate:"required,numeric"`
	RangeEnd      string `json:"range_end" validate:"required,numeric"`
	FeePercentage string `json:"fee_percentage" validate:"required,numeric"`
}

type transactionView struct {
	TransactionID      string          `json:"transaction_id"`
	UserID             string          `json:"user_id"`
	Status             string          `json:"status"`
	Currency           string          `json:"currency"`
	WalletAddress      string          `json:"wallet_address"`
	FiatAmount         decimal.Decimal `json:"fiat_amount"`
	ExchangeRate       decimal.Decimal `json:"exchange_rate"`
	FeePercentage      decimal.Decimal `json:"fee_percentage"`
	FeeAmount          decimal.Decimal `json:"fee_amount"`
	NetAmountUSD       decimal.Decimal `json:"net_amount_usd"`
	NetCryptoAmount    decimal.Decimal `json:"net_crypto_amount"`
	ReceiptIdentifier  string          `json:"receipt_identifier,omitempty"`
	VerificationMethod string          `json:"verification_method,omitempty"`
	SettlementRef      string          `json:"settlement_reference,omitempty"`
	FailureStep        string          `json:"failure_step,omitempty"`
	ErrorDetail        string          `json:"error_detail,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	VerifiedAt         *time.Time      `json:"verified_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

func viewOf(tx *domain.ExchangeTransaction) transactionView {
	return transactionView{
		TransactionID:      tx.TransactionID,
		UserID:             tx.UserID,
		Status:             tx.Status.String(),
		Currency:           tx.Currency.String(),
		WalletAddress:      tx.WalletAddress,
		FiatAmount:         tx.AmountUSD,
		ExchangeRate:       tx.ExchangeRate,
		FeePercentage:      tx.FeePercentage,
		FeeAmount:          tx.FeeAmount,
		NetAmountUSD:       tx.NetAmountUSD,
		NetCryptoAmount:    tx.AmountCrypto,
		ReceiptIdentifier:  tx.ReceiptIdentifier,
		VerificationMethod: string(tx.VerificationMethod),
		SettlementRef:      tx.SettlementRef,
		FailureStep:        tx.FailureStep.String(),
		ErrorDetail:        tx.ErrorDetail,
		CreatedAt:          tx.CreatedAt,
		VerifiedAt:         tx.VerifiedAt,
		CompletedAt:        tx.CompletedAt,
	}
}

type settlementView struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status,omitempty"`
	SettlementRef string `json:"settlement_reference,omitempty"`
	Step          string `json:"step,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Retryable     bool   `json:"retryable"`
}

// Quote handles POST /api/v1/exchange/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := h.bind(r, &req); err != nil {
		h.respondErr(w, err)
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	q, err := h.exchange.Quote(r.Context(), req.Currency, amount)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"currency":          q.Currency.String(),
		"fiat_amount":       q.AmountUSD,
		"fee_percentage":    q.FeePercentage,
		"fee_amount":        q.FeeAmount,
		"net_amount":        q.NetAmountUSD,
		"net_crypto_amount": q.NetAmountCrypto,
		"exchange_rate":     q.ExchangeRate,
	})
}

// CreateTransaction handles POST /api/v1/exchange/transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)

	var req createRequest
	if err := h.bind(r, &req); err != nil {
		h.respondErr(w, err)
		return
	}
	amount, err := parseDecimal("fiat_amount", req.FiatAmount)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	price, err := parseDecimal("price_at_submission", req.PriceAtSubmission)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	created, err := h.exchange.Create(r.Context(), exchange.CreateRequest{
		UserID:        caller.UserID,
		AmountUSD:     amount,
		Currency:      req.Currency,
		WalletAddress: req.WalletAddress,
		Price:         price,
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}

	tx := created.Transaction
	w.Header().Set("Location", "/api/v1/exchange/transactions/"+tx.TransactionID)
	respondJSON(w, http.StatusCreated, map[string]any{
		"transaction_id":    tx.TransactionID,
		"status":            tx.Status.String(),
		"net_crypto_amount": tx.AmountCrypto,
		"fee_amount":        tx.FeeAmount,
		"fee_percentage":    tx.FeePercentage,
		"payment_link":      created.PaymentLink,
	})
}

// GetTransaction handles GET /api/v1/exchange/transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.visible(r)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(tx))
}

// ListTransactions handles GET /api/v1/exchange/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	txs, err := h.exchange.ListForUser(r.Context(), caller.UserID, queryInt(r, "limit"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, viewOf(tx))
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// UserStats handles GET /api/v1/exchange/stats.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	stats, err := h.exchange.UserStats(r.Context(), caller.UserID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	byCurrency := make([]map[string]any, 0, len(stats.ByCurrency))
	for _, c := range stats.ByCurrency {
		byCurrency = append(byCurrency, map[string]any{
			"currency":            c.Currency.String(),
			"transaction_count":   c.TransactionCount,
			"total_amount_usd":    c.TotalAmountUSD,
			"total_amount_crypto": c.TotalAmountCrypto,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":         stats.UserID,
		"total_exchanged": stats.TotalExchanged,
		"by_currency":     byCurrency,
	})
}

// Verify handles POST /api/v1/exchange/transactions/{id}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.checkOwner(r, id); err != nil {
		h.respondErr(w, err)
		return
	}

	var req verifyRequest
	if err := h.bind(r, &req); err != nil {
		h.respondErr(w, err)
		return
	}
	claimed, err := parseDecimal("claimed_amount", req.ClaimedAmount)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	res, err := h.pipeline.VerifyAndSettle(r.Context(), domain.VerificationRequest{
		TransactionID:      id,
		ReceiptURL:         req.ReceiptURL,
		ClaimedAmount:      claimed,
		CounterpartyHandle: strings.TrimSpace(req.CounterpartyHandle),
	})
	h.respondSettlement(w, id, res, err)
}

// Settle handles POST /api/v1/exchange/transactions/{id}/settle.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.checkOwner(r, id); err != nil {
		h.respondErr(w, err)
		return
	}
	res, err := h.pipeline.RetrySettlement(r.Context(), id)
	h.respondSettlement(w, id, res, err)
}

// AdminConfirm handles POST /api/v1/admin/transactions/{id}/confirm.
func (h *Handler) AdminConfirm(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	tx, err := h.exchange.AdminConfirm(r.Context(), caller.UserID, mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(tx))
}

// TransactionEvents handles GET /api/v1/admin/transactions/{id}/events.
func (h *Handler) TransactionEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondError(w, http.StatusNotImplemented, "verification event log not configured")
		return
	}
	events, err := h.events.GetByTransactionID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, domain.ErrSystem.Wrap(err))
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"event_id":    e.EventID,
			"step":        e.Step.String(),
			"outcome":     e.Outcome,
			"detail":      e.Detail,
			"duration_ms": e.DurationMs,
			"occurred_at": e.OccurredAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ListFeeRules handles GET /api/v1/admin/fee-rules.
func (h *Handler) ListFeeRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.exchange.FeeRules(r.Context(), r.URL.Query().Get("currency"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		out = append(out, feeRuleView(rule))
	}
	respondJSON(w, http.StatusOK, map[string]any{"fee_rules": out})
}

// AddFeeRule handles POST /api/v1/admin/fee-rules.
func (h *Handler) AddFeeRule(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)

	var req feeRuleRequest
	if err := h.bind(r, &req); err != nil {
		h.respondErr(w, err)
		return
	}
	rule := &domain.FeeRule{Currency: domain.CurrencyCode(strings.ToUpper(req.Currency))}
	var err error
	if rule.Start, err = parseDecimal("range_start", req.RangeStart); err != nil {
		h.respondErr(w, err)
		return
	}
	if rule.End, err = parseDecimal("range_end", req.RangeEnd); err != nil {
		h.respondErr(w, err)
		return
	}
	if rule.FeePercentage, err = parseDecimal("fee_percentage", req.FeePercentage); err != nil {
		h.respondErr(w, err)
		return
	}

	if err := h.exchange.AddFeeRule(r.Context(), caller.UserID, rule); err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, feeRuleView(rule))
}

// DeleteFeeRule handles DELETE /api/v1/admin/fee-rules/{id}.
func (h *Handler) DeleteFeeRule(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondErr(w, domain.ErrInvalidFeeRule.Wrapf("rule id %q", mux.Vars(r)["id"]))
		return
	}
	if err := h.exchange.DeleteFeeRule(r.Context(), caller.UserID, id); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminStats handles GET /api/v1/admin/stats.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	sum, err := h.exchange.Summary(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	byStatus := make(map[string]int64, len(sum.CountByStatus))
	for st, n := range sum.CountByStatus {
		byStatus[st.String()] = n
	}
	byCrypto := make(map[string]decimal.Decimal, len(sum.CompletedByCrypto))
	for code, amt := range sum.CompletedByCrypto {
		byCrypto[code.String()] = amt
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transactions_by_status": byStatus,
		"completed_usd":          sum.CompletedUSD,
		"completed_by_currency":  byCrypto,
	})
}

// AuditLog handles GET /api/v1/admin/audit-log.
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	actions, err := h.exchange.AuditLog(r.Context(), queryInt(r, "limit"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]any{
			"admin_id":   a.AdminID,
			"action":     a.Action,
			"target":     a.Target,
			"detail":     a.Detail,
			"created_at": a.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"actions": out})
}

// Prices handles GET /api/v1/prices.
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	snap, err := h.prices.Current(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) respondSettlement(w http.ResponseWriter, id string, res *domain.SettlementResult, err error) {
	if res == nil {
		res = &domain.SettlementResult{TransactionID: id}
		if err != nil {
			res.Step = domain.StepOf(err)
			res.Reason = domain.Reason(err)
		}
	}
	body := settlementView{
		Success:       err == nil && res.Success,
		TransactionID: res.TransactionID,
		Status:        res.Status.String(),
		SettlementRef: res.SettlementRef,
		Step:          res.Step.String(),
		Reason:        res.Reason,
		Retryable:     res.Retryable,
	}
	if body.Success {
		respondJSON(w, http.StatusOK, body)
		return
	}

	code := StatusFor(err)
	if err == nil {
		code = http.StatusInternalServerError
	}
	if res.Retryable {
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "60")
	}
	if code >= http.StatusInternalServerError {
		h.logger.Warn("settlement request failed",
			zap.String("transaction_id", id),
			zap.String("step", body.Step),
			zap.Bool("retryable", body.Retryable),
			zap.Error(err),
		)
	}
	respondJSON(w, code, body)
}

// visible loads the {id} transaction if the caller owns it or is an admin.
// Other users' rows are reported as not found.
func (h *Handler) visible(r *http.Request) (*domain.ExchangeTransaction, error) {
	caller := callerOf(r)
	tx, err := h.exchange.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if !caller.Admin && tx.UserID != caller.UserID {
		return nil, storage.ErrNotFound
	}
	return tx, nil
}

// checkOwner lets missing rows through so the pipeline reports them with
// its own lookup error.
func (h *Handler) checkOwner(r *http.Request, id string) error {
	caller := callerOf(r)
	tx, err := h.exchange.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return domain.ErrSystem.Wrap(err)
	}
	if !caller.Admin && tx.UserID != caller.UserID {
		return storage.ErrNotFound
	}
	return nil
}

func (h *Handler) bind(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.ErrMissingField.Wrapf("invalid JSON body: %v", err)
	}
	return h.validate.Struct(dst)
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, domain.ErrInvalidAmount.Wrapf("%s: %v", field, err)
	}
	return d, nil
}

func feeRuleView(rule *domain.FeeRule) map[string]any {
	return map[string]any{
		"id":             rule.ID,
		"currency":       rule.Currency.String(),
		"range_start":    rule.Start,
		"range_end":      rule.End,
		"fee_percentage": rule.FeePercentage,
	}
}

func callerOf(r *http.Request) realtime.Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
