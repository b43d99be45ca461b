/**
 * @description
 * HTTP handlers for the settlement service: checkout, provider callbacks, refunds,
 * revenue share administration and payout administration.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/gateway"
)

// SettlementService is the application surface the handlers drive.
type SettlementService interface {
	Location() *time.Location
	Gateway(provider gateway.Provider) (gateway.Client, error)

	InitiatePayment(ctx context.Context, in app.CheckoutInput) (*app.CheckoutResult, error)
	HandleCallback(ctx context.Context, provider gateway.Provider, fields gateway.Fields) (gateway.CallbackOutcome, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	TransactionSplit(ctx context.Context, id uuid.UUID) (*app.Split, error)
	RequestRefund(ctx context.Context, in app.RefundInput) (*domain.PaymentTransaction, error)

	ListRevenueShareConfigs(ctx context.Context, filter store.RevenueShareFilter) ([]domain.RevenueShareConfig, error)
	CreateRevenueShareConfig(ctx context.Context, in app.RevenueShareInput) (*domain.RevenueShareConfig, error)
	CloneRevenueShareConfig(ctx context.Context, id uuid.UUID, in app.CloneInput) (*domain.RevenueShareConfig, *domain.RevenueShareConfig, error)
	DeactivateRevenueShareConfig(ctx context.Context, id uuid.UUID) (*domain.RevenueShareConfig, error)
	ResolveRevenueShare(ctx context.Context, categoryID *uuid.UUID, date time.Time) (*domain.RevenueShareConfig, error)

	BuildPayoutBatch(ctx context.Context, period string) (*app.PayoutBatchReport, error)
	ListPayouts(ctx context.Context, filter store.PayoutFilter) ([]domain.Payout, error)
	GetPayout(ctx context.Context, id uuid.UUID) (*app.PayoutDetail, error)
	CompletePayout(ctx context.Context, id uuid.UUID, bankTransactionID, processedBy string) (*domain.Payout, error)
	FailPayout(ctx context.Context, id uuid.UUID, reason, processedBy string) (*domain.Payout, error)
	RetryPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	SetPayoutDeductions(ctx context.Context, id uuid.UUID, transferFee, taxAmount decimal.Decimal) (*domain.Payout, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service SettlementService
	logger  *zap.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service SettlementService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger.With(zap.String("component", "api")), now: time.Now}
}

type checkoutRequest struct {
	CourseVersionID string `json:"course_version_id"`
	Provider        string `json:"provider"`
	ReturnURL       string `json:"return_url"`
	Locale          string `json:"locale"`
}

type checkoutResponse struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	OrderRef      string          `json:"order_ref"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	RedirectURL   string          `json:"redirect_url"`
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	studentID, err := uuid.Parse(caller.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return
	}

	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	versionID, err := uuid.Parse(strings.TrimSpace(req.CourseVersionID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid course version ID")
		return
	}

	result, err := h.service.InitiatePayment(r.Context(), app.CheckoutInput{
		StudentID:       studentID,
		CourseVersionID: versionID,
		Provider:        gateway.ParseProvider(req.Provider),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
		ClientIP:        clientIP(r),
		Locale:          strings.TrimSpace(req.Locale),
	})
	if err != nil {
		h.respondError(w, "checkout", err, zap.String("student_id", caller.UserID))
		return
	}

	tx := result.Transaction
	writeJSON(w, http.StatusCreated, checkoutResponse{
		TransactionID: tx.ID,
		OrderRef:      tx.OrderRef,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		RedirectURL:   result.RedirectURL,
	})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondError(w, "get_transaction", err, zap.String("transaction_id", id.String()))
		return
	}
	if !caller.IsAdmin() && tx.StudentID.String() != caller.UserID {
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) handleTransactionSplit(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	split, err := h.service.TransactionSplit(r.Context(), id)
	if err != nil {
		h.respondError(w, "transaction_split", err, zap.String("transaction_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, split)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tx, err := h.service.RequestRefund(r.Context(), app.RefundInput{
		TransactionID: id,
		Amount:        req.Amount,
		Reason:        strings.TrimSpace(req.Reason),
		RequestedBy:   caller.UserID,
		ClientIP:      clientIP(r),
	})
	if err != nil {
		// The refund is recorded; reconciliation settles it once the provider answers.
		if errors.Is(err, gateway.ErrTransport) && tx != nil {
			h.logger.Warn("refund accepted without provider confirmation", zap.String("transaction_id", id.String()), zap.Error(err))
			writeJSON(w, http.StatusAccepted, tx)
			return
		}
		h.respondError(w, "refund", err, zap.String("transaction_id", id.String()))
		return
	}

	status := http.StatusOK
	if tx.RefundStatus == domain.RefundProcessing {
		status = http.StatusAccepted
	}
	writeJSON(w, status, tx)
}

// handleCallback serves provider notifications. The response body and status always come
// from the provider's own acknowledgement format.
func (h *Handler) handleCallback(provider gateway.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := h.service.Gateway(provider)
		if err != nil {
			h.respondError(w, "callback", err, zap.String("provider", string(provider)))
			return
		}

		fields, err := client.ParseCallback(r)
		if err != nil {
			h.logger.Warn("unreadable provider callback", zap.String("provider", string(provider)), zap.Error(err))
			status, body := client.Acknowledge(gateway.OutcomeMalformed)
			writeJSON(w, status, body)
			return
		}

		outcome, err := h.service.HandleCallback(r.Context(), provider, fields)
		if err != nil {
			h.logger.Error("callback processing failed",
				zap.String("provider", string(provider)),
				zap.String("outcome", outcome.String()),
				zap.Error(err),
			)
		}
		status, body := client.Acknowledge(outcome)
		writeJSON(w, status, body)
	}
}

type revenueShareRequest struct {
	CategoryID    *uuid.UUID      `json:"category_id"`
	Percentage    decimal.Decimal `json:"percentage"`
	EffectiveFrom string          `json:"effective_from"`
	EffectiveTo   *string         `json:"effective_to"`
	Note          string          `json:"note"`
}

func (h *Handler) handleListRevenueShares(w http.ResponseWriter, r *http.Request) {
	filter := store.RevenueShareFilter{
		ActiveOnly:  queryBool(r, "active"),
		DefaultOnly: queryBool(r, "default"),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("category_id")); raw != "" {
		categoryID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category ID")
			return
		}
		filter.CategoryID = &categoryID
	}

	configs, err := h.service.ListRevenueShareConfigs(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list_revenue_shares", err)
		return
	}
	if configs == nil {
		configs = []domain.RevenueShareConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (h *Handler) handleCreateRevenueShare(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	var req revenueShareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, err := domain.ParseDate(req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "effective_from must be YYYY-MM-DD")
		return
	}
	var to *time.Time
	if req.EffectiveTo != nil && strings.TrimSpace(*req.EffectiveTo) != "" {
		parsed, err := domain.ParseDate(*req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "effective_to must be YYYY-MM-DD")
			return
		}
		to = &parsed
	}

	cfg, err := h.service.CreateRevenueShareConfig(r.Context(), app.RevenueShareInput{
		CategoryID:    req.CategoryID,
		Percentage:    req.Percentage,
		EffectiveFrom: from,
		EffectiveTo:   to,
		Note:          req.Note,
		CreatedBy:     caller.UserID,
	})
	if err != nil {
		h.respondError(w, "create_revenue_share", err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) handleCloneRevenueShare(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req revenueShareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, err := domain.ParseDate(req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "effective_from must be YYYY-MM-DD")
		return
	}

	previous, next, err := h.service.CloneRevenueShareConfig(r.Context(), id, app.CloneInput{
		Percentage:    req.Percentage,
		EffectiveFrom: from,
		Note:          req.Note,
		CreatedBy:     caller.UserID,
	})
	if err != nil {
		h.respondError(w, "clone_revenue_share", err, zap.String("config_id", id.String()))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"previous": previous,
		"current":  next,
	})
}

func (h *Handler) handleDeactivateRevenueShare(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	cfg, err := h.service.DeactivateRevenueShareConfig(r.Context(), id)
	if err != nil {
		h.respondError(w, "deactivate_revenue_share", err, zap.String("config_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleResolveRevenueShare(w http.ResponseWriter, r *http.Request) {
	var categoryID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("category_id")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category ID")
			return
		}
		categoryID = &parsed
	}
	date := domain.CivilDate(h.now(), h.service.Location())
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := domain.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	cfg, err := h.service.ResolveRevenueShare(r.Context(), categoryID, date)
	if err != nil {
		h.respondError(w, "resolve_revenue_share", err, zap.String("date", date.Format(domain.DateLayout)))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PayoutFilter{
		Period: strings.TrimSpace(q.Get("period")),
		Status: domain.PayoutStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("teacher_id")); raw != "" {
		teacherID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid teacher ID")
			return
		}
		filter.TeacherID = &teacherID
	}

	payouts, err := h.service.ListPayouts(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list_payouts", err)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	writeJSON(w, http.StatusOK, payouts)
}

func (h *Handler) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.service.GetPayout(r.Context(), id)
	if err != nil {
		h.respondError(w, "get_payout", err, zap.String("payout_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleBuildPayoutBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Period string `json:"period"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	period := strings.TrimSpace(req.Period)
	if period == "" {
		period = domain.PreviousPeriod(h.now(), h.service.Location())
	}

	report, err := h.service.BuildPayoutBatch(r.Context(), period)
	if err != nil {
		h.respondError(w, "payout_batch", err, zap.String("period", period))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleCompletePayout(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		BankTransactionID string `json:"bank_transaction_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BankTransactionID) == "" {
		writeError(w, http.StatusBadRequest, "bank_transaction_id is required")
		return
	}

	p, err := h.service.CompletePayout(r.Context(), id, req.BankTransactionID, caller.UserID)
	if err != nil {
		h.respondError(w, "complete_payout", err, zap.String("payout_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleFailPayout(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFromContext(r.Context())
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.service.FailPayout(r.Context(), id, req.Reason, caller.UserID)
	if err != nil {
		h.respondError(w, "fail_payout", err, zap.String("payout_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleRetryPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.RetryPayout(r.Context(), id)
	if err != nil {
		h.respondError(w, "retry_payout", err, zap.String("payout_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleSetPayoutDeductions(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		TransferFee decimal.Decimal `json:"transfer_fee"`
		TaxAmount   decimal.Decimal `json:"tax_amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.service.SetPayoutDeductions(r.Context(), id, req.TransferFee, req.TaxAmount)
	if err != nil {
		h.respondError(w, "payout_deductions", err, zap.String("payout_id", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// respondError maps service errors onto HTTP statuses. Unexpected errors are logged with
// full context and reported without detail.
func (h *Handler) respondError(w http.ResponseWriter, endpoint string, err error, fields ...zap.Field) {
	var rateLimited *app.RateLimitError
	if errors.As(err, &rateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "Too many checkout attempts")
		return
	}

	status, message := statusFor(err)
	fields = append(fields, zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", fields...)
	case errors.Is(err, domain.ErrConfigGap):
		h.logger.Error("request rejected", fields...)
	default:
		h.logger.Warn("request rejected", fields...)
	}
	writeError(w, status, message)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, store.ErrPayoutNotFound):
		return http.StatusNotFound, "Payout not found"
	case errors.Is(err, store.ErrRevenueShareNotFound):
		return http.StatusNotFound, "Revenue share config not found"
	case errors.Is(err, domain.ErrConfigGap):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, gateway.ErrUnsupportedProvider):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrCourseNotPurchasable),
		errors.Is(err, app.ErrNotRefundable),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidPercentage),
		errors.Is(err, domain.ErrInvalidEffectiveRange),
		errors.Is(err, domain.ErrInvalidPeriod),
		errors.Is(err, domain.ErrInvalidDeductions),
		errors.Is(err, domain.ErrRefundWindowExpired),
		errors.Is(err, domain.ErrRefundAmountExceeded),
		errors.Is(err, gateway.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrRefundInProgress),
		errors.Is(err, domain.ErrConfigOverlap),
		errors.Is(err, domain.ErrConfigInactive),
		errors.Is(err, domain.ErrAmbiguousRevenueShare),
		errors.Is(err, domain.ErrPayoutAmountLocked),
		errors.Is(err, store.ErrPayoutExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, gateway.ErrProviderRejected):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, gateway.ErrTransport):
		return http.StatusBadGateway, "Payment provider unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+" format")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && v
}

func queryInt(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
