/**
 * @description
 * Package alpha integrates the redirect-style provider that signs query strings with
 * HMAC-SHA-512. Checkout is a locally signed redirect URL; refunds and status queries go
 * through the provider's merchant JSON API with pipe-joined request hashes.
 *
 * @dependencies
 * - pkg/signature: canonical query signing.
 * - github.com/shopspring/decimal: amounts.
 */
package alpha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coursemarket/settlement-service/pkg/gateway"
	"github.com/coursemarket/settlement-service/pkg/signature"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	timestampLayout = "20060102150405"

	fieldSecureHash     = "vnp_SecureHash"
	fieldSecureHashType = "vnp_SecureHashType"

	responseCodeSuccess      = "00"
	responseCodeNotFound     = "91"
	responseCodeDuplicate    = "94"
	transactionStatusSuccess = "00"
	transactionStatusPending = "01"
	transactionStatusError   = "02"
	refundStatusProcessing   = "05"
	refundStatusSentToBank   = "06"
	refundStatusRejected     = "09"
	transactionTypePayment   = "01"
	transactionTypeFullRef   = "02"
	transactionTypePartRef   = "03"
)

// Config holds merchant credentials and protocol constants for the provider.
type Config struct {
	TmnCode          string
	HashSecret       string
	PaymentURL       string
	APIURL           string
	ReturnURL        string
	Version          string
	Currency         string
	Locale           string
	OrderType        string
	AmountMultiplier int64
	ExpireAfter      time.Duration
	Location         *time.Location
	HTTPClient       *http.Client
	Now              func() time.Time
}

// Client implements gateway.Client for the alpha provider.
type Client struct {
	cfg        Config
	scheme     signature.Scheme
	httpClient *http.Client
	now        func() time.Time
}

// IPNResponse is the acknowledgement body the provider expects from the IPN endpoint.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// NewClient applies protocol defaults and returns a ready client.
func NewClient(cfg Config) *Client {
	if cfg.Version == "" {
		cfg.Version = "2.1.0"
	}
	if cfg.Currency == "" {
		cfg.Currency = "VND"
	}
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.OrderType == "" {
		cfg.OrderType = "other"
	}
	if cfg.AmountMultiplier <= 0 {
		cfg.AmountMultiplier = 100
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("GMT+7", 7*60*60)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		cfg:        cfg,
		scheme:     signature.SHA512(url.QueryEscape, true),
		httpClient: httpClient,
		now:        now,
	}
}

func (c *Client) Provider() gateway.Provider { return gateway.ProviderAlpha }

// CreatePaymentRequest builds the signed redirect URL. No network call is made.
func (c *Client) CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (string, error) {
	amount, err := gateway.ToProviderUnits(req.Amount, c.cfg.AmountMultiplier)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		return "", fmt.Errorf("alpha: order reference is required")
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	created = created.In(c.cfg.Location)

	returnURL := strings.TrimSpace(req.ReturnURL)
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = c.cfg.Locale
	}
	currency := strings.TrimSpace(req.Currency)
	if currency == "" {
		currency = c.cfg.Currency
	}

	params := map[string]string{
		"vnp_Version":    c.cfg.Version,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    c.cfg.TmnCode,
		"vnp_Amount":     strconv.FormatInt(amount, 10),
		"vnp_CurrCode":   currency,
		"vnp_TxnRef":     req.OrderRef,
		"vnp_OrderInfo":  req.Description,
		"vnp_OrderType":  c.cfg.OrderType,
		"vnp_Locale":     locale,
		"vnp_ReturnUrl":  returnURL,
		"vnp_IpAddr":     req.ClientIP,
		"vnp_CreateDate": created.Format(timestampLayout),
		"vnp_ExpireDate": created.Add(c.cfg.ExpireAfter).Format(timestampLayout),
	}

	query := c.scheme.Canonicalize(params)
	secureHash := c.scheme.Sign(c.cfg.HashSecret, query)

	return c.cfg.PaymentURL + "?" + query + "&" + fieldSecureHash + "=" + secureHash, nil
}

// ValidateAmount reports whether amount converts to whole provider units.
func (c *Client) ValidateAmount(amount decimal.Decimal) error {
	_, err := gateway.ToProviderUnits(amount, c.cfg.AmountMultiplier)
	return err
}

// ParseCallback collects the vnp_ parameters of an IPN or return-URL request.
func (c *Client) ParseCallback(r *http.Request) (gateway.Fields, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedCallback, err)
	}
	fields := gateway.Fields{}
	for key, values := range r.Form {
		if !strings.HasPrefix(key, "vnp_") || len(values) == 0 {
			continue
		}
		fields[key] = values[0]
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no vnp_ parameters", gateway.ErrMalformedCallback)
	}
	return fields, nil
}

func (c *Client) VerifyCallback(fields gateway.Fields) bool {
	mac := fields.Get(fieldSecureHash)
	if mac == "" {
		return false
	}
	return c.scheme.Verify(c.cfg.HashSecret, fields, mac, fieldSecureHash, fieldSecureHashType)
}

func (c *Client) IsSuccess(fields gateway.Fields) bool {
	if fields.Get("vnp_ResponseCode") != responseCodeSuccess {
		return false
	}
	status := fields.Get("vnp_TransactionStatus")
	return status == "" || status == transactionStatusSuccess
}

func (c *Client) ExtractOrderRef(fields gateway.Fields) (string, error) {
	ref := fields.Get("vnp_TxnRef")
	if ref == "" {
		return "", fmt.Errorf("%w: missing vnp_TxnRef", gateway.ErrMalformedCallback)
	}
	return ref, nil
}

func (c *Client) ExtractProviderTransactionID(fields gateway.Fields) string {
	return fields.Get("vnp_TransactionNo")
}

func (c *Client) ExtractAmount(fields gateway.Fields) (decimal.Decimal, error) {
	return gateway.FromProviderUnits(fields.Get("vnp_Amount"), c.cfg.AmountMultiplier)
}

func (c *Client) ExtractResultCode(fields gateway.Fields) string {
	return fields.Get("vnp_ResponseCode")
}

// Acknowledge maps an outcome onto the provider's IPN response codes.
func (c *Client) Acknowledge(outcome gateway.CallbackOutcome) (int, interface{}) {
	switch outcome {
	case gateway.OutcomeApplied, gateway.OutcomeDuplicate, gateway.OutcomeIgnored:
		return http.StatusOK, IPNResponse{RspCode: "00", Message: "Confirm Success"}
	case gateway.OutcomeSignatureInvalid:
		return http.StatusOK, IPNResponse{RspCode: "97", Message: "Invalid signature"}
	case gateway.OutcomeOrderNotFound:
		return http.StatusOK, IPNResponse{RspCode: "01", Message: "Order not found"}
	case gateway.OutcomeAmountMismatch:
		return http.StatusOK, IPNResponse{RspCode: "04", Message: "Invalid amount"}
	case gateway.OutcomeMalformed:
		return http.StatusOK, IPNResponse{RspCode: "99", Message: "Invalid request"}
	default:
		return http.StatusOK, IPNResponse{RspCode: "99", Message: "Unknown error"}
	}
}

// apiResponse covers both refund and querydr responses.
type apiResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

func (c *Client) refundResponseHash(resp apiResponse) string {
	return c.scheme.Join(resp.ResponseID, resp.Command, resp.ResponseCode, resp.Message, resp.TmnCode,
		resp.TxnRef, resp.Amount, resp.BankCode, resp.PayDate, resp.TransactionNo, resp.TransactionType,
		resp.TransactionStatus, resp.OrderInfo)
}

func (c *Client) queryResponseHash(resp apiResponse) string {
	return c.scheme.Join(resp.ResponseID, resp.Command, resp.ResponseCode, resp.Message, resp.TmnCode,
		resp.TxnRef, resp.Amount, resp.BankCode, resp.PayDate, resp.TransactionNo, resp.TransactionType,
		resp.TransactionStatus, resp.OrderInfo, resp.PromotionCode, resp.PromotionAmount)
}

// RequestRefund submits a full (type 02) or partial (type 03) refund.
func (c *Client) RequestRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := gateway.ToProviderUnits(req.Amount, c.cfg.AmountMultiplier)
	if err != nil {
		return nil, err
	}

	transactionType := transactionTypeFullRef
	if req.IsPartial() {
		transactionType = transactionTypePartRef
	}
	requestedAt := req.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = c.now()
	}

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	body := map[string]string{
		"vnp_RequestId":       requestID,
		"vnp_Version":         c.cfg.Version,
		"vnp_Command":         "refund",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TransactionType": transactionType,
		"vnp_TxnRef":          req.OrderRef,
		"vnp_Amount":          strconv.FormatInt(amount, 10),
		"vnp_TransactionNo":   req.ProviderTransactionID,
		"vnp_TransactionDate": req.TransactionDate.In(c.cfg.Location).Format(timestampLayout),
		"vnp_CreateBy":        req.RequestedBy,
		"vnp_CreateDate":      requestedAt.In(c.cfg.Location).Format(timestampLayout),
		"vnp_IpAddr":          req.ClientIP,
		"vnp_OrderInfo":       req.Reason,
	}
	body[fieldSecureHash] = c.scheme.Sign(c.cfg.HashSecret, c.scheme.Join(
		body["vnp_RequestId"], body["vnp_Version"], body["vnp_Command"], body["vnp_TmnCode"],
		body["vnp_TransactionType"], body["vnp_TxnRef"], body["vnp_Amount"], body["vnp_TransactionNo"],
		body["vnp_TransactionDate"], body["vnp_CreateBy"], body["vnp_CreateDate"], body["vnp_IpAddr"],
		body["vnp_OrderInfo"],
	))

	resp, err := c.postAPI(ctx, "refund", body)
	if err != nil {
		return nil, err
	}
	if !c.scheme.VerifyRaw(c.cfg.HashSecret, c.refundResponseHash(*resp), resp.SecureHash) {
		return nil, &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: "refund", Err: gateway.ErrSignatureInvalid}
	}

	result := &gateway.RefundResult{
		ProviderRefundID: resp.TransactionNo,
		ResultCode:       resp.ResponseCode,
		Message:          resp.Message,
	}
	switch resp.ResponseCode {
	case responseCodeSuccess:
		result.Status = refundStatusFromTransactionStatus(resp.TransactionStatus, gateway.RefundCompleted)
	case responseCodeDuplicate:
		result.Status = gateway.RefundProcessing
	default:
		result.Status = gateway.RefundFailed
	}
	return result, nil
}

// QueryRefundStatus reads the refund state through querydr on the original order.
func (c *Client) QueryRefundStatus(ctx context.Context, query gateway.RefundQuery) (*gateway.RefundResult, error) {
	resp, err := c.queryDR(ctx, query.OrderRef, query.TransactionDate, time.Time{}, query.ClientIP)
	if err != nil {
		return nil, err
	}
	result := &gateway.RefundResult{
		ProviderRefundID: resp.TransactionNo,
		ResultCode:       resp.ResponseCode,
		Message:          resp.Message,
	}
	switch {
	case resp.ResponseCode == responseCodeNotFound:
		result.Status = gateway.RefundNotFound
	case resp.ResponseCode != responseCodeSuccess:
		return nil, &gateway.ProviderError{Provider: gateway.ProviderAlpha, Op: "query_refund", Code: resp.ResponseCode, Message: resp.Message}
	case resp.TransactionType == transactionTypeFullRef || resp.TransactionType == transactionTypePartRef:
		result.Status = refundStatusFromTransactionStatus(resp.TransactionStatus, gateway.RefundProcessing)
	default:
		result.Status = gateway.RefundNotFound
	}
	return result, nil
}

// QueryPayment reads the payment state of an order through querydr.
func (c *Client) QueryPayment(ctx context.Context, query gateway.PaymentQuery) (*gateway.PaymentStatusResult, error) {
	resp, err := c.queryDR(ctx, query.OrderRef, query.CreatedAt, query.RequestedAt, query.ClientIP)
	if err != nil {
		return nil, err
	}
	result := &gateway.PaymentStatusResult{
		ProviderTransactionID: resp.TransactionNo,
		ResultCode:            resp.ResponseCode,
		Message:               resp.Message,
	}
	if resp.ResponseCode == responseCodeNotFound {
		result.Status = gateway.PaymentNotFound
		return result, nil
	}
	if resp.ResponseCode != responseCodeSuccess {
		return nil, &gateway.ProviderError{Provider: gateway.ProviderAlpha, Op: "querydr", Code: resp.ResponseCode, Message: resp.Message}
	}
	if resp.Amount != "" {
		amount, err := gateway.FromProviderUnits(resp.Amount, c.cfg.AmountMultiplier)
		if err != nil {
			return nil, err
		}
		result.Amount = amount
	}

	switch {
	case resp.TransactionStatus == transactionStatusSuccess:
		result.Status = gateway.PaymentPaid
	case resp.TransactionType != "" && resp.TransactionType != transactionTypePayment:
		// refund records only exist for paid orders
		result.Status = gateway.PaymentPaid
	case resp.TransactionStatus == transactionStatusPending:
		result.Status = gateway.PaymentPending
	case resp.TransactionStatus == transactionStatusError:
		result.Status = gateway.PaymentFailed
	default:
		result.Status = gateway.PaymentPending
	}
	return result, nil
}

func (c *Client) queryDR(ctx context.Context, orderRef string, transactionDate, requestedAt time.Time, clientIP string) (*apiResponse, error) {
	if requestedAt.IsZero() {
		requestedAt = c.now()
	}
	body := map[string]string{
		"vnp_RequestId":       strings.ReplaceAll(uuid.NewString(), "-", ""),
		"vnp_Version":         c.cfg.Version,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TxnRef":          orderRef,
		"vnp_OrderInfo":       "Query order " + orderRef,
		"vnp_TransactionDate": transactionDate.In(c.cfg.Location).Format(timestampLayout),
		"vnp_CreateDate":      requestedAt.In(c.cfg.Location).Format(timestampLayout),
		"vnp_IpAddr":          clientIP,
	}
	body[fieldSecureHash] = c.scheme.Sign(c.cfg.HashSecret, c.scheme.Join(
		body["vnp_RequestId"], body["vnp_Version"], body["vnp_Command"], body["vnp_TmnCode"],
		body["vnp_TxnRef"], body["vnp_TransactionDate"], body["vnp_CreateDate"], body["vnp_IpAddr"],
		body["vnp_OrderInfo"],
	))

	resp, err := c.postAPI(ctx, "querydr", body)
	if err != nil {
		return nil, err
	}
	if !c.scheme.VerifyRaw(c.cfg.HashSecret, c.queryResponseHash(*resp), resp.SecureHash) {
		return nil, &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: "querydr", Err: gateway.ErrSignatureInvalid}
	}
	return resp, nil
}

func (c *Client) postAPI(ctx context.Context, op string, body map[string]string) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("alpha %s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("alpha %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &gateway.TransportError{
			Provider:   gateway.ProviderAlpha,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw))),
		}
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func refundStatusFromTransactionStatus(status string, fallback gateway.RefundStatus) gateway.RefundStatus {
	switch status {
	case transactionStatusSuccess:
		return gateway.RefundCompleted
	case refundStatusProcessing, refundStatusSentToBank:
		return gateway.RefundProcessing
	case refundStatusRejected:
		return gateway.RefundFailed
	default:
		return fallback
	}
}
