/**
 * @description
 * Package beta integrates the JSON-API provider that authenticates requests with
 * HMAC-SHA-256 over pipe-joined fields. Orders are created server to server; callbacks
 * carry a raw data document signed with a second key.
 *
 * @dependencies
 * - pkg/signature: ordered MAC joins.
 * - github.com/shopspring/decimal: amounts.
 */
package beta

import (
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
	"github.com/shopspring/decimal"
)

const (
	returnCodeSuccess    = 1
	returnCodeFailed     = 2
	returnCodeProcessing = 3

	callbackTypeOrder = "1"
	datePrefixLayout  = "060102"
)

// Config holds application credentials for the provider.
type Config struct {
	AppID            string
	Key1             string
	Key2             string
	Endpoint         string
	CallbackURL      string
	ExpireAfter      time.Duration
	AmountMultiplier int64
	Location         *time.Location
	HTTPClient       *http.Client
	Now              func() time.Time
}

// Client implements gateway.Client for the beta provider.
type Client struct {
	cfg        Config
	scheme     signature.Scheme
	httpClient *http.Client
	now        func() time.Time
}

// CallbackResponse is the acknowledgement body the provider expects from the callback endpoint.
type CallbackResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}

type apiResponse struct {
	ReturnCode       int         `json:"return_code"`
	ReturnMessage    string      `json:"return_message"`
	SubReturnCode    int         `json:"sub_return_code"`
	SubReturnMessage string      `json:"sub_return_message"`
	OrderURL         string      `json:"order_url"`
	ZPTransToken     string      `json:"zp_trans_token"`
	RefundID         json.Number `json:"refund_id"`
	ZPTransID        json.Number `json:"zp_trans_id"`
	Amount           json.Number `json:"amount"`
	IsProcessing     bool        `json:"is_processing"`
}

// NewClient applies protocol defaults and returns a ready client.
func NewClient(cfg Config) *Client {
	if cfg.AmountMultiplier <= 0 {
		cfg.AmountMultiplier = 1
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.FixedZone("GMT+7", 7*60*60)
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
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
		scheme:     signature.SHA256(nil, false),
		httpClient: httpClient,
		now:        now,
	}
}

func (c *Client) Provider() gateway.Provider { return gateway.ProviderBeta }

// AppTransID formats the provider order identifier as yyMMdd_appid_orderRef.
func (c *Client) AppTransID(created time.Time, orderRef string) string {
	return created.In(c.cfg.Location).Format(datePrefixLayout) + "_" + c.cfg.AppID + "_" + orderRef
}

// CreatePaymentRequest registers the order with the provider and returns its order URL.
func (c *Client) CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (string, error) {
	amount, err := gateway.ToProviderUnits(req.Amount, c.cfg.AmountMultiplier)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(req.OrderRef) == "" {
		return "", fmt.Errorf("beta: order reference is required")
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	appUser := strings.TrimSpace(req.UserRef)
	if appUser == "" {
		appUser = "anonymous"
	}

	form := url.Values{}
	form.Set("app_id", c.cfg.AppID)
	form.Set("app_user", appUser)
	form.Set("app_trans_id", c.AppTransID(created, req.OrderRef))
	form.Set("app_time", strconv.FormatInt(created.UnixMilli(), 10))
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("item", "[]")
	form.Set("embed_data", "{}")
	form.Set("description", req.Description)
	form.Set("callback_url", c.cfg.CallbackURL)
	form.Set("expire_duration_seconds", strconv.FormatInt(int64(c.cfg.ExpireAfter/time.Second), 10))
	form.Set("mac", c.scheme.Sign(c.cfg.Key1, c.scheme.Join(
		form.Get("app_id"), form.Get("app_trans_id"), form.Get("app_user"), form.Get("amount"),
		form.Get("app_time"), form.Get("embed_data"), form.Get("item"),
	)))

	resp, err := c.postForm(ctx, "create_order", "/v2/create", form)
	if err != nil {
		return "", err
	}
	if resp.ReturnCode != returnCodeSuccess || resp.OrderURL == "" {
		return "", &gateway.ProviderError{
			Provider: gateway.ProviderBeta,
			Op:       "create_order",
			Code:     strconv.Itoa(resp.SubReturnCode),
			Message:  firstNonEmpty(resp.SubReturnMessage, resp.ReturnMessage),
		}
	}
	return resp.OrderURL, nil
}

// ValidateAmount reports whether amount converts to whole provider units.
func (c *Client) ValidateAmount(amount decimal.Decimal) error {
	_, err := gateway.ToProviderUnits(amount, c.cfg.AmountMultiplier)
	return err
}

// ParseCallback decodes the {data, mac, type} envelope and flattens the data document
// alongside it. The raw data string is kept under "data" for MAC verification.
func (c *Client) ParseCallback(r *http.Request) (gateway.Fields, error) {
	var envelope struct {
		Data string          `json:"data"`
		Mac  string          `json:"mac"`
		Type json.RawMessage `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedCallback, err)
	}
	if envelope.Data == "" || envelope.Mac == "" {
		return nil, fmt.Errorf("%w: data and mac are required", gateway.ErrMalformedCallback)
	}

	fields := gateway.Fields{
		"data": envelope.Data,
		"mac":  envelope.Mac,
		"type": strings.Trim(string(envelope.Type), `"`),
	}

	decoder := json.NewDecoder(strings.NewReader(envelope.Data))
	decoder.UseNumber()
	var data map[string]interface{}
	if err := decoder.Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: data is not a json object: %v", gateway.ErrMalformedCallback, err)
	}
	for key, value := range data {
		if _, reserved := fields[key]; reserved {
			continue
		}
		fields[key] = stringify(value)
	}
	return fields, nil
}

func (c *Client) VerifyCallback(fields gateway.Fields) bool {
	data, mac := fields["data"], fields.Get("mac")
	if data == "" || mac == "" {
		return false
	}
	return c.scheme.VerifyRaw(c.cfg.Key2, data, mac)
}

// IsPaymentResult accepts order callbacks. Envelopes without a type predate the field
// and are orders as well.
func (c *Client) IsPaymentResult(fields gateway.Fields) bool {
	switch fields.Get("type") {
	case callbackTypeOrder, "":
		return true
	default:
		return false
	}
}

// IsSuccess is true for every order callback: the provider only calls back once a
// payment has gone through.
func (c *Client) IsSuccess(fields gateway.Fields) bool {
	return c.IsPaymentResult(fields)
}

func (c *Client) ExtractOrderRef(fields gateway.Fields) (string, error) {
	appTransID := fields.Get("app_trans_id")
	parts := strings.SplitN(appTransID, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("%w: unexpected app_trans_id %q", gateway.ErrMalformedCallback, appTransID)
	}
	return parts[2], nil
}

func (c *Client) ExtractProviderTransactionID(fields gateway.Fields) string {
	return fields.Get("zp_trans_id")
}

func (c *Client) ExtractAmount(fields gateway.Fields) (decimal.Decimal, error) {
	return gateway.FromProviderUnits(fields.Get("amount"), c.cfg.AmountMultiplier)
}

func (c *Client) ExtractResultCode(fields gateway.Fields) string {
	return fields.Get("type")
}

// Acknowledge maps an outcome onto the provider's callback return codes. A zero return
// code asks the provider to deliver the callback again.
func (c *Client) Acknowledge(outcome gateway.CallbackOutcome) (int, interface{}) {
	switch outcome {
	case gateway.OutcomeApplied, gateway.OutcomeDuplicate, gateway.OutcomeIgnored:
		return http.StatusOK, CallbackResponse{ReturnCode: 1, ReturnMessage: "success"}
	case gateway.OutcomeSignatureInvalid:
		return http.StatusOK, CallbackResponse{ReturnCode: -1, ReturnMessage: "mac not equal"}
	case gateway.OutcomeOrderNotFound:
		return http.StatusOK, CallbackResponse{ReturnCode: -1, ReturnMessage: "order not found"}
	case gateway.OutcomeAmountMismatch:
		return http.StatusOK, CallbackResponse{ReturnCode: -1, ReturnMessage: "amount mismatch"}
	case gateway.OutcomeMalformed:
		return http.StatusOK, CallbackResponse{ReturnCode: -1, ReturnMessage: "invalid callback"}
	default:
		return http.StatusOK, CallbackResponse{ReturnCode: 0, ReturnMessage: "retry"}
	}
}

// MRefundID formats the merchant refund identifier as yyMMdd_appid_refundRef.
func (c *Client) MRefundID(requested time.Time, refundRef string) string {
	return requested.In(c.cfg.Location).Format(datePrefixLayout) + "_" + c.cfg.AppID + "_" + refundRef
}

// RequestRefund submits a refund against the provider transaction.
func (c *Client) RequestRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	amount, err := gateway.ToProviderUnits(req.Amount, c.cfg.AmountMultiplier)
	if err != nil {
		return nil, err
	}
	requested := req.RequestedAt
	if requested.IsZero() {
		requested = c.now()
	}
	description := strings.TrimSpace(req.Reason)
	if description == "" {
		description = "Refund " + req.OrderRef
	}

	form := url.Values{}
	form.Set("app_id", c.cfg.AppID)
	form.Set("m_refund_id", c.MRefundID(requested, req.RefundRef))
	form.Set("zp_trans_id", req.ProviderTransactionID)
	form.Set("amount", strconv.FormatInt(amount, 10))
	form.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	form.Set("description", description)
	form.Set("mac", c.scheme.Sign(c.cfg.Key1, c.scheme.Join(
		form.Get("app_id"), form.Get("zp_trans_id"), form.Get("amount"),
		form.Get("description"), form.Get("timestamp"),
	)))

	resp, err := c.postForm(ctx, "refund", "/v2/refund", form)
	if err != nil {
		return nil, err
	}
	return refundResult(resp), nil
}

// QueryRefundStatus looks up a refund by its merchant refund identifier.
func (c *Client) QueryRefundStatus(ctx context.Context, query gateway.RefundQuery) (*gateway.RefundResult, error) {
	form := url.Values{}
	form.Set("app_id", c.cfg.AppID)
	form.Set("m_refund_id", c.MRefundID(query.RequestedAt, query.RefundRef))
	form.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	form.Set("mac", c.scheme.Sign(c.cfg.Key1, c.scheme.Join(
		form.Get("app_id"), form.Get("m_refund_id"), form.Get("timestamp"),
	)))

	resp, err := c.postForm(ctx, "query_refund", "/v2/query_refund", form)
	if err != nil {
		return nil, err
	}
	return refundResult(resp), nil
}

// QueryPayment looks up an order by its app_trans_id.
func (c *Client) QueryPayment(ctx context.Context, query gateway.PaymentQuery) (*gateway.PaymentStatusResult, error) {
	form := url.Values{}
	form.Set("app_id", c.cfg.AppID)
	form.Set("app_trans_id", c.AppTransID(query.CreatedAt, query.OrderRef))
	form.Set("mac", c.scheme.Sign(c.cfg.Key1, c.scheme.Join(
		form.Get("app_id"), form.Get("app_trans_id"), c.cfg.Key1,
	)))

	resp, err := c.postForm(ctx, "query_order", "/v2/query", form)
	if err != nil {
		return nil, err
	}

	result := &gateway.PaymentStatusResult{
		ProviderTransactionID: resp.ZPTransID.String(),
		ResultCode:            strconv.Itoa(resp.ReturnCode),
		Message:               firstNonEmpty(resp.SubReturnMessage, resp.ReturnMessage),
	}
	if resp.Amount != "" {
		amount, err := gateway.FromProviderUnits(resp.Amount.String(), c.cfg.AmountMultiplier)
		if err != nil {
			return nil, err
		}
		result.Amount = amount
	}
	switch {
	case resp.ReturnCode == returnCodeSuccess:
		result.Status = gateway.PaymentPaid
	case resp.ReturnCode == returnCodeProcessing || resp.IsProcessing:
		result.Status = gateway.PaymentPending
	case resp.ReturnCode == returnCodeFailed:
		result.Status = gateway.PaymentFailed
	default:
		return nil, &gateway.ProviderError{Provider: gateway.ProviderBeta, Op: "query_order", Code: result.ResultCode, Message: result.Message}
	}
	return result, nil
}

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("beta %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderBeta, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderBeta, Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &gateway.TransportError{
			Provider:   gateway.ProviderBeta,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw))),
		}
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gateway.TransportError{Provider: gateway.ProviderBeta, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

func refundResult(resp *apiResponse) *gateway.RefundResult {
	result := &gateway.RefundResult{
		ProviderRefundID: resp.RefundID.String(),
		ResultCode:       strconv.Itoa(resp.ReturnCode),
		Message:          firstNonEmpty(resp.SubReturnMessage, resp.ReturnMessage),
	}
	switch resp.ReturnCode {
	case returnCodeSuccess:
		result.Status = gateway.RefundCompleted
	case returnCodeProcessing:
		result.Status = gateway.RefundProcessing
	default:
		result.Status = gateway.RefundFailed
	}
	return result
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
