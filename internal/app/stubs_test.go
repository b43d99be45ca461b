package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
	"github.com/coursemarket/settlement-service/pkg/gateway"
)

// memRepo is an in-memory store.Repository. Locked updates run under one mutex, which
// gives the same read-check-write atomicity as the row locks of the Postgres store.
type memRepo struct {
	store.Repository

	mu          sync.Mutex
	txs         map[uuid.UUID]domain.PaymentTransaction
	configs     []domain.RevenueShareConfig
	payouts     map[uuid.UUID]domain.Payout
	items       map[uuid.UUID]domain.PayoutItem
	createTxErr error
	txWrites    int
}

func newMemRepo() *memRepo {
	return &memRepo{
		txs:     make(map[uuid.UUID]domain.PaymentTransaction),
		payouts: make(map[uuid.UUID]domain.Payout),
		items:   make(map[uuid.UUID]domain.PayoutItem),
	}
}

func (r *memRepo) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createTxErr != nil {
		return r.createTxErr
	}
	r.txs[tx.ID] = *tx
	return nil
}

func (r *memRepo) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *memRepo) FindTransactionByOrderRef(ctx context.Context, orderRef string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.OrderRef == orderRef {
			found := tx
			return &found, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) UpdateTransactionLocked(ctx context.Context, id uuid.UUID, mutate store.TransactionMutation) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.txs[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	changed, err := mutate(&current)
	if err != nil {
		return &current, err
	}
	if changed {
		r.txs[id] = current
		r.txWrites++
	}
	return &current, nil
}

func (r *memRepo) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	return r.filterTransactions(func(tx domain.PaymentTransaction) bool {
		return tx.Status == domain.TransactionPending && tx.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *memRepo) ListRefundsInProgress(ctx context.Context, limit int) ([]domain.PaymentTransaction, error) {
	return r.filterTransactions(func(tx domain.PaymentTransaction) bool {
		return tx.Status == domain.TransactionSuccess && tx.RefundStatus == domain.RefundProcessing
	}), nil
}

func (r *memRepo) ListSettleableTransactions(ctx context.Context, paidFrom, paidTo time.Time) ([]domain.PaymentTransaction, error) {
	r.mu.Lock()
	settled := make(map[uuid.UUID]bool, len(r.items))
	for id := range r.items {
		settled[id] = true
	}
	r.mu.Unlock()
	return r.filterTransactions(func(tx domain.PaymentTransaction) bool {
		return tx.Status == domain.TransactionSuccess &&
			tx.NetAmount.Valid &&
			tx.RefundStatus != domain.RefundProcessing &&
			!tx.PaidAt.Before(paidFrom) && tx.PaidAt.Before(paidTo) &&
			!settled[tx.ID]
	}), nil
}

func (r *memRepo) filterTransactions(keep func(domain.PaymentTransaction) bool) []domain.PaymentTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, tx := range r.txs {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) ListRevenueShareConfigs(ctx context.Context, filter store.RevenueShareFilter) ([]domain.RevenueShareConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RevenueShareConfig
	for _, cfg := range r.configs {
		if filter.ActiveOnly && !cfg.IsActive {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (r *memRepo) CreateRevenueShareConfig(ctx context.Context, cfg *domain.RevenueShareConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.configs {
		if r.configs[i].IsActive && r.configs[i].SameScope(cfg) && r.configs[i].OverlapsWith(cfg) {
			return domain.ErrConfigOverlap
		}
	}
	r.configs = append(r.configs, *cfg)
	return nil
}

func (r *memRepo) CloneRevenueShareConfig(ctx context.Context, id uuid.UUID, version store.ConfigVersioner) (*domain.RevenueShareConfig, *domain.RevenueShareConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.configs {
		if r.configs[i].ID != id {
			continue
		}
		current := r.configs[i]
		next, err := version(&current)
		if err != nil {
			return nil, nil, err
		}
		r.configs[i] = current
		r.configs = append(r.configs, *next)
		return &current, next, nil
	}
	return nil, nil, store.ErrRevenueShareNotFound
}

func (r *memRepo) DeactivateRevenueShareConfig(ctx context.Context, id uuid.UUID, at time.Time) (*domain.RevenueShareConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.configs {
		if r.configs[i].ID == id {
			r.configs[i].Deactivate(at)
			cfg := r.configs[i]
			return &cfg, nil
		}
	}
	return nil, store.ErrRevenueShareNotFound
}

func (r *memRepo) CreatePayoutWithItems(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payouts {
		if existing.TeacherID == payout.TeacherID && existing.Period == payout.Period &&
			existing.RevenueSharePercentage.Decimal.Equal(payout.RevenueSharePercentage.Decimal) {
			return store.ErrPayoutExists
		}
	}
	for _, item := range items {
		if _, taken := r.items[item.TransactionID]; taken {
			return store.ErrTransactionAlreadySettled
		}
	}
	r.payouts[payout.ID] = *payout
	for _, item := range items {
		r.items[item.TransactionID] = item
	}
	return nil
}

func (r *memRepo) FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[id]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	return &p, nil
}

func (r *memRepo) ListPayouts(ctx context.Context, filter store.PayoutFilter) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payout
	for _, p := range r.payouts {
		if filter.Period != "" && p.Period != filter.Period {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *memRepo) ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PayoutItem
	for _, item := range r.items {
		if item.PayoutID == payoutID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (r *memRepo) UpdatePayoutLocked(ctx context.Context, id uuid.UUID, mutate store.PayoutMutation) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.payouts[id]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	changed, err := mutate(&current)
	if err != nil {
		return &current, err
	}
	if changed {
		r.payouts[id] = current
	}
	return &current, nil
}

func (r *memRepo) transaction(t *testing.T, id uuid.UUID) domain.PaymentTransaction {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		t.Fatalf("transaction %s not stored", id)
	}
	return tx
}

// stubGateway answers callbacks from plain fields: "mac" must be "ok" to verify and
// "code" "00" means success.
type stubGateway struct {
	gateway.Client

	provider     gateway.Provider
	redirectURL  string
	createErr    error
	createCalls  int
	refund       *gateway.RefundResult
	refundErr    error
	refundCalls  int
	lastRefund   gateway.RefundRequest
	refundStatus *gateway.RefundResult
	refundQryErr error
	payments     map[string]*gateway.PaymentStatusResult
	paymentErr   error
}

func (g *stubGateway) Provider() gateway.Provider { return g.provider }

func (g *stubGateway) CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (string, error) {
	g.createCalls++
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.redirectURL + "?ref=" + req.OrderRef, nil
}

func (g *stubGateway) VerifyCallback(fields gateway.Fields) bool { return fields.Get("mac") == "ok" }
func (g *stubGateway) IsSuccess(fields gateway.Fields) bool      { return fields.Get("code") == "00" }
func (g *stubGateway) ExtractResultCode(fields gateway.Fields) string {
	return fields.Get("code")
}
func (g *stubGateway) ExtractProviderTransactionID(fields gateway.Fields) string {
	return fields.Get("ptx")
}

func (g *stubGateway) ExtractOrderRef(fields gateway.Fields) (string, error) {
	if fields.Get("order") == "" {
		return "", gateway.ErrMalformedCallback
	}
	return fields.Get("order"), nil
}

func (g *stubGateway) ExtractAmount(fields gateway.Fields) (decimal.Decimal, error) {
	return decimal.NewFromString(fields.Get("amount"))
}

func (g *stubGateway) RequestRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.refundCalls++
	g.lastRefund = req
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return g.refund, nil
}

func (g *stubGateway) QueryRefundStatus(ctx context.Context, query gateway.RefundQuery) (*gateway.RefundResult, error) {
	if g.refundQryErr != nil {
		return nil, g.refundQryErr
	}
	return g.refundStatus, nil
}

func (g *stubGateway) QueryPayment(ctx context.Context, query gateway.PaymentQuery) (*gateway.PaymentStatusResult, error) {
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	if res, ok := g.payments[query.OrderRef]; ok {
		return res, nil
	}
	return &gateway.PaymentStatusResult{Status: gateway.PaymentPending}, nil
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}

func (p *recordingPublisher) count(routingKey string) int {
	n := 0
	for _, key := range p.routingKeys() {
		if key == routingKey {
			n++
		}
	}
	return n
}

type stubCatalog struct {
	versions map[uuid.UUID]*catalogclient.CourseVersion
	profiles map[uuid.UUID]*catalogclient.PayoutProfile
}

func (c *stubCatalog) GetCourseVersion(ctx context.Context, versionID uuid.UUID) (*catalogclient.CourseVersion, error) {
	v, ok := c.versions[versionID]
	if !ok {
		return nil, catalogclient.ErrCourseVersionNotFound
	}
	return v, nil
}

func (c *stubCatalog) GetTeacherPayoutProfile(ctx context.Context, teacherID uuid.UUID) (*catalogclient.PayoutProfile, error) {
	p, ok := c.profiles[teacherID]
	if !ok {
		return nil, catalogclient.ErrPayoutProfileNotFound
	}
	return p, nil
}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, l.retryAfter, l.err
}

var (
	testNow     = time.Date(2024, 6, 20, 3, 0, 0, 0, time.UTC)
	errNetwork  = errors.New("connection reset by peer")
	vietnamTime = time.FixedZone("GMT+7", 7*60*60)
)

type testEnv struct {
	svc       *Service
	repo      *memRepo
	alpha     *stubGateway
	publisher *recordingPublisher
	catalog   *stubCatalog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemRepo()
	alpha := &stubGateway{provider: gateway.ProviderAlpha, redirectURL: "https://pay.alpha.test/checkout"}
	publisher := &recordingPublisher{}
	catalog := &stubCatalog{
		versions: map[uuid.UUID]*catalogclient.CourseVersion{},
		profiles: map[uuid.UUID]*catalogclient.PayoutProfile{},
	}
	svc := NewService(repo, gateway.NewRegistry(alpha), catalog, publisher, Settings{
		EventsExchange:  "settlement.events",
		DefaultCurrency: "VND",
		Location:        vietnamTime,
		Fees: map[gateway.Provider]domain.FeeSchedule{
			gateway.ProviderAlpha: {Percent: decimal.NewFromInt(2), Fixed: decimal.Zero},
		},
		PayoutWorkers: 2,
	}, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, repo: repo, alpha: alpha, publisher: publisher, catalog: catalog}
}

// seedPending stores a PENDING alpha transaction of amount for teacher.
func (e *testEnv) seedPending(t *testing.T, teacherID uuid.UUID, categoryID *uuid.UUID, amount int64, createdAt time.Time) *domain.PaymentTransaction {
	t.Helper()
	tx, err := domain.NewPaymentTransaction(domain.NewTransactionParams{
		StudentID:       uuid.New(),
		CourseID:        uuid.New(),
		CourseVersionID: uuid.New(),
		TeacherID:       teacherID,
		CategoryID:      categoryID,
		Provider:        string(gateway.ProviderAlpha),
		Amount:          decimal.NewFromInt(amount),
		Currency:        "VND",
		CreatedAt:       createdAt,
	})
	if err != nil {
		t.Fatalf("NewPaymentTransaction: %v", err)
	}
	if err := e.repo.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	return tx
}

// seedSettled stores a SUCCESS transaction with the given fee, paid at paidAt.
func (e *testEnv) seedSettled(t *testing.T, teacherID uuid.UUID, categoryID *uuid.UUID, amount, fee int64, paidAt time.Time) *domain.PaymentTransaction {
	t.Helper()
	tx := e.seedPending(t, teacherID, categoryID, amount, paidAt.Add(-time.Minute))
	updated, err := e.repo.UpdateTransactionLocked(context.Background(), tx.ID, func(tx *domain.PaymentTransaction) (bool, error) {
		if err := tx.SetTransactionFee(decimal.NewFromInt(fee)); err != nil {
			return false, err
		}
		_, err := tx.MarkSuccess("ptx-"+tx.OrderRef[:8], paidAt)
		return true, err
	})
	if err != nil {
		t.Fatalf("settle transaction: %v", err)
	}
	return updated
}

func (e *testEnv) seedConfig(t *testing.T, categoryID *uuid.UUID, pct int64, from string) *domain.RevenueShareConfig {
	t.Helper()
	start, err := domain.ParseDate(from)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	cfg, err := domain.NewRevenueShareConfig(categoryID, decimal.NewFromInt(pct), start, nil, "", "test", testNow)
	if err != nil {
		t.Fatalf("NewRevenueShareConfig: %v", err)
	}
	if err := e.repo.CreateRevenueShareConfig(context.Background(), cfg); err != nil {
		t.Fatalf("CreateRevenueShareConfig: %v", err)
	}
	return cfg
}

func callbackFields(tx *domain.PaymentTransaction, code string) gateway.Fields {
	return gateway.Fields{
		"mac":    "ok",
		"order":  tx.OrderRef,
		"amount": tx.Amount.String(),
		"code":   code,
		"ptx":    "14000001",
	}
}
