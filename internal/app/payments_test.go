package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
	"github.com/coursemarket/settlement-service/pkg/gateway"
	"github.com/coursemarket/settlement-service/pkg/gateway/beta"
	"github.com/coursemarket/settlement-service/pkg/signature"
)

func (e *testEnv) publishedCourse(price int64) *catalogclient.CourseVersion {
	categoryID := uuid.New()
	version := &catalogclient.CourseVersion{
		CourseID:   uuid.New(),
		VersionID:  uuid.New(),
		TeacherID:  uuid.New(),
		CategoryID: &categoryID,
		Title:      "Distributed Systems 101",
		Price:      decimal.NewFromInt(price),
		Currency:   "vnd",
		Published:  true,
	}
	e.catalog.versions[version.VersionID] = version
	return version
}

func TestInitiatePayment_PersistsPendingSnapshot(t *testing.T) {
	env := newTestEnv(t)
	version := env.publishedCourse(1000000)
	studentID := uuid.New()

	result, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{
		StudentID:       studentID,
		CourseVersionID: version.VersionID,
		Provider:        "ALPHA",
		ClientIP:        "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("InitiatePayment returned error: %v", err)
	}
	if !strings.HasSuffix(result.RedirectURL, "?ref="+result.Transaction.OrderRef) {
		t.Fatalf("unexpected redirect url %q", result.RedirectURL)
	}

	stored := env.repo.transaction(t, result.Transaction.ID)
	if stored.Status != domain.TransactionPending {
		t.Fatalf("expected PENDING, got %s", stored.Status)
	}
	if stored.TeacherID != version.TeacherID || stored.CategoryID == nil || *stored.CategoryID != *version.CategoryID {
		t.Fatal("expected teacher and category to be snapshotted from the catalog")
	}
	if stored.StudentID != studentID || stored.Currency != "VND" || !stored.Amount.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("unexpected snapshot: %+v", stored)
	}
	if stored.Provider != string(gateway.ProviderAlpha) {
		t.Fatalf("expected alpha provider, got %s", stored.Provider)
	}
}

func TestInitiatePayment_GatewayFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	version := env.publishedCourse(500000)
	env.alpha.createErr = &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: "create", Err: errNetwork}

	_, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{
		StudentID:       uuid.New(),
		CourseVersionID: version.VersionID,
		Provider:        gateway.ProviderAlpha,
	})
	if !errors.Is(err, gateway.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(env.repo.txs) != 0 {
		t.Fatalf("expected no transaction rows, got %d", len(env.repo.txs))
	}
}

func TestInitiatePayment_Rejections(t *testing.T) {
	t.Run("unsupported provider", func(t *testing.T) {
		env := newTestEnv(t)
		version := env.publishedCourse(500000)
		_, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{StudentID: uuid.New(), CourseVersionID: version.VersionID, Provider: "gamma"})
		if !errors.Is(err, gateway.ErrUnsupportedProvider) {
			t.Fatalf("expected unsupported provider, got %v", err)
		}
		if env.alpha.createCalls != 0 {
			t.Fatal("expected no gateway call")
		}
	})

	t.Run("unpublished course", func(t *testing.T) {
		env := newTestEnv(t)
		version := env.publishedCourse(500000)
		version.Published = false
		_, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{StudentID: uuid.New(), CourseVersionID: version.VersionID, Provider: gateway.ProviderAlpha})
		if !errors.Is(err, ErrCourseNotPurchasable) {
			t.Fatalf("expected ErrCourseNotPurchasable, got %v", err)
		}
	})

	t.Run("unknown course version", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{StudentID: uuid.New(), CourseVersionID: uuid.New(), Provider: gateway.ProviderAlpha})
		if !errors.Is(err, catalogclient.ErrCourseVersionNotFound) {
			t.Fatalf("expected ErrCourseVersionNotFound, got %v", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		env := newTestEnv(t)
		version := env.publishedCourse(500000)
		env.svc.settings.CheckoutLimitPerMinute = 1
		env.svc.SetRateLimiter(&stubLimiter{count: 1, retryAfter: 42})

		_, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{StudentID: uuid.New(), CourseVersionID: version.VersionID, Provider: gateway.ProviderAlpha})
		var limited *RateLimitError
		if !errors.As(err, &limited) || limited.RetryAfterSeconds != 42 {
			t.Fatalf("expected RateLimitError with retry 42, got %v", err)
		}
		if env.alpha.createCalls != 0 {
			t.Fatal("expected no gateway call")
		}
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		env := newTestEnv(t)
		version := env.publishedCourse(500000)
		env.svc.settings.CheckoutLimitPerMinute = 1
		env.svc.SetRateLimiter(&stubLimiter{err: errNetwork})

		if _, err := env.svc.InitiatePayment(context.Background(), CheckoutInput{StudentID: uuid.New(), CourseVersionID: version.VersionID, Provider: gateway.ProviderAlpha}); err != nil {
			t.Fatalf("expected checkout to proceed, got %v", err)
		}
	})
}

func TestHandleCallback_SuccessIsAppliedOnce(t *testing.T) {
	env := newTestEnv(t)
	tx := env.seedPending(t, uuid.New(), nil, 1000000, testNow.Add(-time.Minute))

	outcome, err := env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, callbackFields(tx, "00"))
	if err != nil || outcome != gateway.OutcomeApplied {
		t.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	settled := env.repo.transaction(t, tx.ID)
	if settled.Status != domain.TransactionSuccess {
		t.Fatalf("expected SUCCESS, got %s", settled.Status)
	}
	if !settled.TransactionFee.Equal(decimal.NewFromInt(20000)) || !settled.NetAmount.Decimal.Equal(decimal.NewFromInt(980000)) {
		t.Fatalf("expected fee 20000 and net 980000, got %s/%s", settled.TransactionFee, settled.NetAmount.Decimal)
	}

	env.svc.now = func() time.Time { return testNow.Add(time.Hour) }
	replay := callbackFields(tx, "00")
	replay["ptx"] = "99999999"
	outcome, err = env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, replay)
	if err != nil || outcome != gateway.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s (%v)", outcome, err)
	}

	after := env.repo.transaction(t, tx.ID)
	if !after.PaidAt.Equal(*settled.PaidAt) || !after.NetAmount.Decimal.Equal(settled.NetAmount.Decimal) {
		t.Fatal("replayed callback changed paid_at or net_amount")
	}
	if *after.ProviderTransactionID != "14000001" {
		t.Fatalf("replayed callback changed provider transaction id to %s", *after.ProviderTransactionID)
	}
	if got := env.publisher.count(domain.EventPaymentSucceeded); got != 1 {
		t.Fatalf("expected one payment.succeeded event, got %d", got)
	}
}

func TestHandleCallback_ConcurrentDeliveryAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	tx := env.seedPending(t, uuid.New(), nil, 250000, testNow.Add(-time.Minute))

	const deliveries = 16
	outcomes := make(chan gateway.CallbackOutcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, callbackFields(tx, "00"))
			if err != nil {
				t.Errorf("HandleCallback returned error: %v", err)
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied, duplicates := 0, 0
	for outcome := range outcomes {
		switch outcome {
		case gateway.OutcomeApplied:
			applied++
		case gateway.OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	if applied != 1 || duplicates != deliveries-1 {
		t.Fatalf("expected 1 applied and %d duplicates, got %d/%d", deliveries-1, applied, duplicates)
	}
	if env.repo.txWrites != 1 {
		t.Fatalf("expected exactly one write, got %d", env.repo.txWrites)
	}
}

func TestHandleCallback_RejectedCallbacksNeverMutate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(gateway.Fields)
		want   gateway.CallbackOutcome
	}{
		{name: "bad signature", mutate: func(f gateway.Fields) { f["mac"] = "forged" }, want: gateway.OutcomeSignatureInvalid},
		{name: "unknown order", mutate: func(f gateway.Fields) { f["order"] = "ffffffffffffffffffffffffffffffff" }, want: gateway.OutcomeOrderNotFound},
		{name: "amount mismatch", mutate: func(f gateway.Fields) { f["amount"] = "1" }, want: gateway.OutcomeAmountMismatch},
		{name: "unreadable amount", mutate: func(f gateway.Fields) { f["amount"] = "lots" }, want: gateway.OutcomeMalformed},
		{name: "missing order", mutate: func(f gateway.Fields) { delete(f, "order") }, want: gateway.OutcomeMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			tx := env.seedPending(t, uuid.New(), nil, 300000, testNow.Add(-time.Minute))
			fields := callbackFields(tx, "00")
			tc.mutate(fields)

			outcome, err := env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, fields)
			if err != nil {
				t.Fatalf("HandleCallback returned error: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, outcome)
			}
			if env.repo.txWrites != 0 || env.repo.transaction(t, tx.ID).Status != domain.TransactionPending {
				t.Fatal("rejected callback mutated the transaction")
			}
			if len(env.publisher.routingKeys()) != 0 {
				t.Fatal("rejected callback published an event")
			}
		})
	}
}

func TestHandleCallback_FailureThenLateSuccessIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	tx := env.seedPending(t, uuid.New(), nil, 300000, testNow.Add(-time.Minute))

	outcome, err := env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, callbackFields(tx, "24"))
	if err != nil || outcome != gateway.OutcomeApplied {
		t.Fatalf("expected applied failure, got %s (%v)", outcome, err)
	}
	failed := env.repo.transaction(t, tx.ID)
	if failed.Status != domain.TransactionFailed || failed.ErrorCode == nil || *failed.ErrorCode != "24" {
		t.Fatalf("expected FAILED with code 24, got %+v", failed)
	}

	outcome, err = env.svc.HandleCallback(context.Background(), gateway.ProviderAlpha, callbackFields(tx, "00"))
	if err != nil || outcome != gateway.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s (%v)", outcome, err)
	}
	if env.repo.transaction(t, tx.ID).Status != domain.TransactionFailed {
		t.Fatal("late success must not resurrect a failed transaction")
	}
}

func TestHandleCallback_BetaTamperedDataIsRejected(t *testing.T) {
	repo := newMemRepo()
	client := beta.NewClient(beta.Config{AppID: "2553", Key1: "key1-secret", Key2: "key2-secret", Endpoint: "https://beta.test"})
	svc := NewService(repo, gateway.NewRegistry(client), nil, &recordingPublisher{}, Settings{Location: vietnamTime}, zap.NewNop())
	svc.now = func() time.Time { return testNow }

	tx, err := domain.NewPaymentTransaction(domain.NewTransactionParams{
		StudentID: uuid.New(), TeacherID: uuid.New(), Provider: "beta",
		Amount: decimal.NewFromInt(50000), Currency: "VND", CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("NewPaymentTransaction: %v", err)
	}
	if err := repo.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	data := `{"app_id":2553,"app_trans_id":"240620_2553_` + tx.OrderRef + `","app_user":"student-1","amount":50000,"zp_trans_id":240620000000123}`
	mac := signature.SHA256(nil, false).Sign("key2-secret", data)
	parse := func(payload string) gateway.Fields {
		body, _ := json.Marshal(map[string]interface{}{"data": payload, "mac": mac, "type": 1})
		fields, err := client.ParseCallback(httptest.NewRequest(http.MethodPost, "/payments/callbacks/beta", bytes.NewReader(body)))
		if err != nil {
			t.Fatalf("ParseCallback: %v", err)
		}
		return fields
	}

	tampered := strings.Replace(data, `"amount":50000`, `"amount":50001`, 1)
	outcome, err := svc.HandleCallback(context.Background(), gateway.ProviderBeta, parse(tampered))
	if err != nil || outcome != gateway.OutcomeSignatureInvalid {
		t.Fatalf("expected signature invalid, got %s (%v)", outcome, err)
	}
	if repo.txWrites != 0 {
		t.Fatal("tampered callback mutated the transaction")
	}

	outcome, err = svc.HandleCallback(context.Background(), gateway.ProviderBeta, parse(data))
	if err != nil || outcome != gateway.OutcomeApplied {
		t.Fatalf("expected genuine callback to apply, got %s (%v)", outcome, err)
	}
	settled := repo.transaction(t, tx.ID)
	if settled.Status != domain.TransactionSuccess || *settled.ProviderTransactionID != "240620000000123" {
		t.Fatalf("unexpected settled transaction %+v", settled)
	}
}

func TestHandleCallback_BetaNonOrderCallbackIsAcknowledged(t *testing.T) {
	repo := newMemRepo()
	client := beta.NewClient(beta.Config{AppID: "2553", Key1: "key1-secret", Key2: "key2-secret", Endpoint: "https://beta.test"})
	publisher := &recordingPublisher{}
	svc := NewService(repo, gateway.NewRegistry(client), nil, publisher, Settings{Location: vietnamTime}, zap.NewNop())
	svc.now = func() time.Time { return testNow }

	tx, err := domain.NewPaymentTransaction(domain.NewTransactionParams{
		StudentID: uuid.New(), TeacherID: uuid.New(), Provider: "beta",
		Amount: decimal.NewFromInt(50000), Currency: "VND", CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("NewPaymentTransaction: %v", err)
	}
	if err := repo.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	data := `{"app_id":2553,"app_trans_id":"240620_2553_` + tx.OrderRef + `","app_user":"student-1","amount":50000,"zp_trans_id":240620000000124}`
	mac := signature.SHA256(nil, false).Sign("key2-secret", data)
	body, _ := json.Marshal(map[string]interface{}{"data": data, "mac": mac, "type": 2})
	fields, err := client.ParseCallback(httptest.NewRequest(http.MethodPost, "/payments/callbacks/beta", bytes.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}

	outcome, err := svc.HandleCallback(context.Background(), gateway.ProviderBeta, fields)
	if err != nil || outcome != gateway.OutcomeIgnored {
		t.Fatalf("expected ignored, got %s (%v)", outcome, err)
	}
	if repo.txWrites != 0 || len(publisher.routingKeys()) != 0 {
		t.Fatal("non-order callback must not touch the transaction")
	}
	if got := repo.transaction(t, tx.ID); got.Status != domain.TransactionPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if _, ack := client.Acknowledge(outcome); ack.(beta.CallbackResponse).ReturnCode != 1 {
		t.Fatalf("expected ignored callback to be acknowledged as success, got %+v", ack)
	}
}

func TestReconcilePendingPayments(t *testing.T) {
	env := newTestEnv(t)
	created := testNow.Add(-time.Hour)
	paid := env.seedPending(t, uuid.New(), nil, 100000, created)
	declined := env.seedPending(t, uuid.New(), nil, 100000, created.Add(time.Second))
	abandoned := env.seedPending(t, uuid.New(), nil, 100000, created.Add(2*time.Second))
	waiting := env.seedPending(t, uuid.New(), nil, 100000, created.Add(3*time.Second))
	fresh := env.seedPending(t, uuid.New(), nil, 100000, testNow)

	env.alpha.payments = map[string]*gateway.PaymentStatusResult{
		paid.OrderRef:      {Status: gateway.PaymentPaid, ProviderTransactionID: "14000777", Amount: decimal.NewFromInt(100000), ResultCode: "00"},
		declined.OrderRef:  {Status: gateway.PaymentFailed, ResultCode: "02", Message: "declined by issuer"},
		abandoned.OrderRef: {Status: gateway.PaymentNotFound, ResultCode: "91"},
	}

	summary, err := env.svc.ReconcilePendingPayments(context.Background(), testNow.Add(-20*time.Minute), 100)
	if err != nil {
		t.Fatalf("ReconcilePendingPayments returned error: %v", err)
	}
	want := ReconcileSummary{Checked: 4, Settled: 1, Failed: 2, Unchanged: 1}
	if summary != want {
		t.Fatalf("expected %+v, got %+v", want, summary)
	}

	if got := env.repo.transaction(t, paid.ID); got.Status != domain.TransactionSuccess || *got.ProviderTransactionID != "14000777" {
		t.Fatalf("expected paid transaction settled, got %+v", got)
	}
	if got := env.repo.transaction(t, declined.ID); got.Status != domain.TransactionFailed || *got.FailureReason != "declined by issuer" {
		t.Fatalf("expected declined transaction failed, got %+v", got)
	}
	if got := env.repo.transaction(t, abandoned.ID); got.Status != domain.TransactionFailed || *got.ErrorCode != "EXPIRED" {
		t.Fatalf("expected abandoned transaction expired, got %+v", got)
	}
	for _, id := range []uuid.UUID{waiting.ID, fresh.ID} {
		if env.repo.transaction(t, id).Status != domain.TransactionPending {
			t.Fatalf("expected %s to stay pending", id)
		}
	}
}

func TestReconcilePendingPayments_TransportErrorLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	tx := env.seedPending(t, uuid.New(), nil, 100000, testNow.Add(-time.Hour))
	env.alpha.paymentErr = &gateway.TransportError{Provider: gateway.ProviderAlpha, Op: "querydr", Err: errNetwork}

	summary, err := env.svc.ReconcilePendingPayments(context.Background(), testNow, 100)
	if err != nil {
		t.Fatalf("ReconcilePendingPayments returned error: %v", err)
	}
	if summary.Errors != 1 || env.repo.transaction(t, tx.ID).Status != domain.TransactionPending {
		t.Fatalf("expected one error and a pending transaction, got %+v", summary)
	}
}

func TestTransactionSplit(t *testing.T) {
	env := newTestEnv(t)
	env.seedConfig(t, nil, 90, "2024-01-01")
	tx := env.seedSettled(t, uuid.New(), nil, 1000000, 20000, time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))

	split, err := env.svc.TransactionSplit(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("TransactionSplit returned error: %v", err)
	}
	if !split.NetAmount.Equal(decimal.NewFromInt(980000)) ||
		!split.TeacherRevenue.Equal(decimal.NewFromInt(882000)) ||
		!split.PlatformRevenue.Equal(decimal.NewFromInt(98000)) {
		t.Fatalf("unexpected split %+v", split)
	}
	if split.PaidOn != "2024-06-10" {
		t.Fatalf("expected paid on 2024-06-10, got %s", split.PaidOn)
	}
}

func TestTransactionSplit_ConfigGap(t *testing.T) {
	env := newTestEnv(t)
	tx := env.seedSettled(t, uuid.New(), nil, 1000000, 0, time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))

	_, err := env.svc.TransactionSplit(context.Background(), tx.ID)
	var gap *domain.ConfigGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected ConfigGapError, got %v", err)
	}
}
