package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
)

func findPayout(t *testing.T, payouts []domain.Payout, teacherID uuid.UUID, pct int64) domain.Payout {
	t.Helper()
	for _, p := range payouts {
		if p.TeacherID == teacherID && p.RevenueSharePercentage.Decimal.Equal(decimal.NewFromInt(pct)) {
			return p
		}
	}
	t.Fatalf("no payout for teacher %s at %d%%", teacherID, pct)
	return domain.Payout{}
}

func mustDate(t *testing.T, raw string) time.Time {
	t.Helper()
	d, err := domain.ParseDate(raw)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", raw, err)
	}
	return d
}

// seedMayScenario stores a default config that drops from 90% to 85% on 2024-05-16 and
// three May transactions for two teachers.
func seedMayScenario(t *testing.T, env *testEnv) (uuid.UUID, uuid.UUID) {
	t.Helper()
	cfg := env.seedConfig(t, nil, 90, "2024-01-01")
	if _, _, err := env.svc.CloneRevenueShareConfig(context.Background(), cfg.ID, CloneInput{
		Percentage:    decimal.NewFromInt(85),
		EffectiveFrom: mustDate(t, "2024-05-16"),
		CreatedBy:     "finance",
	}); err != nil {
		t.Fatalf("CloneRevenueShareConfig: %v", err)
	}

	teacherA, teacherB := uuid.New(), uuid.New()
	env.seedSettled(t, teacherA, nil, 1000000, 20000, time.Date(2024, 5, 10, 4, 0, 0, 0, time.UTC))
	env.seedSettled(t, teacherA, nil, 500000, 0, time.Date(2024, 5, 20, 4, 0, 0, 0, time.UTC))
	// 01:00 on 1 May local time.
	env.seedSettled(t, teacherB, nil, 200000, 0, time.Date(2024, 4, 30, 18, 0, 0, 0, time.UTC))
	// 03:00 on 1 June local time.
	env.seedSettled(t, teacherB, nil, 300000, 0, time.Date(2024, 5, 31, 20, 0, 0, 0, time.UTC))

	env.catalog.profiles[teacherA] = &catalogclient.PayoutProfile{
		TeacherID:     teacherA,
		BankName:      "Vietcombank",
		AccountNumber: "0071000123456",
		AccountName:   "NGUYEN VAN A",
	}
	return teacherA, teacherB
}

func TestBuildPayoutBatch_GroupsByTeacherAndPercentage(t *testing.T) {
	env := newTestEnv(t)
	teacherA, teacherB := seedMayScenario(t, env)

	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("BuildPayoutBatch returned error: %v", err)
	}
	if report.Transactions != 3 || report.Teachers != 2 || len(report.Created) != 3 || len(report.Failures) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	tests := []struct {
		name    string
		teacher uuid.UUID
		pct     int64
		total   int64
		amount  int64
		items   int
	}{
		{name: "teacher A before the change", teacher: teacherA, pct: 90, total: 980000, amount: 882000, items: 1},
		{name: "teacher A after the change", teacher: teacherA, pct: 85, total: 500000, amount: 425000, items: 1},
		{name: "teacher B at local month start", teacher: teacherB, pct: 90, total: 200000, amount: 180000, items: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := findPayout(t, report.Created, tc.teacher, tc.pct)
			if p.Status != domain.PayoutPending || p.Period != "2024-05" || p.Currency != "VND" {
				t.Fatalf("unexpected payout header %+v", p)
			}
			if !p.TotalRevenue.Decimal.Equal(decimal.NewFromInt(tc.total)) {
				t.Errorf("total revenue = %s, want %d", p.TotalRevenue.Decimal, tc.total)
			}
			if !p.Amount.Equal(decimal.NewFromInt(tc.amount)) || !p.NetAmount.Equal(p.Amount) {
				t.Errorf("amount = %s net = %s, want %d", p.Amount, p.NetAmount, tc.amount)
			}
			if p.TotalEnrollments != tc.items || p.CalculatedAt == nil {
				t.Errorf("unexpected enrollments %d or calculation time", p.TotalEnrollments)
			}
			items, err := env.repo.ListPayoutItems(context.Background(), p.ID)
			if err != nil || len(items) != tc.items {
				t.Fatalf("expected %d items, got %d (%v)", tc.items, len(items), err)
			}
		})
	}

	withBank := findPayout(t, report.Created, teacherA, 90)
	if withBank.BankAccountNumber == nil || *withBank.BankAccountNumber != "0071000123456" {
		t.Fatalf("expected bank destination from payout profile, got %+v", withBank)
	}
	if noBank := findPayout(t, report.Created, teacherB, 90); noBank.BankName != nil {
		t.Fatalf("expected empty bank destination, got %v", *noBank.BankName)
	}
	if env.publisher.count(domain.EventPayoutCreated) != 3 {
		t.Fatalf("expected 3 payout created events, got %v", env.publisher.routingKeys())
	}
}

func TestBuildPayoutBatch_SecondRunCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	seedMayScenario(t, env)

	if _, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Transactions != 0 || len(report.Created) != 0 {
		t.Fatalf("expected an empty second run, got %+v", report)
	}
	if len(env.repo.payouts) != 3 {
		t.Fatalf("expected 3 stored payouts, got %d", len(env.repo.payouts))
	}
}

func TestBuildPayoutBatch_LateTransactionSkippedWhenPayoutExists(t *testing.T) {
	env := newTestEnv(t)
	teacherA, _ := seedMayScenario(t, env)
	if _, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	late := env.seedSettled(t, teacherA, nil, 100000, 0, time.Date(2024, 5, 12, 4, 0, 0, 0, time.UTC))
	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Skipped != 1 || len(report.Created) != 0 || len(report.Failures) != 0 {
		t.Fatalf("expected one skipped group, got %+v", report)
	}
	if _, settled := env.repo.items[late.ID]; settled {
		t.Fatal("late transaction must stay unsettled")
	}
}

func TestBuildPayoutBatch_ConfigGapHaltsOnlyThatTeacher(t *testing.T) {
	env := newTestEnv(t)
	env.seedConfig(t, nil, 80, "2024-05-10")

	halted, healthy := uuid.New(), uuid.New()
	env.seedSettled(t, halted, nil, 100000, 0, time.Date(2024, 5, 5, 4, 0, 0, 0, time.UTC))
	env.seedSettled(t, halted, nil, 100000, 0, time.Date(2024, 5, 12, 4, 0, 0, 0, time.UTC))
	env.seedSettled(t, healthy, nil, 100000, 0, time.Date(2024, 5, 12, 4, 0, 0, 0, time.UTC))

	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("BuildPayoutBatch returned error: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].TeacherID != halted {
		t.Fatalf("expected a failure for the halted teacher, got %+v", report.Failures)
	}
	if len(report.Created) != 1 || report.Created[0].TeacherID != healthy {
		t.Fatalf("expected one payout for the healthy teacher, got %+v", report.Created)
	}
	if !report.Created[0].Amount.Equal(decimal.NewFromInt(80000)) {
		t.Fatalf("expected 80000, got %s", report.Created[0].Amount)
	}
}

func TestBuildPayoutBatch_CategoryConfigWinsOverDefault(t *testing.T) {
	env := newTestEnv(t)
	category := uuid.New()
	env.seedConfig(t, nil, 70, "2024-01-01")
	env.seedConfig(t, &category, 95, "2024-01-01")

	teacher := uuid.New()
	env.seedSettled(t, teacher, &category, 100000, 0, time.Date(2024, 5, 3, 4, 0, 0, 0, time.UTC))
	env.seedSettled(t, teacher, nil, 100000, 0, time.Date(2024, 5, 4, 4, 0, 0, 0, time.UTC))

	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("BuildPayoutBatch returned error: %v", err)
	}
	if len(report.Created) != 2 {
		t.Fatalf("expected two payouts, got %+v", report.Created)
	}
	if p := findPayout(t, report.Created, teacher, 95); !p.Amount.Equal(decimal.NewFromInt(95000)) {
		t.Fatalf("category payout = %s", p.Amount)
	}
	if p := findPayout(t, report.Created, teacher, 70); !p.Amount.Equal(decimal.NewFromInt(70000)) {
		t.Fatalf("default payout = %s", p.Amount)
	}
}

func TestBuildPayoutBatch_TransferFee(t *testing.T) {
	env := newTestEnv(t)
	env.svc.settings.PayoutTransferFee = decimal.NewFromInt(11000)
	env.seedConfig(t, nil, 90, "2024-01-01")
	teacher, tiny := uuid.New(), uuid.New()
	env.seedSettled(t, teacher, nil, 1000000, 0, time.Date(2024, 5, 3, 4, 0, 0, 0, time.UTC))
	env.seedSettled(t, tiny, nil, 10000, 0, time.Date(2024, 5, 3, 4, 0, 0, 0, time.UTC))

	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil {
		t.Fatalf("BuildPayoutBatch returned error: %v", err)
	}
	p := findPayout(t, report.Created, teacher, 90)
	if !p.TransferFee.Equal(decimal.NewFromInt(11000)) || !p.NetAmount.Equal(decimal.NewFromInt(889000)) {
		t.Fatalf("unexpected fee %s / net %s", p.TransferFee, p.NetAmount)
	}
	small := findPayout(t, report.Created, tiny, 90)
	if !small.TransferFee.IsZero() || !small.NetAmount.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("fee larger than amount must not be applied, got fee %s net %s", small.TransferFee, small.NetAmount)
	}
}

func TestBuildPayoutBatch_InvalidPeriod(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.BuildPayoutBatch(context.Background(), "2024-13"); !errors.Is(err, domain.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func createdPayout(t *testing.T, env *testEnv) domain.Payout {
	t.Helper()
	env.seedConfig(t, nil, 100, "2024-01-01")
	env.seedSettled(t, uuid.New(), nil, 500000, 0, time.Date(2024, 5, 3, 4, 0, 0, 0, time.UTC))
	report, err := env.svc.BuildPayoutBatch(context.Background(), "2024-05")
	if err != nil || len(report.Created) != 1 {
		t.Fatalf("expected one payout, got %+v (%v)", report, err)
	}
	return report.Created[0]
}

func TestPayoutLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("complete once", func(t *testing.T) {
		env := newTestEnv(t)
		p := createdPayout(t, env)

		done, err := env.svc.CompletePayout(ctx, p.ID, "FT24160001", "finance")
		if err != nil {
			t.Fatalf("CompletePayout returned error: %v", err)
		}
		if done.Status != domain.PayoutCompleted || *done.BankTransactionID != "FT24160001" || done.ProcessedAt == nil {
			t.Fatalf("unexpected completed payout %+v", done)
		}
		if _, err := env.svc.CompletePayout(ctx, p.ID, "FT24160002", "finance"); !errors.Is(err, domain.ErrIllegalTransition) {
			t.Fatalf("expected ErrIllegalTransition on second completion, got %v", err)
		}
		if _, err := env.svc.SetPayoutDeductions(ctx, p.ID, decimal.Zero, decimal.NewFromInt(1)); !errors.Is(err, domain.ErrIllegalTransition) {
			t.Fatalf("completed payout must be frozen, got %v", err)
		}
	})

	t.Run("fail and retry", func(t *testing.T) {
		env := newTestEnv(t)
		p := createdPayout(t, env)

		failed, err := env.svc.FailPayout(ctx, p.ID, "account closed", "finance")
		if err != nil || failed.Status != domain.PayoutFailed || *failed.FailureReason != "account closed" {
			t.Fatalf("unexpected failed payout %+v (%v)", failed, err)
		}
		retried, err := env.svc.RetryPayout(ctx, p.ID)
		if err != nil {
			t.Fatalf("RetryPayout returned error: %v", err)
		}
		if retried.Status != domain.PayoutPending || retried.RetryCount != 1 || retried.FailureReason != nil {
			t.Fatalf("unexpected retried payout %+v", retried)
		}
		if !retried.Amount.Equal(p.Amount) || !retried.TotalRevenue.Decimal.Equal(p.TotalRevenue.Decimal) {
			t.Fatal("retry must keep the revenue snapshot")
		}
		if _, err := env.svc.RetryPayout(ctx, p.ID); !errors.Is(err, domain.ErrIllegalTransition) {
			t.Fatalf("expected ErrIllegalTransition retrying a pending payout, got %v", err)
		}
		keys := env.publisher.routingKeys()
		if keys[len(keys)-1] != domain.EventPayoutFailed {
			t.Fatalf("expected payout failed event, got %v", keys)
		}
	})

	t.Run("deductions", func(t *testing.T) {
		env := newTestEnv(t)
		p := createdPayout(t, env)

		updated, err := env.svc.SetPayoutDeductions(ctx, p.ID, decimal.NewFromInt(5000), decimal.NewFromInt(10000))
		if err != nil {
			t.Fatalf("SetPayoutDeductions returned error: %v", err)
		}
		if !updated.Amount.Equal(decimal.NewFromInt(500000)) || !updated.NetAmount.Equal(decimal.NewFromInt(485000)) {
			t.Fatalf("unexpected amount %s / net %s", updated.Amount, updated.NetAmount)
		}
		if _, err := env.svc.SetPayoutDeductions(ctx, p.ID, decimal.NewFromInt(500001), decimal.Zero); !errors.Is(err, domain.ErrInvalidDeductions) {
			t.Fatalf("expected ErrInvalidDeductions, got %v", err)
		}
	})

	t.Run("zero amount cannot complete", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedConfig(t, nil, 0, "2024-01-01")
		env.seedSettled(t, uuid.New(), nil, 500000, 0, time.Date(2024, 5, 3, 4, 0, 0, 0, time.UTC))
		report, err := env.svc.BuildPayoutBatch(ctx, "2024-05")
		if err != nil || len(report.Created) != 1 {
			t.Fatalf("expected one zero payout, got %+v (%v)", report, err)
		}

		_, err = env.svc.CompletePayout(ctx, report.Created[0].ID, "FT1", "finance")
		if !errors.Is(err, domain.ErrIllegalTransition) || !errors.Is(err, domain.ErrPayoutInvalidAmount) {
			t.Fatalf("expected illegal zero-amount completion, got %v", err)
		}
	})

	t.Run("detail lists items", func(t *testing.T) {
		env := newTestEnv(t)
		p := createdPayout(t, env)

		detail, err := env.svc.GetPayout(ctx, p.ID)
		if err != nil || len(detail.Items) != 1 {
			t.Fatalf("unexpected detail %+v (%v)", detail, err)
		}
		if !detail.Items[0].TeacherRevenue.Equal(decimal.NewFromInt(500000)) || !detail.Items[0].PlatformRevenue.IsZero() {
			t.Fatalf("unexpected item split %+v", detail.Items[0])
		}
	})
}
