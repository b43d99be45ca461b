package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPercentOf_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount string
		pct    string
		want   string
	}{
		{amount: "980000", pct: "90", want: "882000"},
		{amount: "100.05", pct: "50", want: "50.03"},
		{amount: "199.99", pct: "33.33", want: "66.66"},
		{amount: "10", pct: "12.34567", want: "1.24"},
		{amount: "0", pct: "85", want: "0"},
	}
	for _, tc := range tests {
		got := PercentOf(decimal.RequireFromString(tc.amount), decimal.RequireFromString(tc.pct))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("PercentOf(%s, %s) = %s, want %s", tc.amount, tc.pct, got, tc.want)
		}
	}
}

func TestValidatePercentage(t *testing.T) {
	for _, pct := range []string{"0", "85.5", "100"} {
		if err := ValidatePercentage(decimal.RequireFromString(pct)); err != nil {
			t.Fatalf("expected %s to be valid, got %v", pct, err)
		}
	}
	for _, pct := range []string{"-0.01", "100.01"} {
		if err := ValidatePercentage(decimal.RequireFromString(pct)); !errors.Is(err, ErrInvalidPercentage) {
			t.Fatalf("expected %s to be rejected, got %v", pct, err)
		}
	}
}

func TestFeeSchedule(t *testing.T) {
	schedule := FeeSchedule{Percent: decimal.RequireFromString("1.1"), Fixed: decimal.NewFromInt(1100)}
	if got := schedule.FeeFor(decimal.NewFromInt(1000000)); !got.Equal(decimal.NewFromInt(12100)) {
		t.Fatalf("expected fee 12100, got %s", got)
	}
	if got := schedule.FeeFor(decimal.NewFromInt(500)); !got.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected fee capped at amount, got %s", got)
	}
}
