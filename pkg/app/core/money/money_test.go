package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestIsMultiple(t *testing.T) {
	tests := []struct {
		v, step string
		want    bool
	}{
		{"50000", "0.01", true},
		{"50000.005", "0.01", false},
		{"1.2", "0.1", true},
		{"0.3", "0.1", true},
		{"0.25", "0.1", false},
		{"10", "0", false},
		{"10", "-1", false},
	}
	for _, tt := range tests {
		if got := IsMultiple(d(tt.v), d(tt.step)); got != tt.want {
			t.Errorf("IsMultiple(%s, %s) = %v, want %v", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestTruncateToStep(t *testing.T) {
	tests := []struct {
		v, step, want string
	}{
		{"1.27", "0.1", "1.2"},
		{"0.09", "0.1", "0"},
		{"5", "1", "5"},
		{"-1", "1", "0"},
	}
	for _, tt := range tests {
		if got := TruncateToStep(d(tt.v), d(tt.step)); !got.Equal(d(tt.want)) {
			t.Errorf("TruncateToStep(%s, %s) = %s, want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestRoundFeeHalfUp(t *testing.T) {
	tests := []struct {
		amount, rate string
		scale        int32
		want         string
	}{
		{"100", "0.001", 2, "0.1"},
		{"12.5", "0.001", 2, "0.01"},   // 0.0125 -> 0.01
		{"15", "0.001", 2, "0.02"},     // 0.015 -> 0.02 (half-up)
		{"10000", "0.0005", 2, "5"},    // exact
		{"333.33", "0.003", 2, "1"},    // 0.99999 -> 1.00
		{"1", "0", 2, "0"},
	}
	for _, tt := range tests {
		basis := d(tt.amount).Mul(d(tt.rate))
		if got := RoundFee(basis, tt.scale); !got.Equal(d(tt.want)) {
			t.Errorf("RoundFee(%s * %s, %d) = %s, want %s", tt.amount, tt.rate, tt.scale, got, tt.want)
		}
	}
}

func TestCeilAt(t *testing.T) {
	if got := CeilAt(d("0.0101"), 2); !got.Equal(d("0.02")) {
		t.Errorf("CeilAt = %s, want 0.02", got)
	}
	if got := CeilAt(d("0.01"), 2); !got.Equal(d("0.01")) {
		t.Errorf("CeilAt exact = %s, want 0.01", got)
	}
}

func TestNotionalIsExact(t *testing.T) {
	got := Notional(d("50000.01"), d("0.123"))
	if !got.Equal(d("6150.00123")) {
		t.Errorf("Notional = %s", got)
	}
}

func TestAverage(t *testing.T) {
	if got := Average(d("60000"), d("1.2")); !got.Equal(d("50000")) {
		t.Errorf("Average = %s, want 50000", got)
	}
	if got := Average(d("1"), decimal.Zero); !got.IsZero() {
		t.Errorf("Average with zero qty = %s, want 0", got)
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Error("expected error for non-numeric input")
	}
	v, err := Parse("0.1")
	if err != nil {
		t.Fatal(err)
	}
	// 0.1 + 0.2 must be exactly 0.3
	if !v.Add(d("0.2")).Equal(d("0.3")) {
		t.Error("decimal addition is not exact")
	}
}
