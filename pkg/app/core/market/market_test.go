package market

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/matchcore/pkg/app/core/order"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcUSD() Instrument {
	return Instrument{
		Symbol:        "BTC-USD",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		TickSize:      d("0.01"),
		LotSize:       d("0.1"),
		MinPrice:      d("1"),
		MaxPrice:      d("100000"),
		MinQuantity:   d("0.1"),
		MaxQuantity:   d("100"),
		MarginRate:    d("0.1"),
		MakerFeeRate:  d("0.0002"),
		TakerFeeRate:  d("0.0005"),
		QuoteScale:    2,
	}
}

// TestInstrumentValidation tests parameter validation
func TestInstrumentValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Instrument)
		wantErr bool
	}{
		{"valid", func(*Instrument) {}, false},
		{"empty symbol", func(i *Instrument) { i.Symbol = "" }, true},
		{"same currencies", func(i *Instrument) { i.QuoteCurrency = "BTC" }, true},
		{"zero tick", func(i *Instrument) { i.TickSize = decimal.Zero }, true},
		{"negative lot", func(i *Instrument) { i.LotSize = d("-1") }, true},
		{"min above max price", func(i *Instrument) { i.MinPrice = d("200000") }, true},
		{"bound off tick", func(i *Instrument) { i.MaxPrice = d("100000.005") }, true},
		{"maker above taker", func(i *Instrument) { i.MakerFeeRate = d("0.001") }, true},
		{"taker rate of one", func(i *Instrument) { i.TakerFeeRate = d("1") }, true},
		{"margin above one", func(i *Instrument) { i.MarginRate = d("1.5") }, true},
		{"min above max qty", func(i *Instrument) { i.MinQuantity = d("200") }, true},
		{"unbounded max qty", func(i *Instrument) { i.MaxQuantity = decimal.Zero }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := btcUSD()
			tt.mutate(&inst)
			err := inst.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePriceAndQuantity(t *testing.T) {
	inst := btcUSD()

	priceTests := []struct {
		price string
		want  error
	}{
		{"50000", nil},
		{"50000.01", nil},
		{"50000.001", order.ErrInvalidPrice},
		{"0", order.ErrInvalidPrice},
		{"-5", order.ErrInvalidPrice},
		{"0.5", order.ErrPriceOutOfBounds},
		{"100000.01", order.ErrPriceOutOfBounds},
	}
	for _, tt := range priceTests {
		err := inst.ValidatePrice(d(tt.price))
		if tt.want == nil && err != nil {
			t.Errorf("ValidatePrice(%s) unexpected error: %v", tt.price, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidatePrice(%s) = %v, want %v", tt.price, err, tt.want)
		}
	}

	qtyTests := []struct {
		qty     string
		wantErr bool
	}{
		{"1.2", false},
		{"0.1", false},
		{"0.15", true},
		{"0", true},
		{"100.1", true},
	}
	for _, tt := range qtyTests {
		err := inst.ValidateQuantity(d(tt.qty))
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateQuantity(%s) error = %v, wantErr %v", tt.qty, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, order.ErrInvalidQuantity) {
			t.Errorf("ValidateQuantity(%s) should wrap ErrInvalidQuantity, got %v", tt.qty, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(btcUSD()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := reg.Register(btcUSD()); err == nil {
		t.Error("expected error for duplicate symbol")
	}
	bad := btcUSD()
	bad.Symbol = "BAD"
	bad.TickSize = decimal.Zero
	if err := reg.Register(bad); err == nil {
		t.Error("expected error for invalid instrument")
	}

	inst, err := reg.Get("BTC-USD")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !inst.Tradable() {
		t.Error("new instrument should be tradable")
	}

	// Mutating the copy must not leak into the registry.
	inst.Status = Paused
	again, _ := reg.Get("BTC-USD")
	if again.Status != Active {
		t.Error("registry returned a shared pointer")
	}

	if _, err := reg.Get("ETH-USD"); !errors.Is(err, order.ErrUnknownInstrument) {
		t.Errorf("expected ErrUnknownInstrument, got %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(btcUSD())

	steps := []struct {
		to      Status
		wantErr bool
	}{
		{Paused, false},
		{Active, false},
		{Settled, true}, // must pass through Settling
		{Settling, false},
		{Active, true},
	}
	for i, s := range steps {
		err := reg.UpdateStatus("BTC-USD", s.to)
		if (err != nil) != s.wantErr {
			t.Fatalf("step %d to %s: error = %v, wantErr %v", i, s.to, err, s.wantErr)
		}
	}

	if err := reg.Settle("BTC-USD", d("51000")); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	inst, _ := reg.Get("BTC-USD")
	if inst.Status != Settled || !inst.ClosePrice.Equal(d("51000")) {
		t.Errorf("got status %s close %s", inst.Status, inst.ClosePrice)
	}
	if err := reg.UpdateStatus("BTC-USD", Active); err == nil {
		t.Error("Settled must be terminal")
	}
}

func TestLoadInstruments(t *testing.T) {
	yml := `
instruments:
  - symbol: BTC-USD
    base: BTC
    quote: USD
    tick_size: "0.01"
    lot_size: "0.0001"
    min_price: "0.01"
    max_price: 1000000
    maker_fee_rate: "0.0002"
    taker_fee_rate: "0.0005"
    quote_scale: 2
  - symbol: XYZ-USD
    base: XYZ
    quote: USD
    tick_size: "0.01"
    lot_size: "1"
    min_price: "0.01"
    max_price: "10000"
    paused: true
`
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	insts, err := LoadInstruments(path, reg.Register)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(insts) != 2 || reg.Count() != 2 {
		t.Fatalf("loaded %d instruments, registry has %d", len(insts), reg.Count())
	}

	btc, _ := reg.Get("BTC-USD")
	if !btc.MaxPrice.Equal(d("1000000")) || !btc.LotSize.Equal(d("0.0001")) {
		t.Errorf("unexpected BTC params: max=%s lot=%s", btc.MaxPrice, btc.LotSize)
	}
	xyz, _ := reg.Get("XYZ-USD")
	if xyz.Status != Paused {
		t.Errorf("XYZ status = %s, want Paused", xyz.Status)
	}
}

func TestParseInstrumentsMissingField(t *testing.T) {
	_, err := ParseInstruments([]byte("instruments:\n  - symbol: A-B\n    base: A\n    quote: B\n"))
	if err == nil {
		t.Error("expected error for missing tick_size")
	}
}
