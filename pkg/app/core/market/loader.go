package market

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v2"
)

// instrumentSpec is the on-disk shape. Decimals are strings so they are
// parsed exactly rather than through float64.
type instrumentSpec struct {
	Symbol       string `yaml:"symbol"`
	Base         string `yaml:"base"`
	Quote        string `yaml:"quote"`
	TickSize     string `yaml:"tick_size"`
	LotSize      string `yaml:"lot_size"`
	MinPrice     string `yaml:"min_price"`
	MaxPrice     string `yaml:"max_price"`
	MinQuantity  string `yaml:"min_quantity"`
	MaxQuantity  string `yaml:"max_quantity"`
	MarginRate   string `yaml:"margin_rate"`
	MakerFeeRate string `yaml:"maker_fee_rate"`
	TakerFeeRate string `yaml:"taker_fee_rate"`
	QuoteScale   int32  `yaml:"quote_scale"`
	Paused       bool   `yaml:"paused"`
}

type instrumentFile struct {
	Instruments []instrumentSpec `yaml:"instruments"`
}

// ParseInstruments decodes a YAML instrument list.
func ParseInstruments(data []byte) ([]Instrument, error) {
	var file instrumentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instruments: %w", err)
	}

	out := make([]Instrument, 0, len(file.Instruments))
	for _, spec := range file.Instruments {
		inst, err := spec.toInstrument()
		if err != nil {
			return nil, fmt.Errorf("instrument %q: %w", spec.Symbol, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

// LoadInstruments reads path and hands every instrument in it to register,
// typically Registry.Register or Exchange.AddInstrument.
func LoadInstruments(path string, register func(Instrument) error) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file %s: %w", path, err)
	}
	insts, err := ParseInstruments(data)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		if err := register(inst); err != nil {
			return nil, err
		}
	}
	return insts, nil
}

func (s instrumentSpec) toInstrument() (Instrument, error) {
	var (
		inst = Instrument{
			Symbol:        s.Symbol,
			BaseCurrency:  s.Base,
			QuoteCurrency: s.Quote,
			QuoteScale:    s.QuoteScale,
			Status:        Active,
		}
		err error
	)
	if s.Paused {
		inst.Status = Paused
	}

	fields := []struct {
		name     string
		raw      string
		dst      *decimal.Decimal
		optional bool
	}{
		{"tick_size", s.TickSize, &inst.TickSize, false},
		{"lot_size", s.LotSize, &inst.LotSize, false},
		{"min_price", s.MinPrice, &inst.MinPrice, false},
		{"max_price", s.MaxPrice, &inst.MaxPrice, false},
		{"min_quantity", s.MinQuantity, &inst.MinQuantity, true},
		{"max_quantity", s.MaxQuantity, &inst.MaxQuantity, true},
		{"margin_rate", s.MarginRate, &inst.MarginRate, true},
		{"maker_fee_rate", s.MakerFeeRate, &inst.MakerFeeRate, true},
		{"taker_fee_rate", s.TakerFeeRate, &inst.TakerFeeRate, true},
	}
	for _, f := range fields {
		if f.raw == "" {
			if !f.optional {
				return Instrument{}, fmt.Errorf("%s is required", f.name)
			}
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return Instrument{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return inst, nil
}
