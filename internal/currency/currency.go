// Package currency converts and formats money amounts held as integer minor units.
package currency

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/digkill/promptor/internal/config"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// Spec describes a supported currency. RateToBase is the value of one major unit
// expressed in major units of the base currency.
type Spec struct {
	Code         string
	Decimals     int32
	RateToBase   decimal.Decimal
	Symbol       string
	SymbolBefore bool
	ThousandsSep string
	DecimalSep   string
}

type Converter struct {
	base  string
	specs map[string]Spec
}

func NewConverter(base string, specs []Spec) (*Converter, error) {
	c := &Converter{base: strings.ToUpper(base), specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		s.Code = strings.ToUpper(s.Code)
		if s.Decimals < 0 {
			return nil, fmt.Errorf("currency %s: negative decimals", s.Code)
		}
		if !s.RateToBase.IsPositive() {
			return nil, fmt.Errorf("currency %s: rate must be positive", s.Code)
		}
		c.specs[s.Code] = s
	}
	baseSpec, ok := c.specs[c.base]
	if !ok {
		return nil, fmt.Errorf("base currency %s: %w", c.base, ErrUnknownCurrency)
	}
	if !baseSpec.RateToBase.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("base currency %s must have rate 1", c.base)
	}
	return c, nil
}

// FromPricing builds a converter from the pricing catalog.
func FromPricing(p config.Pricing) (*Converter, error) {
	specs := make([]Spec, 0, len(p.Currencies))
	for _, cs := range p.Currencies {
		rate, err := decimal.NewFromString(cs.RateToBase)
		if err != nil {
			return nil, fmt.Errorf("currency %s: parse rate %q: %w", cs.Code, cs.RateToBase, err)
		}
		specs = append(specs, Spec{
			Code:         cs.Code,
			Decimals:     cs.Decimals,
			RateToBase:   rate,
			Symbol:       cs.Symbol,
			SymbolBefore: cs.SymbolBefore,
			ThousandsSep: cs.ThousandsSep,
			DecimalSep:   cs.DecimalSep,
		})
	}
	return NewConverter(p.BaseCurrency, specs)
}

func (c *Converter) Base() string {
	return c.base
}

// Supported lists the known currency codes in alphabetical order.
func (c *Converter) Supported() []string {
	codes := make([]string, 0, len(c.specs))
	for code := range c.specs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (c *Converter) Spec(code string) (Spec, error) {
	s, ok := c.specs[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Spec{}, fmt.Errorf("%q: %w", code, ErrUnknownCurrency)
	}
	return s, nil
}

// Convert converts amount (minor units of from) into minor units of to. The
// value passes through the base currency with exact decimal arithmetic and is
// rounded half-up once, at the target precision.
func (c *Converter) Convert(amount int64, from, to string) (int64, error) {
	src, err := c.Spec(from)
	if err != nil {
		return 0, err
	}
	dst, err := c.Spec(to)
	if err != nil {
		return 0, err
	}
	if src.Code == dst.Code {
		return amount, nil
	}

	inBase := decimal.New(amount, -src.Decimals).Mul(src.RateToBase)
	// Keep enough digits that the only rounding that matters is the final one.
	target := inBase.DivRound(dst.RateToBase, dst.Decimals+16)
	return target.Shift(dst.Decimals).Round(0).IntPart(), nil
}

// ToBase converts amount in currency code into base currency minor units.
func (c *Converter) ToBase(amount int64, code string) (int64, error) {
	return c.Convert(amount, code, c.base)
}

// Format renders amount using the currency's symbol placement and separators,
// e.g. "5 000 FCFA", "12,50 €" or "$1,234.56".
func (c *Converter) Format(amount int64, code string) (string, error) {
	s, err := c.Spec(code)
	if err != nil {
		return "", err
	}

	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	fixed := decimal.New(amount, -s.Decimals).StringFixed(s.Decimals)
	intPart, fracPart, _ := strings.Cut(fixed, ".")

	number := groupThousands(intPart, s.ThousandsSep)
	if s.Decimals > 0 {
		number += s.DecimalSep + fracPart
	}

	if s.SymbolBefore {
		return sign + s.Symbol + number, nil
	}
	return sign + number + " " + s.Symbol, nil
}

func groupThousands(digits, sep string) string {
	if len(digits) <= 3 || sep == "" {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
