package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Pricing is the static billing catalog: currencies, tiers, plans, usage costs
// and the model to provider mapping.
type Pricing struct {
	BaseCurrency string         `yaml:"base_currency"`
	Currencies   []CurrencySpec `yaml:"currencies"`
	Tiers        TierSettings   `yaml:"tiers"`
	Plans        []PlanSpec     `yaml:"plans"`
	Costs        CostSettings   `yaml:"costs"`
	Models       []ModelSpec    `yaml:"models"`
}

// CurrencySpec describes one supported currency. RateToBase is a decimal string:
// how many major units of the base currency one major unit of this currency is worth.
type CurrencySpec struct {
	Code         string `yaml:"code"`
	Decimals     int32  `yaml:"decimals"`
	RateToBase   string `yaml:"rate_to_base"`
	Symbol       string `yaml:"symbol"`
	SymbolBefore bool   `yaml:"symbol_before"`
	ThousandsSep string `yaml:"thousands_sep"`
	DecimalSep   string `yaml:"decimal_sep"`
}

type TierSettings struct {
	// Thresholds maps tier name to the minimum lifetime spend in base currency minor units.
	Thresholds map[string]int64 `yaml:"thresholds"`
	Decay      DecaySettings    `yaml:"decay"`
}

type DecaySettings struct {
	Mode       string `yaml:"mode"`
	WindowDays int    `yaml:"window_days"`
}

type PlanSpec struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Price          int64  `yaml:"price"`
	Currency       string `yaml:"currency"`
	MonthlyCredits int64  `yaml:"monthly_credits"`
	StripePriceID  string `yaml:"stripe_price_id"`
}

type CostSettings struct {
	Generation int64 `yaml:"generation"`
	Suggestion int64 `yaml:"suggestion"`
}

type ModelSpec struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

// LoadPricing reads the pricing catalog from path. A missing file yields DefaultPricing.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPricing(), nil
		}
		return Pricing{}, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	return ParsePricing(data)
}

// ParsePricing decodes a YAML catalog and fills unset sections from DefaultPricing.
func ParsePricing(data []byte) (Pricing, error) {
	var p Pricing
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return Pricing{}, fmt.Errorf("decode pricing: %w", err)
	}

	def := DefaultPricing()
	if p.BaseCurrency == "" {
		p.BaseCurrency = def.BaseCurrency
	}
	if len(p.Currencies) == 0 {
		p.Currencies = def.Currencies
	}
	if len(p.Tiers.Thresholds) == 0 {
		p.Tiers.Thresholds = def.Tiers.Thresholds
	}
	if p.Tiers.Decay.Mode == "" {
		p.Tiers.Decay = def.Tiers.Decay
	}
	if len(p.Plans) == 0 {
		p.Plans = def.Plans
	}
	if p.Costs.Generation == 0 && p.Costs.Suggestion == 0 {
		p.Costs = def.Costs
	}
	if len(p.Models) == 0 {
		p.Models = def.Models
	}

	p.BaseCurrency = strings.ToUpper(p.BaseCurrency)
	for i := range p.Currencies {
		p.Currencies[i].Code = strings.ToUpper(p.Currencies[i].Code)
	}
	for i := range p.Plans {
		p.Plans[i].ID = strings.ToUpper(p.Plans[i].ID)
		p.Plans[i].Currency = strings.ToUpper(p.Plans[i].Currency)
	}
	return p, nil
}

// DefaultPricing mirrors configs/pricing.yaml.
func DefaultPricing() Pricing {
	return Pricing{
		BaseCurrency: "XOF",
		Currencies: []CurrencySpec{
			{Code: "XOF", Decimals: 0, RateToBase: "1", Symbol: "FCFA", ThousandsSep: " ", DecimalSep: ","},
			{Code: "EUR", Decimals: 2, RateToBase: "655.957", Symbol: "€", ThousandsSep: " ", DecimalSep: ","},
			{Code: "USD", Decimals: 2, RateToBase: "600", Symbol: "$", SymbolBefore: true, ThousandsSep: ",", DecimalSep: "."},
			{Code: "IDR", Decimals: 0, RateToBase: "0.037", Symbol: "Rp", SymbolBefore: true, ThousandsSep: ".", DecimalSep: ","},
		},
		Tiers: TierSettings{
			Thresholds: map[string]int64{
				"FREE":     0,
				"BRONZE":   10000,
				"SILVER":   50000,
				"GOLD":     150000,
				"PLATINUM": 500000,
			},
			Decay: DecaySettings{Mode: "rolling", WindowDays: 365},
		},
		Plans: []PlanSpec{
			{ID: "FREE", Name: "Free", Price: 0, Currency: "XOF", MonthlyCredits: 0},
			{ID: "STARTER", Name: "Starter", Price: 3000, Currency: "XOF", MonthlyCredits: 150},
			{ID: "PRO", Name: "Pro", Price: 9000, Currency: "XOF", MonthlyCredits: 600},
			{ID: "ENTERPRISE", Name: "Enterprise", Price: 30000, Currency: "XOF", MonthlyCredits: 2500},
		},
		Costs: CostSettings{Generation: 5, Suggestion: 1},
		Models: []ModelSpec{
			{ID: "gpt-4o-mini", Provider: "openai"},
			{ID: "gpt-4o", Provider: "openai"},
			{ID: "claude-3-5-haiku-latest", Provider: "anthropic"},
			{ID: "mistral-small-latest", Provider: "mistral"},
		},
	}
}

// Plan returns the catalog entry for id.
func (p Pricing) Plan(id string) (PlanSpec, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, plan := range p.Plans {
		if plan.ID == id {
			return plan, true
		}
	}
	return PlanSpec{}, false
}
