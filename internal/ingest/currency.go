package ingest

import (
	"fmt"
	"strings"

	"priceflow/internal"
)

// fallbackRatesUSD are used when no stored rate exists for the pair. Every
// use is surfaced as a run warning so stale conversions are visible.
var fallbackRatesUSD = map[string]float64{
	"USD": 1.0,
	"THB": 0.028,
	"EUR": 1.08,
	"RUB": 0.011,
	"IDR": 0.000063,
}

// RateSource is the stored-rate lookup the converter reads from.
type RateSource interface {
	LatestRate(base, target string) (*internal.ExchangeRate, error)
}

// Converter freezes one rate per currency at the start of a run and applies
// it to every amount in that run, so a mid-run rate update can never split
// a version across two rates.
type Converter struct {
	source RateSource
	rates  map[string]float64
	warns  []string
}

func NewConverter(source RateSource) *Converter {
	return &Converter{source: source, rates: map[string]float64{}}
}

// RateToUSD resolves and pins the currency's USD rate for this run.
func (c *Converter) RateToUSD(currency string) (float64, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if cur == "" {
		cur = "USD"
	}
	if rate, ok := c.rates[cur]; ok {
		return rate, nil
	}

	if c.source != nil {
		stored, err := c.source.LatestRate(cur, "USD")
		if err != nil {
			return 0, err
		}
		if stored != nil && stored.Rate > 0 {
			c.rates[cur] = stored.Rate
			return stored.Rate, nil
		}
	}

	fallback, ok := fallbackRatesUSD[cur]
	if !ok {
		return 0, fmt.Errorf("no exchange rate for %s", cur)
	}
	c.warns = append(c.warns, fmt.Sprintf("no stored rate for %s/USD, using fallback %g", cur, fallback))
	c.rates[cur] = fallback
	return fallback, nil
}

// ToUSD converts an optional amount with the run-pinned rate.
func (c *Converter) ToUSD(amount *float64, currency string) (*float64, error) {
	if amount == nil {
		return nil, nil
	}
	rate, err := c.RateToUSD(currency)
	if err != nil {
		return nil, err
	}
	v := round2(*amount * rate)
	return &v, nil
}

// Warnings reports every fallback-rate use since the converter was created.
func (c *Converter) Warnings() []string {
	return c.warns
}
