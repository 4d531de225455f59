// Package money holds the exact decimal arithmetic used on every
// monetary path. USD amounts are truncated (never rounded) to 2
// decimals; asset amounts and prices carry up to 18 fractional digits.
package money

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

const (
	// QuoteScale is the number of fractional digits kept for the USD
	// quote currency.
	QuoteScale = 2
	// AssetScale is the number of fractional digits kept for asset
	// amounts and prices.
	AssetScale = 18
)

// CommissionRate is the platform fee charged on trade gross value
// (1.5%).
var CommissionRate = decimal.RequireFromString("0.015")

// decimalString accepts positive decimal strings with at most
// AssetScale fractional digits.
var decimalString = regexp.MustCompile(`^\d+(?:\.\d{1,18})?$`)

// ParsePositive parses a decimal string, requiring a strictly positive
// value with no more than AssetScale fractional digits.
func ParsePositive(s string) (decimal.Decimal, error) {
	if !decimalString.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("%q is not a positive decimal with at most %d fractional digits", s, AssetScale)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%q must be greater than zero", s)
	}
	return d, nil
}

// Cost returns price*amount at full precision.
func Cost(price, amount decimal.Decimal) decimal.Decimal {
	return price.Mul(amount)
}

// Commission returns the platform fee on a gross USD value, truncated
// toward zero at QuoteScale. Never rounds up.
func Commission(gross decimal.Decimal) decimal.Decimal {
	return TruncateQuote(gross.Mul(CommissionRate))
}

// TruncateQuote truncates a USD value toward zero at QuoteScale.
// Fractional cents are forfeited, matching the ledger's storage rule.
func TruncateQuote(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(QuoteScale)
}

// FormatQuote renders a USD value as a canonical 2-decimal string,
// truncating first.
func FormatQuote(d decimal.Decimal) string {
	return TruncateQuote(d).StringFixed(QuoteScale)
}

// FormatAsset renders an asset amount or price as a canonical
// fixed-scale string. Used for idempotency keys, where representation
// must be deterministic.
func FormatAsset(d decimal.Decimal) string {
	return d.StringFixed(AssetScale)
}
