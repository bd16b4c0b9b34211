// internal/money/money.go
package money

import (
	"fmt"
	"strings"
)

// Currency describes how a supported ISO 4217 currency is written.
// Exponent is the number of minor-unit digits after the decimal point,
// e.g. 2 for USD (cents) and 0 for JPY.
type Currency struct {
	Code         string
	Symbol       string
	SymbolOnLeft bool
	Exponent     int
}

// Currencies is the set of supported ISO 4217 codes. Amounts in any other
// currency are rejected at parse time.
var Currencies = map[string]Currency{
	"AUD": {Code: "AUD", Symbol: "$", SymbolOnLeft: true, Exponent: 2},
	"CAD": {Code: "CAD", Symbol: "$", SymbolOnLeft: true, Exponent: 2},
	"EUR": {Code: "EUR", Symbol: "€", SymbolOnLeft: true, Exponent: 2},
	"GBP": {Code: "GBP", Symbol: "£", SymbolOnLeft: true, Exponent: 2},
	"JPY": {Code: "JPY", Symbol: "¥", SymbolOnLeft: true, Exponent: 0},
	"MXN": {Code: "MXN", Symbol: "$", SymbolOnLeft: true, Exponent: 2},
	"USD": {Code: "USD", Symbol: "$", SymbolOnLeft: true, Exponent: 2},
}

// Symbols maps bare currency symbols to the code we assume for them. These
// are ambiguous in general but uncontroversial for our audience.
var Symbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

// Money is a monetary amount in the most granular unit of its currency,
// e.g. Money{Minor: 1500, Currency: "USD"} is $15.00. Amounts in different
// currencies are only comparable after conversion.
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

// New builds a Money amount from minor units of a supported currency.
func New(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: strings.ToUpper(currency)}
}

// IsSupported reports whether code is a supported ISO 4217 code.
func IsSupported(code string) bool {
	_, ok := Currencies[strings.ToUpper(code)]
	return ok
}

// Exponent returns the minor-unit exponent for a supported currency code.
func Exponent(code string) int {
	return Currencies[strings.ToUpper(code)].Exponent
}

// IsZero reports whether the amount is zero minor units.
func (m Money) IsZero() bool { return m.Minor == 0 }

// MajorString formats the amount in major units without the currency code,
// so Money{1500, "USD"} renders as "15.00" and Money{320, "JPY"} as "320".
func (m Money) MajorString() string {
	exp := Exponent(m.Currency)
	if exp == 0 {
		return fmt.Sprintf("%d", m.Minor)
	}
	div := int64(1)
	for i := 0; i < exp; i++ {
		div *= 10
	}
	return fmt.Sprintf("%d.%0*d", m.Minor/div, exp, m.Minor%div)
}

// String renders the amount with its symbol and code, e.g. "$15.00 USD".
func (m Money) String() string {
	c, ok := Currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%s %s", m.MajorString(), m.Currency)
	}
	if c.SymbolOnLeft {
		return fmt.Sprintf("%s%s %s", c.Symbol, m.MajorString(), c.Code)
	}
	return fmt.Sprintf("%s%s %s", m.MajorString(), c.Symbol, c.Code)
}
