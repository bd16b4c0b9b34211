package parsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingbot/internal/money"
)

func TestDecodeUserReference(t *testing.T) {
	for input, want := range map[string]string{
		"u/johndoe":           "johndoe",
		"/u/johndoe":          "johndoe",
		"/u/john-doe":         "john-doe",
		"/u/john_doe":         "john_doe",
		" /u/johndoe ":        "johndoe",
		"[u/johndoe](https://reddit.com/u/johndoe)":               "johndoe",
		"[/u/johndoe](https://www.reddit.com/u/johndoe)":          "johndoe",
		"[johndoe](https://reddit.com/user/johndoe)":              "johndoe",
		"[u/johndoe](https://reddit.com/u/johndoe/)":              "johndoe",
		"[u/johndoe](https://reddit.com/u/johndoe?context=3)":     "johndoe",
		"[u/john-doe](http://reddit.com/u/john-doe#profile)":      "john-doe",
	} {
		got, err := DecodeUserReference(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestDecodeUserReferenceRejects(t *testing.T) {
	for _, input := range []string{
		"",
		"johndoe",
		"u/",
		"/u/john doe",
		// Visible name and link target disagree.
		"[u/johndoe](https://reddit.com/u/janedoe)",
		"[u/johndoe](https://example.com/u/johndoe)",
	} {
		_, err := DecodeUserReference(input)
		assert.ErrorIs(t, err, ErrInvalidUserReference, "input %q", input)
	}
}

func TestDecodeAmount(t *testing.T) {
	for input, want := range map[string]money.Money{
		"15":         money.New(1500, "USD"),
		"$15":        money.New(1500, "USD"),
		"15$":        money.New(1500, "USD"),
		"$15.00":     money.New(1500, "USD"),
		"15.00":      money.New(1500, "USD"),
		"$0.05":      money.New(5, "USD"),
		"$1,000":     money.New(100000, "USD"),
		"$1,000.00":  money.New(100000, "USD"),
		"1,234,567":  money.New(123456700, "USD"),
		"€10.50":     money.New(1050, "EUR"),
		"£3":         money.New(300, "GBP"),
		"EUR 25":     money.New(2500, "EUR"),
		"25 EUR":     money.New(2500, "EUR"),
		"CAD 1.23":   money.New(123, "CAD"),
		"JPY 320":    money.New(320, "JPY"),
		"320 JPY":    money.New(320, "JPY"),
		"USD $15":    money.New(1500, "USD"),
	} {
		got, err := DecodeAmount(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestDecodeAmountRejects(t *testing.T) {
	for _, input := range []string{
		"",
		"fifteen",
		// Wrong number of decimal places for the currency.
		"$15.0",
		"$15.000",
		"JPY 15.00",
		"15.",
		// Unsupported currency.
		"BTC 15",
	} {
		_, err := DecodeAmount(input)
		assert.ErrorIs(t, err, ErrInvalidAmount, "input %q", input)
	}
}

func TestDecodeLoanID(t *testing.T) {
	id, err := DecodeLoanID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = DecodeLoanID("abc")
	assert.ErrorIs(t, err, ErrInvalidLoanID)
	_, err = DecodeLoanID("-1")
	assert.ErrorIs(t, err, ErrInvalidLoanID)
}

func TestDecodeTimestamp(t *testing.T) {
	ts, err := DecodeTimestamp("2023-04-05T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 4, 5, 12, 30, 0, 0, time.UTC), ts.UTC())

	_, err = DecodeTimestamp("2023-04-05")
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
	_, err = DecodeTimestamp("not a time")
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}
