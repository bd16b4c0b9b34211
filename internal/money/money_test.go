package money

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestString(t *testing.T) {
	assert.Equal(t, "$15.00 USD", New(1500, "USD").String())
	assert.Equal(t, "$0.05 USD", New(5, "USD").String())
	assert.Equal(t, "€10.50 EUR", New(1050, "EUR").String())
	assert.Equal(t, "£1000.00 GBP", New(100000, "GBP").String())
	assert.Equal(t, "¥320 JPY", New(320, "JPY").String())
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("USD"))
	assert.True(t, IsSupported("usd"))
	assert.True(t, IsSupported("JPY"))
	assert.False(t, IsSupported("BTC"))
	assert.False(t, IsSupported(""))
}

func TestExponent(t *testing.T) {
	assert.Equal(t, 2, Exponent("USD"))
	assert.Equal(t, 0, Exponent("JPY"))
}

func TestSymbolsResolveToSupportedCurrencies(t *testing.T) {
	for sym, code := range Symbols {
		assert.True(t, IsSupported(code), "symbol %q maps to unsupported %q", sym, code)
	}
}

func TestMajorStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		minor := rapid.Int64Range(0, 1_000_000_000).Draw(t, "minor")
		s := New(minor, "USD").MajorString()

		whole, frac, found := strings.Cut(s, ".")
		require.True(t, found, "major string %q has no decimal point", s)
		require.Len(t, frac, 2)

		w, err := strconv.ParseInt(whole, 10, 64)
		require.NoError(t, err)
		f, err := strconv.ParseInt(frac, 10, 64)
		require.NoError(t, err)
		assert.Equal(t, minor, w*100+f)
	})
}
