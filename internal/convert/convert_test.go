package convert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"lendingbot/internal/cache"
	"lendingbot/internal/money"
)

type memStore struct {
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	v, ok := s.data[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (s *memStore) SetTTL(_ context.Context, key, value string, _ time.Duration) error {
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

type fakeProvider struct {
	rates map[string]map[string]float64
	calls int
	err   error
}

func (f *fakeProvider) LatestRates(_ context.Context, source string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	row, ok := f.rates[source]
	if !ok {
		return nil, errors.New("unknown source")
	}
	return row, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConverter(provider *fakeProvider) (*Converter, *memStore) {
	store := newMemStore()
	return NewConverter(store, provider, 4*time.Hour, discard()), store
}

func TestRateSameCurrency(t *testing.T) {
	c, _ := newTestConverter(&fakeProvider{})
	rate, err := c.Rate(context.Background(), "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}

func TestRateUnsupportedCurrency(t *testing.T) {
	c, _ := newTestConverter(&fakeProvider{})
	_, err := c.Rate(context.Background(), "USD", "BTC")
	assert.ErrorIs(t, err, ErrRateUnavailable)
	_, err = c.Rate(context.Background(), "DOGE", "USD")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestRateAdjustsForExponents(t *testing.T) {
	// 1 USD = 150 JPY in major units. USD has two minor digits, JPY none,
	// so the minor-unit rate is 150/100.
	provider := &fakeProvider{rates: map[string]map[string]float64{
		"USD": {"JPY": 150},
	}}
	c, _ := newTestConverter(provider)

	rate, err := c.Rate(context.Background(), "USD", "JPY")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, rate, 1e-9)
}

func TestRateCachesWholeRow(t *testing.T) {
	provider := &fakeProvider{rates: map[string]map[string]float64{
		"USD": {"EUR": 0.9, "GBP": 0.8, "JPY": 150},
	}}
	c, _ := newTestConverter(provider)
	ctx := context.Background()

	_, err := c.Rate(ctx, "USD", "EUR")
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	// Other targets from the same source come from the cached row.
	_, err = c.Rate(ctx, "USD", "GBP")
	require.NoError(t, err)
	_, err = c.Rate(ctx, "USD", "JPY")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
}

func TestRateInversePairFallback(t *testing.T) {
	provider := &fakeProvider{rates: map[string]map[string]float64{
		"USD": {"EUR": 0.8},
	}}
	c, _ := newTestConverter(provider)
	ctx := context.Background()

	_, err := c.Rate(ctx, "USD", "EUR")
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	// EUR->USD is derivable from the cached USD->EUR entry; no second call.
	rate, err := c.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)
	assert.InDelta(t, 1.25, rate, 1e-9)
}

func TestRateProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: errors.New("quota exhausted")}
	c, _ := newTestConverter(provider)
	_, err := c.Rate(context.Background(), "USD", "EUR")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestConvertSameCurrencyNeedsNoRate(t *testing.T) {
	provider := &fakeProvider{err: errors.New("should not be called")}
	c, _ := newTestConverter(provider)

	amount := money.New(1500, "USD")
	got, err := c.Convert(context.Background(), amount, "USD")
	require.NoError(t, err)
	assert.Equal(t, amount, got)
	assert.Zero(t, provider.calls)
}

func TestConvertRoundsUp(t *testing.T) {
	provider := &fakeProvider{rates: map[string]map[string]float64{
		"USD": {"EUR": 0.9137},
	}}
	c, _ := newTestConverter(provider)

	got, err := c.Convert(context.Background(), money.New(1001, "USD"), "EUR")
	require.NoError(t, err)
	assert.Equal(t, money.New(int64(math.Ceil(1001*0.9137)), "EUR"), got)
}

func TestConvertRoundTripNeverLosesValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := rapid.Float64Range(0.01, 100).Draw(t, "rate")
		minor := rapid.Int64Range(1, 10_000_000).Draw(t, "minor")

		provider := &fakeProvider{rates: map[string]map[string]float64{
			"USD": {"EUR": rate},
		}}
		c, _ := newTestConverter(provider)
		ctx := context.Background()

		there, err := c.Convert(ctx, money.New(minor, "USD"), "EUR")
		require.NoError(t, err)
		back, err := c.Convert(ctx, there, "USD")
		require.NoError(t, err)

		// Ceil rounding on both legs means a round trip can only gain
		// fractional units, never lose them.
		assert.GreaterOrEqual(t, back.Minor, minor)
	})
}
