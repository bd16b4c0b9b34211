// internal/convert/convert.go
//
// Currency conversion at the current rate, cache-backed with a fixed TTL.
// Rates are best-effort "now" rates; nothing here is historical.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"lendingbot/internal/cache"
	"lendingbot/internal/money"
)

// ErrRateUnavailable reports that no rate could be obtained for a currency
// pair: the provider call failed and no usable cached rate exists. Callers
// must not apply a partial conversion.
var ErrRateUnavailable = errors.New("conversion rate unavailable")

// RateProvider is the external rate source contract. LatestRates returns
// the current rate from the source currency to every supported target; one
// call fills a whole row of the rate table.
type RateProvider interface {
	LatestRates(ctx context.Context, source string) (map[string]float64, error)
}

// Converter converts amounts between supported currencies. Rates are cached
// per ordered currency pair; on a miss the inverse pair is tried before the
// provider is called, since either direction determines the rate.
type Converter struct {
	store    cache.Store
	provider RateProvider
	ttl      time.Duration
	logger   *slog.Logger
}

func NewConverter(store cache.Store, provider RateProvider, ttl time.Duration, logger *slog.Logger) *Converter {
	return &Converter{store: store, provider: provider, ttl: ttl, logger: logger}
}

func rateKey(source, target string) string { return "convert/" + source + "-" + target }

// Rate returns the conversion rate from source to target such that
// (source minor units) * rate = (target minor units). The major-unit rate is
// adjusted by the difference in minor-unit exponents.
func (c *Converter) Rate(ctx context.Context, source, target string) (float64, error) {
	if !money.IsSupported(source) {
		return 0, fmt.Errorf("%w: unsupported currency %q", ErrRateUnavailable, source)
	}
	if !money.IsSupported(target) {
		return 0, fmt.Errorf("%w: unsupported currency %q", ErrRateUnavailable, target)
	}
	if source == target {
		return 1, nil
	}

	major, err := c.majorRate(ctx, source, target)
	if err != nil {
		return 0, err
	}
	return major * math.Pow10(money.Exponent(target)-money.Exponent(source)), nil
}

func (c *Converter) majorRate(ctx context.Context, source, target string) (float64, error) {
	if rate, ok := c.cachedRate(ctx, source, target); ok {
		return rate, nil
	}
	if inv, ok := c.cachedRate(ctx, target, source); ok && inv != 0 {
		return 1 / inv, nil
	}

	rates, err := c.provider.LatestRates(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	for tgt, rate := range rates {
		if err := c.store.SetTTL(ctx, rateKey(source, tgt), strconv.FormatFloat(rate, 'g', -1, 64), c.ttl); err != nil {
			c.logger.Warn("rate cache write failed", slog.String("pair", source+"-"+tgt), slog.Any("error", err))
		}
	}
	rate, ok := rates[target]
	if !ok {
		return 0, fmt.Errorf("%w: provider returned no %s rate for %s", ErrRateUnavailable, target, source)
	}
	return rate, nil
}

func (c *Converter) cachedRate(ctx context.Context, source, target string) (float64, bool) {
	raw, err := c.store.Get(ctx, rateKey(source, target))
	if err != nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return rate, true
}

// Convert converts an amount to the target currency at the current rate.
// Same-currency calls return the amount unchanged. Minor units round up, so
// a repayment never under-credits the loan by a fraction of a unit. The
// float64 rate math is exact only up to 2^53 minor units; the ledger rejects
// larger amounts before they reach a conversion.
func (c *Converter) Convert(ctx context.Context, amount money.Money, target string) (money.Money, error) {
	if amount.Currency == target {
		return amount, nil
	}
	rate, err := c.Rate(ctx, amount.Currency, target)
	if err != nil {
		return money.Money{}, err
	}
	return money.New(int64(math.Ceil(float64(amount.Minor)*rate)), target), nil
}
