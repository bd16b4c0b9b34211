// internal/convert/provider.go
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lendingbot/internal/money"
)

// HTTPProvider fetches live rates from an apilayer-style endpoint. The
// response quotes every requested target against the source in one request,
// e.g. {"quotes": {"USDEUR": 0.92, "USDJPY": 110.2}}.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

var _ RateProvider = (*HTTPProvider)(nil)

func (p *HTTPProvider) LatestRates(ctx context.Context, source string) (map[string]float64, error) {
	currencies := make([]string, 0, len(money.Currencies))
	for code := range money.Currencies {
		if code != source {
			currencies = append(currencies, code)
		}
	}

	q := url.Values{}
	q.Set("access_key", p.apiKey)
	q.Set("source", source)
	q.Set("currencies", strings.Join(currencies, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var body struct {
		Quotes map[string]float64 `json:"quotes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rate response: %w", err)
	}

	rates := make(map[string]float64, len(body.Quotes))
	for pair, rate := range body.Quotes {
		if !strings.HasPrefix(pair, source) {
			continue
		}
		rates[strings.TrimPrefix(pair, source)] = rate
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("rate provider returned no quotes for %s", source)
	}
	return rates, nil
}
