// Package fxrates provides conversion rates from the payroll currency into
// the settlement currency.
package fxrates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payrail/internal/domain/money"
)

var ErrRateNotFound = errors.New("fx rate not found")

type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

func (p *HTTPProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("from", money.NormalizeCurrency(from))
	query.Set("to", money.NormalizeCurrency(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/rates?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrRateNotFound, from, to)
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, fmt.Errorf("fx service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out rateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("decode fx response: %w", err)
	}
	if !out.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("fx service returned non-positive rate %s for %s/%s", out.Rate, from, to)
	}
	return out.Rate, nil
}
