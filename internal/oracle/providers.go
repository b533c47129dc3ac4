package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// cryptoProvider CoinGecko simple-price 接口 / CoinGecko simple-price endpoint
// GET {base}/simple/price?ids={id}&vs_currencies=usd → {"{id}": {"usd": 3500.12}}
type cryptoProvider struct {
	baseURL string
	client  *http.Client
}

func (p *cryptoProvider) fetch(ctx context.Context, id string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", p.baseURL, url.QueryEscape(id))

	var body map[string]map[string]json.Number
	if err := getJSON(ctx, p.client, endpoint, &body); err != nil {
		return decimal.Zero, err
	}

	usd, ok := body[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing %s.usd in response", id)
	}
	return decimal.NewFromString(usd.String())
}

// fiatProvider 汇率接口 / Exchange-rate table endpoint
// GET {base}/latest/USD → {"rates": {"KES": 130.2, ...}}; USD price of the currency = 1 / rate
type fiatProvider struct {
	baseURL string
	client  *http.Client
}

func (p *fiatProvider) fetch(ctx context.Context, iso string) (decimal.Decimal, error) {
	var body struct {
		Rates map[string]json.Number `json:"rates"`
	}
	if err := getJSON(ctx, p.client, p.baseURL+"/latest/USD", &body); err != nil {
		return decimal.Zero, err
	}

	raw, ok := body.Rates[iso]
	if !ok {
		return decimal.Zero, fmt.Errorf("currency %s not found in rates", iso)
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate for %s: %w", iso, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %s for %s", rate, iso)
	}
	return decimal.NewFromInt(1).Div(rate), nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
