package oracle

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wTHU1Ew/papaya/internal/logger"
	"github.com/wTHU1Ew/papaya/internal/metrics"
	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Quote 报价结果 / Typed price result: Ok(price) when live, Fallback(price) otherwise
type Quote struct {
	Asset     string
	Price     decimal.Decimal
	Source    models.PriceSource
	Err       error // why the fallback was used; nil for live quotes
	FetchedAt time.Time
}

// IsFallback reports whether the quote is the static fallback constant.
func (q Quote) IsFallback() bool {
	return q.Source == models.PriceSourceFallback
}

// Source 价格源接口 / Anything able to produce a price snapshot
type Source interface {
	AllPrices(ctx context.Context) Snapshot
}

// Options 预言机参数 / Oracle options
type Options struct {
	CryptoURL       string // e.g. https://api.coingecko.com/api/v3
	FiatURL         string // e.g. https://api.exchangerate-api.com/v4
	Timeout         time.Duration
	MaxConcurrency  int
	DefaultFallback decimal.Decimal
	HTTPClient      *http.Client
}

// Oracle 价格预言机 / Best-effort USD price oracle
type Oracle struct {
	catalog         *models.Catalog
	crypto          *cryptoProvider
	fiat            *fiatProvider
	timeout         time.Duration
	maxConcurrency  int
	defaultFallback decimal.Decimal
	logger          *logger.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

// New 创建价格预言机 / Create price oracle
//
// Parameters:
//   - opts: Provider endpoints, per-call timeout and fan-out limit
//   - catalog: Supported assets with their provider ids and fallback prices
//   - log: Logger instance
//   - m: Metrics (may be nil)
//
// Returns:
//   - *Oracle: 预言机实例 / Oracle instance; it never returns errors to callers
func New(opts Options, catalog *models.Catalog, log *logger.Logger, m *metrics.Metrics) *Oracle {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if !opts.DefaultFallback.IsPositive() {
		opts.DefaultFallback = decimal.NewFromInt(1)
	}

	return &Oracle{
		catalog:         catalog,
		crypto:          &cryptoProvider{baseURL: opts.CryptoURL, client: client},
		fiat:            &fiatProvider{baseURL: opts.FiatURL, client: client},
		timeout:         opts.Timeout,
		maxConcurrency:  opts.MaxConcurrency,
		defaultFallback: opts.DefaultFallback,
		logger:          log.With("oracle"),
		metrics:         m,
		now:             time.Now,
	}
}

// Price 获取单个资产价格 / Resolve the USD price of one asset
// 网络错误、非200响应或响应中缺少字段时返回该资产的兜底常量，从不返回错误
// On network error, non-200 response or a missing key, the asset's fallback constant is returned;
// the call never fails.
func (o *Oracle) Price(ctx context.Context, symbol string) Quote {
	symbol = models.NormalizeSymbol(symbol)
	asset, ok := o.catalog.Get(symbol)
	if !ok {
		q := Quote{
			Asset:     symbol,
			Price:     o.defaultFallback,
			Source:    models.PriceSourceFallback,
			Err:       fmt.Errorf("%w: %s is not in the catalog", models.ErrOracleUnavailable, symbol),
			FetchedAt: o.now(),
		}
		o.record(q)
		return q
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var price decimal.Decimal
	var err error
	if asset.IsFiat {
		price, err = o.fiat.fetch(callCtx, asset.ProviderID)
	} else {
		price, err = o.crypto.fetch(callCtx, asset.ProviderID)
	}

	q := Quote{Asset: symbol, Price: price, Source: models.PriceSourceLive, FetchedAt: o.now()}
	if err == nil && !price.IsPositive() {
		err = fmt.Errorf("non-positive price %s", price)
	}
	if err != nil {
		q.Price = asset.FallbackPrice
		q.Source = models.PriceSourceFallback
		q.Err = fmt.Errorf("%w: %s: %v", models.ErrOracleUnavailable, symbol, err)
	}
	o.record(q)
	return q
}

func (o *Oracle) record(q Quote) {
	o.metrics.ObserveQuote(q.Asset, q.Source.String())
	if q.IsFallback() {
		o.logger.Warn("Using fallback price for %s: %s (%v)", q.Asset, q.Price.String(), q.Err)
	} else {
		o.logger.Debug("Live price for %s: %s", q.Asset, q.Price.String())
	}
}

// AllPrices 获取全部资产价格 / Fetch every catalog asset concurrently
// 使用有界并发（errgroup.SetLimit）并发获取，每个调用都有独立超时
// Bounded fan-out (errgroup.SetLimit) with a per-call timeout budget.
func (o *Oracle) AllPrices(ctx context.Context) Snapshot {
	symbols := o.catalog.Symbols()
	quotes := make([]Quote, len(symbols))

	var g errgroup.Group
	g.SetLimit(o.maxConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			quotes[i] = o.Price(ctx, sym)
			return nil
		})
	}
	// Price never fails, so Wait only synchronizes.
	_ = g.Wait()

	snap := Snapshot{Quotes: make(map[string]Quote, len(quotes)), TakenAt: o.now()}
	for _, q := range quotes {
		snap.Quotes[q.Asset] = q
	}
	return snap
}

// Snapshot 价格快照 / One consistent set of prices used for a whole decision
type Snapshot struct {
	Quotes  map[string]Quote
	TakenAt time.Time
}

// NewSnapshot builds a snapshot of live quotes from fixed prices.
func NewSnapshot(prices map[string]decimal.Decimal) Snapshot {
	snap := Snapshot{Quotes: make(map[string]Quote, len(prices)), TakenAt: time.Now()}
	for asset, p := range prices {
		snap.Quotes[asset] = Quote{Asset: asset, Price: p, Source: models.PriceSourceLive, FetchedAt: snap.TakenAt}
	}
	return snap
}

// Prices 价格表 / Asset → price map
func (s Snapshot) Prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Quotes))
	for asset, q := range s.Quotes {
		out[asset] = q.Price
	}
	return out
}

// Price returns the snapshot price of asset.
func (s Snapshot) Price(asset string) (decimal.Decimal, bool) {
	q, ok := s.Quotes[asset]
	return q.Price, ok
}

// Fallbacks 使用兜底价格的资产 / Sorted assets priced from fallback constants
func (s Snapshot) Fallbacks() []string {
	var out []string
	for asset, q := range s.Quotes {
		if q.IsFallback() {
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}
