// Package venue is a client for an OKX v5 compatible spot trading venue.
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wTHU1Ew/papaya/internal/logger"
)

// Options 客户端参数 / Client options
type Options struct {
	APIURL     string // e.g. https://www.okx.com
	APIKey     string
	APISecret  string
	Passphrase string
	Timeout    time.Duration // per HTTP request
	MaxRetries int           // retries of idempotent reads
	Debug      bool          // log raw responses
	HTTPClient *http.Client
}

// Client 交易场所客户端 / Venue API client
type Client struct {
	apiURL     string
	apiKey     string
	apiSecret  string
	passphrase string
	httpClient *http.Client
	maxRetries int
	debug      bool
	logger     *logger.Logger
	now        func() time.Time
}

// New 创建交易场所客户端 / Create venue client
// 初始化API客户端，配置HTTP超时和只读请求的重试策略
// Initialize the API client with HTTP timeout and the retry policy of read requests
//
// Parameters:
//   - opts: Endpoint, credentials, timeout and retry budget
//   - log: Logger instance
//
// Returns:
//   - *Client: 配置完成的客户端实例 / Configured client instance ready for API calls
func New(opts Options, log *logger.Logger) *Client {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Client{
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		passphrase: opts.Passphrase,
		httpClient: client,
		maxRetries: opts.MaxRetries,
		debug:      opts.Debug,
		logger:     log.With("venue"),
		now:        time.Now,
	}
}

// sign 生成API签名 / Generate request signature
// Base64(HMAC-SHA256(secret, timestamp + method + requestPath + body)), requestPath including the query.
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// do 执行单次签名请求 / Execute one signed request
// 非200响应返回 *APIError；网络错误原样返回以便调用方分类
// Non-200 responses become *APIError; transport errors are returned as-is for classification.
func (c *Client) do(ctx context.Context, method, path, body string) ([]byte, error) {
	timestamp := c.now().UTC().Format("2006-01-02T15:04:05.000Z")

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(timestamp, method, path, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if c.debug {
		c.logger.Debug("%s %s body=%s -> %d %s", method, path, body, resp.StatusCode, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Msg: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}

// get 只读请求（带重试）/ Read request retried with exponential backoff on transient errors
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.do(ctx, http.MethodGet, path, "")
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.maxRetries+1)))
}

// decode parses an envelope and turns a non-zero code into *APIError.
func decode[T any](body []byte) ([]T, error) {
	var resp response[T]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != "0" {
		return resp.Data, &APIError{HTTPStatus: http.StatusOK, Code: resp.Code, Msg: resp.Msg}
	}
	return resp.Data, nil
}

// PlaceOrder 下单 / Place an order
// 单次提交，不在此处重试；重试前调用方必须先用 clOrdId 查询订单
// Submitted exactly once; callers retrying must first query the order by its clOrdId.
//
// Parameters:
//   - req: 订单参数，ClOrdID 为必填幂等令牌 / Order parameters; ClOrdID is the mandatory idempotency token
//
// Returns:
//   - *OrderAck: 下单回执（含ordId）/ Acknowledgement carrying the venue order id
//   - error: *APIError 表示被拒绝，其他错误表示结果未知
//     *APIError when rejected; any other error means the outcome is unknown
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if req.ClOrdID == "" {
		return nil, fmt.Errorf("clOrdId is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", string(payload))
	if err != nil {
		return nil, err
	}

	acks, err := decode[OrderAck](body)
	// Rejections carry the per-order code in data[0].sCode.
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return nil, &APIError{HTTPStatus: http.StatusOK, Code: acks[0].SCode, Msg: acks[0].SMsg}
	}
	if err != nil {
		return nil, err
	}
	if len(acks) == 0 {
		return nil, fmt.Errorf("empty order acknowledgement")
	}

	c.logger.Info("Order placed: instId=%s side=%s sz=%s px=%s clOrdId=%s ordId=%s",
		req.InstID, req.Side, req.Sz, req.Px, req.ClOrdID, acks[0].OrdID)
	return &acks[0], nil
}

// GetOrder 按客户端订单号查询 / Query an order by its client order id
//
// Returns:
//   - *Order: 订单详情 / Order details
//   - error: ErrOrderNotFound（包装）表示交易所没有该订单 / ErrOrderNotFound (wrapped) when the venue has no such order
func (c *Client) GetOrder(ctx context.Context, instID, clOrdID string) (*Order, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("clOrdId", clOrdID)

	body, err := c.get(ctx, "/api/v5/trade/order?"+q.Encode())
	if err != nil {
		return nil, err
	}

	orders, err := decode[Order](body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeOrderNotExist {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clOrdID)
	}
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clOrdID)
	}
	return &orders[0], nil
}

// GetAccountBalance 获取账户余额 / Get trading account balance
func (c *Client) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	body, err := c.get(ctx, "/api/v5/account/balance")
	if err != nil {
		return nil, err
	}
	balances, err := decode[AccountBalance](body)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return &AccountBalance{}, nil
	}
	return &balances[0], nil
}

// HealthCheck 健康检查 / Verify connectivity and credentials by reading the account balance
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetAccountBalance(ctx)
	return err
}
