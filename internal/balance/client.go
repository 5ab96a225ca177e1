// Package balance reads the monitored account balance from the external
// balance service.
package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/pkg/logger"
)

const (
	defaultPath        = "/api/v1/account-balances"
	defaultField       = "balance"
	defaultTimeout     = 10 * time.Second
	defaultBreakerTrip = 5
	defaultBreakerOpen = 30 * time.Second
	maxBodyBytes       = 1 << 20
)

// Reading is a single balance observation. It is never persisted.
type Reading struct {
	Value      decimal.Decimal
	ObservedAt time.Time
}

// Config describes how to reach the balance service.
type Config struct {
	BaseURL string
	Path    string
	Token   string
	// Field is a dot separated path to the numeric value, e.g. "balance" or
	// "balances.0.amount".
	Field             string
	Timeout           time.Duration
	BreakerTrip       uint32
	BreakerOpenPeriod time.Duration
}

// Client performs authenticated reads against the balance service.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	fieldPath  []string
	log        *slog.Logger
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(client *Client) {
		if l != nil {
			client.log = l
		}
	}
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置余额服务地址")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置余额服务访问令牌")
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Field == "" {
		cfg.Field = defaultField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BreakerTrip == 0 {
		cfg.BreakerTrip = defaultBreakerTrip
	}
	if cfg.BreakerOpenPeriod <= 0 {
		cfg.BreakerOpenPeriod = defaultBreakerOpen
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fieldPath:  strings.Split(cfg.Field, "."),
		log:        logger.Named("balance"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	trip := cfg.BreakerTrip
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "BalanceAPI",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("balance circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// Fetch performs one authenticated read. Every failure, including an open
// breaker, is a retryable BALANCE_FETCH_FAILED error.
func (c *Client) Fetch(ctx context.Context) (Reading, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return Reading{}, err
		}
		return Reading{}, xerrors.Wrap(xerrors.CodeBalanceFetch, err, "余额服务熔断中")
	}
	return result.(Reading), nil
}

func (c *Client) fetch(ctx context.Context) (Reading, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(c.cfg.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Reading{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "构造余额请求失败")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Reading{}, xerrors.Wrap(xerrors.CodeBalanceFetch, err, "请求余额服务失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Reading{}, xerrors.Wrap(xerrors.CodeBalanceFetch, err, "读取余额响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reading{}, xerrors.New(xerrors.CodeBalanceFetch,
			fmt.Sprintf("余额服务返回状态码 %d", resp.StatusCode),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}

	value, err := extract(body, c.fieldPath)
	if err != nil {
		return Reading{}, xerrors.Wrap(xerrors.CodeBalanceFetch, err, "解析余额响应失败")
	}
	return Reading{Value: value, ObservedAt: c.now()}, nil
}

// extract walks a decoded JSON document along path and parses the leaf as a
// decimal. Numbers are decoded with UseNumber so no precision is lost.
func extract(body []byte, path []string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("响应不是合法的 JSON: %w", err)
	}

	node := doc
	for _, key := range path {
		switch v := node.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return decimal.Decimal{}, fmt.Errorf("缺少字段 %q", key)
			}
			node = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return decimal.Decimal{}, fmt.Errorf("数组下标 %q 无效", key)
			}
			node = v[idx]
		default:
			return decimal.Decimal{}, fmt.Errorf("字段 %q 不是对象或数组", key)
		}
	}

	switch v := node.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("字段值 %q 不是数字", v)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("字段值类型 %T 不是数字", node)
	}
}
