package balance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/pkg/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, Token: "secret-token"}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	return client
}

func TestFetchSendsAuthenticatedRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/account-balances", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance": 123.45}`))
	}, nil)

	reading, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, reading.Value.Equal(decimal.RequireFromString("123.45")))
	assert.False(t, reading.ObservedAt.IsZero())
}

func TestFetchNestedFieldAndStringValue(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"balances": [{"currency": "EURe", "amount": "80.000000000000000001"}]}`))
	}, func(cfg *Config) { cfg.Field = "balances.0.amount" })

	reading, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "80.000000000000000001", reading.Value.String())
}

func TestFetchFailuresAreTyped(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
		"unauthorized": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"not json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
		},
		"missing field": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"total": 10}`))
		},
		"non numeric": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"balance": "plenty"}`))
		},
		"wrong type": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"balance": true}`))
		},
	}
	for name, handler := range cases {
		handler := handler
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, handler, nil)
			_, err := client.Fetch(context.Background())
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeBalanceFetch, xerrors.CodeOf(err))
			assert.True(t, xerrors.RetryableError(err))
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, func(cfg *Config) {
		cfg.BreakerTrip = 2
		cfg.BreakerOpenPeriod = time.Hour
	})

	for i := 0; i < 4; i++ {
		_, err := client.Fetch(context.Background())
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeBalanceFetch, xerrors.CodeOf(err))
	}
	assert.Equal(t, int32(2), calls.Load(), "open breaker must short-circuit requests")
}

func TestFetchHonoursCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Fetch(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRequiresSettings(t *testing.T) {
	_, err := NewClient(Config{Token: "x"})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}
