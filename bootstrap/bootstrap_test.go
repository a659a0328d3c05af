package bootstrap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/velariq/tokengate/bootstrap"
	"github.com/velariq/tokengate/config"
)

const webhookSecret = "whsec_bootstrap"

const testConfig = `
server:
  port: 18080
logging:
  level: debug
database:
  driver: memory
billing:
  provider: stripe
  stripe_key: sk_test_bootstrap
  webhook_secret: whsec_bootstrap
email:
  provider: log
plans:
  - id: starter
    name: Starter
    price_id: price_starter
    tokens: 1000
    price_usd: 149
`

func newApp(t *testing.T, content string) *bootstrap.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokengate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	a, err := bootstrap.New(context.Background(), bootstrap.Options{
		ConfigPath: path,
		Registerer: prometheus.NewRegistry(),
		LogOutput:  io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func post(t *testing.T, url string, body []byte, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header = header
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func checkoutEvent(t *testing.T) ([]byte, string) {
	t.Helper()
	payload := []byte(`{
		"id": "evt_boot_1",
		"object": "event",
		"api_version": "2023-10-16",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_boot_1",
			"object": "checkout.session",
			"customer": "cus_boot",
			"customer_details": {"email": "owner@example.com"},
			"subscription": "sub_boot",
			"metadata": {"priceId": "price_starter"}
		}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	return payload, signed.Header
}

func TestNew_WiresComponents(t *testing.T) {
	a := newApp(t, testConfig)

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Cache)
	assert.NotNil(t, a.KillSwitch)
	assert.NotNil(t, a.Metrics)
	assert.NotNil(t, a.Authorizer)
	assert.NotNil(t, a.Meter)
	assert.NotNil(t, a.Sync)
	assert.NotNil(t, a.Abuse)
	assert.NotNil(t, a.Data)
	assert.Equal(t, "0.0.0.0:18080", a.HTTPServer.Addr)
	assert.Equal(t, int64(1000), a.Sync.Plans().TokensFor("price_starter"))
}

func TestNew_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokengate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: mongo\n"), 0644))

	_, err := bootstrap.New(context.Background(), bootstrap.Options{ConfigPath: path, LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
}

func TestNewFromConfig_SQLite(t *testing.T) {
	t.Setenv("TOKENGATE_DATABASE_DRIVER", "sqlite")
	t.Setenv("TOKENGATE_DATABASE_DSN", filepath.Join(t.TempDir(), "ledger.db"))
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)

	a, err := bootstrap.NewFromConfig(context.Background(), cfg, bootstrap.Options{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Shutdown()

	require.NoError(t, a.Store.Ping(context.Background()))
}

func TestNewFromConfig_TieredCacheNeedsRedis(t *testing.T) {
	t.Setenv("TOKENGATE_DATABASE_DRIVER", "memory")
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	cfg.Cache.Driver = "tiered"

	_, err = bootstrap.NewFromConfig(context.Background(), cfg, bootstrap.Options{LogOutput: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires redis.addr")
}

func TestApp_EndToEnd(t *testing.T) {
	a := newApp(t, testConfig)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	ctx := context.Background()

	// Purchase issues a key.
	payload, sig := checkoutEvent(t)
	resp := post(t, srv.URL+"/webhook", payload, http.Header{"Stripe-Signature": {sig}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acct, err := a.Store.GetAccountByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(acct.APIKey, "viq_"))
	assert.Equal(t, int64(1000), acct.TokensAllocated)

	// Usage is metered against the allocation.
	keyHeader := http.Header{"X-Api-Key": {acct.APIKey}, "Content-Type": {"application/json"}}
	resp = post(t, srv.URL+"/api/usage", []byte(`{"tokens":400}`), keyHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var usage struct {
		TokensUsed      int64 `json:"tokensUsed"`
		RemainingTokens int64 `json:"remainingTokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&usage))
	assert.Equal(t, int64(400), usage.TokensUsed)
	assert.Equal(t, int64(600), usage.RemainingTokens)

	// A monthly reset restores the full allocation.
	n, err := a.RunUsageReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	acct, err = a.Store.GetAccountByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Zero(t, acct.TokensUsed)

	// Health stays reachable.
	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestApp_MetricsEndpoint(t *testing.T) {
	a := newApp(t, testConfig)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	_, err := a.RunUsageReset(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tokengate_usage_resets_total 1")
}

func TestApp_KillSwitch(t *testing.T) {
	a := newApp(t, testConfig)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	require.NoError(t, a.KillSwitch.Set(context.Background(), true))

	resp := post(t, srv.URL+"/api/usage", []byte(`{"tokens":1}`), http.Header{"X-Api-Key": {"viq_any"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info().Str("k", "v").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "v", line["k"])
}
