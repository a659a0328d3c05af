package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/adapters/email"
	apihttp "github.com/velariq/tokengate/adapters/http"
	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/adapters/memory"
	"github.com/velariq/tokengate/adapters/metrics"
	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/domain/abuse"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/ports"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("dial tcp 10.0.0.5:5432: connection refused")

// flakyLedger injects store failures into the in-memory ledger.
type flakyLedger struct {
	*memory.LedgerStore
	lookupErr error
	incrErr   error
	upsertErr error
}

func (l *flakyLedger) GetAuthorizedAccount(ctx context.Context, apiKey string) (account.Authorized, error) {
	if l.lookupErr != nil {
		return account.Authorized{}, l.lookupErr
	}
	return l.LedgerStore.GetAuthorizedAccount(ctx, apiKey)
}

func (l *flakyLedger) IncrementUsage(ctx context.Context, accountID string, tokens int64, at time.Time) (int64, error) {
	if l.incrErr != nil {
		return 0, l.incrErr
	}
	return l.LedgerStore.IncrementUsage(ctx, accountID, tokens, at)
}

func (l *flakyLedger) UpsertAccount(ctx context.Context, a account.Account) (account.Account, error) {
	if l.upsertErr != nil {
		return account.Account{}, l.upsertErr
	}
	return l.LedgerStore.UpsertAccount(ctx, a)
}

// fakeBilling is a scripted billing provider.
type fakeBilling struct {
	event       billing.Event
	parseErr    error
	checkoutErr error
	portalErr   error
	cancelErr   error

	lastSignature string
	lastCheckout  ports.CheckoutRequest
	lastCustomer  string
	lastReturnURL string
	canceled      []string
}

func (f *fakeBilling) Name() string { return "fake" }

func (f *fakeBilling) ParseEvent(payload []byte, signature string) (billing.Event, error) {
	f.lastSignature = signature
	if f.parseErr != nil {
		return billing.Event{}, f.parseErr
	}
	return f.event, nil
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, req ports.CheckoutRequest) (string, string, error) {
	f.lastCheckout = req
	if f.checkoutErr != nil {
		return "", "", f.checkoutErr
	}
	return "cs_test_1", "https://checkout.example.com/cs_test_1", nil
}

func (f *fakeBilling) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	f.lastCustomer = customerID
	f.lastReturnURL = returnURL
	if f.portalErr != nil {
		return "", f.portalErr
	}
	return "https://billing.example.com/p/session", nil
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	return nil
}

var testTiers = []plan.Tier{
	{ID: "starter", PriceID: "price_starter", Name: "Starter", Tokens: 100000, PriceUSD: 149, WorkflowLimit: "5 workflows"},
	{ID: "professional", PriceID: "price_pro", Name: "Professional", Tokens: 500000, PriceUSD: 399, WorkflowLimit: "Unlimited workflows"},
}

type server struct {
	store    *flakyLedger
	clock    *clock.Fake
	billing  *fakeBilling
	kill     *memory.KillSwitch
	notifier *email.MockNotifier
	meter    *app.Meter
	metrics  *metrics.Collector
	handler  http.Handler
}

type serverOption func(*apihttp.RouterConfig)

func withAbuseThreshold(n int64) serverOption {
	return func(cfg *apihttp.RouterConfig) {
		cfg.Abuse.UpdateConfig(abuse.Config{Threshold: n, Window: time.Hour})
	}
}

func withAPILimit(perMinute int) serverOption {
	return func(cfg *apihttp.RouterConfig) {
		cfg.APILimiter = apihttp.NewBurstLimiter(perMinute)
	}
}

func withOpenAPI() serverOption {
	return func(cfg *apihttp.RouterConfig) {
		cfg.EnableOpenAPI = true
	}
}

func newServer(t *testing.T, opts ...serverOption) *server {
	t.Helper()
	logger := zerolog.Nop()
	fc := clock.NewFake(baseTime)

	s := &server{
		store:    &flakyLedger{LedgerStore: memory.NewLedgerStore(idgen.NewSequential("acc_"))},
		clock:    fc,
		billing:  &fakeBilling{},
		kill:     memory.NewKillSwitch(),
		notifier: email.NewMockNotifier(),
	}

	reg := prometheus.NewRegistry()
	s.metrics = metrics.NewWithRegistry(reg)
	cache := metrics.InstrumentCache(memory.NewAuthCache(fc), s.metrics)

	abuseStore := memory.NewAbuseStore(memory.AbuseStoreConfig{Clock: fc})
	t.Cleanup(func() { abuseStore.Close() })

	authz := app.NewAuthorizer(app.AuthorizerDeps{Store: s.store, Cache: cache, Clock: fc, Logger: logger}, app.AuthorizerConfig{})
	s.meter = app.NewMeter(app.MeterDeps{
		Store: s.store, Cache: cache, Clock: fc, IDGen: idgen.NewSequential("use_"), Logger: logger,
	}, app.MeterConfig{})
	sync := app.NewSubscriptionSync(app.SubscriptionSyncDeps{
		Store: s.store, Cache: cache, Keys: idgen.APIKeys{}, Notifier: s.notifier, Clock: fc, Logger: logger,
	}, plan.NewCatalog(testTiers), 0)
	dashboard := app.NewDashboard(s.store, sync.Plans, fc)
	data := app.NewAccountData(app.AccountDataDeps{
		Store: s.store, Cache: cache, Billing: s.billing, Clock: fc, Logger: logger,
	}, 0)

	handlers := apihttp.NewHandlers(apihttp.HandlerDeps{
		Meter:           s.meter,
		Sync:            sync,
		Dashboard:       dashboard,
		Data:            data,
		Billing:         s.billing,
		Metrics:         s.metrics,
		Logger:          logger,
		PortalReturnURL: "https://app.example.com/dashboard",
	})
	health := apihttp.NewHealthHandler(map[string]apihttp.HealthCheck{"ledger": s.store.Ping}, logger)

	cfg := apihttp.RouterConfig{
		Authorizer:     authz,
		Abuse:          app.NewAbuseGuard(abuseStore, logger, abuse.Config{}),
		KillSwitch:     s.kill,
		Metrics:        s.metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s.handler = apihttp.NewRouter(handlers, health, logger, cfg)
	return s
}

// seed creates an account with an active subscription on the starter plan.
func (s *server) seed(t *testing.T, email, key string, allocated, used int64) account.Account {
	t.Helper()
	ctx := context.Background()

	a, err := s.store.LedgerStore.UpsertAccount(ctx, account.Account{
		Email: email, APIKey: key, TokensAllocated: allocated, UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	_, err = s.store.UpsertSubscription(ctx, account.Subscription{
		AccountID:        a.ID,
		ProviderID:       "sub_" + a.ID,
		ProviderCustomer: "cus_" + a.ID,
		PlanID:           "price_starter",
		Status:           account.StatusActive,
		CurrentPeriodEnd: baseTime.AddDate(0, 1, 0),
		UpdatedAt:        baseTime,
	})
	require.NoError(t, err)
	if used > 0 {
		_, err = s.store.LedgerStore.IncrementUsage(ctx, a.ID, used, baseTime)
		require.NoError(t, err)
	}
	return a
}

func (s *server) do(method, path, key, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func usedTokens(t *testing.T, s *server, accountID string) int64 {
	t.Helper()
	a, err := s.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return a.TokensUsed
}

func zerologNop() zerolog.Logger { return zerolog.Nop() }
