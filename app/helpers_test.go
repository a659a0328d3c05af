package app_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/velariq/tokengate/adapters/clock"
	"github.com/velariq/tokengate/adapters/email"
	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/adapters/memory"
	"github.com/velariq/tokengate/app"
	"github.com/velariq/tokengate/domain/access"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/billing"
	"github.com/velariq/tokengate/domain/plan"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("connection refused")

// ledger wraps the in-memory store with call counting and fault injection.
type ledger struct {
	*memory.LedgerStore

	lookups   atomic.Int64
	gate      chan struct{} // when non-nil, lookups block until closed
	lookupErr error
	getErr    error
	incrErr   error
	appendErr error
	resetErr  error
	deleteErr error
}

func (l *ledger) GetAuthorizedAccount(ctx context.Context, apiKey string) (account.Authorized, error) {
	l.lookups.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return account.Authorized{}, ctx.Err()
		}
	}
	if l.lookupErr != nil {
		return account.Authorized{}, l.lookupErr
	}
	return l.LedgerStore.GetAuthorizedAccount(ctx, apiKey)
}

func (l *ledger) GetAccount(ctx context.Context, id string) (account.Account, error) {
	if l.getErr != nil {
		return account.Account{}, l.getErr
	}
	return l.LedgerStore.GetAccount(ctx, id)
}

func (l *ledger) IncrementUsage(ctx context.Context, accountID string, tokens int64, at time.Time) (int64, error) {
	if l.incrErr != nil {
		return 0, l.incrErr
	}
	return l.LedgerStore.IncrementUsage(ctx, accountID, tokens, at)
}

func (l *ledger) AppendUsageLog(ctx context.Context, r usage.Record) error {
	if l.appendErr != nil {
		return l.appendErr
	}
	return l.LedgerStore.AppendUsageLog(ctx, r)
}

func (l *ledger) DeleteAccount(ctx context.Context, id string) error {
	if l.deleteErr != nil {
		return l.deleteErr
	}
	return l.LedgerStore.DeleteAccount(ctx, id)
}

func (l *ledger) ResetAllUsage(ctx context.Context, at time.Time) (int64, error) {
	if l.resetErr != nil {
		return 0, l.resetErr
	}
	return l.LedgerStore.ResetAllUsage(ctx, at)
}

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (access.Decision, bool, error) {
	return access.Decision{}, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, access.Decision, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Invalidate(context.Context, string) error        { return errors.New("cache down") }
func (brokenCache) InvalidateAccount(context.Context, string) error { return errors.New("cache down") }
func (brokenCache) Flush(context.Context) error                     { return errors.New("cache down") }

var testTiers = []plan.Tier{
	{ID: "starter", PriceID: "price_starter", Name: "Starter", Tokens: 100000, PriceUSD: 149, WorkflowLimit: "5 workflows"},
	{ID: "professional", PriceID: "price_pro", Name: "Professional", Tokens: 500000, PriceUSD: 399, WorkflowLimit: "Unlimited workflows"},
}

// billingStub records cancellations.
type billingStub struct {
	mu        sync.Mutex
	canceled  []string
	cancelErr error
}

func (b *billingStub) Name() string { return "stub" }

func (b *billingStub) ParseEvent([]byte, string) (billing.Event, error) {
	return billing.Event{}, access.ErrInvalidEvent
}

func (b *billingStub) CreateCheckoutSession(context.Context, ports.CheckoutRequest) (string, string, error) {
	return "cs_stub", "https://billing.example.com/cs_stub", nil
}

func (b *billingStub) CreatePortalSession(context.Context, string, string) (string, error) {
	return "https://billing.example.com/portal", nil
}

func (b *billingStub) CancelSubscription(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.canceled = append(b.canceled, id)
	return nil
}

func (b *billingStub) Canceled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.canceled...)
}

type harness struct {
	store    *ledger
	cache    *memory.AuthCache
	clock    *clock.Fake
	keys     *idgen.Sequential
	notifier *email.MockNotifier
	billing  *billingStub

	auth  *app.Authorizer
	meter *app.Meter
	sync  *app.SubscriptionSync
	reset *app.UsageReset
	data  *app.AccountData
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := clock.NewFake(baseTime)
	h := &harness{
		store:    &ledger{LedgerStore: memory.NewLedgerStore(idgen.NewSequential("acc_"))},
		cache:    memory.NewAuthCache(fc),
		clock:    fc,
		keys:     idgen.NewSequential("viq_key"),
		notifier: email.NewMockNotifier(),
		billing:  &billingStub{},
	}
	logger := zerolog.Nop()

	h.auth = app.NewAuthorizer(app.AuthorizerDeps{
		Store: h.store, Cache: h.cache, Clock: fc, Logger: logger,
	}, app.AuthorizerConfig{})
	h.meter = app.NewMeter(app.MeterDeps{
		Store: h.store, Cache: h.cache, Clock: fc, IDGen: idgen.NewSequential("use_"), Logger: logger,
	}, app.MeterConfig{})
	h.sync = app.NewSubscriptionSync(app.SubscriptionSyncDeps{
		Store: h.store, Cache: h.cache, Keys: h.keys, Notifier: h.notifier, Clock: fc, Logger: logger,
	}, plan.NewCatalog(testTiers), 0)
	h.reset = app.NewUsageReset(h.store, h.cache, fc, logger)
	h.data = app.NewAccountData(app.AccountDataDeps{
		Store: h.store, Cache: h.cache, Billing: h.billing, Clock: fc, Logger: logger,
	}, 0)
	return h
}

// seed creates an account with a subscription in the given status.
func (h *harness) seed(t *testing.T, email, key string, allocated, used int64, status account.Status) account.Account {
	t.Helper()
	ctx := context.Background()

	a, err := h.store.UpsertAccount(ctx, account.Account{
		Email: email, APIKey: key, TokensAllocated: allocated, UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	_, err = h.store.UpsertSubscription(ctx, account.Subscription{
		AccountID:        a.ID,
		ProviderID:       "sub_" + a.ID,
		ProviderCustomer: "cus_" + a.ID,
		PlanID:           "price_starter",
		Status:           status,
		CurrentPeriodEnd: baseTime.AddDate(0, 1, 0),
		UpdatedAt:        baseTime,
	})
	require.NoError(t, err)
	if used > 0 {
		_, err = h.store.LedgerStore.IncrementUsage(ctx, a.ID, used, baseTime)
		require.NoError(t, err)
	}
	return a
}

func newAuthorizerWithCache(h *harness, c ports.AuthCache) *app.Authorizer {
	return app.NewAuthorizer(app.AuthorizerDeps{
		Store: h.store, Cache: c, Clock: h.clock, Logger: zerolog.Nop(),
	}, app.AuthorizerConfig{})
}

func newDecision(auth account.Authorized) access.Decision {
	return app.NewDecision(auth, baseTime)
}
