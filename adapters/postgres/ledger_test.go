package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/adapters/postgres"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

var now = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

var (
	accountCols = []string{"id", "email", "api_key", "tokens_allocated", "tokens_used", "created_at", "updated_at"}
	subCols     = []string{"id", "account_id", "provider_subscription_id", "provider_customer_id",
		"plan_id", "status", "current_period_end", "created_at", "updated_at"}
)

func newMock(t *testing.T) (*postgres.LedgerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.NewLedgerStore(db, idgen.NewSequential("id_")), mock
}

func TestLedgerStore_GetAuthorizedAccount(t *testing.T) {
	store, mock := newMock(t)

	cols := append(append([]string{}, accountCols...), subCols...)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.api_key = $1 AND s.status = 'active'")).
		WithArgs("viq_a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"acc_1", "a@example.com", "viq_a", int64(100000), int64(99950), now, now,
			"sub_row", "acc_1", "sub_a", "cus_a", "price_starter", "active", now.AddDate(0, 1, 0), now, now,
		))

	got, err := store.GetAuthorizedAccount(context.Background(), "viq_a")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", got.Account.ID)
	assert.Equal(t, int64(99950), got.Account.TokensUsed)
	assert.Equal(t, account.StatusActive, got.Subscription.Status)
	assert.Equal(t, "sub_a", got.Subscription.ProviderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_GetAuthorizedAccount_NotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("FROM accounts a").
		WithArgs("viq_does_not_exist").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetAuthorizedAccount(context.Background(), "viq_does_not_exist")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_UpsertAccount(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (email) DO UPDATE SET")).
		WithArgs("id_1", "a@example.com", "viq_new", int64(500000), now, now).
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acc_existing", "a@example.com", "viq_new", int64(500000), int64(250), now.Add(-time.Hour), now))

	got, err := store.UpsertAccount(context.Background(), account.Account{
		Email: "a@example.com", APIKey: "viq_new", TokensAllocated: 500000, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "acc_existing", got.ID, "conflict keeps the stored id")
	assert.Equal(t, int64(250), got.TokensUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_UpsertAccount_DuplicateKey(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint \"accounts_api_key_key\""})

	_, err := store.UpsertAccount(context.Background(), account.Account{Email: "b@example.com", APIKey: "viq_a", UpdatedAt: now})
	assert.ErrorIs(t, err, ports.ErrDuplicate)
}

func TestLedgerStore_UpsertSubscription_UnknownAccount(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

	_, err := store.UpsertSubscription(context.Background(), account.Subscription{
		AccountID: "missing", ProviderID: "sub_x", Status: account.StatusActive, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestLedgerStore_UpdateSubscriptionStatus(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE subscriptions SET")).
		WithArgs("canceled", "", sql.NullTime{}, now, "sub_a").
		WillReturnRows(sqlmock.NewRows(subCols).
			AddRow("sub_row", "acc_1", "sub_a", "cus_a", "price_starter", "canceled", now, now, now))

	got, err := store.UpdateSubscriptionStatus(context.Background(), account.Subscription{
		ProviderID: "sub_a", Status: account.StatusCanceled, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.Equal(t, "acc_1", got.AccountID)
	assert.Equal(t, account.StatusCanceled, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_UpdateSubscriptionStatus_Unknown(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("UPDATE subscriptions SET").
		WillReturnRows(sqlmock.NewRows(subCols))

	_, err := store.UpdateSubscriptionStatus(context.Background(), account.Subscription{ProviderID: "sub_unknown", Status: account.StatusCanceled, UpdatedAt: now})
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestLedgerStore_IncrementUsage(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SET tokens_used = tokens_used + $1")).
		WithArgs(int64(100), now, "acc_1").
		WillReturnRows(sqlmock.NewRows([]string{"tokens_used"}).AddRow(int64(100050)))

	used, err := store.IncrementUsage(context.Background(), "acc_1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100050), used)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_IncrementUsage_Errors(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("UPDATE accounts").WillReturnRows(sqlmock.NewRows([]string{"tokens_used"}))
	_, err := store.IncrementUsage(context.Background(), "missing", 1, now)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	boom := errors.New("connection reset")
	mock.ExpectQuery("UPDATE accounts").WillReturnError(boom)
	_, err = store.IncrementUsage(context.Background(), "acc_1", 1, now)
	assert.ErrorIs(t, err, boom)
}

func TestLedgerStore_AppendUsageLog(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO usage_logs").
		WithArgs("id_1", "acc_1", int64(250), usage.OpCharge, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendUsageLog(context.Background(), usage.Record{AccountID: "acc_1", Tokens: 250, CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerStore_ListUsage(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("FROM usage_logs").
		WithArgs("acc_1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "tokens", "operation", "created_at"}).
			AddRow("u1", "acc_1", int64(100), usage.OpWorkflowCreate, now).
			AddRow("u2", "acc_1", int64(250), usage.OpWorkflowRun, now.Add(time.Minute)))

	got, err := store.ListUsage(context.Background(), "acc_1", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, usage.OpWorkflowRun, got[1].Operation)
}

func TestLedgerStore_ResetAllUsage(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("SELECT account_id FROM subscriptions WHERE status = 'active'")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ResetAllUsage(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestLedgerStore_DeleteAccount(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM accounts WHERE id = $1")).
		WithArgs("acc_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM accounts WHERE id = $1")).
		WithArgs("acc_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.DeleteAccount(context.Background(), "acc_1"))
	assert.ErrorIs(t, store.DeleteAccount(context.Background(), "acc_missing"), ports.ErrNotFound)
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("001_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("001_ledger").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, postgres.Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("001_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, postgres.Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLedgerStore_Live runs against a real database when TEST_POSTGRES_DSN is set.
func TestLedgerStore_Live(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	db, err := postgres.Open(ctx, dsn, postgres.PoolConfig{MaxOpenConns: 5})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, postgres.Migrate(ctx, db))

	store := postgres.NewLedgerStore(db, nil)
	email := "live-" + idgen.UUID{}.New() + "@example.com"
	key := idgen.APIKeys{}.NewKey()

	a, err := store.UpsertAccount(ctx, account.Account{Email: email, APIKey: key, TokensAllocated: 1000, UpdatedAt: now})
	require.NoError(t, err)
	_, err = store.UpsertSubscription(ctx, account.Subscription{
		AccountID: a.ID, ProviderID: "sub_" + a.ID, Status: account.StatusActive,
		CurrentPeriodEnd: now.AddDate(0, 1, 0), UpdatedAt: now,
	})
	require.NoError(t, err)

	used, err := store.IncrementUsage(ctx, a.ID, 10, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)

	got, err := store.GetAuthorizedAccount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.Account.ID)
}
