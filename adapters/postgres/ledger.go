package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

const accountColumns = `id, email, api_key, tokens_allocated, tokens_used, created_at, updated_at`

const subscriptionColumns = `id, account_id, provider_subscription_id, provider_customer_id,
	plan_id, status, current_period_end, created_at, updated_at`

// LedgerStore implements ports.LedgerStore on PostgreSQL.
type LedgerStore struct {
	db  *sql.DB
	ids ports.IDGenerator
}

// NewLedgerStore wraps an open database. A nil generator uses UUIDs.
func NewLedgerStore(db *sql.DB, ids ports.IDGenerator) *LedgerStore {
	if ids == nil {
		ids = idgen.UUID{}
	}
	return &LedgerStore{db: db, ids: ids}
}

func (s *LedgerStore) GetAuthorizedAccount(ctx context.Context, apiKey string) (account.Authorized, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.email, a.api_key, a.tokens_allocated, a.tokens_used, a.created_at, a.updated_at,
		       s.id, s.account_id, s.provider_subscription_id, s.provider_customer_id,
		       s.plan_id, s.status, s.current_period_end, s.created_at, s.updated_at
		FROM accounts a
		JOIN subscriptions s ON s.account_id = a.id
		WHERE a.api_key = $1 AND s.status = 'active'
		ORDER BY s.current_period_end DESC
		LIMIT 1
	`, apiKey)

	var out account.Authorized
	err := row.Scan(append(accountDest(&out.Account), subscriptionDest(&out.Subscription)...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Authorized{}, ports.ErrNotFound
	}
	if err != nil {
		return account.Authorized{}, fmt.Errorf("authorized account: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *LedgerStore) GetAccountByEmail(ctx context.Context, email string) (account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// UpsertAccount inserts by email or rotates key and allocation in place.
func (s *LedgerStore) UpsertAccount(ctx context.Context, a account.Account) (account.Account, error) {
	if a.ID == "" {
		a.ID = s.ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.UpdatedAt
	}

	got, err := scanAccount(s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, email, api_key, tokens_allocated, tokens_used, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (email) DO UPDATE SET
			api_key = EXCLUDED.api_key,
			tokens_allocated = EXCLUDED.tokens_allocated,
			updated_at = EXCLUDED.updated_at
		RETURNING `+accountColumns,
		a.ID, a.Email, a.APIKey, a.TokensAllocated, a.CreatedAt, a.UpdatedAt,
	))
	if hasCode(err, codeUniqueViolation) {
		return account.Account{}, fmt.Errorf("upsert account: %w", ports.ErrDuplicate)
	}
	if err != nil {
		return account.Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return got, nil
}

func (s *LedgerStore) UpsertSubscription(ctx context.Context, sub account.Subscription) (account.Subscription, error) {
	if sub.ID == "" {
		sub.ID = s.ids.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.UpdatedAt
	}

	got, err := scanSubscription(s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (
			id, account_id, provider_subscription_id, provider_customer_id,
			plan_id, status, current_period_end, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			provider_customer_id = EXCLUDED.provider_customer_id,
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = EXCLUDED.updated_at
		RETURNING `+subscriptionColumns,
		sub.ID, sub.AccountID, sub.ProviderID, sub.ProviderCustomer,
		sub.PlanID, string(sub.Status), sub.CurrentPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	))
	if hasCode(err, codeForeignKeyViolation) {
		return account.Subscription{}, fmt.Errorf("subscription for unknown account %s: %w", sub.AccountID, ports.ErrNotFound)
	}
	if err != nil {
		return account.Subscription{}, fmt.Errorf("upsert subscription: %w", err)
	}
	return got, nil
}

func (s *LedgerStore) GetSubscription(ctx context.Context, providerID string) (account.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`, providerID))
}

func (s *LedgerStore) GetSubscriptionByAccount(ctx context.Context, accountID string) (account.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, accountID))
}

func (s *LedgerStore) UpdateSubscriptionStatus(ctx context.Context, upd account.Subscription) (account.Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		UPDATE subscriptions SET
			status = $1,
			plan_id = COALESCE(NULLIF($2, ''), plan_id),
			current_period_end = COALESCE($3, current_period_end),
			updated_at = $4
		WHERE provider_subscription_id = $5
		RETURNING `+subscriptionColumns,
		string(upd.Status), upd.PlanID, nullTime(upd.CurrentPeriodEnd), upd.UpdatedAt, upd.ProviderID,
	))
}

// IncrementUsage adds tokens in one statement; row locking makes concurrent
// increments serialize without lost updates.
func (s *LedgerStore) IncrementUsage(ctx context.Context, accountID string, tokens int64, at time.Time) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET tokens_used = tokens_used + $1, updated_at = $2
		WHERE id = $3
		RETURNING tokens_used
	`, tokens, at, accountID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ports.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return used, nil
}

func (s *LedgerStore) AppendUsageLog(ctx context.Context, r usage.Record) error {
	if r.ID == "" {
		r.ID = s.ids.New()
	}
	if r.Operation == "" {
		r.Operation = usage.OpCharge
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (id, account_id, tokens, operation, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.AccountID, r.Tokens, r.Operation, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

func (s *LedgerStore) ListUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, tokens, operation, created_at
		FROM usage_logs
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		var r usage.Record
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Tokens, &r.Operation, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *LedgerStore) ResetAllUsage(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET tokens_used = 0, updated_at = $1
		WHERE id IN (SELECT account_id FROM subscriptions WHERE status = 'active')
	`, at)
	if err != nil {
		return 0, fmt.Errorf("reset usage: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAccount removes the account. Subscriptions and usage rows go with it
// through ON DELETE CASCADE.
func (s *LedgerStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *LedgerStore) Close() error {
	return s.db.Close()
}

func scanAccount(row *sql.Row) (account.Account, error) {
	var a account.Account
	err := row.Scan(accountDest(&a)...)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, ports.ErrNotFound
	}
	return a, err
}

func scanSubscription(row *sql.Row) (account.Subscription, error) {
	var sub account.Subscription
	err := row.Scan(subscriptionDest(&sub)...)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Subscription{}, ports.ErrNotFound
	}
	return sub, err
}

func accountDest(a *account.Account) []any {
	return []any{&a.ID, &a.Email, &a.APIKey, &a.TokensAllocated, &a.TokensUsed, &a.CreatedAt, &a.UpdatedAt}
}

func subscriptionDest(s *account.Subscription) []any {
	return []any{&s.ID, &s.AccountID, &s.ProviderID, &s.ProviderCustomer,
		&s.PlanID, (*string)(&s.Status), &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
