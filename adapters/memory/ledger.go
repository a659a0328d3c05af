// Package memory provides in-memory implementations of the store ports.
// Used for testing and single-process deployments without persistence.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/velariq/tokengate/adapters/idgen"
	"github.com/velariq/tokengate/domain/account"
	"github.com/velariq/tokengate/domain/usage"
	"github.com/velariq/tokengate/ports"
)

// LedgerStore is an in-memory ledger. A single mutex serializes writes,
// which makes IncrementUsage trivially atomic.
type LedgerStore struct {
	mu       sync.RWMutex
	accounts map[string]account.Account      // by id
	byEmail  map[string]string               // email -> id
	byKey    map[string]string               // api key -> id
	subs     map[string]account.Subscription // by provider id
	usage    []usage.Record
	ids      ports.IDGenerator
}

// NewLedgerStore creates an empty ledger. A nil generator uses UUIDs.
func NewLedgerStore(ids ports.IDGenerator) *LedgerStore {
	if ids == nil {
		ids = idgen.UUID{}
	}
	return &LedgerStore{
		accounts: make(map[string]account.Account),
		byEmail:  make(map[string]string),
		byKey:    make(map[string]string),
		subs:     make(map[string]account.Subscription),
		ids:      ids,
	}
}

func (s *LedgerStore) GetAuthorizedAccount(ctx context.Context, apiKey string) (account.Authorized, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[apiKey]
	if !ok {
		return account.Authorized{}, ports.ErrNotFound
	}
	sub, ok := s.activeSubscriptionLocked(id)
	if !ok {
		return account.Authorized{}, ports.ErrNotFound
	}
	return account.Authorized{Account: s.accounts[id], Subscription: sub}, nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, ports.ErrNotFound
	}
	return a, nil
}

func (s *LedgerStore) GetAccountByEmail(ctx context.Context, email string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[email]
	if !ok {
		return account.Account{}, ports.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *LedgerStore) UpsertAccount(ctx context.Context, a account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.byKey[a.APIKey]; ok && s.accounts[owner].Email != a.Email {
		return account.Account{}, fmt.Errorf("api key already assigned: %w", ports.ErrDuplicate)
	}

	if id, ok := s.byEmail[a.Email]; ok {
		existing := s.accounts[id]
		delete(s.byKey, existing.APIKey)
		existing.APIKey = a.APIKey
		existing.TokensAllocated = a.TokensAllocated
		existing.UpdatedAt = a.UpdatedAt
		s.accounts[id] = existing
		s.byKey[a.APIKey] = id
		return existing, nil
	}

	if a.ID == "" {
		a.ID = s.ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.UpdatedAt
	}
	s.accounts[a.ID] = a
	s.byEmail[a.Email] = a.ID
	s.byKey[a.APIKey] = a.ID
	return a, nil
}

func (s *LedgerStore) UpsertSubscription(ctx context.Context, sub account.Subscription) (account.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[sub.AccountID]; !ok {
		return account.Subscription{}, fmt.Errorf("subscription for unknown account %s: %w", sub.AccountID, ports.ErrNotFound)
	}

	if existing, ok := s.subs[sub.ProviderID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		if sub.ID == "" {
			sub.ID = s.ids.New()
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = sub.UpdatedAt
		}
	}
	s.subs[sub.ProviderID] = sub
	return sub, nil
}

func (s *LedgerStore) GetSubscription(ctx context.Context, providerID string) (account.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[providerID]
	if !ok {
		return account.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

func (s *LedgerStore) GetSubscriptionByAccount(ctx context.Context, accountID string) (account.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest account.Subscription
		found  bool
	)
	for _, sub := range s.subs {
		if sub.AccountID != accountID {
			continue
		}
		if !found || sub.UpdatedAt.After(latest.UpdatedAt) {
			latest, found = sub, true
		}
	}
	if !found {
		return account.Subscription{}, ports.ErrNotFound
	}
	return latest, nil
}

func (s *LedgerStore) UpdateSubscriptionStatus(ctx context.Context, upd account.Subscription) (account.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[upd.ProviderID]
	if !ok {
		return account.Subscription{}, ports.ErrNotFound
	}
	sub.Status = upd.Status
	if upd.PlanID != "" {
		sub.PlanID = upd.PlanID
	}
	if !upd.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = upd.CurrentPeriodEnd
	}
	sub.UpdatedAt = upd.UpdatedAt
	s.subs[upd.ProviderID] = sub
	return sub, nil
}

func (s *LedgerStore) IncrementUsage(ctx context.Context, accountID string, tokens int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return 0, ports.ErrNotFound
	}
	a.TokensUsed += tokens
	a.UpdatedAt = at
	s.accounts[accountID] = a
	return a.TokensUsed, nil
}

func (s *LedgerStore) AppendUsageLog(ctx context.Context, r usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.ids.New()
	}
	s.usage = append(s.usage, r)
	return nil
}

func (s *LedgerStore) ListUsage(ctx context.Context, accountID string, since time.Time) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usage.Record
	for _, r := range s.usage {
		if r.AccountID == accountID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *LedgerStore) ResetAllUsage(ctx context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.accounts {
		if _, ok := s.activeSubscriptionLocked(id); !ok {
			continue
		}
		a.TokensUsed = 0
		a.UpdatedAt = at
		s.accounts[id] = a
		n++
	}
	return n, nil
}

// DeleteAccount removes the account with its subscriptions and usage records.
func (s *LedgerStore) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return ports.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.byEmail, a.Email)
	delete(s.byKey, a.APIKey)
	for pid, sub := range s.subs {
		if sub.AccountID == id {
			delete(s.subs, pid)
		}
	}
	kept := s.usage[:0]
	for _, r := range s.usage {
		if r.AccountID != id {
			kept = append(kept, r)
		}
	}
	s.usage = kept
	return nil
}

func (s *LedgerStore) Ping(ctx context.Context) error { return nil }

func (s *LedgerStore) Close() error { return nil }

// CountAccounts returns the number of accounts (for testing).
func (s *LedgerStore) CountAccounts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// CountSubscriptions returns the number of subscriptions (for testing).
func (s *LedgerStore) CountSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// UsageLog returns a copy of the usage log (for testing).
func (s *LedgerStore) UsageLog() []usage.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Record(nil), s.usage...)
}

func (s *LedgerStore) activeSubscriptionLocked(accountID string) (account.Subscription, bool) {
	var (
		best  account.Subscription
		found bool
	)
	for _, sub := range s.subs {
		if sub.AccountID != accountID || !sub.IsActive() {
			continue
		}
		if !found || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best, found = sub, true
		}
	}
	return best, found
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
