package cache

// Indexed reports how many keys the account index holds for accountID.
func (l *Local) Indexed(accountID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byAccount[accountID])
}
