package token

import (
	"sync"
	"time"
)

// Revocations is a short-lived set of revoked principal/slug pairs. Tokens
// cannot be recalled, so when an entitlement is withdrawn the pair is held
// here until every token that could have been minted for it has expired
// naturally. Entries past their expiry are dropped by Cleanup.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewRevocations creates an empty revocation set.
func NewRevocations() *Revocations {
	return &Revocations{entries: make(map[string]time.Time)}
}

func revocationKey(principalID, slug string) string {
	return principalID + "\x00" + slug
}

// Revoke rejects tokens for (principalID, slug) until until.
func (r *Revocations) Revoke(principalID, slug string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := revocationKey(principalID, slug)
	if existing, ok := r.entries[key]; ok && existing.After(until) {
		return
	}
	r.entries[key] = until
}

// Lift removes a revocation, for example when access is granted again.
func (r *Revocations) Lift(principalID, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, revocationKey(principalID, slug))
}

// IsRevoked reports whether the pair is revoked at now.
func (r *Revocations) IsRevoked(principalID, slug string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	until, ok := r.entries[revocationKey(principalID, slug)]
	return ok && now.Before(until)
}

// Cleanup removes entries that expired at or before now and returns how
// many were removed.
func (r *Revocations) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, until := range r.entries {
		if !now.Before(until) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries.
func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
