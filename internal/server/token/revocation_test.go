package token

import (
	"testing"
	"time"
)

func TestRevocations_RevokeAndCheck(t *testing.T) {
	revs := NewRevocations()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	revs.Revoke("user-1", "intro", now.Add(time.Hour))

	if !revs.IsRevoked("user-1", "intro", now) {
		t.Error("user-1/intro should be revoked")
	}
	if revs.IsRevoked("user-1", "other", now) {
		t.Error("user-1/other should not be revoked")
	}
	if revs.IsRevoked("user-2", "intro", now) {
		t.Error("user-2/intro should not be revoked")
	}
	if revs.IsRevoked("user-1", "intro", now.Add(time.Hour)) {
		t.Error("revocation should lapse at its expiry")
	}
}

func TestRevocations_KeepsLongestExpiry(t *testing.T) {
	revs := NewRevocations()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	revs.Revoke("u", "s", now.Add(2*time.Hour))
	revs.Revoke("u", "s", now.Add(time.Hour))

	if !revs.IsRevoked("u", "s", now.Add(90*time.Minute)) {
		t.Error("shorter revoke should not shorten an existing one")
	}
}

func TestRevocations_LiftAndCleanup(t *testing.T) {
	revs := NewRevocations()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	revs.Revoke("u", "a", now.Add(time.Minute))
	revs.Revoke("u", "b", now.Add(time.Hour))
	revs.Revoke("u", "c", now.Add(time.Hour))

	revs.Lift("u", "c")
	if revs.IsRevoked("u", "c", now) {
		t.Error("lifted revocation still active")
	}

	if removed := revs.Cleanup(now.Add(2 * time.Minute)); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if revs.Len() != 1 {
		t.Errorf("Len = %d, want 1", revs.Len())
	}
}
