// Package memstore holds in-memory implementations of the database
// repositories. They back the server when no DATABASE_URL is configured
// and serve as fakes in tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/database"
)

var (
	_ database.Assets       = (*Assets)(nil)
	_ database.Sessions     = (*Sessions)(nil)
	_ database.AccessEvents = (*AccessEvents)(nil)
	_ database.Entitlements = (*Entitlements)(nil)
)

// Assets is an in-memory asset registry.
type Assets struct {
	mu     sync.RWMutex
	assets map[string]database.Asset
	clock  clock.Clock
}

func NewAssets(clk clock.Clock) *Assets {
	if clk == nil {
		clk = clock.Real()
	}
	return &Assets{assets: make(map[string]database.Asset), clock: clk}
}

func (m *Assets) Create(_ context.Context, a *database.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[a.Slug]; ok {
		return database.ErrSlugTaken
	}
	now := m.clock.Now()
	stored := *a
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.assets[a.Slug] = stored
	return nil
}

func (m *Assets) Upsert(_ context.Context, a *database.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	stored := *a
	stored.UpdatedAt = now
	if prev, ok := m.assets[a.Slug]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	m.assets[a.Slug] = stored
	return nil
}

func (m *Assets) GetBySlug(_ context.Context, slug string) (*database.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assets[slug]
	if !ok {
		return nil, database.ErrAssetNotFound
	}
	return &a, nil
}

func (m *Assets) SlugExists(_ context.Context, slug string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.assets[slug]
	return ok, nil
}

func (m *Assets) List(_ context.Context) ([]*database.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*database.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Assets) Delete(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[slug]; !ok {
		return database.ErrAssetNotFound
	}
	delete(m.assets, slug)
	return nil
}

// Sessions is an in-memory upload session store.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*database.UploadSession
	clock    clock.Clock
}

func NewSessions(clk clock.Clock) *Sessions {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sessions{sessions: make(map[string]*database.UploadSession), clock: clk}
}

func copySession(s *database.UploadSession) *database.UploadSession {
	c := *s
	c.ReceivedChunks = append([]int32(nil), s.ReceivedChunks...)
	return &c
}

func (m *Sessions) Create(_ context.Context, s *database.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := copySession(s)
	stored.Status = database.SessionOpen
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.clock.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	m.sessions[s.ID] = stored
	return nil
}

func (m *Sessions) Get(_ context.Context, id string) (*database.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, database.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *Sessions) MarkChunk(_ context.Context, id string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return database.ErrSessionNotFound
	}
	if !s.HasChunk(index) {
		s.ReceivedChunks = append(s.ReceivedChunks, int32(index))
	}
	s.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Sessions) Claim(_ context.Context, id string) error {
	return m.transition(id, database.SessionOpen, database.SessionAssembling)
}

func (m *Sessions) Release(_ context.Context, id string) error {
	return m.transition(id, database.SessionAssembling, database.SessionOpen)
}

func (m *Sessions) transition(id, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return database.ErrSessionNotFound
	}
	if s.Status != from {
		return database.ErrSessionNotOpen
	}
	s.Status = to
	s.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Sessions) MarkCompleted(_ context.Context, id string, result *database.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return database.ErrSessionNotFound
	}
	if s.Status != database.SessionAssembling {
		return database.ErrSessionNotOpen
	}
	s.Status = database.SessionCompleted
	s.ResultSlug = result.ResultSlug
	s.ResultFilename = result.ResultFilename
	s.ResultSize = result.ResultSize
	s.ResultHash = result.ResultHash
	s.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Sessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return database.ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Sessions) ListStale(_ context.Context, openBefore, completedBefore time.Time) ([]*database.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*database.UploadSession
	for _, s := range m.sessions {
		cutoff := openBefore
		if s.Status == database.SessionCompleted {
			cutoff = completedBefore
		}
		if s.UpdatedAt.Before(cutoff) {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (m *Sessions) CountOpen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.Status != database.SessionCompleted {
			n++
		}
	}
	return n, nil
}

// AccessEvents keeps every event in memory.
type AccessEvents struct {
	mu     sync.Mutex
	events []database.AccessEvent
}

func NewAccessEvents() *AccessEvents {
	return &AccessEvents{}
}

func (m *AccessEvents) InsertEvents(_ context.Context, events []database.AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of all recorded events.
func (m *AccessEvents) Events() []database.AccessEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.AccessEvent(nil), m.events...)
}

func (m *AccessEvents) ViewStats(_ context.Context, slug string) (*database.ViewStats, error) {
	return m.aggregate(func(e database.AccessEvent) bool { return e.Slug == slug }, slug), nil
}

func (m *AccessEvents) Summary(_ context.Context) (*database.ViewStats, error) {
	return m.aggregate(func(database.AccessEvent) bool { return true }, ""), nil
}

func (m *AccessEvents) aggregate(match func(database.AccessEvent) bool, slug string) *database.ViewStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &database.ViewStats{Slug: slug}
	viewers := make(map[string]struct{})
	for _, e := range m.events {
		if e.Kind != "view" || !match(e) {
			continue
		}
		stats.TotalViews++
		stats.BytesSent += e.BytesSent
		viewers[e.PrincipalID] = struct{}{}
		if stats.LastViewed == nil || e.At.After(*stats.LastViewed) {
			at := e.At
			stats.LastViewed = &at
		}
	}
	stats.UniqueViewers = int64(len(viewers))
	return stats
}

// Entitlements is an in-memory entitlement table.
type Entitlements struct {
	mu     sync.RWMutex
	grants map[string]database.Entitlement
	clock  clock.Clock
}

func NewEntitlements(clk clock.Clock) *Entitlements {
	if clk == nil {
		clk = clock.Real()
	}
	return &Entitlements{grants: make(map[string]database.Entitlement), clock: clk}
}

func entitlementKey(principalID, slug string) string {
	return principalID + "\x00" + slug
}

func (m *Entitlements) HasAccess(_ context.Context, principalID, slug string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.grants[entitlementKey(principalID, slug)]
	return ok && m.active(e, m.clock.Now()), nil
}

func (m *Entitlements) active(e database.Entitlement, now time.Time) bool {
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return slices.Contains(database.ActiveEntitlementStatuses, e.Status)
}

func (m *Entitlements) Grant(_ context.Context, e *database.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *e
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.clock.Now()
	}
	m.grants[entitlementKey(e.PrincipalID, e.Slug)] = stored
	return nil
}

func (m *Entitlements) Revoke(_ context.Context, principalID, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, entitlementKey(principalID, slug))
	return nil
}

func (m *Entitlements) ListForPrincipal(_ context.Context, principalID string) ([]*database.Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock.Now()
	var out []*database.Entitlement
	for _, e := range m.grants {
		if e.PrincipalID != principalID || !m.active(e, now) {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
