package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memoryRepository mirrors the conditional updates of the SQL repository.
type memoryRepository struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken
	err    error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{tokens: map[string]RefreshToken{}}
}

func (m *memoryRepository) Create(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.tokens[t.ID]; ok {
		return errors.New("duplicate id")
	}
	m.tokens[t.ID] = *t
	return nil
}

func (m *memoryRepository) find(match func(RefreshToken) bool) ([]*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*RefreshToken
	for _, t := range m.tokens {
		if match(t) {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRepository) FindActiveByUser(_ context.Context, userID string, now time.Time) ([]*RefreshToken, error) {
	return m.find(func(t RefreshToken) bool {
		return t.UserID == userID && !t.Revoked && t.ExpiresAt.After(now)
	})
}

func (m *memoryRepository) FindRevokedByUser(_ context.Context, userID string) ([]*RefreshToken, error) {
	return m.find(func(t RefreshToken) bool { return t.UserID == userID && t.Revoked })
}

func (m *memoryRepository) FamilyCompromised(_ context.Context, familyID string) (bool, error) {
	found, err := m.find(func(t RefreshToken) bool {
		return t.FamilyID == familyID && t.RevokedReason == ReasonReuseDetected
	})
	return len(found) > 0, err
}

func (m *memoryRepository) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if ok {
		t.LastUsedAt = &at
		m.tokens[id] = t
	}
	return nil
}

func (m *memoryRepository) RevokeIfActive(_ context.Context, id string, reason RevocationReason, replacedBy *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked, t.RevokedAt, t.RevokedReason, t.ReplacedBy = true, &at, reason, replacedBy
	m.tokens[id] = t
	return true, nil
}

func (m *memoryRepository) revokeWhere(match func(RefreshToken) bool, reason RevocationReason, at time.Time, relabel bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if !match(t) {
			continue
		}
		if !t.Revoked {
			t.Revoked, t.RevokedAt, t.RevokedReason = true, &at, reason
			n++
		} else if relabel {
			t.RevokedReason = reason
		}
		m.tokens[id] = t
	}
	return n
}

func (m *memoryRepository) RevokeFamily(_ context.Context, familyID string, reason RevocationReason, at time.Time) (int64, error) {
	return m.revokeWhere(func(t RefreshToken) bool { return t.FamilyID == familyID }, reason, at, reason == ReasonReuseDetected), nil
}

func (m *memoryRepository) RevokeAllForUser(_ context.Context, userID string, reason RevocationReason, at time.Time) (int64, error) {
	return m.revokeWhere(func(t RefreshToken) bool { return t.UserID == userID }, reason, at, false), nil
}

func (m *memoryRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if !t.ExpiresAt.After(before) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryRepository) all() []RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RefreshToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t)
	}
	return out
}
