package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bangate/internal/database"
	"bangate/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	bans map[domain.Target]domain.Ban
}

func newMemStore() *memStore {
	return &memStore{bans: make(map[domain.Target]domain.Ban)}
}

func (m *memStore) Upsert(_ context.Context, req domain.BanRequest) (domain.Ban, error) {
	if req.Reason == "" {
		return domain.Ban{}, fmt.Errorf("%w: reason is required", database.ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ban := domain.Ban{Kind: req.Target.Kind, Key: req.Target.Key, Identity: req.Identity, BannedBy: req.Issuer, Reason: req.Reason}
	m.bans[req.Target] = ban
	return ban, nil
}

func (m *memStore) Delete(_ context.Context, target domain.Target) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bans[target]
	delete(m.bans, target)
	return ok, nil
}

func (m *memStore) Find(_ context.Context, target domain.Target) (domain.Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ban, ok := m.bans[target]
	if !ok {
		return domain.Ban{}, fmt.Errorf("%w: %s", database.ErrNotFound, target)
	}
	return ban, nil
}

func (m *memStore) List(_ context.Context, kind domain.Kind) ([]domain.Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Ban
	for t, ban := range m.bans {
		if t.Kind == kind {
			out = append(out, ban)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
