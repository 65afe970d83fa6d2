package eventstore

import (
	"context"
	"sync"

	"outreach/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	events []models.SendEvent
	seen   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (m *MemoryStore) Append(_ context.Context, ev *models.SendEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[ev.EventID]; dup {
		return false, nil
	}
	m.seen[ev.EventID] = struct{}{}
	ev.ID = uint(len(m.events) + 1)
	m.events = append(m.events, *ev)
	return true, nil
}

func (m *MemoryStore) ListForContact(_ context.Context, campaignContactID uint) ([]models.SendEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SendEvent
	for _, ev := range m.events {
		if ev.CampaignContactID == campaignContactID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasDelivered(_ context.Context, campaignContactID uint, stepKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.CampaignContactID == campaignContactID && ev.StepKey == stepKey && ev.Kind == models.EventDelivered {
			return true, nil
		}
	}
	return false, nil
}

// Count returns how many events of kind were recorded for the contact.
func (m *MemoryStore) Count(campaignContactID uint, kind models.EventKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if ev.CampaignContactID == campaignContactID && ev.Kind == kind {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
