package orchestrator

import (
	"sync"

	"outreach/models"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

// Hub fans newly recorded SendEvents out to live subscribers of a campaign.
// A subscriber that falls behind loses events rather than blocking writers.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[uint]map[int]chan models.SendEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[int]chan models.SendEvent)}
}

// Subscribe returns the campaign's event stream and a func to leave it.
func (h *Hub) Subscribe(campaignID uint) (<-chan models.SendEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan models.SendEvent, subscriberBuffer)
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[int]chan models.SendEvent)
	}
	h.subs[campaignID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[campaignID], id)
			if len(h.subs[campaignID]) == 0 {
				delete(h.subs, campaignID)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(ev models.SendEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[ev.CampaignID] {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"campaign_id": ev.CampaignID,
				"subscriber":  id,
			}).Warn("Live subscriber is behind, event dropped")
		}
	}
}

// Subscribers counts the live subscribers of a campaign.
func (h *Hub) Subscribers(campaignID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[campaignID])
}
