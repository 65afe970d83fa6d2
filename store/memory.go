package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"outreach/models"
)

// MemoryStore keeps every record in process memory. Reads return copies so
// callers never alias stored state.
type MemoryStore struct {
	mu sync.RWMutex

	campaigns     map[uint]models.Campaign
	contacts      map[uint]models.Contact
	accounts      map[uint]models.SendingAccount
	organizations map[uint]models.Organization
	templates     map[uint]models.Template
	enrollments   map[uint]models.CampaignContact
	jobs          map[string]models.DispatchJob

	nextID uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:     make(map[uint]models.Campaign),
		contacts:      make(map[uint]models.Contact),
		accounts:      make(map[uint]models.SendingAccount),
		organizations: make(map[uint]models.Organization),
		templates:     make(map[uint]models.Template),
		enrollments:   make(map[uint]models.CampaignContact),
		jobs:          make(map[string]models.DispatchJob),
	}
}

func (s *MemoryStore) id(current uint) uint {
	if current != 0 {
		if current > s.nextID {
			s.nextID = current
		}
		return current
	}
	s.nextID++
	return s.nextID
}

// PutCampaign inserts or replaces a campaign and assigns ids to new steps.
func (s *MemoryStore) PutCampaign(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id(c.ID)
	for i := range c.Steps {
		c.Steps[i].ID = s.id(c.Steps[i].ID)
		c.Steps[i].CampaignID = c.ID
	}
	s.campaigns[c.ID] = copyCampaign(*c)
}

func (s *MemoryStore) PutContact(c *models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id(c.ID)
	s.contacts[c.ID] = *c
}

func (s *MemoryStore) PutAccount(a *models.SendingAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.id(a.ID)
	s.accounts[a.ID] = *a
}

func (s *MemoryStore) PutOrganization(o *models.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.id(o.ID)
	s.organizations[o.ID] = *o
}

func (s *MemoryStore) PutTemplate(t *models.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.id(t.ID)
	s.templates[t.ID] = *t
}

func (s *MemoryStore) GetCampaign(_ context.Context, id uint) (*models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	out := copyCampaign(c)
	return &out, nil
}

func (s *MemoryStore) SetCampaignStatus(_ context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %d: %w", id, ErrNotFound)
	}
	allowed := false
	for _, st := range from {
		if c.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrVersionConflict
	}
	c.Status = to
	switch to {
	case models.CampaignActive:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
		c.PausedAt = nil
	case models.CampaignPaused:
		c.PausedAt = &at
	case models.CampaignCompleted:
		c.CompletedAt = &at
	}
	s.campaigns[id] = c
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id uint) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uint) (*models.SendingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("sending account %d: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) GetOrganization(_ context.Context, id uint) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.organizations[id]
	if !ok {
		return nil, fmt.Errorf("organization %d: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id uint) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) CreateCampaignContact(_ context.Context, cc *models.CampaignContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.CampaignID == cc.CampaignID && existing.ContactID == cc.ContactID {
			return ErrDuplicate
		}
	}
	cc.ID = s.id(cc.ID)
	if cc.Status == "" {
		cc.Status = models.ContactPending
	}
	s.enrollments[cc.ID] = *cc
	return nil
}

func (s *MemoryStore) GetCampaignContact(_ context.Context, id uint) (*models.CampaignContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("campaign contact %d: %w", id, ErrNotFound)
	}
	return &cc, nil
}

func (s *MemoryStore) ListCampaignContacts(_ context.Context, campaignID uint) ([]models.CampaignContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CampaignContact
	for _, cc := range s.enrollments {
		if cc.CampaignID == campaignID {
			out = append(out, cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateCampaignContact(_ context.Context, cc *models.CampaignContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.enrollments[cc.ID]
	if !ok {
		return fmt.Errorf("campaign contact %d: %w", cc.ID, ErrNotFound)
	}
	if current.Version != cc.Version {
		return ErrVersionConflict
	}
	cc.Version++
	s.enrollments[cc.ID] = *cc
	return nil
}

func (s *MemoryStore) ListRecoverable(_ context.Context) ([]models.CampaignContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CampaignContact
	for _, cc := range s.enrollments {
		if c, ok := s.campaigns[cc.CampaignID]; !ok || c.Status != models.CampaignActive {
			continue
		}
		if !cc.Status.Terminal() {
			out = append(out, cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.IdempotencyKey]; exists {
		return ErrJobExists
	}
	job.ID = s.id(job.ID)
	s.jobs[job.IdempotencyKey] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, key string) (*models.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *models.DispatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.IdempotencyKey]
	if !ok {
		return ErrNotFound
	}
	if current.Version != job.Version {
		return ErrVersionConflict
	}
	job.Version++
	s.jobs[job.IdempotencyKey] = *job
	return nil
}

func (s *MemoryStore) DueJobs(_ context.Context, channel models.Channel, now time.Time, limit int) ([]models.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DispatchJob
	for _, job := range s.jobs {
		if job.Channel != channel {
			continue
		}
		due := job.Status == models.JobQueued && !job.ScheduledFor.After(now)
		expired := job.Status == models.JobRunning && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now)
		if due || expired {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, campaignID uint, status models.JobStatus) ([]models.DispatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DispatchJob
	for _, job := range s.jobs {
		if job.CampaignID == campaignID && job.Status == status {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// JobsFor returns every job of a campaign contact regardless of status.
func (s *MemoryStore) JobsFor(ccID uint) []models.DispatchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DispatchJob
	for _, job := range s.jobs {
		if job.CampaignContactID == ccID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyCampaign(c models.Campaign) models.Campaign {
	steps := make([]models.Step, len(c.Steps))
	copy(steps, c.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	c.Steps = steps
	return c
}

var _ Store = (*MemoryStore)(nil)
var _ JobStore = (*MemoryStore)(nil)
