package store

import (
	"sort"
	"sync"
	"time"

	"github.com/flowsendhq/flowsend/internal/models"
)

// InMemoryStore keeps all entities in process memory. It backs tests and
// development runs without a database.
type InMemoryStore struct {
	mu         sync.RWMutex
	flows      map[string]models.FlowDefinition
	campaigns  map[string]models.CampaignDefinition
	recipients map[string]models.Recipient
	deliveries map[string]models.DeliveryRecord
	sessions   map[string]models.ReplySession
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[string]models.FlowDefinition),
		campaigns:  make(map[string]models.CampaignDefinition),
		recipients: make(map[string]models.Recipient),
		deliveries: make(map[string]models.DeliveryRecord),
		sessions:   make(map[string]models.ReplySession),
	}
}

func (s *InMemoryStore) SaveFlow(f models.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.flows[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListFlows(tenantID string) ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowDefinition
	for _, f := range s.flows {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListActiveFlows(tenantID string) ([]models.FlowDefinition, error) {
	flows, err := s.ListFlows(tenantID)
	if err != nil {
		return nil, err
	}
	var out []models.FlowDefinition
	for _, f := range flows {
		if f.IsActive {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SetFlowActive(id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil
	}
	f.IsActive = active
	if active {
		f.ActivatedAt = at
	}
	f.UpdatedAt = at
	s.flows[id] = f
	return nil
}

func (s *InMemoryStore) SaveCampaign(c models.CampaignDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.CampaignDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.campaigns[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListCampaigns(kind models.CampaignKind, state models.CampaignState) ([]models.CampaignDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CampaignDefinition
	for _, c := range s.campaigns {
		if c.Kind == kind && c.State == state {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SetCampaignState(id string, state models.CampaignState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.ErrCampaignNotFound
	}
	c.State = state
	c.UpdatedAt = time.Now()
	s.campaigns[id] = c
	return nil
}

func (s *InMemoryStore) DeleteCampaign(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.campaigns, id)
	for recID, rec := range s.deliveries {
		if rec.CampaignID == id {
			delete(s.deliveries, recID)
		}
	}
	return nil
}

func (s *InMemoryStore) UpsertRecipient(r models.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetRecipient(id string) (*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.recipients[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetRecipientByPhone(tenantID, phone string) (*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.recipients {
		if r.TenantID == tenantID && r.Phone == phone {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListRecipientsByIDs(ids []string) ([]models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Recipient
	for _, id := range ids {
		if r, ok := s.recipients[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListRecipientsByLabel(tenantID, label string) ([]models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Recipient
	for _, r := range s.recipients {
		if r.TenantID == tenantID && r.HasLabel(label) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ApplyDelivery(rec models.DeliveryRecord, dSent, dFailed, dPending int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[rec.ID] = rec
	if c, ok := s.campaigns[rec.CampaignID]; ok {
		c.Sent += dSent
		c.Failed += dFailed
		c.Pending += dPending
		s.campaigns[rec.CampaignID] = c
	}
	return nil
}

func (s *InMemoryStore) GetDelivery(id string) (*models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.deliveries[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *InMemoryStore) FindLatestDelivery(campaignID, recipientID string, year int) (*models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.DeliveryRecord
	for _, rec := range s.deliveries {
		if rec.CampaignID != campaignID || rec.RecipientID != recipientID || rec.Year != year {
			continue
		}
		if latest == nil || rec.Attempt > latest.Attempt {
			out := rec
			latest = &out
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListDeliveries(campaignID string) ([]models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryRecord
	for _, rec := range s.deliveries {
		if rec.CampaignID == campaignID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) ListDeliveriesByStatus(campaignID string, status models.DeliveryStatus) ([]models.DeliveryRecord, error) {
	all, err := s.ListDeliveries(campaignID)
	if err != nil {
		return nil, err
	}
	var out []models.DeliveryRecord
	for _, rec := range all {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveSession(sess models.ReplySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(flowID, recipientID string) (*models.ReplySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ReplySession
	for _, sess := range s.sessions {
		if sess.FlowID != flowID || sess.RecipientID != recipientID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			out := sess
			latest = &out
		}
	}
	return latest, nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
