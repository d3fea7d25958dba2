package store

import (
	"context"
	"sync"
	"time"

	"github.com/edvlasov/dispatchd/internal/campaign"
)

// Memory keeps everything behind one RWMutex. Reads return copies so callers
// can't mutate shared state.
type Memory struct {
	mu        sync.RWMutex
	campaigns map[string]*campaign.Campaign
	entries   map[string][]*campaign.Entry // campaignID -> entries
	byGateway map[string]*campaign.Entry
	order     []string // creation order for listing
}

func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[string]*campaign.Campaign),
		entries:   make(map[string][]*campaign.Entry),
		byGateway: make(map[string]*campaign.Entry),
	}
}

func copyCampaign(c *campaign.Campaign) *campaign.Campaign {
	dup := *c
	return &dup
}

func copyEntry(e *campaign.Entry) *campaign.Entry {
	dup := *e
	if e.Fields != nil {
		dup.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			dup.Fields[k] = v
		}
	}
	return &dup
}

func (m *Memory) CreateCampaign(ctx context.Context, c *campaign.Campaign, entries []*campaign.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = copyCampaign(c)
	es := make([]*campaign.Entry, 0, len(entries))
	for _, e := range entries {
		es = append(es, copyEntry(e))
	}
	m.entries[c.ID] = es
	m.order = append(m.order, c.ID)
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (m *Memory) ListCampaigns(ctx context.Context, limit, offset int) ([]*campaign.Campaign, []campaign.Counts, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	// newest first, like the API lists campaigns
	ids := make([]string, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		ids = append(ids, m.order[i])
	}

	if offset >= len(ids) {
		return nil, nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	var cs []*campaign.Campaign
	var stats []campaign.Counts
	for _, id := range ids[offset:end] {
		cs = append(cs, copyCampaign(m.campaigns[id]))
		stats = append(stats, m.countsLocked(id))
	}
	return cs, stats, nil
}

func (m *Memory) SetCampaignStatus(ctx context.Context, id string, from, to campaign.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	if to == campaign.StatusRunning && c.StartedAt == nil {
		t := at
		c.StartedAt = &t
	}
	if to.Terminal() {
		t := at
		c.CompletedAt = &t
	}
	return true, nil
}

func (m *Memory) DueScheduled(ctx context.Context, now time.Time) ([]*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status != campaign.StatusQueued {
			continue
		}
		if c.ScheduledAt == nil || !c.ScheduledAt.After(now) {
			out = append(out, copyCampaign(c))
		}
	}
	return out, nil
}

func (m *Memory) RunningCampaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status == campaign.StatusRunning || c.Status == campaign.StatusPaused {
			out = append(out, copyCampaign(c))
		}
	}
	return out, nil
}

func (m *Memory) Entries(ctx context.Context, campaignID string) ([]*campaign.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	es, ok := m.entries[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*campaign.Entry, 0, len(es))
	for _, e := range es {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (m *Memory) PendingEntries(ctx context.Context, campaignID string) ([]*campaign.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*campaign.Entry
	for _, e := range m.entries[campaignID] {
		if e.Status == campaign.EntryPending || e.Status == campaign.EntryDispatching {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (m *Memory) ClaimEntry(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEntry(id)
	if e == nil {
		return false, ErrNotFound
	}
	if e.Status != campaign.EntryPending && e.Status != campaign.EntryDispatching {
		return false, nil
	}
	e.Status = campaign.EntryDispatching
	return true, nil
}

func (m *Memory) EntryByGatewayID(ctx context.Context, gatewayID string) (*campaign.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byGateway[gatewayID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *Memory) CountsFor(ctx context.Context, campaignID string) (campaign.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.campaigns[campaignID]; !ok {
		return campaign.Counts{}, ErrNotFound
	}
	return m.countsLocked(campaignID), nil
}

func (m *Memory) countsLocked(campaignID string) campaign.Counts {
	var c campaign.Counts
	for _, e := range m.entries[campaignID] {
		c.Add(e.Status, 1)
		c.Total++
	}
	return c
}

func (m *Memory) findEntry(id string) *campaign.Entry {
	for _, es := range m.entries {
		for _, e := range es {
			if e.ID == id {
				return e
			}
		}
	}
	return nil
}

func (m *Memory) MarkEntrySent(ctx context.Context, id, gatewayID string, attempts int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEntry(id)
	if e == nil {
		return false, ErrNotFound
	}
	if e.Status != campaign.EntryPending && e.Status != campaign.EntryDispatching {
		return false, nil
	}
	e.Status = campaign.EntrySent
	e.GatewayID = gatewayID
	e.Attempts = attempts
	t := at
	e.SentAt = &t
	m.byGateway[gatewayID] = e
	return true, nil
}

func (m *Memory) MarkEntryFailed(ctx context.Context, id string, from campaign.EntryStatus, reason string, attempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEntry(id)
	if e == nil {
		return false, ErrNotFound
	}
	if e.Status != from || !campaign.EntryCanTransition(from, campaign.EntryFailed) {
		return false, nil
	}
	e.Status = campaign.EntryFailed
	e.Reason = reason
	if attempts > 0 {
		e.Attempts = attempts
	}
	return true, nil
}

func (m *Memory) MarkEntryDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findEntry(id)
	if e == nil {
		return false, ErrNotFound
	}
	if e.Status != campaign.EntrySent {
		return false, nil
	}
	e.Status = campaign.EntryDelivered
	t := at
	e.DeliveredAt = &t
	return true, nil
}

func (m *Memory) CancelPending(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries[campaignID] {
		if e.Status == campaign.EntryPending {
			e.Status = campaign.EntryCancelled
			n++
		}
	}
	return n, nil
}

func (m *Memory) StaleSent(ctx context.Context, cutoff time.Time) ([]*campaign.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*campaign.Entry
	for _, es := range m.entries {
		for _, e := range es {
			if e.Status == campaign.EntrySent && e.SentAt != nil && e.SentAt.Before(cutoff) {
				out = append(out, copyEntry(e))
			}
		}
	}
	return out, nil
}
