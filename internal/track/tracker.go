// Package track owns the authoritative per-campaign counters. It is fed by
// two streams: dispatcher outcomes at send time and asynchronous delivery
// receipts from the gateway. Receipts may arrive late, out of order, or
// twice; duplicates are ignored, never double-counted.
package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/store"
	"github.com/edvlasov/dispatchd/pkg/metrics"
)

// ReceiptStatus values accepted from the gateway.
const (
	ReceiptDelivered = "delivered"
	ReceiptFailed    = "failed"
)

var ErrUnknownReceipt = errors.New("receipt for unknown gateway message id")

type Receipt struct {
	GatewayMessageID string `json:"gateway_message_id"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

type state struct {
	name      string
	status    campaign.Status
	counts    campaign.Counts
	estimated decimal.Decimal
	committed decimal.Decimal

	// emu serializes each entry transition (store CAS + counter move) so a
	// receipt arriving mid-MarkSent cannot be counted before the send it
	// answers; without it a snapshot could transiently show Sent == -1.
	emu sync.Mutex
}

type Tracker struct {
	store store.Store
	log   *zap.SugaredLogger
	pub   *Publisher

	mu    sync.RWMutex
	byCmp map[string]*state
}

func New(st store.Store, pub *Publisher, log *zap.SugaredLogger) *Tracker {
	return &Tracker{
		store: st,
		log:   log,
		pub:   pub,
		byCmp: make(map[string]*state),
	}
}

// Register installs the in-memory counters for a campaign. Called at start
// and during recovery, with counts taken from the store.
func (t *Tracker) Register(c *campaign.Campaign, counts campaign.Counts) {
	t.mu.Lock()
	t.byCmp[c.ID] = &state{
		name:      c.Name,
		status:    c.Status,
		counts:    counts,
		estimated: c.EstimatedCost,
	}
	t.mu.Unlock()
}

// entryLock takes the campaign's transition lock. Campaigns unknown to the
// tracker have no counters to protect; they get a no-op unlock.
func (t *Tracker) entryLock(campaignID string) func() {
	t.mu.RLock()
	s, ok := t.byCmp[campaignID]
	t.mu.RUnlock()
	if !ok {
		return func() {}
	}
	s.emu.Lock()
	return s.emu.Unlock
}

func (t *Tracker) notify(id string) {
	if t.pub == nil {
		return
	}
	t.mu.RLock()
	s, ok := t.byCmp[id]
	var ev campaign.Event
	if ok {
		ev = campaign.Event{CampaignID: id, Status: s.status, Counts: s.counts, At: time.Now()}
	}
	t.mu.RUnlock()
	if ok {
		t.pub.Publish(ev)
	}
}

// move applies a counter delta under a short critical section.
func (t *Tracker) move(id string, from, to campaign.EntryStatus) {
	t.mu.Lock()
	if s, ok := t.byCmp[id]; ok {
		s.counts.Add(from, -1)
		s.counts.Add(to, 1)
	}
	t.mu.Unlock()
	t.notify(id)
}

// MarkSent records a gateway-accepted send.
func (t *Tracker) MarkSent(ctx context.Context, e *campaign.Entry, gatewayID string, attempts int) error {
	unlock := t.entryLock(e.CampaignID)
	defer unlock()
	ok, err := t.store.MarkEntrySent(ctx, e.ID, gatewayID, attempts, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %s no longer pending", e.ID)
	}
	t.move(e.CampaignID, campaign.EntryPending, campaign.EntrySent)
	return nil
}

// MarkSendFailed records a send that was rejected or exhausted its retries.
// The dispatcher holds the claim on the entry at this point.
func (t *Tracker) MarkSendFailed(ctx context.Context, e *campaign.Entry, reason string, attempts int) error {
	unlock := t.entryLock(e.CampaignID)
	defer unlock()
	ok, err := t.store.MarkEntryFailed(ctx, e.ID, campaign.EntryDispatching, reason, attempts)
	if err != nil {
		return err
	}
	if ok {
		t.move(e.CampaignID, campaign.EntryDispatching, campaign.EntryFailed)
	}
	return nil
}

// MarkCancelled flips the campaign's remaining pending entries to cancelled.
// Entries a dispatcher has claimed are left alone.
func (t *Tracker) MarkCancelled(ctx context.Context, campaignID string) (int, error) {
	unlock := t.entryLock(campaignID)
	defer unlock()
	n, err := t.store.CancelPending(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	if s, ok := t.byCmp[campaignID]; ok {
		s.counts.Pending -= n
		s.counts.Cancelled += n
	}
	t.mu.Unlock()
	t.notify(campaignID)
	return n, nil
}

// AddCommitted accumulates actual spend for snapshots.
func (t *Tracker) AddCommitted(campaignID string, amount decimal.Decimal) {
	t.mu.Lock()
	if s, ok := t.byCmp[campaignID]; ok {
		s.committed = s.committed.Add(amount)
	}
	t.mu.Unlock()
}

// SetStatus mirrors a campaign-level status change into the read model.
func (t *Tracker) SetStatus(campaignID string, status campaign.Status) {
	t.mu.Lock()
	if s, ok := t.byCmp[campaignID]; ok {
		s.status = status
	}
	t.mu.Unlock()
	t.notify(campaignID)
}

// HandleReceipt applies one delivery receipt. Unknown ids are dropped (the
// sweep is the backstop), receipts for terminal entries count as duplicates.
func (t *Tracker) HandleReceipt(ctx context.Context, r Receipt) error {
	if r.Status != ReceiptDelivered && r.Status != ReceiptFailed {
		return fmt.Errorf("receipt: unknown status %q", r.Status)
	}

	e, err := t.store.EntryByGatewayID(ctx, r.GatewayMessageID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ReceiptsUnknown.Inc()
		t.log.Warnw("receipt_unknown_gateway_id", "gateway_message_id", r.GatewayMessageID)
		return ErrUnknownReceipt
	}
	if err != nil {
		return err
	}

	unlock := t.entryLock(e.CampaignID)
	defer unlock()

	var applied bool
	switch r.Status {
	case ReceiptDelivered:
		applied, err = t.store.MarkEntryDelivered(ctx, e.ID, time.Now())
	case ReceiptFailed:
		reason := r.Reason
		if reason == "" {
			reason = "gateway reported failure"
		}
		applied, err = t.store.MarkEntryFailed(ctx, e.ID, campaign.EntrySent, reason, 0)
	}
	if err != nil {
		return err
	}
	if !applied {
		// already delivered/failed: duplicate or out-of-order, not an error
		metrics.ReceiptsDuplicate.Inc()
		t.log.Debugw("receipt_duplicate_ignored",
			"gateway_message_id", r.GatewayMessageID, "status", r.Status)
		return nil
	}

	metrics.ReceiptsTotal.WithLabelValues(r.Status).Inc()
	if r.Status == ReceiptDelivered {
		t.move(e.CampaignID, campaign.EntrySent, campaign.EntryDelivered)
	} else {
		t.move(e.CampaignID, campaign.EntrySent, campaign.EntryFailed)
	}
	return nil
}

// SweepStaleSent fails entries stuck in "sent" since before the cutoff.
// Resolves what happens when the gateway never sends a receipt.
func (t *Tracker) SweepStaleSent(ctx context.Context, cutoff time.Time) int {
	stale, err := t.store.StaleSent(ctx, cutoff)
	if err != nil {
		t.log.Errorw("sweep_list_error", "error", err)
		return 0
	}
	n := 0
	for _, e := range stale {
		unlock := t.entryLock(e.CampaignID)
		ok, err := t.store.MarkEntryFailed(ctx, e.ID, campaign.EntrySent, "receipt timeout", 0)
		if err != nil {
			unlock()
			t.log.Errorw("sweep_mark_error", "entry_id", e.ID, "error", err)
			continue
		}
		if ok {
			metrics.ReceiptTimeouts.Inc()
			t.move(e.CampaignID, campaign.EntrySent, campaign.EntryFailed)
			n++
		}
		unlock()
	}
	if n > 0 {
		t.log.Infow("receipt_timeout_sweep", "failed", n)
	}
	return n
}

// InFlight reports whether the campaign still has entries awaiting receipts.
func (t *Tracker) InFlight(campaignID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byCmp[campaignID]
	return ok && s.counts.Sent > 0
}

// Counts returns a copy of the live counters.
func (t *Tracker) Counts(campaignID string) (campaign.Counts, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byCmp[campaignID]
	if !ok {
		return campaign.Counts{}, false
	}
	return s.counts, true
}

// Snapshot builds the point-in-time read model. Counters come from memory
// when the campaign is registered, from the store otherwise (historic
// campaigns after a restart).
func (t *Tracker) Snapshot(ctx context.Context, campaignID string, withEntries bool) (campaign.Snapshot, error) {
	t.mu.RLock()
	s, live := t.byCmp[campaignID]
	var snap campaign.Snapshot
	if live {
		snap = campaign.Snapshot{
			CampaignID:    campaignID,
			Name:          s.name,
			Status:        s.status,
			Counts:        s.counts,
			EstimatedCost: s.estimated,
			CommittedCost: s.committed,
			TakenAt:       time.Now(),
		}
	}
	t.mu.RUnlock()

	if !live {
		c, err := t.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return campaign.Snapshot{}, err
		}
		counts, err := t.store.CountsFor(ctx, campaignID)
		if err != nil {
			return campaign.Snapshot{}, err
		}
		snap = campaign.Snapshot{
			CampaignID:    campaignID,
			Name:          c.Name,
			Status:        c.Status,
			Counts:        counts,
			EstimatedCost: c.EstimatedCost,
			TakenAt:       time.Now(),
		}
	}

	if withEntries {
		entries, err := t.store.Entries(ctx, campaignID)
		if err != nil {
			return campaign.Snapshot{}, err
		}
		snap.Entries = make([]campaign.EntryView, 0, len(entries))
		for _, e := range entries {
			status := e.Status
			if status == campaign.EntryDispatching {
				status = campaign.EntryPending
			}
			snap.Entries = append(snap.Entries, campaign.EntryView{
				ID:      e.ID,
				Address: e.Address,
				Status:  status,
				Reason:  e.Reason,
			})
		}
	}
	return snap, nil
}
