package track

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/store"
)

func newTracker(t *testing.T) (*Tracker, *store.Memory, *campaign.Campaign) {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.NewMemory()
	tr := New(st, NewPublisher(nil, log), log)

	c := &campaign.Campaign{
		ID:            "c1",
		Name:          "t",
		Channel:       "sms",
		Status:        campaign.StatusRunning,
		Recipients:    3,
		EstimatedCost: decimal.NewFromInt(3),
		CreatedAt:     time.Now(),
	}
	entries := []*campaign.Entry{
		{ID: "e1", CampaignID: "c1", Address: "+1", Body: "x", Segments: 1, Status: campaign.EntryPending},
		{ID: "e2", CampaignID: "c1", Address: "+2", Body: "x", Segments: 1, Status: campaign.EntryPending},
		{ID: "e3", CampaignID: "c1", Address: "+3", Body: "x", Segments: 1, Status: campaign.EntryPending},
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, entries))
	tr.Register(c, campaign.Counts{Pending: 3, Total: 3})
	return tr, st, c
}

func entry(id string) *campaign.Entry {
	return &campaign.Entry{ID: id, CampaignID: "c1"}
}

func TestReceiptLifecycle(t *testing.T) {
	tr, _, c := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkSent(ctx, entry("e1"), "gw-1", 1))
	require.NoError(t, tr.MarkSent(ctx, entry("e2"), "gw-2", 1))

	require.NoError(t, tr.HandleReceipt(ctx, Receipt{GatewayMessageID: "gw-1", Status: ReceiptDelivered}))
	require.NoError(t, tr.HandleReceipt(ctx, Receipt{GatewayMessageID: "gw-2", Status: ReceiptFailed, Reason: "handset off"}))

	counts, ok := tr.Counts(c.ID)
	require.True(t, ok)
	assert.Equal(t, 1, counts.Delivered)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 0, counts.Sent)
	assert.Equal(t, counts.Total, counts.Sum())
}

func TestDuplicateReceiptsAreIgnored(t *testing.T) {
	tr, _, c := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkSent(ctx, entry("e1"), "gw-1", 1))
	require.NoError(t, tr.HandleReceipt(ctx, Receipt{GatewayMessageID: "gw-1", Status: ReceiptDelivered}))

	before, _ := tr.Counts(c.ID)

	// duplicate delivered, and a contradictory late "failed"
	require.NoError(t, tr.HandleReceipt(ctx, Receipt{GatewayMessageID: "gw-1", Status: ReceiptDelivered}))
	require.NoError(t, tr.HandleReceipt(ctx, Receipt{GatewayMessageID: "gw-1", Status: ReceiptFailed}))

	after, _ := tr.Counts(c.ID)
	assert.Equal(t, before, after, "duplicate receipts must not change counters")
}

func TestUnknownReceipt(t *testing.T) {
	tr, _, _ := newTracker(t)
	err := tr.HandleReceipt(context.Background(), Receipt{GatewayMessageID: "nope", Status: ReceiptDelivered})
	assert.ErrorIs(t, err, ErrUnknownReceipt)
}

func TestReceiptRejectsBadStatus(t *testing.T) {
	tr, _, _ := newTracker(t)
	err := tr.HandleReceipt(context.Background(), Receipt{GatewayMessageID: "gw-1", Status: "exploded"})
	assert.Error(t, err)
}

func TestSweepStaleSent(t *testing.T) {
	tr, st, c := newTracker(t)
	ctx := context.Background()

	// e1 sent long ago, e2 sent just now
	old := time.Now().Add(-time.Hour)
	ok, err := st.MarkEntrySent(ctx, "e1", "gw-1", 1, old)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.MarkEntrySent(ctx, "e2", "gw-2", 1, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	tr.Register(c, campaign.Counts{Pending: 1, Sent: 2, Total: 3})

	n := tr.SweepStaleSent(ctx, time.Now().Add(-30*time.Minute))
	assert.Equal(t, 1, n)

	e1, err := st.EntryByGatewayID(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, campaign.EntryFailed, e1.Status)
	assert.Equal(t, "receipt timeout", e1.Reason)

	e2, err := st.EntryByGatewayID(ctx, "gw-2")
	require.NoError(t, err)
	assert.Equal(t, campaign.EntrySent, e2.Status)

	counts, _ := tr.Counts(c.ID)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Sent)
}

func TestReceiptNeverOutrunsSendCounters(t *testing.T) {
	const n = 64
	log := zap.NewNop().Sugar()
	st := store.NewMemory()
	pub := NewPublisher(nil, log)
	tr := New(st, pub, log)

	c := &campaign.Campaign{
		ID: "c1", Name: "race", Channel: "sms",
		Status: campaign.StatusRunning, Recipients: n,
		EstimatedCost: decimal.NewFromInt(n), CreatedAt: time.Now(),
	}
	entries := make([]*campaign.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &campaign.Entry{
			ID: fmt.Sprintf("e%d", i), CampaignID: "c1",
			Address: fmt.Sprintf("+%d", i), Body: "x", Segments: 1,
			Status: campaign.EntryPending,
		})
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, entries))
	tr.Register(c, campaign.Counts{Pending: n, Total: n})

	events, cancel := pub.Subscribe(4 * n)
	defer cancel()

	// for each entry, race the send record against its own receipt: the
	// receipt retries until the gateway id becomes known
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("e%d", i)
		gwID := fmt.Sprintf("gw-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.MarkSent(ctx, entry(id), gwID, 1))
		}()
		go func() {
			defer wg.Done()
			for {
				err := tr.HandleReceipt(ctx, Receipt{GatewayMessageID: gwID, Status: ReceiptDelivered})
				if err == nil {
					return
				}
				if !errors.Is(err, ErrUnknownReceipt) {
					assert.NoError(t, err)
					return
				}
				time.Sleep(50 * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	counts, ok := tr.Counts(c.ID)
	require.True(t, ok)
	assert.Equal(t, n, counts.Delivered)
	assert.Equal(t, 0, counts.Sent)
	assert.Equal(t, 0, counts.Pending)

	// no published snapshot may ever have gone negative
	for {
		select {
		case ev := <-events:
			assert.GreaterOrEqual(t, ev.Counts.Pending, 0)
			assert.GreaterOrEqual(t, ev.Counts.Sent, 0)
			assert.GreaterOrEqual(t, ev.Counts.Delivered, 0)
			assert.Equal(t, ev.Counts.Total, ev.Counts.Sum())
		default:
			return
		}
	}
}

func TestSnapshotFallsBackToStoreForUnregistered(t *testing.T) {
	log := zap.NewNop().Sugar()
	st := store.NewMemory()
	tr := New(st, NewPublisher(nil, log), log)

	c := &campaign.Campaign{
		ID: "old", Name: "historic", Channel: "sms",
		Status: campaign.StatusCompleted, Recipients: 1,
		EstimatedCost: decimal.NewFromInt(1), CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateCampaign(context.Background(), c, []*campaign.Entry{
		{ID: "e1", CampaignID: "old", Address: "+1", Body: "x", Segments: 1, Status: campaign.EntryDelivered},
	}))

	snap, err := tr.Snapshot(context.Background(), "old", true)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.Counts.Delivered)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, campaign.EntryDelivered, snap.Entries[0].Status)
}

func TestPublisherFanOutDropsSlowSubscribers(t *testing.T) {
	log := zap.NewNop().Sugar()
	p := NewPublisher(nil, log)

	fast, cancelFast := p.Subscribe(4)
	defer cancelFast()
	slow, cancelSlow := p.Subscribe(1)
	defer cancelSlow()

	for i := 0; i < 3; i++ {
		p.Publish(campaign.Event{CampaignID: "c1", Counts: campaign.Counts{Sent: i}})
	}

	assert.Len(t, fast, 3)
	// slow buffer holds only the first event; the rest were dropped, not blocked
	assert.Len(t, slow, 1)
}
