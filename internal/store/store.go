// Package store persists campaigns and their recipient entries. The memory
// implementation backs tests and brokerless dev runs; the postgres one is the
// durable variant that lets a restart resume running campaigns.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/edvlasov/dispatchd/internal/campaign"
)

var (
	ErrNotFound = errors.New("not found")
)

type Store interface {
	// CreateCampaign persists the campaign and all entries atomically.
	CreateCampaign(ctx context.Context, c *campaign.Campaign, entries []*campaign.Entry) error
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]*campaign.Campaign, []campaign.Counts, error)

	// SetCampaignStatus is a compare-and-set: it succeeds only when the row is
	// still in from. StartedAt/CompletedAt are stamped on entry into running
	// and into a terminal status respectively.
	SetCampaignStatus(ctx context.Context, id string, from, to campaign.Status, at time.Time) (bool, error)

	// DueScheduled returns queued campaigns whose scheduled_at has passed
	// (or was never set).
	DueScheduled(ctx context.Context, now time.Time) ([]*campaign.Campaign, error)
	// RunningCampaigns feeds crash recovery.
	RunningCampaigns(ctx context.Context) ([]*campaign.Campaign, error)

	Entries(ctx context.Context, campaignID string) ([]*campaign.Entry, error)
	// PendingEntries returns entries still owed a dispatch: pending plus
	// dispatching claims left behind by a dead process.
	PendingEntries(ctx context.Context, campaignID string) ([]*campaign.Entry, error)
	EntryByGatewayID(ctx context.Context, gatewayID string) (*campaign.Entry, error)
	CountsFor(ctx context.Context, campaignID string) (campaign.Counts, error)

	// ClaimEntry moves an entry to dispatching before the gateway call. The
	// CAS against pending is what makes cancel safe: CancelPending only
	// touches pending rows, so an entry is either cancelled or claimed, never
	// both. Re-claiming an entry already in dispatching succeeds (recovery
	// requeues such entries).
	ClaimEntry(ctx context.Context, id string) (bool, error)

	// Entry transitions are CAS on the current status so a late write can
	// never move an entry out of a terminal state.
	MarkEntrySent(ctx context.Context, id, gatewayID string, attempts int, at time.Time) (bool, error)
	MarkEntryFailed(ctx context.Context, id string, from campaign.EntryStatus, reason string, attempts int) (bool, error)
	MarkEntryDelivered(ctx context.Context, id string, at time.Time) (bool, error)

	// CancelPending flips every still-pending entry of the campaign to
	// cancelled and reports how many it touched.
	CancelPending(ctx context.Context, campaignID string) (int, error)

	// StaleSent lists entries sitting in "sent" since before the cutoff,
	// for the receipt-timeout sweep.
	StaleSent(ctx context.Context, cutoff time.Time) ([]*campaign.Entry, error)
}
