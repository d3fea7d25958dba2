package campaign

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions is the campaign state machine. Status updates must be
// compare-and-set against the current value so concurrent pause/cancel/complete
// cannot clobber each other.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusQueued},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	// paused may still complete or fail: a pause that lands after the last
	// queue pull does not stop the drain of in-flight sends.
	StatusPaused: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	// EntryDispatching is a worker's claim on an entry: the send is at (or on
	// its way to) the gateway. Cancel must not touch claimed entries; they run
	// to a terminal status and are recorded normally. Externally the claim is
	// still presented as pending.
	EntryDispatching EntryStatus = "dispatching"
	EntrySent        EntryStatus = "sent"
	EntryDelivered   EntryStatus = "delivered"
	EntryFailed      EntryStatus = "failed"
	EntryCancelled   EntryStatus = "cancelled"
)

func (s EntryStatus) Terminal() bool {
	return s == EntryDelivered || s == EntryFailed || s == EntryCancelled
}

// entryTransitions: pending → dispatching → sent → {delivered, failed}, or
// pending → {failed, cancelled}. pending → sent stays legal for writers that
// record a send without holding a claim.
var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryPending:     {EntryDispatching, EntrySent, EntryFailed, EntryCancelled},
	EntryDispatching: {EntrySent, EntryFailed},
	EntrySent:        {EntryDelivered, EntryFailed},
}

func EntryCanTransition(from, to EntryStatus) bool {
	for _, t := range entryTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Channel       string          `json:"channel"`
	Template      string          `json:"template"`
	Status        Status          `json:"status"`
	Recipients    int             `json:"recipients"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// Entry is one recipient within a campaign. Identity fields are immutable
// after creation; only the status block mutates.
type Entry struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Address    string            `json:"address"`
	Fields     map[string]string `json:"fields,omitempty"`
	Body       string            `json:"body"`
	Segments   int               `json:"segments"`

	Status      EntryStatus `json:"status"`
	GatewayID   string      `json:"gateway_message_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Attempts    int         `json:"attempts"`
	SentAt      *time.Time  `json:"sent_at,omitempty"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
}

type Counts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

func (c Counts) Sum() int {
	return c.Pending + c.Sent + c.Delivered + c.Failed + c.Cancelled
}

// Add books n entries under the public counter for s. A dispatching claim is
// counted as pending: observers only see the five public buckets.
func (c *Counts) Add(s EntryStatus, n int) {
	switch s {
	case EntryPending, EntryDispatching:
		c.Pending += n
	case EntrySent:
		c.Sent += n
	case EntryDelivered:
		c.Delivered += n
	case EntryFailed:
		c.Failed += n
	case EntryCancelled:
		c.Cancelled += n
	}
}

// Snapshot is the point-in-time read model served to observers.
type Snapshot struct {
	CampaignID    string          `json:"campaign_id"`
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	Counts        Counts          `json:"counts"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	CommittedCost decimal.Decimal `json:"committed_cost"`
	TakenAt       time.Time       `json:"taken_at"`
	Entries       []EntryView     `json:"entries,omitempty"`
}

type EntryView struct {
	ID      string      `json:"id"`
	Address string      `json:"address"`
	Status  EntryStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`
}

// Event is published on every campaign-level status change and entry
// transition batch; consumers are observers only.
type Event struct {
	CampaignID string    `json:"campaign_id"`
	Status     Status    `json:"status"`
	Counts     Counts    `json:"counts"`
	At         time.Time `json:"at"`
}
