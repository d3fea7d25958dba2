// Package dispatch is the scheduling core: it turns a queued campaign into
// rate-limited gateway sends through a bounded worker pool, and owns the
// campaign state machine (queued → running ⇄ paused → terminal).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/ledger"
	"github.com/edvlasov/dispatchd/internal/ratelimit"
	"github.com/edvlasov/dispatchd/internal/render"
	"github.com/edvlasov/dispatchd/internal/sender"
	"github.com/edvlasov/dispatchd/internal/store"
	"github.com/edvlasov/dispatchd/internal/track"
	"github.com/edvlasov/dispatchd/pkg/metrics"
)

var (
	ErrNoRecipients      = errors.New("no valid recipients")
	ErrUnknownCampaign   = errors.New("unknown campaign")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Config struct {
	Workers          int
	RetryMax         int
	SendTimeout      time.Duration
	BackoffBase      time.Duration
	SegmentSize      int
	CreditPerSegment decimal.Decimal
}

func (c *Config) withDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = 160
	}
	if c.CreditPerSegment.IsZero() {
		c.CreditPerSegment = decimal.NewFromInt(1)
	}
}

type Recipient struct {
	Address string            `json:"address"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type StartRequest struct {
	Name        string
	Channel     string
	Template    string
	Defaults    map[string]string
	Recipients  []Recipient
	ScheduledAt *time.Time
}

type Engine struct {
	store   store.Store
	tracker *track.Tracker
	credits *ledger.Ledger
	limits  *ratelimit.Registry
	gateway sender.Sender
	log     *zap.SugaredLogger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	runs         map[string]*run
	reservations map[string]string // campaign id -> reservation id
}

func New(st store.Store, tr *track.Tracker, cr *ledger.Ledger, lim *ratelimit.Registry,
	gw sender.Sender, log *zap.SugaredLogger, cfg Config) *Engine {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        st,
		tracker:      tr,
		credits:      cr,
		limits:       lim,
		gateway:      gw,
		log:          log,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		runs:         make(map[string]*run),
		reservations: make(map[string]string),
	}
}

// Shutdown stops pulling work and waits for in-flight sends to finish.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// StartCampaign validates, renders, reserves credit and persists the
// campaign. If scheduled_at is in the future the campaign stays queued for
// the scheduler tick; otherwise dispatch begins immediately. On
// ErrInsufficientCredits nothing is persisted and no reservation remains.
func (e *Engine) StartCampaign(ctx context.Context, req StartRequest) (*campaign.Campaign, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("campaign name is required")
	}
	channel := req.Channel
	if channel == "" {
		channel = "sms"
	}

	tpl, err := render.Parse(req.Template)
	if err != nil {
		return nil, err
	}

	// validated, deduplicated recipient list
	seen := make(map[string]bool, len(req.Recipients))
	recipients := make([]Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		addr := strings.TrimSpace(r.Address)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		recipients = append(recipients, Recipient{Address: addr, Fields: r.Fields})
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	now := time.Now()
	c := &campaign.Campaign{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Channel:     channel,
		Template:    req.Template,
		Status:      campaign.StatusQueued,
		Recipients:  len(recipients),
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
	}

	entries := make([]*campaign.Entry, 0, len(recipients))
	total := decimal.Zero
	for _, r := range recipients {
		body := tpl.Render(r.Fields, req.Defaults)
		segments := render.Segments(body, e.cfg.SegmentSize)
		total = total.Add(e.cfg.CreditPerSegment.Mul(decimal.NewFromInt(int64(segments))))
		entries = append(entries, &campaign.Entry{
			ID:         uuid.NewString(),
			CampaignID: c.ID,
			Address:    r.Address,
			Fields:     r.Fields,
			Body:       body,
			Segments:   segments,
			Status:     campaign.EntryPending,
		})
	}
	c.EstimatedCost = total

	res, err := e.credits.Reserve(c.ID, total)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateCampaign(ctx, c, entries); err != nil {
		_, _ = e.credits.Release(res.ID)
		return nil, fmt.Errorf("persist campaign: %w", err)
	}

	e.mu.Lock()
	e.reservations[c.ID] = res.ID
	e.mu.Unlock()

	e.tracker.Register(c, campaign.Counts{Pending: len(entries), Total: len(entries)})

	e.log.Infow("campaign_created",
		"campaign_id", c.ID, "name", c.Name, "channel", c.Channel,
		"recipients", c.Recipients, "estimated_cost", total.String())

	if req.ScheduledAt == nil || !req.ScheduledAt.After(now) {
		if err := e.Launch(ctx, c.ID); err != nil {
			return nil, err
		}
		c.Status = campaign.StatusRunning
	}
	return c, nil
}

// Launch moves a queued campaign to running and spins up its worker pool.
func (e *Engine) Launch(ctx context.Context, campaignID string) error {
	c, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	ok, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusQueued, campaign.StatusRunning, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	pending, err := e.store.PendingEntries(ctx, campaignID)
	if err != nil {
		return err
	}
	counts, err := e.store.CountsFor(ctx, campaignID)
	if err != nil {
		return err
	}
	c.Status = campaign.StatusRunning
	e.tracker.Register(c, counts)
	e.tracker.SetStatus(campaignID, campaign.StatusRunning)

	if err := e.ensureReservation(c, pending); err != nil {
		// Could not cover the remaining entries: cancel them rather than
		// dispatch on credit that is not there.
		e.log.Warnw("launch_reservation_failed", "campaign_id", campaignID, "error", err)
		e.finishCancelled(campaignID, campaign.StatusRunning)
		return err
	}

	e.startRun(c, pending)
	return nil
}

// ensureReservation covers campaigns whose reservation did not survive a
// restart: it re-reserves the cost of the remaining pending entries.
func (e *Engine) ensureReservation(c *campaign.Campaign, pending []*campaign.Entry) error {
	e.mu.Lock()
	_, have := e.reservations[c.ID]
	e.mu.Unlock()
	if have {
		return nil
	}
	cost := decimal.Zero
	for _, en := range pending {
		cost = cost.Add(e.cfg.CreditPerSegment.Mul(decimal.NewFromInt(int64(en.Segments))))
	}
	res, err := e.credits.Reserve(c.ID, cost)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.reservations[c.ID] = res.ID
	e.mu.Unlock()
	return nil
}

// Pause stops pulling new entries; in-flight sends run to completion.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	ok, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusRunning, campaign.StatusPaused, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()
	if r != nil {
		r.pause()
	}
	e.tracker.SetStatus(campaignID, campaign.StatusPaused)
	e.log.Infow("campaign_paused", "campaign_id", campaignID)
	return nil
}

func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	ok, err := e.store.SetCampaignStatus(ctx, campaignID, campaign.StatusPaused, campaign.StatusRunning, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}
	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()
	if r != nil {
		r.resume()
	}
	e.tracker.SetStatus(campaignID, campaign.StatusRunning)
	e.log.Infow("campaign_resumed", "campaign_id", campaignID)
	return nil
}

// Cancel stops dispatch and marks remaining pending entries cancelled.
// In-flight sends still complete and are recorded normally.
func (e *Engine) Cancel(ctx context.Context, campaignID string) error {
	var from campaign.Status
	for _, s := range []campaign.Status{campaign.StatusRunning, campaign.StatusPaused, campaign.StatusQueued} {
		ok, err := e.store.SetCampaignStatus(ctx, campaignID, s, campaign.StatusCancelled, time.Now())
		if err != nil {
			return err
		}
		if ok {
			from = s
			break
		}
	}
	if from == "" {
		return ErrInvalidTransition
	}

	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()
	if r != nil {
		r.cancelDispatch()
	}

	n, err := e.tracker.MarkCancelled(ctx, campaignID)
	if err != nil {
		return err
	}
	if r == nil {
		// no live run, nothing can still commit spend
		e.releaseReservation(campaignID)
	}
	// with a live run the release happens in finishRun, after in-flight
	// claimed sends have completed and committed their cost
	e.tracker.SetStatus(campaignID, campaign.StatusCancelled)
	metrics.CampaignsFinished.WithLabelValues(string(campaign.StatusCancelled)).Inc()
	e.log.Infow("campaign_cancelled", "campaign_id", campaignID, "from", string(from), "cancelled_entries", n)
	return nil
}

// finishCancelled is the internal path for mid-flight halts (credit
// exhaustion, failed recovery reservation).
func (e *Engine) finishCancelled(campaignID string, from campaign.Status) {
	ctx := context.Background()
	ok, err := e.store.SetCampaignStatus(ctx, campaignID, from, campaign.StatusCancelled, time.Now())
	if err != nil || !ok {
		return
	}
	e.mu.Lock()
	r := e.runs[campaignID]
	e.mu.Unlock()
	if r != nil {
		r.cancelDispatch()
	}
	if _, err := e.tracker.MarkCancelled(ctx, campaignID); err != nil {
		e.log.Errorw("cancel_pending_error", "campaign_id", campaignID, "error", err)
	}
	e.releaseReservation(campaignID)
	e.tracker.SetStatus(campaignID, campaign.StatusCancelled)
	metrics.CampaignsFinished.WithLabelValues(string(campaign.StatusCancelled)).Inc()
}

func (e *Engine) releaseReservation(campaignID string) {
	e.mu.Lock()
	resID, ok := e.reservations[campaignID]
	delete(e.reservations, campaignID)
	e.mu.Unlock()
	if !ok {
		return
	}
	rem, err := e.credits.Release(resID)
	if err != nil {
		e.log.Errorw("reservation_release_error", "campaign_id", campaignID, "error", err)
		return
	}
	if !rem.IsZero() {
		e.log.Infow("reservation_released", "campaign_id", campaignID, "returned", rem.String())
	}
}

// LaunchDue starts queued campaigns whose scheduled time has passed.
// Driven by a cron tick from main.
func (e *Engine) LaunchDue(ctx context.Context) {
	due, err := e.store.DueScheduled(ctx, time.Now())
	if err != nil {
		e.log.Errorw("scheduled_list_error", "error", err)
		return
	}
	for _, c := range due {
		if err := e.Launch(ctx, c.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			e.log.Errorw("scheduled_launch_error", "campaign_id", c.ID, "error", err)
		}
	}
}

// Recover resumes campaigns left running or paused by a previous process.
// Terminal entries are not re-sent; only the remaining pending ones are
// queued again.
func (e *Engine) Recover(ctx context.Context) error {
	cs, err := e.store.RunningCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range cs {
		pending, err := e.store.PendingEntries(ctx, c.ID)
		if err != nil {
			return err
		}
		counts, err := e.store.CountsFor(ctx, c.ID)
		if err != nil {
			return err
		}
		e.tracker.Register(c, counts)

		if err := e.ensureReservation(c, pending); err != nil {
			e.log.Warnw("recover_reservation_failed", "campaign_id", c.ID, "error", err)
			e.finishCancelled(c.ID, c.Status)
			continue
		}

		r := e.startRun(c, pending)
		if c.Status == campaign.StatusPaused {
			r.pause()
		}
		e.log.Infow("campaign_recovered", "campaign_id", c.ID, "pending", len(pending), "status", string(c.Status))
	}
	return nil
}
