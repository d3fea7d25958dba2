package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/ledger"
	"github.com/edvlasov/dispatchd/internal/sender"
	"github.com/edvlasov/dispatchd/pkg/metrics"
	"github.com/shopspring/decimal"
)

// run is the live dispatch state of one campaign: a queue of pending entries
// drained by a bounded pool of workers. Pause and cancel are cooperative
// flags observed between queue pulls; a send already underway always runs to
// completion and is recorded normally.
type run struct {
	c     *campaign.Campaign
	queue chan *campaign.Entry

	mu        sync.Mutex
	paused    bool
	cancelled bool
	resumeCh  chan struct{}

	wg sync.WaitGroup
}

func newRun(c *campaign.Campaign, pending []*campaign.Entry) *run {
	r := &run{
		c:        c,
		queue:    make(chan *campaign.Entry, len(pending)),
		resumeCh: make(chan struct{}),
	}
	for _, en := range pending {
		r.queue <- en
	}
	close(r.queue)
	return r
}

func (r *run) pause() {
	r.mu.Lock()
	if !r.paused && !r.cancelled {
		r.paused = true
		r.resumeCh = make(chan struct{})
	}
	r.mu.Unlock()
}

func (r *run) resume() {
	r.mu.Lock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
	r.mu.Unlock()
}

// cancelDispatch stops workers from pulling further entries. It also wakes
// any worker parked in pause.
func (r *run) cancelDispatch() {
	r.mu.Lock()
	r.cancelled = true
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
	r.mu.Unlock()
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// awaitRunnable blocks while paused. Returns false when the worker should
// stop pulling (cancelled or engine shutdown).
func (r *run) awaitRunnable(ctx context.Context) bool {
	for {
		r.mu.Lock()
		if r.cancelled {
			r.mu.Unlock()
			return false
		}
		if !r.paused {
			r.mu.Unlock()
			return true
		}
		ch := r.resumeCh
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

func (e *Engine) startRun(c *campaign.Campaign, pending []*campaign.Entry) *run {
	r := newRun(c, pending)
	e.mu.Lock()
	e.runs[c.ID] = r
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		r.wg.Add(1)
		e.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer e.wg.Done()
			e.worker(r)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.wg.Wait()
		e.finishRun(r)
	}()
	return r
}

func (e *Engine) worker(r *run) {
	for {
		if !r.awaitRunnable(e.ctx) {
			return
		}
		select {
		case <-e.ctx.Done():
			return
		case entry, ok := <-r.queue:
			if !ok {
				return
			}
			e.process(r, entry)
		}
	}
}

func (e *Engine) entryCost(entry *campaign.Entry) decimal.Decimal {
	return e.cfg.CreditPerSegment.Mul(decimal.NewFromInt(int64(entry.Segments)))
}

// process performs one dispatch: token, claim, send with retries, record
// outcome. The claim (pending → dispatching) is taken before the gateway call
// so a concurrent cancel can only touch entries no worker holds; once claimed,
// the send runs to a terminal status and is recorded normally.
func (e *Engine) process(r *run, entry *campaign.Entry) {
	if r.isCancelled() {
		return
	}

	if err := e.limits.Acquire(e.ctx, r.c.Channel); err != nil {
		// engine shutting down; entry stays pending for recovery
		return
	}

	ctx := context.Background()
	claimed, err := e.store.ClaimEntry(ctx, entry.ID)
	if err != nil {
		e.log.Errorw("claim_error", "entry_id", entry.ID, "error", err)
		return
	}
	if !claimed {
		// lost the race against cancel; CancelPending already recorded it
		return
	}
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryMax+1; attempt++ {
		sendCtx, cancel := context.WithTimeout(e.ctx, e.cfg.SendTimeout)
		res, err := e.gateway.Send(sendCtx, entry.Address, entry.Body)
		cancel()

		if err == nil {
			metrics.DispatchSendsTotal.WithLabelValues("accepted").Inc()
			if terr := e.tracker.MarkSent(ctx, entry, res.GatewayMessageID, attempt); terr != nil {
				// the claim should make this impossible; the send went out,
				// so losing the record is worth an error
				e.log.Errorw("sent_record_error", "entry_id", entry.ID, "error", terr)
				return
			}
			e.commitSpend(r, entry)
			return
		}

		lastErr = err
		if !sender.IsTransient(err) {
			metrics.DispatchSendsTotal.WithLabelValues("permanent").Inc()
			if terr := e.tracker.MarkSendFailed(ctx, entry, err.Error(), attempt); terr != nil {
				e.log.Errorw("failed_record_error", "entry_id", entry.ID, "error", terr)
			}
			return
		}

		metrics.DispatchSendsTotal.WithLabelValues("transient").Inc()
		if attempt > e.cfg.RetryMax {
			break
		}
		metrics.DispatchRetriesTotal.Inc()
		delay := e.cfg.BackoffBase << (attempt - 1)
		e.log.Debugw("send_retry_scheduled",
			"campaign_id", r.c.ID, "entry_id", entry.ID,
			"attempt", attempt+1, "delay", delay.String(), "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-e.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	reason := "retries exhausted"
	if lastErr != nil {
		reason = "retries exhausted: " + lastErr.Error()
	}
	if terr := e.tracker.MarkSendFailed(ctx, entry, reason, e.cfg.RetryMax+1); terr != nil {
		e.log.Errorw("failed_record_error", "entry_id", entry.ID, "error", terr)
	}
}

// commitSpend finalizes the cost of an accepted send. An exhausted
// reservation halts further dispatch: the campaign's remaining pending
// entries are cancelled, not failed.
func (e *Engine) commitSpend(r *run, entry *campaign.Entry) {
	cost := e.entryCost(entry)
	e.mu.Lock()
	resID, ok := e.reservations[r.c.ID]
	e.mu.Unlock()
	if !ok {
		return
	}
	err := e.credits.Commit(resID, cost)
	if err == nil {
		e.tracker.AddCommitted(r.c.ID, cost)
		return
	}
	if errors.Is(err, ledger.ErrReservationExhausted) {
		e.log.Warnw("credit_reservation_exhausted", "campaign_id", r.c.ID)
		e.finishCancelled(r.c.ID, campaign.StatusRunning)
		return
	}
	if !errors.Is(err, ledger.ErrReservationClosed) {
		e.log.Errorw("commit_error", "campaign_id", r.c.ID, "error", err)
	}
}

// finishRun decides the terminal status once no entry is pending or
// in-dispatch. Cancelled campaigns were finalized on the cancel path.
func (e *Engine) finishRun(r *run) {
	e.mu.Lock()
	delete(e.runs, r.c.ID)
	e.mu.Unlock()

	if e.ctx.Err() != nil {
		return
	}
	if r.isCancelled() {
		// cancel deferred the reservation to us so in-flight claimed sends
		// could still commit their cost; now the last worker is done
		e.releaseReservation(r.c.ID)
		return
	}

	ctx := context.Background()
	counts, ok := e.tracker.Counts(r.c.ID)
	if !ok {
		return
	}

	final := campaign.StatusCompleted
	if counts.Sent == 0 && counts.Delivered == 0 {
		final = campaign.StatusFailed
	}

	// The drain can race a pause that landed after the last pull; both
	// origins are legitimate here.
	var moved bool
	for _, from := range []campaign.Status{campaign.StatusRunning, campaign.StatusPaused} {
		ok, err := e.store.SetCampaignStatus(ctx, r.c.ID, from, final, time.Now())
		if err != nil {
			e.log.Errorw("finish_status_error", "campaign_id", r.c.ID, "error", err)
			return
		}
		if ok {
			moved = true
			break
		}
	}
	if !moved {
		// lost to a concurrent cancel; releasing twice is harmless, so cover
		// the window where cancel saw the run but our cancelled check ran first
		e.releaseReservation(r.c.ID)
		return
	}

	e.releaseReservation(r.c.ID)
	e.tracker.SetStatus(r.c.ID, final)
	metrics.CampaignsFinished.WithLabelValues(string(final)).Inc()
	e.log.Infow("campaign_finished",
		"campaign_id", r.c.ID, "status", string(final),
		"sent", counts.Sent, "delivered", counts.Delivered,
		"failed", counts.Failed, "cancelled", counts.Cancelled)
}
