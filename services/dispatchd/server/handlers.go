package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/dispatch"
	"github.com/edvlasov/dispatchd/internal/ledger"
	"github.com/edvlasov/dispatchd/internal/render"
	"github.com/edvlasov/dispatchd/internal/store"
	"github.com/edvlasov/dispatchd/internal/track"
	"github.com/edvlasov/dispatchd/pkg/logx"
)

type engineAPI interface {
	StartCampaign(ctx context.Context, req dispatch.StartRequest) (*campaign.Campaign, error)
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Cancel(ctx context.Context, campaignID string) error
}

type trackerAPI interface {
	Snapshot(ctx context.Context, campaignID string, withEntries bool) (campaign.Snapshot, error)
}

type listAPI interface {
	ListCampaigns(ctx context.Context, limit, offset int) ([]*campaign.Campaign, []campaign.Counts, error)
}

// ReceiptSink is where webhook receipts go: the broker queue when one is
// configured, the tracker directly otherwise.
type ReceiptSink interface {
	Submit(ctx context.Context, r track.Receipt) error
}

type Handlers struct {
	Engine   engineAPI
	Tracker  trackerAPI
	Store    listAPI
	Receipts ReceiptSink
}

func NewHandlers(e engineAPI, t trackerAPI, s listAPI, r ReceiptSink) *Handlers {
	return &Handlers{Engine: e, Tracker: t, Store: s, Receipts: r}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type recipientReq struct {
	Address string            `json:"address" binding:"required"`
	Fields  map[string]string `json:"fields"`
}

type startCampaignReq struct {
	Name        string            `json:"name"       binding:"required"`
	Channel     string            `json:"channel"`
	Template    string            `json:"template"   binding:"required"`
	Defaults    map[string]string `json:"defaults"`
	Recipients  []recipientReq    `json:"recipients" binding:"required,min=1,dive"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
}

type startCampaignResp struct {
	ID            string          `json:"id"`
	Status        campaign.Status `json:"status"`
	Recipients    int             `json:"recipients"`
	EstimatedCost string          `json:"estimated_cost"`
}

func (h *Handlers) StartCampaign(c *gin.Context) {
	var req startCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recipients := make([]dispatch.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, dispatch.Recipient{Address: r.Address, Fields: r.Fields})
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	cmp, err := h.Engine.StartCampaign(ctx, dispatch.StartRequest{
		Name:        req.Name,
		Channel:     req.Channel,
		Template:    req.Template,
		Defaults:    req.Defaults,
		Recipients:  recipients,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		var terr *render.TemplateError
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
		case errors.As(err, &terr), errors.Is(err, dispatch.ErrNoRecipients):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logx.L().Errorw("start_campaign_error", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start campaign"})
		}
		return
	}

	c.JSON(http.StatusCreated, startCampaignResp{
		ID:            cmp.ID,
		Status:        cmp.Status,
		Recipients:    cmp.Recipients,
		EstimatedCost: cmp.EstimatedCost.String(),
	})
}

func (h *Handlers) control(c *gin.Context, op string, fn func(ctx context.Context, id string) error) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	err := fn(ctx, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "op": op})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatch.ErrUnknownCampaign):
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, dispatch.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid transition"})
	default:
		logx.L().Errorw("campaign_control_error", "op", op, "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "control call failed"})
	}
}

func (h *Handlers) PauseCampaign(c *gin.Context)  { h.control(c, "pause", h.Engine.Pause) }
func (h *Handlers) ResumeCampaign(c *gin.Context) { h.control(c, "resume", h.Engine.Resume) }
func (h *Handlers) CancelCampaign(c *gin.Context) { h.control(c, "cancel", h.Engine.Cancel) }

func (h *Handlers) GetSnapshot(c *gin.Context) {
	id := c.Param("id")
	withEntries := c.DefaultQuery("entries", "true") != "false"

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.Tracker.Snapshot(ctx, id, withEntries)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	if err != nil {
		logx.L().Errorw("snapshot_error", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot error"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type campaignListItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Channel   string          `json:"channel"`
	Status    campaign.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	Counts    campaign.Counts `json:"counts"`
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, stats, err := h.Store.ListCampaigns(ctx, limit, offset)
	if err != nil {
		logx.L().Errorw("list_campaigns_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list error"})
		return
	}

	out := make([]campaignListItem, 0, len(rows))
	for i, r := range rows {
		out = append(out, campaignListItem{
			ID:        r.ID,
			Name:      r.Name,
			Channel:   r.Channel,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			Counts:    stats[i],
		})
	}
	c.JSON(http.StatusOK, out)
}

type receiptReq struct {
	GatewayMessageID string `json:"gateway_message_id" binding:"required"`
	Status           string `json:"status"             binding:"required,oneof=delivered failed"`
	Reason           string `json:"reason"`
}

// Receipt accepts a gateway delivery callback. Accepted receipts are applied
// asynchronously; a duplicate is still a 202 (the tracker ignores it).
func (h *Handlers) Receipt(c *gin.Context) {
	var req receiptReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	err := h.Receipts.Submit(ctx, track.Receipt{
		GatewayMessageID: req.GatewayMessageID,
		Status:           req.Status,
		Reason:           req.Reason,
	})
	if errors.Is(err, track.ErrUnknownReceipt) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway message id"})
		return
	}
	if err != nil {
		logx.L().Errorw("receipt_submit_error", "gateway_message_id", req.GatewayMessageID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "receipt not accepted"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
