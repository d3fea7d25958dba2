package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/edvlasov/dispatchd/internal/dispatch"
	"github.com/edvlasov/dispatchd/internal/ledger"
	"github.com/edvlasov/dispatchd/internal/render"
	"github.com/edvlasov/dispatchd/internal/store"
	"github.com/edvlasov/dispatchd/internal/track"
)

type fakeEngine struct {
	startErr   error
	controlErr error
	lastReq    dispatch.StartRequest
	controlHit string
}

func (f *fakeEngine) StartCampaign(ctx context.Context, req dispatch.StartRequest) (*campaign.Campaign, error) {
	f.lastReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &campaign.Campaign{
		ID:            "c-42",
		Name:          req.Name,
		Channel:       req.Channel,
		Status:        campaign.StatusRunning,
		Recipients:    len(req.Recipients),
		EstimatedCost: decimal.NewFromInt(int64(len(req.Recipients))),
		CreatedAt:     time.Unix(0, 0).UTC(),
	}, nil
}

func (f *fakeEngine) Pause(ctx context.Context, id string) error {
	f.controlHit = "pause"
	return f.controlErr
}

func (f *fakeEngine) Resume(ctx context.Context, id string) error {
	f.controlHit = "resume"
	return f.controlErr
}

func (f *fakeEngine) Cancel(ctx context.Context, id string) error {
	f.controlHit = "cancel"
	return f.controlErr
}

type fakeTracker struct {
	snapErr error
}

func (f *fakeTracker) Snapshot(ctx context.Context, id string, withEntries bool) (campaign.Snapshot, error) {
	if f.snapErr != nil {
		return campaign.Snapshot{}, f.snapErr
	}
	snap := campaign.Snapshot{
		CampaignID: id,
		Name:       "stub",
		Status:     campaign.StatusRunning,
		Counts:     campaign.Counts{Pending: 1, Sent: 2, Delivered: 3, Total: 6},
	}
	if withEntries {
		snap.Entries = []campaign.EntryView{{ID: "e1", Address: "+1", Status: campaign.EntrySent}}
	}
	return snap, nil
}

type fakeList struct{}

func (f *fakeList) ListCampaigns(ctx context.Context, limit, offset int) ([]*campaign.Campaign, []campaign.Counts, error) {
	rows := []*campaign.Campaign{
		{ID: "a", Name: "A", Status: campaign.StatusCompleted, CreatedAt: time.Unix(0, 0).UTC()},
		{ID: "b", Name: "B", Status: campaign.StatusRunning, CreatedAt: time.Unix(0, 0).UTC()},
	}
	stats := []campaign.Counts{
		{Delivered: 3, Total: 3},
		{Pending: 1, Sent: 1, Failed: 1, Total: 3},
	}
	return rows, stats, nil
}

type fakeReceipts struct {
	err  error
	n    int
	last track.Receipt
}

func (f *fakeReceipts) Submit(ctx context.Context, r track.Receipt) error {
	f.n++
	f.last = r
	return f.err
}

func newTestServer(e *fakeEngine, t *fakeTracker, r *fakeReceipts) *http.Server {
	return NewHTTPServer(":0", &Handlers{Engine: e, Tracker: t, Store: &fakeList{}, Receipts: r})
}

func doJSON(srv *http.Server, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestStartCampaign_OK(t *testing.T) {
	fe := &fakeEngine{}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodPost, "/campaigns", `{
		"name":"Promo",
		"channel":"sms",
		"template":"Hi {{name}}",
		"defaults":{"name":"customer"},
		"recipients":[
			{"address":"+15550001","fields":{"name":"Ann"}},
			{"address":"+15550002"}
		]
	}`)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	var resp startCampaignResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "c-42" {
		t.Fatalf("want id=c-42, got %s", resp.ID)
	}
	if resp.Recipients != 2 {
		t.Fatalf("want 2 recipients, got %d", resp.Recipients)
	}
	if len(fe.lastReq.Recipients) != 2 || fe.lastReq.Recipients[0].Fields["name"] != "Ann" {
		t.Fatalf("request not forwarded: %+v", fe.lastReq)
	}
}

func TestStartCampaign_ValidationError(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{})
	rr := doJSON(srv, http.MethodPost, "/campaigns", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStartCampaign_InsufficientCredits(t *testing.T) {
	fe := &fakeEngine{startErr: ledger.ErrInsufficientCredits}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodPost, "/campaigns", `{
		"name":"X","template":"hi","recipients":[{"address":"+1"}]
	}`)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
}

func TestStartCampaign_TemplateError(t *testing.T) {
	fe := &fakeEngine{startErr: &render.TemplateError{Pos: 3, Msg: "unclosed placeholder"}}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodPost, "/campaigns", `{
		"name":"X","template":"hi {{oops","recipients":[{"address":"+1"}]
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unclosed placeholder") {
		t.Fatalf("template error not surfaced: %s", rr.Body.String())
	}
}

func TestControl_Routes(t *testing.T) {
	fe := &fakeEngine{}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	for _, op := range []string{"pause", "resume", "cancel"} {
		rr := doJSON(srv, http.MethodPost, "/campaigns/c-1/"+op, ``)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", op, rr.Code)
		}
		if fe.controlHit != op {
			t.Fatalf("%s: wrong engine call %q", op, fe.controlHit)
		}
	}
}

func TestControl_Conflict(t *testing.T) {
	fe := &fakeEngine{controlErr: dispatch.ErrInvalidTransition}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodPost, "/campaigns/c-1/pause", ``)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestControl_NotFound(t *testing.T) {
	fe := &fakeEngine{controlErr: dispatch.ErrUnknownCampaign}
	srv := newTestServer(fe, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodPost, "/campaigns/nope/cancel", ``)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetSnapshot(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodGet, "/campaigns/c-1", ``)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	var snap campaign.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Counts.Total != 6 || len(snap.Entries) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	rr = doJSON(srv, http.MethodGet, "/campaigns/c-1?entries=false", ``)
	snap = campaign.Snapshot{}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Entries) != 0 {
		t.Fatalf("entries should be omitted: %+v", snap)
	}
}

func TestGetSnapshot_NotFound(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{snapErr: store.ErrNotFound}, &fakeReceipts{})
	rr := doJSON(srv, http.MethodGet, "/campaigns/nope", ``)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{})

	rr := doJSON(srv, http.MethodGet, "/campaigns?limit=2", ``)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	var out []campaignListItem
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Counts.Delivered != 3 {
		t.Fatalf("unexpected list: %+v", out)
	}
}

func TestReceipt_Accepted(t *testing.T) {
	fr := &fakeReceipts{}
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, fr)

	rr := doJSON(srv, http.MethodPost, "/receipts", `{
		"gateway_message_id":"gw-7","status":"delivered"
	}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d, body=%s", rr.Code, rr.Body.String())
	}
	if fr.n != 1 || fr.last.GatewayMessageID != "gw-7" {
		t.Fatalf("receipt not forwarded: %+v", fr.last)
	}
}

func TestReceipt_BadStatus(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{})
	rr := doJSON(srv, http.MethodPost, "/receipts", `{
		"gateway_message_id":"gw-7","status":"exploded"
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestReceipt_Unknown(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{err: track.ErrUnknownReceipt})
	rr := doJSON(srv, http.MethodPost, "/receipts", `{
		"gateway_message_id":"nope","status":"failed"
	}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDocsEndpoints(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, &fakeTracker{}, &fakeReceipts{})

	t.Run("html", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/docs", nil)

		srv.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "SwaggerUIBundle") {
			t.Fatalf("swagger bundle not rendered: %s", rr.Body.String())
		}
	})

	t.Run("openapi", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/docs/dispatch-api/openapi.yaml", nil)

		srv.Handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "yaml") {
			t.Fatalf("unexpected content type: %s", ct)
		}
		if !strings.Contains(rr.Body.String(), "openapi: 3.0.3") {
			t.Fatalf("unexpected body: %s", rr.Body.String())
		}
	})
}
