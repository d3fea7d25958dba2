package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/shopspring/decimal"
)

func TestCreateCampaign_Tx(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()

	c := &campaign.Campaign{
		ID:            "c1",
		Name:          "launch",
		Channel:       "sms",
		Template:      "Hi {{name}}",
		Status:        campaign.StatusQueued,
		Recipients:    1,
		EstimatedCost: decimal.NewFromInt(1),
		CreatedAt:     time.Unix(0, 0).UTC(),
	}
	e := &campaign.Entry{
		ID:         "e1",
		CampaignID: "c1",
		Address:    "+254700000001",
		Body:       "Hi Jane",
		Segments:   1,
		Status:     campaign.EntryPending,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaigns")).
		WithArgs("c1", "launch", "sms", "Hi {{name}}", "queued", 1, "1", nil, c.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO entries")).
		WithArgs("e1", "c1", "+254700000001", sqlmock.AnyArg(), "Hi Jane", 1, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CreateCampaign(ctx, c, []*campaign.Entry{e}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSetCampaignStatus_CAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()
	at := time.Unix(100, 0).UTC()

	mock.ExpectExec("UPDATE campaigns").
		WithArgs("c1", "running", "paused", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.SetCampaignStatus(ctx, "c1", campaign.StatusRunning, campaign.StatusPaused, at)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed")
	}

	// lost race: row no longer in "running"
	mock.ExpectExec("UPDATE campaigns").
		WithArgs("c1", "running", "cancelled", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.SetCampaignStatus(ctx, "c1", campaign.StatusRunning, campaign.StatusCancelled, at)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected CAS to fail when status moved")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEntrySent_OnlyFromPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()
	at := time.Unix(200, 0).UTC()

	mock.ExpectExec("UPDATE entries").
		WithArgs("e1", "gw-1", 1, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.MarkEntrySent(ctx, "e1", "gw-1", 1, at)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("sent transition must not apply to a non-pending entry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimEntry_CAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec("UPDATE entries SET status='dispatching'").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ClaimEntry(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected claim to succeed on a pending entry")
	}

	// lost race: a concurrent cancel already moved the row
	mock.ExpectExec("UPDATE entries SET status='dispatching'").
		WithArgs("e2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = s.ClaimEntry(ctx, "e2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("claim must fail on a cancelled entry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCountsFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)

	mock.ExpectQuery("SELECT").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"total", "pending", "sent", "delivered", "failed", "cancelled"}).
			AddRow(10, 2, 3, 4, 1, 0))

	c, err := s.CountsFor(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Sum() != c.Total {
		t.Fatalf("counter conservation broken: %+v", c)
	}
	if c.Delivered != 4 {
		t.Fatalf("want delivered=4, got %d", c.Delivered)
	}
}

func TestCancelPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s := NewPostgres(db)

	mock.ExpectExec("UPDATE entries SET status='cancelled'").
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.CancelPending(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("want 7 cancelled, got %d", n)
	}
}
