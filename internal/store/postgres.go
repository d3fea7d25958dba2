package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/edvlasov/dispatchd/internal/campaign"
	"github.com/shopspring/decimal"
)

// Postgres is the durable store. Schema: see migrations/001_init.sql.
type Postgres struct {
	DB *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{DB: db} }

func (s *Postgres) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Postgres) CreateCampaign(ctx context.Context, c *campaign.Campaign, entries []*campaign.Entry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO campaigns (id, name, channel, template, status, recipients, estimated_cost, scheduled_at, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, c.ID, c.Name, c.Channel, c.Template, string(c.Status), c.Recipients, c.EstimatedCost.String(), c.ScheduledAt, c.CreatedAt)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fields, err := json.Marshal(e.Fields)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entries (id, campaign_id, address, fields, body, segments, status)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, e.ID, e.CampaignID, e.Address, fields, e.Body, e.Segments, string(e.Status)); err != nil {
				return err
			}
		}
		return nil
	})
}

const campaignCols = `id, name, channel, template, status, recipients, estimated_cost, scheduled_at, created_at, started_at, completed_at`

func scanCampaign(row interface{ Scan(...any) error }) (*campaign.Campaign, error) {
	var c campaign.Campaign
	var status, cost string
	if err := row.Scan(&c.ID, &c.Name, &c.Channel, &c.Template, &status, &c.Recipients,
		&cost, &c.ScheduledAt, &c.CreatedAt, &c.StartedAt, &c.CompletedAt); err != nil {
		return nil, err
	}
	c.Status = campaign.Status(status)
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return nil, err
	}
	c.EstimatedCost = d
	return &c, nil
}

func (s *Postgres) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Postgres) ListCampaigns(ctx context.Context, limit, offset int) ([]*campaign.Campaign, []campaign.Counts, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+campaignCols+`
		FROM campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cs []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, nil, err
		}
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	stats := make([]campaign.Counts, len(cs))
	for i, c := range cs {
		st, err := s.CountsFor(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}
		stats[i] = st
	}
	return cs, stats, nil
}

func (s *Postgres) SetCampaignStatus(ctx context.Context, id string, from, to campaign.Status, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = $3,
		       started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN $4 ELSE started_at END,
		       completed_at = CASE WHEN $3 IN ('completed','failed','cancelled') THEN $4 ELSE completed_at END
		 WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) campaignsWhere(ctx context.Context, clause string, args ...any) ([]*campaign.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) DueScheduled(ctx context.Context, now time.Time) ([]*campaign.Campaign, error) {
	return s.campaignsWhere(ctx,
		`status = 'queued' AND (scheduled_at IS NULL OR scheduled_at <= $1)`, now)
}

func (s *Postgres) RunningCampaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	return s.campaignsWhere(ctx, `status IN ('running','paused')`)
}

const entryCols = `id, campaign_id, address, fields, body, segments, status, gateway_message_id, reason, attempts, sent_at, delivered_at`

func scanEntry(row interface{ Scan(...any) error }) (*campaign.Entry, error) {
	var e campaign.Entry
	var status string
	var fields []byte
	var gatewayID, reason sql.NullString
	if err := row.Scan(&e.ID, &e.CampaignID, &e.Address, &fields, &e.Body, &e.Segments,
		&status, &gatewayID, &reason, &e.Attempts, &e.SentAt, &e.DeliveredAt); err != nil {
		return nil, err
	}
	e.Status = campaign.EntryStatus(status)
	e.GatewayID = gatewayID.String
	e.Reason = reason.String
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *Postgres) entriesWhere(ctx context.Context, clause string, args ...any) ([]*campaign.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+entryCols+` FROM entries WHERE `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) Entries(ctx context.Context, campaignID string) ([]*campaign.Entry, error) {
	return s.entriesWhere(ctx, `campaign_id = $1 ORDER BY address`, campaignID)
}

func (s *Postgres) PendingEntries(ctx context.Context, campaignID string) ([]*campaign.Entry, error) {
	return s.entriesWhere(ctx, `campaign_id = $1 AND status IN ('pending','dispatching')`, campaignID)
}

func (s *Postgres) ClaimEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entries SET status='dispatching'
		 WHERE id=$1 AND status IN ('pending','dispatching')
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) EntryByGatewayID(ctx context.Context, gatewayID string) (*campaign.Entry, error) {
	e, err := scanEntry(s.DB.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM entries WHERE gateway_message_id = $1`, gatewayID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Postgres) CountsFor(ctx context.Context, campaignID string) (campaign.Counts, error) {
	var c campaign.Counts
	err := s.DB.QueryRowContext(ctx, `
		SELECT
		  COUNT(*)                                              AS total,
		  COUNT(*) FILTER (WHERE status IN ('pending','dispatching')) AS pending,
		  COUNT(*) FILTER (WHERE status='sent')      AS sent,
		  COUNT(*) FILTER (WHERE status='delivered') AS delivered,
		  COUNT(*) FILTER (WHERE status='failed')    AS failed,
		  COUNT(*) FILTER (WHERE status='cancelled') AS cancelled
		FROM entries
		WHERE campaign_id = $1
	`, campaignID).Scan(&c.Total, &c.Pending, &c.Sent, &c.Delivered, &c.Failed, &c.Cancelled)
	return c, err
}

func (s *Postgres) MarkEntrySent(ctx context.Context, id, gatewayID string, attempts int, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entries
		   SET status='sent', gateway_message_id=$2, attempts=$3, sent_at=$4, reason=NULL
		 WHERE id=$1 AND status IN ('pending','dispatching')
	`, id, gatewayID, attempts, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) MarkEntryFailed(ctx context.Context, id string, from campaign.EntryStatus, reason string, attempts int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entries
		   SET status='failed', reason=$3,
		       attempts = CASE WHEN $4 > 0 THEN $4 ELSE attempts END
		 WHERE id=$1 AND status=$2
	`, id, string(from), reason, attempts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) MarkEntryDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entries
		   SET status='delivered', delivered_at=$2
		 WHERE id=$1 AND status='sent'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) CancelPending(ctx context.Context, campaignID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE entries SET status='cancelled'
		 WHERE campaign_id=$1 AND status='pending'
	`, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Postgres) StaleSent(ctx context.Context, cutoff time.Time) ([]*campaign.Entry, error) {
	return s.entriesWhere(ctx, `status = 'sent' AND sent_at < $1`, cutoff)
}
