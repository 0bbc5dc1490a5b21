package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/webhook"
)

func (s *Store) AddWebhookEndpoint(ctx context.Context, ep webhook.Endpoint) (webhook.Endpoint, error) {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	ep.Active = true

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_endpoints(id, owner_id, url, secret, active, created_at) VALUES(?,?,?,?,?,?)`,
		ep.ID, ep.OwnerID, ep.URL, ep.Secret, boolInt(ep.Active), millis(s.now()),
	)
	if err != nil {
		return webhook.Endpoint{}, fmt.Errorf("failed to add webhook endpoint: %w", err)
	}
	return ep, nil
}

func (s *Store) ActiveEndpoints(ctx context.Context, ownerID string) ([]webhook.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, url, secret FROM webhook_endpoints
		 WHERE owner_id = ? AND active = 1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Endpoint
	for rows.Next() {
		ep := webhook.Endpoint{Active: true}
		if err := rows.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Store) InsertDelivery(ctx context.Context, d webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries(id, endpoint_id, owner_id, event, payload, status_code, success, attempts, error, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.EndpointID, d.OwnerID, d.Event, nullStr(d.Payload), d.StatusCode,
		boolInt(d.Success), d.Attempts, nullStr(d.Error), millis(d.CreatedAt),
	)
	return err
}

func (s *Store) DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < ?`, millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountDeliveries(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE owner_id = ?`, ownerID).Scan(&n)
	return n, err
}
