// Package webhook delivers scheduled-job outcomes to owner endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aatumaykin/seorunner/internal/logger"
	"github.com/aatumaykin/seorunner/internal/retry"
)

const (
	EventScheduledJob = "scheduled_job.completed"

	HeaderEvent     = "X-Seorunner-Event"
	HeaderDelivery  = "X-Seorunner-Delivery"
	HeaderSignature = "X-Seorunner-Signature"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 1024

type Endpoint struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	URL     string `json:"url"`
	Secret  string `json:"-"`
	Active  bool   `json:"active"`
}

type Delivery struct {
	ID         string
	EndpointID string
	OwnerID    string
	Event      string
	Payload    string
	StatusCode int
	Success    bool
	Attempts   int
	Error      string
	CreatedAt  time.Time
}

type Store interface {
	ActiveEndpoints(ctx context.Context, ownerID string) ([]Endpoint, error)
	InsertDelivery(ctx context.Context, d Delivery) error
	DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int64, error)
}

// JobResult is the outcome of one scheduled run.
type JobResult struct {
	OwnerID string   `json:"-"`
	JobID   string   `json:"job_id"`
	Tool    string   `json:"tool"`
	Target  string   `json:"target"`
	Score   *float64 `json:"score"`
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
}

type payload struct {
	Event      string    `json:"event"`
	DeliveryID string    `json:"delivery_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       JobResult `json:"data"`
}

type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	Retention   time.Duration
	// Backoff is the first retry delay.
	Backoff time.Duration
}

type Notifier struct {
	store  Store
	client *http.Client
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

func NewNotifier(store Store, cfg Config, log *logger.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Notifier{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.Component("webhook"),
		now:    time.Now,
	}
}

// NotifyScheduledJobResult posts r to every active endpoint of the owner
// and records one delivery row per endpoint. Delivery failures are recorded,
// not returned; only store errors are.
func (n *Notifier) NotifyScheduledJobResult(ctx context.Context, r JobResult) error {
	endpoints, err := n.store.ActiveEndpoints(ctx, r.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load webhook endpoints: %w", err)
	}

	for _, ep := range endpoints {
		d := n.deliver(ctx, ep, r)
		if err := n.store.InsertDelivery(ctx, d); err != nil {
			n.log.Error("failed to record webhook delivery", err,
				logger.Field{Key: "delivery_id", Value: d.ID})
		}
	}
	return nil
}

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, r JobResult) Delivery {
	d := Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		OwnerID:    ep.OwnerID,
		Event:      EventScheduledJob,
		CreatedAt:  n.now().UTC(),
	}

	body, err := json.Marshal(payload{
		Event:      EventScheduledJob,
		DeliveryID: d.ID,
		OccurredAt: d.CreatedAt,
		Data:       r,
	})
	if err != nil {
		d.Error = err.Error()
		return d
	}
	d.Payload = string(body)

	err = retry.Do(ctx, retry.Config{
		MaxAttempts:    n.cfg.MaxAttempts,
		InitialBackoff: n.cfg.Backoff,
		MaxBackoff:     10 * n.cfg.Backoff,
	}, n.log, func(ctx context.Context) error {
		d.Attempts++
		status, err := n.post(ctx, ep, d.ID, body)
		d.StatusCode = status
		return err
	})

	if err != nil {
		d.Error = err.Error()
		n.log.Warn("webhook delivery failed",
			logger.Field{Key: "endpoint_id", Value: ep.ID},
			logger.Field{Key: "attempts", Value: d.Attempts},
			logger.Field{Key: "error", Value: d.Error})
		return d
	}

	d.Success = true
	n.log.Debug("webhook delivered",
		logger.Field{Key: "endpoint_id", Value: ep.ID},
		logger.Field{Key: "status", Value: d.StatusCode})
	return d
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, deliveryID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("invalid webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventScheduledJob)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, Sign(ep.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, err
	}
	return resp.StatusCode, retry.Permanent(err)
}

// PruneStaleDeliveries removes delivery rows older than the retention.
func (n *Notifier) PruneStaleDeliveries(ctx context.Context) (int64, error) {
	removed, err := n.store.DeleteDeliveriesBefore(ctx, n.now().Add(-n.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook deliveries: %w", err)
	}
	if removed > 0 {
		n.log.Info("pruned webhook deliveries", logger.Field{Key: "count", Value: removed})
	}
	return removed, nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
