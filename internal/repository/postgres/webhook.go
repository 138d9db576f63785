package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/webhook"
)

// WebhookRepo implements webhook.Repository against PostgreSQL.
type WebhookRepo struct{ db *sql.DB }

// NewWebhookRepo creates a Postgres-backed webhook repository.
func NewWebhookRepo(db *sql.DB) *WebhookRepo { return &WebhookRepo{db: db} }

const webhookCols = `id, user_id, name, url, events, secret, auth_type,
	       COALESCE(auth_header,''), COALESCE(auth_value,''), timeout_secs,
	       max_retries, campaign_ids, list_ids, is_active, created_at, updated_at`

func scanWebhook(sc interface{ Scan(...interface{}) error }) (*domain.Webhook, error) {
	w := &domain.Webhook{}
	var events, campaignIDs, listIDs pq.StringArray
	err := sc.Scan(
		&w.ID, &w.UserID, &w.Name, &w.URL, &events, &w.Secret, &w.AuthType,
		&w.AuthHeader, &w.AuthValue, &w.TimeoutSecs,
		&w.MaxRetries, &campaignIDs, &listIDs, &w.IsActive, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	for _, e := range events {
		w.Events = append(w.Events, domain.EventType(e))
	}
	w.CampaignIDs = campaignIDs
	w.ListIDs = listIDs
	return w, nil
}

func (r *WebhookRepo) Get(ctx context.Context, id string) (*domain.Webhook, error) {
	return scanWebhook(r.db.QueryRowContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id))
}

func (r *WebhookRepo) List(ctx context.Context, userID string) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// ListActive returns every active webhook subscribed to the event. Filter
// matching against campaign and list happens in the service, where the
// empty-filter semantics live.
func (r *WebhookRepo) ListActive(ctx context.Context, event domain.EventType) ([]domain.Webhook, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE is_active = true AND $1 = ANY(events)`,
		string(event))
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *WebhookRepo) Create(ctx context.Context, w *domain.Webhook) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	events := make(pq.StringArray, len(w.Events))
	for i, e := range w.Events {
		events[i] = string(e)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks
			(id, user_id, name, url, events, secret, auth_type, auth_header,
			 auth_value, timeout_secs, max_retries, campaign_ids, list_ids,
			 is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
	`, w.ID, w.UserID, w.Name, w.URL, events, w.Secret, w.AuthType, w.AuthHeader,
		w.AuthValue, w.TimeoutSecs, w.MaxRetries,
		pq.StringArray(w.CampaignIDs), pq.StringArray(w.ListIDs), w.IsActive)
	if err != nil {
		return "", fmt.Errorf("create webhook: %w", err)
	}
	return w.ID, nil
}

func (r *WebhookRepo) Update(ctx context.Context, w *domain.Webhook) error {
	events := make(pq.StringArray, len(w.Events))
	for i, e := range w.Events {
		events[i] = string(e)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks SET
			name = $1, url = $2, events = $3, auth_type = $4, auth_header = $5,
			auth_value = $6, timeout_secs = $7, max_retries = $8,
			campaign_ids = $9, list_ids = $10, is_active = $11, updated_at = NOW()
		WHERE id = $12
	`, w.Name, w.URL, events, w.AuthType, w.AuthHeader,
		w.AuthValue, w.TimeoutSecs, w.MaxRetries,
		pq.StringArray(w.CampaignIDs), pq.StringArray(w.ListIDs), w.IsActive, w.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

func (r *WebhookRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return webhook.ErrNotFound
	}
	return nil
}

// --- deliveries ---

const deliveryCols = `id, webhook_id, event, payload, status, attempts,
	       status_code, COALESCE(response,''), COALESCE(error,''), delivered_at, created_at`

func scanDelivery(sc interface{ Scan(...interface{}) error }) (*domain.WebhookDelivery, error) {
	d := &domain.WebhookDelivery{}
	err := sc.Scan(
		&d.ID, &d.WebhookID, &d.Event, &d.Payload, &d.Status, &d.Attempts,
		&d.StatusCode, &d.Response, &d.Error, &d.DeliveredAt, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, webhook.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

func (r *WebhookRepo) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	return scanDelivery(r.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = $1`, id))
}

func (r *WebhookRepo) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW())
	`, d.ID, d.WebhookID, d.Event, d.Payload, d.Status)
	if err != nil {
		return "", fmt.Errorf("create delivery: %w", err)
	}
	return d.ID, nil
}

// RecordAttempt stores the outcome of one delivery attempt. Attempts is
// bumped here so the row always reflects how many POSTs actually went out.
func (r *WebhookRepo) RecordAttempt(ctx context.Context, id string, status domain.DeliveryStatus, statusCode int, response, errMsg string) error {
	deliveredAt := "NULL"
	if status == domain.DeliveryDelivered {
		deliveredAt = "NOW()"
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE webhook_deliveries
		SET status = $1, attempts = attempts + 1, status_code = $2,
		    response = $3, error = $4, delivered_at = %s
		WHERE id = $5
	`, deliveredAt), status, statusCode, response, errMsg, id)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// MarkProcessing flips a delivery to processing while a POST is in
// flight. Terminal rows are left alone.
func (r *WebhookRepo) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = 'processing'
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id)
	if err != nil {
		return fmt.Errorf("mark delivery processing: %w", err)
	}
	return nil
}

// ResetDelivery puts a failed delivery back to pending for a manual
// retry with a fresh attempt budget.
func (r *WebhookRepo) ResetDelivery(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = 'pending', error = NULL, attempts = 0
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("reset delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return webhook.ErrNotRetryable
	}
	return nil
}

func (r *WebhookRepo) ListDeliveries(ctx context.Context, webhookID string, limit, offset int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, webhookID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeliveryStats aggregates delivery outcomes for one webhook over a window.
func (r *WebhookRepo) DeliveryStats(ctx context.Context, webhookID string, since time.Time) (*webhook.DeliveryStats, error) {
	s := &webhook.DeliveryStats{WebhookID: webhookID, Since: since}
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status IN ('pending','processing','retrying')),
		       COALESCE(AVG(attempts), 0)
		FROM webhook_deliveries
		WHERE webhook_id = $1 AND created_at >= $2
	`, webhookID, since).Scan(&s.Total, &s.Delivered, &s.Failed, &s.InFlight, &s.AvgAttempts)
	if err != nil {
		return nil, fmt.Errorf("delivery stats: %w", err)
	}
	return s, nil
}
