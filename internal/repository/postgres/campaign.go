package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignCols = `id, name, subject, from_name, from_email, COALESCE(reply_to,''),
	       COALESCE(html_content,''), COALESCE(text_content,''), list_id, smtp_config_id,
	       status, total_recipients, sent_count, bounced_count,
	       started_at, completed_at, created_at, updated_at`

func scanCampaign(row *sql.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.ReplyTo,
		&c.HTMLContent, &c.TextContent, &c.ListID, &c.SMTPConfigID,
		&c.Status, &c.TotalRecipients, &c.SentCount, &c.BouncedCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, from_name, from_email, reply_to,
			 html_content, text_content, list_id, smtp_config_id, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, c.ID, c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo,
		c.HTMLContent, c.TextContent, c.ListID, c.SMTPConfigID, c.Status)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM campaigns`
	args := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		args = append(args, f.Status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `
		SELECT id, name, subject, status, total_recipients, sent_count,
		       bounced_count, created_at
		FROM campaigns`
	qArgs := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status = $%d", idx)
		qArgs = append(qArgs, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Subject, &c.Status, &c.TotalRecipients,
			&c.SentCount, &c.BouncedCount, &c.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// TransitionStatus moves a campaign to a new status only if its current
// status is one of the allowed preconditions. campaign.ErrInvalidTransition
// is returned when the guard matched no row, so a concurrent caller that
// lost the race learns it lost.
func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition without precondition")
	}
	args := []interface{}{to, id}
	in := ""
	for i, s := range from {
		if i > 0 {
			in += ", "
		}
		in += fmt.Sprintf("$%d", i+3)
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns SET status = $1,
		       started_at = CASE WHEN $1 = 'sending' AND started_at IS NULL THEN NOW() ELSE started_at END,
		       completed_at = CASE WHEN $1 IN ('completed','cancelled') THEN NOW() ELSE completed_at END,
		       updated_at = NOW()
		WHERE id = $2 AND status IN (%s)
	`, in), args...)
	if err != nil {
		return fmt.Errorf("transition campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) SetTotalRecipients(ctx context.Context, id string, total int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients = $1, updated_at = NOW() WHERE id = $2
	`, total, id)
	if err != nil {
		return fmt.Errorf("set total recipients: %w", err)
	}
	return nil
}

func (r *CampaignRepo) IncrementSent(ctx context.Context, id string) error {
	return r.increment(ctx, id, "sent_count")
}

func (r *CampaignRepo) IncrementBounced(ctx context.Context, id string) error {
	return r.increment(ctx, id, "bounced_count")
}

// DecrementBounced reverses n counted bounces, floored at zero.
func (r *CampaignRepo) DecrementBounced(ctx context.Context, id string, n int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET bounced_count = GREATEST(bounced_count - $2, 0), updated_at = NOW()
		WHERE id = $1
	`, id, n)
	if err != nil {
		return fmt.Errorf("decrement bounced_count: %w", err)
	}
	return nil
}

func (r *CampaignRepo) increment(ctx context.Context, id, col string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, col, col), id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	return nil
}

func (r *CampaignRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM campaigns WHERE id = $1 AND status IN ('draft','cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
