package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// RecipientRepo implements campaign.RecipientRepository against PostgreSQL.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// BulkInsert loads recipients for a campaign with COPY. Duplicate emails
// within the batch are dropped before the copy, missing IDs and tracking
// IDs are filled in.
func (r *RecipientRepo) BulkInsert(ctx context.Context, campaignID string, recips []domain.Recipient) (int, error) {
	if len(recips) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_recipients",
		"id", "campaign_id", "email", "status", "tracking_id", "merge_fields"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}

	seen := make(map[string]struct{}, len(recips))
	inserted := 0
	for _, rec := range recips {
		if _, dup := seen[rec.Email]; dup {
			continue
		}
		seen[rec.Email] = struct{}{}

		id := rec.ID
		if id == "" {
			id = uuid.New().String()
		}
		trackingID := rec.TrackingID
		if trackingID == "" {
			trackingID = uuid.New().String()
		}
		fields := []byte("{}")
		if len(rec.MergeFields) > 0 {
			fields, err = json.Marshal(rec.MergeFields)
			if err != nil {
				return 0, fmt.Errorf("marshal merge fields for %s: %w", rec.Email, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, id, campaignID, rec.Email,
			domain.RecipientPending, trackingID, string(fields)); err != nil {
			return 0, fmt.Errorf("copy recipient %s: %w", rec.Email, err)
		}
		inserted++
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const recipientCols = `id, campaign_id, email, status, variant_id, tracking_id,
	       COALESCE(error_message,''), merge_fields, sent_at, created_at`

func scanRecipient(sc interface{ Scan(...interface{}) error }) (*domain.Recipient, error) {
	rec := &domain.Recipient{}
	var fields []byte
	err := sc.Scan(
		&rec.ID, &rec.CampaignID, &rec.Email, &rec.Status, &rec.VariantID,
		&rec.TrackingID, &rec.ErrorMessage, &fields, &rec.SentAt, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.MergeFields); err != nil {
			return nil, fmt.Errorf("unmarshal merge fields: %w", err)
		}
	}
	return rec, nil
}

func (r *RecipientRepo) Get(ctx context.Context, id string) (*domain.Recipient, error) {
	return scanRecipient(r.db.QueryRowContext(ctx,
		`SELECT `+recipientCols+` FROM campaign_recipients WHERE id = $1`, id))
}

// PagePending returns pending recipients ordered by id, starting after the
// given cursor. An empty cursor starts from the beginning. Keyset paging
// keeps a batch stable while earlier recipients change status.
func (r *RecipientRepo) PagePending(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recipientCols+`
		FROM campaign_recipients
		WHERE campaign_id = $1 AND status = 'pending' AND id > $2
		ORDER BY id
		LIMIT $3
	`, campaignID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("page pending: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkQueued flips a page of pending recipients to queued, recording the
// variant each was assigned. A nil variant map queues without assignment.
func (r *RecipientRepo) MarkQueued(ctx context.Context, ids []string, variantByID map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(variantByID) == 0 {
		_, err := r.db.ExecContext(ctx, `
			UPDATE campaign_recipients SET status = 'queued'
			WHERE id = ANY($1) AND status = 'pending'
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("mark queued: %w", err)
		}
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		var variant interface{}
		if v, ok := variantByID[id]; ok {
			variant = v
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaign_recipients SET status = 'queued', variant_id = $1
			WHERE id = $2 AND status = 'pending'
		`, variant, id); err != nil {
			return fmt.Errorf("mark queued %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkSent records a successful delivery. The queued guard makes re-runs
// of the same job a no-op; the bool reports whether this call won.
func (r *RecipientRepo) MarkSent(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'sent', sent_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed records a terminal delivery failure with its error message.
func (r *RecipientRepo) MarkFailed(ctx context.Context, id, message string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'failed', error_message = $1
		WHERE id = $2 AND status = 'queued'
	`, message, id)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailUnsent marks every recipient that has not been sent as failed.
// Used when a campaign is cancelled; sent rows are untouched.
func (r *RecipientRepo) FailUnsent(ctx context.Context, campaignID, message string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'failed', error_message = $1
		WHERE campaign_id = $2 AND status IN ('pending','queued')
	`, message, campaignID)
	if err != nil {
		return 0, fmt.Errorf("fail unsent: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetFailed moves failed recipients back to pending so a retry pass can
// pick them up. Returns the number reset.
func (r *RecipientRepo) ResetFailed(ctx context.Context, campaignID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'pending', error_message = NULL
		WHERE campaign_id = $1 AND status = 'failed'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountByStatus returns recipient counts per status for one campaign.
func (r *RecipientRepo) CountByStatus(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.RecipientStatus]int)
	for rows.Next() {
		var s domain.RecipientStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// CountPending is CountByStatus narrowed to the pending state.
func (r *RecipientRepo) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 AND status = 'pending'
	`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
