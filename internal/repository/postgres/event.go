package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/domain"
)

// EventRepo appends rows to the delivery event log.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Insert appends one event. The log is append-only; rows are never
// updated or deleted outside retention cleanup.
func (r *EventRepo) Insert(ctx context.Context, e *domain.RecipientEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipient_events (id, campaign_id, recipient_id, variant_id, type, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.ID, e.CampaignID, e.RecipientID, e.VariantID, e.Type)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// CountByType returns per-type event counts for a campaign.
func (r *EventRepo) CountByType(ctx context.Context, campaignID string) (map[domain.EventType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM recipient_events
		WHERE campaign_id = $1 GROUP BY type
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EventType]int)
	for rows.Next() {
		var t domain.EventType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}
