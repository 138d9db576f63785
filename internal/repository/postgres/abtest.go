package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/abtest"
)

// ABTestRepo implements abtest.Repository against PostgreSQL.
type ABTestRepo struct{ db *sql.DB }

// NewABTestRepo creates a Postgres-backed A/B test repository.
func NewABTestRepo(db *sql.DB) *ABTestRepo { return &ABTestRepo{db: db} }

const abTestCols = `id, campaign_id, sample_size_percent, winner_criteria,
	       test_duration_hours, auto_select_winner, status, winner_id,
	       started_at, completed_at, created_at`

func scanABTest(row *sql.Row) (*domain.ABTest, error) {
	t := &domain.ABTest{}
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.SampleSizePercent, &t.WinnerCriteria,
		&t.TestDurationHours, &t.AutoSelectWinner, &t.Status, &t.WinnerID,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, abtest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ab test: %w", err)
	}
	return t, nil
}

func (r *ABTestRepo) Get(ctx context.Context, id string) (*domain.ABTest, error) {
	return scanABTest(r.db.QueryRowContext(ctx,
		`SELECT `+abTestCols+` FROM ab_tests WHERE id = $1`, id))
}

func (r *ABTestRepo) GetByCampaign(ctx context.Context, campaignID string) (*domain.ABTest, error) {
	return scanABTest(r.db.QueryRowContext(ctx,
		`SELECT `+abTestCols+` FROM ab_tests WHERE campaign_id = $1`, campaignID))
}

// Create inserts a test and its variants in one transaction. Variant sort
// order follows slice order and decides ties at winner selection.
func (r *ABTestRepo) Create(ctx context.Context, t *domain.ABTest, variants []domain.ABTestVariant) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.ABTestDraft
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_tests
			(id, campaign_id, sample_size_percent, winner_criteria,
			 test_duration_hours, auto_select_winner, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, t.ID, t.CampaignID, t.SampleSizePercent, t.WinnerCriteria,
		t.TestDurationHours, t.AutoSelectWinner, t.Status)
	if err != nil {
		return "", fmt.Errorf("create ab test: %w", err)
	}

	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.TestID = t.ID
		v.SortOrder = i
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ab_test_variants
				(id, test_id, name, subject, from_name, html_content, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, v.ID, v.TestID, v.Name, v.Subject, v.FromName, v.HTMLContent, v.SortOrder)
		if err != nil {
			return "", fmt.Errorf("create variant %s: %w", v.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return t.ID, nil
}

// Variants returns the test's variants in sort order with live counters.
func (r *ABTestRepo) Variants(ctx context.Context, testID string) ([]domain.ABTestVariant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, test_id, name, subject, COALESCE(from_name,''), COALESCE(html_content,''),
		       sort_order, sent_count, opened_count, clicked_count,
		       converted_count, bounced_count
		FROM ab_test_variants
		WHERE test_id = $1
		ORDER BY sort_order
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var out []domain.ABTestVariant
	for rows.Next() {
		var v domain.ABTestVariant
		if err := rows.Scan(
			&v.ID, &v.TestID, &v.Name, &v.Subject, &v.FromName, &v.HTMLContent,
			&v.SortOrder, &v.SentCount, &v.OpenedCount, &v.ClickedCount,
			&v.ConvertedCount, &v.BouncedCount,
		); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkRunning flips a draft test to running. Only one caller wins.
func (r *ABTestRepo) MarkRunning(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, id)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return abtest.ErrInvalidTransition
	}
	return nil
}

// SetWinner records the winner and completes the test. The running guard
// makes a second selection attempt lose cleanly.
func (r *ABTestRepo) SetWinner(ctx context.Context, id, variantID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = 'completed', winner_id = $1, completed_at = NOW()
		WHERE id = $2 AND status = 'running'
	`, variantID, id)
	if err != nil {
		return fmt.Errorf("set winner: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return abtest.ErrAlreadyCompleted
	}
	return nil
}

// Cancel moves a non-terminal test to cancelled.
func (r *ABTestRepo) Cancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ab_tests SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('draft','running')
	`, id)
	if err != nil {
		return fmt.Errorf("cancel ab test: %w", err)
	}
	return nil
}

var variantCounterCols = map[domain.EventType]string{
	domain.EventEmailSent:      "sent_count",
	domain.EventEmailOpened:    "opened_count",
	domain.EventEmailClicked:   "clicked_count",
	domain.EventEmailConverted: "converted_count",
	domain.EventEmailBounced:   "bounced_count",
}

// IncrementVariantCounter bumps the counter matching the event type.
// Counters only ever increase.
func (r *ABTestRepo) IncrementVariantCounter(ctx context.Context, variantID string, event domain.EventType) error {
	col, ok := variantCounterCols[event]
	if !ok {
		return fmt.Errorf("no variant counter for event %q", event)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE ab_test_variants SET %s = %s + 1 WHERE id = $1
	`, col, col), variantID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	return nil
}
