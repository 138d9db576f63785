package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowmail/flowmail/internal/domain"
	"github.com/flowmail/flowmail/internal/service/campaign"
)

// SMTPConfigRepo stores outbound relay configurations.
type SMTPConfigRepo struct{ db *sql.DB }

// NewSMTPConfigRepo creates a Postgres-backed SMTP config repository.
func NewSMTPConfigRepo(db *sql.DB) *SMTPConfigRepo { return &SMTPConfigRepo{db: db} }

const smtpCols = `id, name, host, port, username, password, from_name,
	       from_email, is_default, is_active, created_at`

func scanSMTPConfig(row *sql.Row) (*domain.SMTPConfig, error) {
	c := &domain.SMTPConfig{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Host, &c.Port, &c.Username, &c.Password,
		&c.FromName, &c.FromEmail, &c.IsDefault, &c.IsActive, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan smtp config: %w", err)
	}
	return c, nil
}

func (r *SMTPConfigRepo) Get(ctx context.Context, id string) (*domain.SMTPConfig, error) {
	return scanSMTPConfig(r.db.QueryRowContext(ctx,
		`SELECT `+smtpCols+` FROM smtp_configs WHERE id = $1 AND is_active = true`, id))
}

// Default returns the active default config, if any.
func (r *SMTPConfigRepo) Default(ctx context.Context) (*domain.SMTPConfig, error) {
	return scanSMTPConfig(r.db.QueryRowContext(ctx,
		`SELECT `+smtpCols+` FROM smtp_configs WHERE is_default = true AND is_active = true LIMIT 1`))
}

// AnyActive returns the oldest active config, used as the last fallback
// before a send becomes a configuration error.
func (r *SMTPConfigRepo) AnyActive(ctx context.Context) (*domain.SMTPConfig, error) {
	return scanSMTPConfig(r.db.QueryRowContext(ctx,
		`SELECT `+smtpCols+` FROM smtp_configs WHERE is_active = true ORDER BY created_at LIMIT 1`))
}

func (r *SMTPConfigRepo) Create(ctx context.Context, c *domain.SMTPConfig) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO smtp_configs
			(id, name, host, port, username, password, from_name, from_email,
			 is_default, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, c.ID, c.Name, c.Host, c.Port, c.Username, c.Password,
		c.FromName, c.FromEmail, c.IsDefault, c.IsActive)
	if err != nil {
		return "", fmt.Errorf("create smtp config: %w", err)
	}
	return c.ID, nil
}
