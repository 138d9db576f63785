package domain

import "time"

// SMTPConfig holds credentials for one outbound SMTP relay. A campaign may
// pin a config; otherwise the default active config is used, then any
// active config. No active config is a fatal configuration error for a
// send, never a retried one.
type SMTPConfig struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Host      string    `json:"host" db:"host"`
	Port      int       `json:"port" db:"port"`
	Username  string    `json:"username" db:"username"`
	Password  string    `json:"-" db:"password"`
	FromName  string    `json:"from_name" db:"from_name"`
	FromEmail string    `json:"from_email" db:"from_email"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RecipientEvent is one append-only row in the delivery event log. Variant
// counters and delivery stats are derived from these rows.
type RecipientEvent struct {
	ID          string     `json:"id" db:"id"`
	CampaignID  string     `json:"campaign_id" db:"campaign_id"`
	RecipientID string     `json:"recipient_id" db:"recipient_id"`
	VariantID   *string    `json:"variant_id" db:"variant_id"`
	Type        EventType  `json:"type" db:"type"`
	OccurredAt  time.Time  `json:"occurred_at" db:"occurred_at"`
}
