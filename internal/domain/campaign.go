package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents an email campaign with its content and delivery
// configuration. sent_count + bounced_count never exceeds total_recipients.
type Campaign struct {
	ID              string         `json:"id" db:"id"`
	Name            string         `json:"name" db:"name"`
	Subject         string         `json:"subject" db:"subject"`
	FromName        string         `json:"from_name" db:"from_name"`
	FromEmail       string         `json:"from_email" db:"from_email"`
	ReplyTo         string         `json:"reply_to" db:"reply_to"`
	HTMLContent     string         `json:"html_content" db:"html_content"`
	TextContent     string         `json:"text_content" db:"text_content"`
	ListID          *string        `json:"list_id" db:"list_id"`
	SMTPConfigID    *string        `json:"smtp_config_id" db:"smtp_config_id"`
	Status          CampaignStatus `json:"status" db:"status"`
	TotalRecipients int            `json:"total_recipients" db:"total_recipients"`
	SentCount       int            `json:"sent_count" db:"sent_count"`
	BouncedCount    int            `json:"bounced_count" db:"bounced_count"`
	StartedAt       *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at" db:"completed_at"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// Startable reports whether the campaign may transition to sending.
// Only one start transition is valid per campaign.
func (c *Campaign) Startable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// RecipientStatus enumerates per-recipient delivery states. Transitions
// only move forward: pending → queued → sent|failed. A failed recipient
// returns to pending only through an explicit retry.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientQueued  RecipientStatus = "queued"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Recipient is one addressee of a campaign.
type Recipient struct {
	ID           string          `json:"id" db:"id"`
	CampaignID   string          `json:"campaign_id" db:"campaign_id"`
	Email        string          `json:"email" db:"email"`
	Status       RecipientStatus `json:"status" db:"status"`
	VariantID    *string         `json:"variant_id" db:"variant_id"`
	TrackingID   string          `json:"tracking_id" db:"tracking_id"`
	ErrorMessage string          `json:"error_message" db:"error_message"`
	MergeFields  map[string]any  `json:"merge_fields" db:"-"`
	SentAt       *time.Time      `json:"sent_at" db:"sent_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
