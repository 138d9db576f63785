package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmailJob is the payload of a KindEmail job: everything the email worker
// needs to render and send one message to one recipient. Its idempotency
// key is campaignID:recipientID, so re-enqueuing the same recipient never
// creates a duplicate logical send.
type EmailJob struct {
	CampaignID   string         `json:"campaign_id"`
	RecipientID  string         `json:"recipient_id"`
	Email        string         `json:"email"`
	Subject      string         `json:"subject"`
	HTMLContent  string         `json:"html_content"`
	TextContent  string         `json:"text_content"`
	FromName     string         `json:"from_name"`
	FromEmail    string         `json:"from_email"`
	ReplyTo      string         `json:"reply_to,omitempty"`
	TrackingID   string         `json:"tracking_id"`
	SMTPConfigID string         `json:"smtp_config_id,omitempty"`
	VariantID    string         `json:"variant_id,omitempty"`
	MergeFields  map[string]any `json:"merge_fields,omitempty"`
}

// IdempotencyKey derives the job's stable identity from its business keys.
func (e EmailJob) IdempotencyKey() string {
	return fmt.Sprintf("email:%s:%s", e.CampaignID, e.RecipientID)
}

// WebhookDeliveryJob is the payload of a KindWebhookDelivery job. Auth
// material is resolved (decrypted) when the job is built, not when it is
// executed, so the worker needs no access to the secret store.
type WebhookDeliveryJob struct {
	DeliveryID  string `json:"delivery_id"`
	WebhookID   string `json:"webhook_id"`
	URL         string `json:"url"`
	Event       string `json:"event"`
	Payload     string `json:"payload"`
	AuthType    string `json:"auth_type"`
	AuthHeader  string `json:"auth_header,omitempty"`
	AuthValue   string `json:"auth_value,omitempty"`
	Secret      string `json:"secret,omitempty"`
	TimeoutSecs int    `json:"timeout_secs"`
	MaxRetries  int    `json:"max_retries"`
}

// IdempotencyKey derives the job's stable identity from the delivery row.
func (w WebhookDeliveryJob) IdempotencyKey() string {
	return fmt.Sprintf("webhook:%s", w.DeliveryID)
}

// WinnerSelectionJob is the payload of a KindABTestWinner job. It is
// enqueued with a delay of the test duration, so a process restart never
// drops the schedule.
type WinnerSelectionJob struct {
	TestID      string    `json:"test_id"`
	CampaignID  string    `json:"campaign_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// IdempotencyKey: one scheduled selection per test.
func (s WinnerSelectionJob) IdempotencyKey() string {
	return fmt.Sprintf("abwinner:%s", s.TestID)
}

// DecodeEmail unmarshals a KindEmail payload.
func DecodeEmail(j *Job) (EmailJob, error) {
	var p EmailJob
	if j.Kind != KindEmail {
		return p, fmt.Errorf("job %s has kind %q, want %q", j.ID, j.Kind, KindEmail)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode email job %s: %w", j.ID, err)
	}
	return p, nil
}

// DecodeWebhookDelivery unmarshals a KindWebhookDelivery payload.
func DecodeWebhookDelivery(j *Job) (WebhookDeliveryJob, error) {
	var p WebhookDeliveryJob
	if j.Kind != KindWebhookDelivery {
		return p, fmt.Errorf("job %s has kind %q, want %q", j.ID, j.Kind, KindWebhookDelivery)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode webhook job %s: %w", j.ID, err)
	}
	return p, nil
}

// DecodeWinnerSelection unmarshals a KindABTestWinner payload.
func DecodeWinnerSelection(j *Job) (WinnerSelectionJob, error) {
	var p WinnerSelectionJob
	if j.Kind != KindABTestWinner {
		return p, fmt.Errorf("job %s has kind %q, want %q", j.ID, j.Kind, KindABTestWinner)
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return p, fmt.Errorf("decode winner job %s: %w", j.ID, err)
	}
	return p, nil
}
