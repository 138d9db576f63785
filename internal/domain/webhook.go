package domain

import "time"

// EventType names a delivery lifecycle event that webhooks may subscribe to.
type EventType string

const (
	EventEmailSent         EventType = "email.sent"
	EventEmailBounced      EventType = "email.bounced"
	EventEmailOpened       EventType = "email.opened"
	EventEmailClicked      EventType = "email.clicked"
	EventEmailConverted    EventType = "email.converted"
	EventCampaignCompleted EventType = "campaign.completed"
	EventCampaignCancelled EventType = "campaign.cancelled"
	EventABTestWinner      EventType = "abtest.winner_selected"
)

// WebhookAuthType enumerates outbound authentication schemes.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthBasic  WebhookAuthType = "basic"
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthAPIKey WebhookAuthType = "api_key"
	WebhookAuthHMAC   WebhookAuthType = "hmac"
)

// Webhook is a subscription to lifecycle events, delivered by POSTing a
// JSON payload to URL. AuthValue is stored encrypted at rest and decrypted
// just-in-time when a delivery job is built. Empty CampaignIDs/ListIDs
// filters match every campaign/list.
type Webhook struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Name        string          `json:"name" db:"name"`
	URL         string          `json:"url" db:"url"`
	Events      []EventType     `json:"events" db:"events"`
	Secret      string          `json:"-" db:"secret"`
	AuthType    WebhookAuthType `json:"auth_type" db:"auth_type"`
	AuthHeader  string          `json:"auth_header" db:"auth_header"`
	AuthValue   string          `json:"-" db:"auth_value"`
	TimeoutSecs int             `json:"timeout_secs" db:"timeout_secs"`
	MaxRetries  int             `json:"max_retries" db:"max_retries"`
	CampaignIDs []string        `json:"campaign_ids" db:"campaign_ids"`
	ListIDs     []string        `json:"list_ids" db:"list_ids"`
	IsActive    bool            `json:"is_active" db:"is_active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// SubscribedTo reports whether the webhook listens for the given event.
func (w *Webhook) SubscribedTo(event EventType) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// MatchesCampaign applies the optional campaign filter; an empty filter
// matches everything.
func (w *Webhook) MatchesCampaign(campaignID string) bool {
	if len(w.CampaignIDs) == 0 || campaignID == "" {
		return len(w.CampaignIDs) == 0
	}
	for _, id := range w.CampaignIDs {
		if id == campaignID {
			return true
		}
	}
	return false
}

// MatchesList applies the optional list filter; an empty filter matches
// everything.
func (w *Webhook) MatchesList(listID string) bool {
	if len(w.ListIDs) == 0 || listID == "" {
		return len(w.ListIDs) == 0
	}
	for _, id := range w.ListIDs {
		if id == listID {
			return true
		}
	}
	return false
}

// DeliveryStatus enumerates webhook delivery states. delivered and failed
// are terminal; attempts never exceed MaxRetries+1.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryRetrying   DeliveryStatus = "retrying"
)

// WebhookDelivery records one logical delivery of an event to a webhook,
// across all of its attempts.
type WebhookDelivery struct {
	ID          string         `json:"id" db:"id"`
	WebhookID   string         `json:"webhook_id" db:"webhook_id"`
	Event       EventType      `json:"event" db:"event"`
	Payload     string         `json:"payload" db:"payload"`
	Status      DeliveryStatus `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	StatusCode  int            `json:"status_code" db:"status_code"`
	Response    string         `json:"response" db:"response"`
	Error       string         `json:"error" db:"error"`
	DeliveredAt *time.Time     `json:"delivered_at" db:"delivered_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
