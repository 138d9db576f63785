package domain

import "time"

// ABTestStatus enumerates A/B test lifecycle states. A test starts
// running exactly once and completes exactly once; completed and
// cancelled are terminal.
type ABTestStatus string

const (
	ABTestDraft     ABTestStatus = "draft"
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
	ABTestCancelled ABTestStatus = "cancelled"
)

// WinnerCriteria selects the metric used to pick the winning variant.
type WinnerCriteria string

const (
	WinnerByOpenRate       WinnerCriteria = "open_rate"
	WinnerByClickRate      WinnerCriteria = "click_rate"
	WinnerByConversionRate WinnerCriteria = "conversion_rate"
)

// ABTest configures a content split test for a single campaign.
type ABTest struct {
	ID                string         `json:"id" db:"id"`
	CampaignID        string         `json:"campaign_id" db:"campaign_id"`
	SampleSizePercent int            `json:"sample_size_percent" db:"sample_size_percent"`
	WinnerCriteria    WinnerCriteria `json:"winner_criteria" db:"winner_criteria"`
	TestDurationHours int            `json:"test_duration_hours" db:"test_duration_hours"`
	AutoSelectWinner  bool           `json:"auto_select_winner" db:"auto_select_winner"`
	Status            ABTestStatus   `json:"status" db:"status"`
	WinnerID          *string        `json:"winner_id" db:"winner_id"`
	StartedAt         *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at" db:"completed_at"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}

// ABTestVariant is one content alternative under test. Counters are
// monotonically increasing.
type ABTestVariant struct {
	ID          string `json:"id" db:"id"`
	TestID      string `json:"test_id" db:"test_id"`
	Name        string `json:"name" db:"name"`
	Subject     string `json:"subject" db:"subject"`
	FromName    string `json:"from_name" db:"from_name"`
	HTMLContent string `json:"html_content" db:"html_content"`
	SortOrder   int    `json:"sort_order" db:"sort_order"`

	SentCount      int `json:"sent_count" db:"sent_count"`
	OpenedCount    int `json:"opened_count" db:"opened_count"`
	ClickedCount   int `json:"clicked_count" db:"clicked_count"`
	ConvertedCount int `json:"converted_count" db:"converted_count"`
	BouncedCount   int `json:"bounced_count" db:"bounced_count"`
}

// Rate returns the variant's rate for the given criteria, as a fraction
// of sent messages. Zero sends yield a zero rate.
func (v *ABTestVariant) Rate(c WinnerCriteria) float64 {
	if v.SentCount == 0 {
		return 0
	}
	switch c {
	case WinnerByClickRate:
		return float64(v.ClickedCount) / float64(v.SentCount)
	case WinnerByConversionRate:
		return float64(v.ConvertedCount) / float64(v.SentCount)
	default:
		return float64(v.OpenedCount) / float64(v.SentCount)
	}
}
