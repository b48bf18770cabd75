// Package preference is the recipient-declared policy gate between the
// Template Selector and the Queue Manager: enabled kinds, thresholds,
// quiet hours, tracked-entity relevance, deduplication, and per-recipient
// frequency limiting, applied as an ordered pipeline of small stages.
package preference

import (
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
)

// Priority is the urgency tier of a Notification.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight returns the priority queue weight used by the Queue Manager's
// score formula: score = scheduled_for_ms - weight*1e6.
func (p Priority) Weight() int64 {
	switch p {
	case PriorityUrgent:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	case PriorityLow:
		return 1
	default:
		return 1
	}
}

// Correlation ties a Notification back to its originating event and
// template, plus free-form tags (e.g. coalesced-summary membership).
type Correlation struct {
	EventID    string            `json:"event_id"`
	TemplateID string            `json:"template_id"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Notification is immutable once produced by the Template Selector, except
// for the fields the Preference Filter is explicitly allowed to mutate:
// ScheduledFor, Priority (downgrade only), and Correlation.Tags.
type Notification struct {
	SchemaVersion int              `json:"schema_version"`
	NotifID       string           `json:"notif_id"`
	RecipientID   string           `json:"recipient_id"`
	Kind          eventsource.Kind `json:"kind"`
	Priority      Priority         `json:"priority"`
	Title         string           `json:"title"`
	Body          string           `json:"body"`
	DedupKey      string           `json:"dedup_key"`
	SubjectWallet string           `json:"subject_wallet,omitempty"`
	SubjectMarket string           `json:"subject_market,omitempty"`
	// Magnitude is the raw payload magnitude (amount, size, or percent
	// change) carried alongside the bucketed title/body so the Preference
	// Filter can apply a per-recipient threshold independent of the
	// Template Selector's own large/medium/small bucketing.
	Magnitude    float64     `json:"magnitude"`
	CreatedAt    time.Time   `json:"created_at"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Attempts     int         `json:"attempts"`
	Correlation  Correlation `json:"correlation"`
}

// QuietHours is a recipient's local do-not-disturb window.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"` // "HH:MM", recipient-local
	End      string `json:"end"`   // "HH:MM", recipient-local
	Timezone string `json:"timezone" validate:"omitempty"`
}

// Thresholds bound the minimum payload magnitude that triggers a
// notification for this recipient.
type Thresholds struct {
	MinTransactionAmount float64 `json:"min_transaction_amount"`
	MinPositionSize      float64 `json:"min_position_size"`
	MinPriceChangePct    float64 `json:"min_price_change_pct"`
}

// RecipientProfile holds one recipient's notification policy. Mutated only
// through the Recipient Preference API.
type RecipientProfile struct {
	SchemaVersion  int             `json:"schema_version"`
	RecipientID    string          `json:"recipient_id"`
	Enabled        bool            `json:"enabled"`
	EnabledKinds   map[string]bool `json:"enabled_kinds"`
	Thresholds     Thresholds      `json:"thresholds"`
	QuietHours     QuietHours      `json:"quiet_hours"`
	Language       string          `json:"language"`
	TrackedWallets map[string]bool `json:"tracked_wallets"`
	TrackedMarkets map[string]bool `json:"tracked_markets"`
	GlobalOptIn    bool            `json:"global_opt_in"`
}

// KindEnabled reports whether this profile accepts notifications of kind.
func (p RecipientProfile) KindEnabled(kind eventsource.Kind) bool {
	if p.EnabledKinds == nil {
		return true
	}
	enabled, ok := p.EnabledKinds[string(kind)]
	if !ok {
		return true
	}
	return enabled
}

// TracksWallet reports whether the recipient follows wallet.
func (p RecipientProfile) TracksWallet(wallet string) bool {
	if wallet == "" {
		return true
	}
	return p.TrackedWallets[wallet]
}

// TracksMarket reports whether the recipient follows market, or has opted
// into global relevance for un-tracked markets.
func (p RecipientProfile) TracksMarket(market string) bool {
	if market == "" {
		return true
	}
	if p.TrackedMarkets[market] {
		return true
	}
	return p.GlobalOptIn
}
