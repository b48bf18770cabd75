// Package template is a pure, deterministic formatter that turns an
// (Event, RecipientProfile) pair into a Notification. No I/O, no side
// effects: the same inputs always produce the same output.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/eventsource"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/preference"
)

// Thresholds bucket raw payload magnitudes into qualitative tiers.
type Thresholds struct {
	LargeTransaction  float64
	MediumTransaction float64
	LargePositionSize float64
}

// DefaultThresholds mirrors the "large | medium | small" split called out
// in the component design.
var DefaultThresholds = Thresholds{
	LargeTransaction:  1000,
	MediumTransaction: 100,
	LargePositionSize: 1000,
}

// Select derives a Notification from an event and the recipient it is being
// evaluated for, or returns ok=false for an unrecognized event kind.
func Select(ev eventsource.Event, profile preference.RecipientProfile, thresholds Thresholds, now time.Time) (preference.Notification, bool) {
	switch ev.Kind {
	case eventsource.KindTransaction:
		return selectTransaction(ev, profile, thresholds, now)
	case eventsource.KindPositionUpdate:
		return selectPositionUpdate(ev, profile, now)
	case eventsource.KindResolution:
		return selectResolution(ev, profile, now)
	case eventsource.KindPriceUpdate:
		return selectPriceUpdate(ev, profile, now)
	case eventsource.KindVolumeUpdate:
		return selectVolumeUpdate(ev, profile, now)
	default:
		return preference.Notification{}, false
	}
}

func selectTransaction(ev eventsource.Event, profile preference.RecipientProfile, th Thresholds, now time.Time) (preference.Notification, bool) {
	amount := payloadFloat(ev.Payload, "amount")

	var bucket string
	var priority preference.Priority
	switch {
	case amount >= th.LargeTransaction:
		bucket, priority = "large", preference.PriorityHigh
	case amount >= th.MediumTransaction:
		bucket, priority = "medium", preference.PriorityMedium
	default:
		bucket, priority = "small", preference.PriorityLow
	}

	templateID := fmt.Sprintf("transaction.%s", bucket)
	title := fmt.Sprintf("%s transaction", capitalize(bucket))
	body := fmt.Sprintf("A %s transaction of %.2f was observed.", bucket, amount)

	return build(ev, profile, templateID, priority, title, body, now), true
}

func selectPositionUpdate(ev eventsource.Event, profile preference.RecipientProfile, now time.Time) (preference.Notification, bool) {
	action, _ := ev.Payload["action"].(string)
	switch action {
	case "opened", "increased", "decreased", "closed":
	default:
		action = "opened"
	}

	priority := preference.PriorityMedium
	if action == "closed" {
		priority = preference.PriorityLow
	}

	templateID := fmt.Sprintf("position.%s", action)
	title := fmt.Sprintf("Position %s", action)
	body := fmt.Sprintf("A tracked position was %s.", action)

	return build(ev, profile, templateID, priority, title, body, now), true
}

func selectResolution(ev eventsource.Event, profile preference.RecipientProfile, now time.Time) (preference.Notification, bool) {
	outcome, _ := ev.Payload["outcome"].(string)
	if outcome == "" {
		outcome = "unknown"
	}

	templateID := fmt.Sprintf("resolution.%s", outcome)
	title := "Market resolved"
	body := fmt.Sprintf("The market resolved: %s.", outcome)

	return build(ev, profile, templateID, preference.PriorityUrgent, title, body, now), true
}

func selectPriceUpdate(ev eventsource.Event, profile preference.RecipientProfile, now time.Time) (preference.Notification, bool) {
	change := payloadFloat(ev.Payload, "change_pct")

	priority := preference.PriorityLow
	if change < 0 {
		change = -change
	}
	if change >= 10 {
		priority = preference.PriorityMedium
	}

	templateID := "price_update"
	title := "Price moved"
	body := fmt.Sprintf("Price changed by %.2f%%.", change)

	return build(ev, profile, templateID, priority, title, body, now), true
}

func selectVolumeUpdate(ev eventsource.Event, profile preference.RecipientProfile, now time.Time) (preference.Notification, bool) {
	templateID := "volume_update"
	title := "Volume update"
	body := "Trading volume changed significantly."

	return build(ev, profile, templateID, preference.PriorityLow, title, body, now), true
}

func build(ev eventsource.Event, profile preference.RecipientProfile, templateID string, priority preference.Priority, title, body string, now time.Time) preference.Notification {
	return preference.Notification{
		NotifID:       fmt.Sprintf("%s:%s:%s", profile.RecipientID, templateID, ev.EventID),
		RecipientID:   profile.RecipientID,
		Kind:          ev.Kind,
		Priority:      priority,
		Title:         title,
		Body:          body,
		DedupKey:      dedupKey(profile.RecipientID, ev, templateID),
		SubjectWallet: ev.SubjectWallet,
		SubjectMarket: ev.SubjectMarket,
		Magnitude:     magnitude(ev),
		CreatedAt:     now,
		ScheduledFor:  now,
		Attempts:      0,
		Correlation: preference.Correlation{
			EventID:    ev.EventID,
			TemplateID: templateID,
			Tags:       map[string]string{},
		},
	}
}

// magnitude extracts the payload field the Preference Filter's per-recipient
// threshold stage compares against, picking the field appropriate to kind.
func magnitude(ev eventsource.Event) float64 {
	switch ev.Kind {
	case eventsource.KindTransaction:
		return payloadFloat(ev.Payload, "amount")
	case eventsource.KindPositionUpdate:
		return payloadFloat(ev.Payload, "size")
	case eventsource.KindPriceUpdate:
		v := payloadFloat(ev.Payload, "change_pct")
		if v < 0 {
			return -v
		}
		return v
	case eventsource.KindVolumeUpdate:
		return payloadFloat(ev.Payload, "volume")
	default:
		return 0
	}
}

// dedupKey hashes (recipient_id, kind, subject_market, subject_wallet,
// template_id, payload-canonical-form) into a stable, deterministic key.
func dedupKey(recipientID string, ev eventsource.Event, templateID string) string {
	canon := canonicalPayload(ev.Payload)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", recipientID, ev.Kind, ev.SubjectMarket, ev.SubjectWallet, templateID, canon)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload produces a stable JSON encoding of a map by sorting keys,
// so semantically identical payloads hash identically regardless of
// iteration order.
func canonicalPayload(payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string      `json:"k"`
		V interface{} `json:"v"`
	}, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, struct {
			K string      `json:"k"`
			V interface{} `json:"v"`
		}{K: k, V: payload[k]})
	}

	data, err := json.Marshal(ordered)
	if err != nil {
		return ""
	}
	return string(data)
}

func payloadFloat(payload map[string]interface{}, key string) float64 {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
