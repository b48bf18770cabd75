package preference

import (
	"context"
	"fmt"
	"time"

	"github.com/chris-alexander-pop/notification-pipeline/pkg/api/ratelimit"
	"github.com/chris-alexander-pop/notification-pipeline/pkg/errors"
)

// Decision is the outcome of running a Notification through the Filter.
type Decision string

const (
	DecisionPass  Decision = "pass"
	DecisionDrop  Decision = "drop"
	DecisionDefer Decision = "defer"
)

// Outcome records what the Filter decided and why.
type Outcome struct {
	Decision   Decision
	Reason     string
	DeferUntil time.Time
}

func pass() Outcome                    { return Outcome{Decision: DecisionPass} }
func drop(reason string) Outcome       { return Outcome{Decision: DecisionDrop, Reason: reason} }
func deferUntil(t time.Time, reason string) Outcome {
	return Outcome{Decision: DecisionDefer, Reason: reason, DeferUntil: t}
}

// Filter runs a Notification through the recipient's declared policy:
// enabled, kind enabled, threshold, relevance, quiet hours, dedup, and
// per-recipient frequency, in that order. Each stage can short-circuit the
// rest.
type Filter struct {
	profiles   ProfileStore
	dedup      DedupStore
	freq       ratelimit.Limiter
	freqLimit  int64
	freqPeriod time.Duration
}

// NewFilter wires the ProfileStore and DedupStore plus a frequency limiter
// shared with (but configured separately from) dispatch-side rate limiting.
func NewFilter(profiles ProfileStore, dedup DedupStore, freq ratelimit.Limiter, freqLimit int64, freqPeriod time.Duration) *Filter {
	return &Filter{profiles: profiles, dedup: dedup, freq: freq, freqLimit: freqLimit, freqPeriod: freqPeriod}
}

// Evaluate applies every stage in order and returns the first non-pass
// outcome, or DecisionPass if the notification clears all of them.
func (f *Filter) Evaluate(ctx context.Context, n Notification, now time.Time) (Outcome, error) {
	profile, err := f.profiles.Get(ctx, n.RecipientID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return drop("recipient has no profile"), nil
		}
		return Outcome{}, err
	}

	if o := evaluateEnabled(profile); o.Decision != DecisionPass {
		return o, nil
	}
	if o := evaluateKind(profile, n); o.Decision != DecisionPass {
		return o, nil
	}
	if o := evaluateThreshold(profile, n); o.Decision != DecisionPass {
		return o, nil
	}
	if o := evaluateRelevance(profile, n); o.Decision != DecisionPass {
		return o, nil
	}
	if o, ok := evaluateQuietHours(profile, n, now); !ok {
		return o, nil
	}

	dup, err := f.dedup.CheckAndSet(ctx, n.RecipientID, n.DedupKey)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		return drop("duplicate within dedup window"), nil
	}

	return f.evaluateFrequency(ctx, n, now)
}

func evaluateEnabled(profile RecipientProfile) Outcome {
	if !profile.Enabled {
		return drop("recipient notifications disabled")
	}
	return pass()
}

func evaluateKind(profile RecipientProfile, n Notification) Outcome {
	if !profile.KindEnabled(n.Kind) {
		return drop(fmt.Sprintf("kind %s disabled for recipient", n.Kind))
	}
	return pass()
}

func evaluateThreshold(profile RecipientProfile, n Notification) Outcome {
	var min float64
	switch n.Kind {
	case "transaction":
		min = profile.Thresholds.MinTransactionAmount
	case "position_update":
		min = profile.Thresholds.MinPositionSize
	case "price_update":
		min = profile.Thresholds.MinPriceChangePct
	default:
		return pass()
	}
	if n.Magnitude < min {
		return drop("below recipient threshold")
	}
	return pass()
}

func evaluateRelevance(profile RecipientProfile, n Notification) Outcome {
	if n.SubjectWallet != "" && !profile.TracksWallet(n.SubjectWallet) {
		return drop("recipient does not track subject wallet")
	}
	if n.SubjectMarket != "" && !profile.TracksMarket(n.SubjectMarket) {
		return drop("recipient does not track subject market")
	}
	return pass()
}

// evaluateQuietHours returns (outcome, true) when the notification may
// proceed past this stage (either quiet hours don't apply, or the
// notification is urgent and bypasses them), and (outcome, false) when it
// must be deferred.
func evaluateQuietHours(profile RecipientProfile, n Notification, now time.Time) (Outcome, bool) {
	if !profile.QuietHours.Enabled || n.Priority == PriorityUrgent {
		return pass(), true
	}

	end, within, err := quietHoursWindowEnd(profile.QuietHours, now)
	if err != nil {
		// Malformed quiet-hours config fails open: never silently drop.
		return pass(), true
	}
	if !within {
		return pass(), true
	}
	return deferUntil(end, "recipient in quiet hours"), false
}

// quietHoursWindowEnd reports whether now falls inside the recipient's
// quiet-hours window (in the window's own timezone) and, if so, the instant
// the window ends. Windows may wrap midnight (e.g. 22:00-07:00).
func quietHoursWindowEnd(qh QuietHours, now time.Time) (time.Time, bool, error) {
	loc := time.UTC
	if qh.Timezone != "" {
		l, err := time.LoadLocation(qh.Timezone)
		if err != nil {
			return time.Time{}, false, err
		}
		loc = l
	}

	local := now.In(loc)
	startH, startM, err := parseHHMM(qh.Start)
	if err != nil {
		return time.Time{}, false, err
	}
	endH, endM, err := parseHHMM(qh.End)
	if err != nil {
		return time.Time{}, false, err
	}

	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	start := dayStart.Add(time.Duration(startH)*time.Hour + time.Duration(startM)*time.Minute)
	end := dayStart.Add(time.Duration(endH)*time.Hour + time.Duration(endM)*time.Minute)

	if !end.After(start) {
		// Window wraps midnight, e.g. 22:00-07:00.
		if !local.Before(start) {
			return end.AddDate(0, 0, 1), true, nil
		}
		if local.Before(end) {
			return end, true, nil
		}
		return time.Time{}, false, nil
	}

	if !local.Before(start) && local.Before(end) {
		return end, true, nil
	}
	return time.Time{}, false, nil
}

func parseHHMM(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return h, m, nil
}

func (f *Filter) evaluateFrequency(ctx context.Context, n Notification, now time.Time) (Outcome, error) {
	if f.freq == nil || f.freqLimit <= 0 {
		return pass(), nil
	}
	result, err := f.freq.Allow(ctx, "preference:"+n.RecipientID, f.freqLimit, f.freqPeriod)
	if err != nil {
		return Outcome{}, err
	}
	if !result.Allowed {
		return deferUntil(now.Add(result.Reset), "recipient frequency limit reached"), nil
	}
	return pass(), nil
}
