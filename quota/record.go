// Package quota enforces per-model request and token quotas against state
// shared by independent processes.
//
// Usage is kept as a single document mapping a model name to its usage
// history. Every access to the document happens inside one exclusive lock
// acquisition of a Store, so concurrent processes never interleave their
// read-modify-write cycles. The Limiter evaluates three sliding windows on top
// of that history: requests per minute, tokens per minute and requests per day.
package quota

import (
	"math"
	"time"
)

const (
	// MinuteWindow is the trailing interval used for the RPM and TPM checks.
	MinuteWindow = time.Minute
	// DayWindow is the trailing interval used for the RPD check and for pruning.
	DayWindow = 24 * time.Hour
)

// UsageRecord is one completed call. Timestamp is in seconds since the Unix
// epoch so the persisted document stays language neutral.
type UsageRecord struct {
	Timestamp float64 `json:"timestamp"`
	Tokens    int     `json:"tokens"`
}

// NewUsageRecord stamps tokens with t.
func NewUsageRecord(t time.Time, tokens int) UsageRecord {
	return UsageRecord{Timestamp: unixSeconds(t), Tokens: tokens}
}

// Time returns the record timestamp as a time.Time.
func (r UsageRecord) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// History is the usage of one model in insertion order.
type History []UsageRecord

// Since returns the records strictly newer than now-window.
func (h History) Since(now time.Time, window time.Duration) History {
	cutoff := unixSeconds(now.Add(-window))
	out := make(History, 0, len(h))
	for _, r := range h {
		if r.Timestamp > cutoff {
			out = append(out, r)
		}
	}
	return out
}

// Prune drops everything older than DayWindow relative to now.
func (h History) Prune(now time.Time) History {
	return h.Since(now, DayWindow)
}

// Tokens sums the token counts of h.
func (h History) Tokens() int {
	total := 0
	for _, r := range h {
		total += r.Tokens
	}
	return total
}

// Oldest returns the smallest timestamp in h. Records from different processes
// are not guaranteed to be appended in time order, so this scans the slice.
func (h History) Oldest() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	oldest := h[0]
	for _, r := range h[1:] {
		if r.Timestamp < oldest.Timestamp {
			oldest = r
		}
	}
	return oldest.Time(), true
}

// State maps a model name to its history. It is always loaded and saved whole.
type State map[string]History

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
