package audit

import (
	"sync"
	"time"
)

// Anomaly rules: repeated security events for the same principal inside a
// rolling window raise exactly one alert at the threshold crossing.
const (
	authFailureWindow    = 15 * time.Minute
	authFailureThreshold = 5
	connFailureWindow    = 5 * time.Minute
	connFailureThreshold = 3

	AlertAuthFailures = "excessive.auth.failures"
	AlertConnFailures = "excessive.connection.failures"
)

type anomalyRule struct {
	window    time.Duration
	threshold int
	alertType string
	// keyFn chooses the aggregation principal: user for auth failures,
	// session for connection failures.
	keyFn func(Event) string
}

type anomalyKey struct {
	rule string
	id   string
}

type anomalyDetector struct {
	mu      sync.Mutex
	rules   map[string]anomalyRule
	history map[anomalyKey][]time.Time
	alerted map[anomalyKey]bool
	now     func() time.Time
}

func newAnomalyDetector() *anomalyDetector {
	return &anomalyDetector{
		rules: map[string]anomalyRule{
			EventAuthFailed: {
				window:    authFailureWindow,
				threshold: authFailureThreshold,
				alertType: AlertAuthFailures,
				keyFn:     func(e Event) string { return string(e.UserID) },
			},
			EventConnectionFailed: {
				window:    connFailureWindow,
				threshold: connFailureThreshold,
				alertType: AlertConnFailures,
				keyFn:     func(e Event) string { return string(e.SessionID) },
			},
		},
		history: make(map[anomalyKey][]time.Time),
		alerted: make(map[anomalyKey]bool),
		now:     time.Now,
	}
}

// record adds an event occurrence and reports whether an alert fires.
// The windowing mirrors the signal rate limiter: drop stale entries,
// count the fresh ones. Once alerted, a key stays quiet until its count
// falls back below threshold.
func (d *anomalyDetector) record(e Event) (Alert, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := d.rules[e.Type]
	if !ok {
		return Alert{}, false
	}
	key := anomalyKey{rule: e.Type, id: rule.keyFn(e)}

	now := d.now()
	windowStart := now.Add(-rule.window)

	attempts := d.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	fresh = append(fresh, now)
	d.history[key] = fresh

	if len(fresh) < rule.threshold {
		d.alerted[key] = false
		return Alert{}, false
	}
	if d.alerted[key] {
		return Alert{}, false
	}
	d.alerted[key] = true
	return Alert{
		Type:      rule.alertType,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Count:     len(fresh),
		Timestamp: now,
	}, true
}
