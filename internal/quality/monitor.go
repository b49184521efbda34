// Package quality samples live transport statistics, classifies
// connection health and drives adaptive degradation. The monitor never
// mutates connection state itself: it signals intent to an Adapter owned
// by the lifecycle manager.
package quality

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carewire/telertc/internal/audit"
	"github.com/carewire/telertc/internal/domain"
)

const (
	DefaultSampleInterval = 2 * time.Second
	DefaultHistorySize    = 30
	MaxReconnectAttempts  = 5

	// Below this estimated bandwidth the outgoing video encoding is
	// renegotiated down.
	reduceBandwidthKbps = 300
)

// Source exposes the live transport counters of one peer connection.
type Source interface {
	Stats() (domain.TransportStats, error)
	// Failed reports a terminal transport failure.
	Failed() bool
}

// Adapter receives degradation intents. Implemented by the lifecycle
// manager, which owns the connection.
type Adapter interface {
	// ReduceVideoQuality halves resolution and caps bitrate near 250kbps.
	ReduceVideoQuality()
	// Reconnect recreates the peer connection. Blocking is fine: the
	// monitor calls it from its own goroutine.
	Reconnect() error
	// FallbackAudioOnly drops outgoing video after the retry budget is
	// exhausted.
	FallbackAudioOnly()
}

// Monitor periodically samples a Source and classifies the result.
type Monitor struct {
	source  Source
	adapter Adapter
	auditor *audit.Logger

	sessionID domain.SessionID
	userID    domain.UserID

	mu        sync.Mutex
	ticker    *time.Ticker
	stop      chan struct{}
	running   bool
	last      *domain.TransportStats
	history   []domain.QualitySample
	histSize  int
	onSample  []func(domain.QualitySample)
	onDegrade []func()

	reduced           bool
	reconnectAttempts int
	maxReconnects     int
	degradedNotified  bool
}

func NewMonitor(source Source, adapter Adapter, auditor *audit.Logger, sessionID domain.SessionID, userID domain.UserID) *Monitor {
	return &Monitor{
		source:        source,
		adapter:       adapter,
		auditor:       auditor,
		sessionID:     sessionID,
		userID:        userID,
		histSize:      DefaultHistorySize,
		maxReconnects: MaxReconnectAttempts,
	}
}

// SetMaxReconnects overrides the reconnection budget.
func (m *Monitor) SetMaxReconnects(n int) {
	if n > 0 {
		m.maxReconnects = n
	}
}

// OnSample registers a sample observer. Samples arrive strictly
// time-ordered from the single sampling goroutine.
func (m *Monitor) OnSample(fn func(domain.QualitySample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = append(m.onSample, fn)
}

// OnDegraded registers the user-visible degradation notice, emitted once
// when the reconnect budget is exhausted.
func (m *Monitor) OnDegraded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDegrade = append(m.onDegrade, fn)
}

// Start begins periodic sampling. No-op while already running.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ticker = time.NewTicker(interval)
	m.stop = make(chan struct{})
	ticker, stop := m.ticker, m.stop
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				m.Collect()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts sampling. Idempotent and safe from any goroutine.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.ticker.Stop()
	close(m.stop)
}

// Running reports whether the sampling loop is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Recent returns the retained sample history, oldest first.
func (m *Monitor) Recent() []domain.QualitySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QualitySample, len(m.history))
	copy(out, m.history)
	return out
}

// Collect takes one sample, classifies it, emits it and applies
// adaptation when needed. Exposed so tests and owners can sample
// on demand between ticks.
func (m *Monitor) Collect() (domain.QualitySample, bool) {
	if m.source.Failed() {
		m.handleTransportFailure()
		return domain.QualitySample{}, false
	}

	stats, err := m.source.Stats()
	if err != nil {
		log.Warn().Err(err).Str("module", "quality").Msg("stats collection failed")
		return domain.QualitySample{}, false
	}

	m.mu.Lock()
	baseline := m.last == nil
	m.mu.Unlock()

	sample := m.derive(stats)
	m.record(sample)
	if baseline {
		// No bandwidth estimate yet; never classify or adapt off the
		// first snapshot.
		return sample, true
	}
	m.emit(sample)
	if sample.Level == domain.QualityPoor || sample.Level == domain.QualityCritical {
		m.adapt(sample)
	} else {
		m.mu.Lock()
		// Episode over: the next sustained degradation may reduce again.
		m.reduced = false
		m.mu.Unlock()
	}
	return sample, true
}

// derive turns raw counters into a classified sample. Bandwidth is a
// delta-over-time computation against the previous snapshot; the first
// sample has no baseline and reports zero bandwidth unclassified upward.
func (m *Monitor) derive(stats domain.TransportStats) domain.QualitySample {
	m.mu.Lock()
	prev := m.last
	m.last = &stats
	m.mu.Unlock()

	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now()
	}

	bandwidth := 0
	if prev != nil {
		elapsed := stats.Timestamp.Sub(prev.Timestamp)
		if elapsed > 0 {
			deltaBytes := (stats.BytesSent + stats.BytesReceived) - (prev.BytesSent + prev.BytesReceived)
			bandwidth = int(float64(deltaBytes*8) / elapsed.Seconds() / 1000)
		}
	}

	loss := 0.0
	if received := stats.AudioPacketsReceived; received > 0 {
		lost := float64(stats.AudioPacketsLost)
		if lost < 0 {
			lost = 0
		}
		loss = lost / (lost + float64(received)) * 100
	}

	latency := stats.RoundTripTime * 1000
	jitter := stats.AudioJitter * 1000

	return domain.QualitySample{
		BandwidthKbps: bandwidth,
		LatencyMs:     latency,
		PacketLossPct: loss,
		JitterMs:      jitter,
		VideoWidth:    stats.VideoWidth,
		VideoHeight:   stats.VideoHeight,
		FrameRate:     stats.FramesPerSecond,
		Level:         Classify(bandwidth, loss, latency),
		Timestamp:     stats.Timestamp,
	}
}

// Classify maps joint bandwidth/loss/latency thresholds to a level.
func Classify(bandwidthKbps int, lossPct, latencyMs float64) domain.QualityLevel {
	switch {
	case bandwidthKbps > 2000 && lossPct < 1 && latencyMs < 100:
		return domain.QualityExcellent
	case bandwidthKbps > 1000 && lossPct < 3 && latencyMs < 200:
		return domain.QualityGood
	case bandwidthKbps > 500 && lossPct < 7 && latencyMs < 300:
		return domain.QualityFair
	case bandwidthKbps > 250 && lossPct < 15 && latencyMs < 500:
		return domain.QualityPoor
	default:
		return domain.QualityCritical
	}
}

func (m *Monitor) record(sample domain.QualitySample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, sample)
	if len(m.history) > m.histSize {
		m.history = m.history[len(m.history)-m.histSize:]
	}
}

func (m *Monitor) emit(sample domain.QualitySample) {
	m.mu.Lock()
	observers := make([]func(domain.QualitySample), len(m.onSample))
	copy(observers, m.onSample)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(sample)
	}
}

// adapt fires at most one bitrate reduction per sustained degradation
// episode. The reduced flag resets when quality recovers above poor.
func (m *Monitor) adapt(sample domain.QualitySample) {
	m.mu.Lock()
	shouldReduce := sample.BandwidthKbps < reduceBandwidthKbps && !m.reduced
	if shouldReduce {
		m.reduced = true
	}
	m.mu.Unlock()

	if shouldReduce {
		log.Info().
			Str("module", "quality").
			Int("bandwidth_kbps", sample.BandwidthKbps).
			Msg("reducing video quality")
		m.adapter.ReduceVideoQuality()
	}
}

func (m *Monitor) handleTransportFailure() {
	m.auditor.Log(audit.Event{
		Type:      audit.EventConnectionFailed,
		SessionID: m.sessionID,
		UserID:    m.userID,
	})

	m.mu.Lock()
	if m.reconnectAttempts >= m.maxReconnects {
		notified := m.degradedNotified
		m.degradedNotified = true
		observers := make([]func(), len(m.onDegrade))
		copy(observers, m.onDegrade)
		m.mu.Unlock()

		if !notified {
			m.adapter.FallbackAudioOnly()
			m.auditor.Log(audit.Event{
				Type:      audit.EventConnectionDegraded,
				SessionID: m.sessionID,
				UserID:    m.userID,
				Details:   map[string]any{"attempts": m.maxReconnects},
			})
			for _, fn := range observers {
				fn()
			}
		}
		return
	}
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.mu.Unlock()

	m.auditor.Log(audit.Event{
		Type:      audit.EventConnectionRecon,
		SessionID: m.sessionID,
		UserID:    m.userID,
		Details:   map[string]any{"attempt": attempt},
	})
	if err := m.adapter.Reconnect(); err != nil {
		log.Warn().Err(err).Str("module", "quality").Int("attempt", attempt).Msg("reconnection attempt failed")
	}
}

// ResetReconnects clears the retry budget after a successful recovery.
func (m *Monitor) ResetReconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectAttempts = 0
	m.degradedNotified = false
}
