package domain

import "time"

// QualityLevel is the discretized classification of live connection health.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
	QualityCritical  QualityLevel = "critical"
)

// QualitySample is one point of the append-only quality time series.
// Never mutated after creation.
type QualitySample struct {
	BandwidthKbps int          `json:"bandwidthKbps"`
	LatencyMs     float64      `json:"latencyMs"`
	PacketLossPct float64      `json:"packetLossPct"`
	JitterMs      float64      `json:"jitterMs"`
	VideoWidth    int          `json:"videoWidth,omitempty"`
	VideoHeight   int          `json:"videoHeight,omitempty"`
	FrameRate     float64      `json:"frameRate,omitempty"`
	Level         QualityLevel `json:"level"`
	Timestamp     time.Time    `json:"timestamp"`
}

// TransportStats is a raw snapshot taken from the media engine before
// classification. Counters are cumulative since connection start.
type TransportStats struct {
	BytesSent            uint64
	BytesReceived        uint64
	AudioPacketsReceived uint32
	AudioPacketsLost     int32
	AudioJitter          float64 // seconds
	RoundTripTime        float64 // seconds, selected candidate pair
	VideoWidth           int
	VideoHeight          int
	FramesPerSecond      float64
	Timestamp            time.Time
}
