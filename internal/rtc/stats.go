package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/carewire/telertc/internal/domain"
)

// extractTransportStats flattens a pion stats report into the transport
// counters the quality monitor consumes. Byte totals come from the
// transport, loss and jitter from the inbound audio stream, round trip
// time from the nominated candidate pair.
func extractTransportStats(report webrtc.StatsReport) domain.TransportStats {
	out := domain.TransportStats{Timestamp: time.Now()}
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.TransportStats:
			out.BytesSent += stat.BytesSent
			out.BytesReceived += stat.BytesReceived
		case webrtc.InboundRTPStreamStats:
			if stat.Kind == "audio" {
				out.AudioPacketsReceived += stat.PacketsReceived
				out.AudioPacketsLost += stat.PacketsLost
				out.AudioJitter = stat.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if stat.Nominated && stat.CurrentRoundTripTime > 0 {
				out.RoundTripTime = stat.CurrentRoundTripTime
			}
		}
	}
	return out
}
