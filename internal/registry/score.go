package registry

import (
	"math"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Score weights. They sum to 1.
const (
	weightPerformance  = 0.3
	weightReliability  = 0.25
	weightAvailability = 0.25
	weightLoad         = 0.2
)

// Score returns the composite ranking of a server in [0,1], rounded to two
// decimals. It rewards low response time, high throughput, low error rate,
// high uptime, few failures, a healthy status and low load.
func Score(info *mcp.ServerInfo, m mcp.ServerMetrics) float64 {
	rtMillis := float64(info.ResponseTime) / float64(time.Millisecond)

	performance := clamp01((1000-rtMillis)/1000*0.5 +
		m.Throughput/1000*0.3 +
		(1-m.ErrorRate)*0.2)

	reliability := clamp01(m.UptimePercentage/100*0.6 +
		math.Max(0, float64(10-info.FailureCount)/10)*0.4)

	availability := AvailabilityScore(info.Status)
	load := math.Max(0, 1-m.Load)

	total := performance*weightPerformance +
		reliability*weightReliability +
		availability*weightAvailability +
		load*weightLoad
	return math.Round(clamp01(total)*100) / 100
}

// AvailabilityScore maps a status to 1 (healthy), 0.5 (degraded) or 0.
func AvailabilityScore(s mcp.ServerStatus) float64 {
	switch s {
	case mcp.StatusHealthy:
		return 1
	case mcp.StatusDegraded:
		return 0.5
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
