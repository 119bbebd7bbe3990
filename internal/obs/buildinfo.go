package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running binary and where it ships events.
type BuildInfo struct {
	Version     string
	Commit      string
	Environment string
	Destination string
}

func (b BuildInfo) labels() prometheus.Labels {
	return prometheus.Labels{
		"version":     orUnknown(b.Version),
		"commit":      orUnknown(b.Commit),
		"environment": orUnknown(b.Environment),
		"destination": orUnknown(b.Destination),
		"go_version":  runtime.Version(),
	}
}

var (
	buildInfoMu  sync.Mutex
	buildInfoReg bool

	// Value is always 1.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_build_info",
			Help: "Telemetry pipeline build and deployment information.",
		},
		[]string{"version", "commit", "environment", "destination", "go_version"},
	)
)

// PublishBuildInfo registers telemetry_build_info with the default registry
// on first use and replaces any previously published label set.
func PublishBuildInfo(info BuildInfo) {
	buildInfoMu.Lock()
	defer buildInfoMu.Unlock()
	if !buildInfoReg {
		prometheus.MustRegister(buildInfo)
		buildInfoReg = true
	}
	buildInfo.Reset()
	buildInfo.With(info.labels()).Set(1)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
