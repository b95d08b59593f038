package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poller
var (
	PollCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zmagent_poll_cycles_total",
		Help: "Poll cycles by outcome (ok, error)",
	}, []string{"outcome"})

	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zmagent_events_processed_total",
		Help: "Events marked processed, by camera and disposition (downloaded, suppressed, skipped)",
	}, []string{"camera", "disposition"})

	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zmagent_pending_events",
		Help: "Open events awaiting an end time",
	})

	DownloadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zmagent_clip_download_failures_total",
		Help: "Alarm clip downloads that failed (event stays processed)",
	})
)

// Export pipeline
var (
	ExportDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zmagent_export_downloads_total",
		Help: "Export clip downloads by outcome (ok, failed)",
	}, []string{"outcome"})

	ExportBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zmagent_export_download_bytes_total",
		Help: "Bytes transferred by export downloads",
	})

	ConcatRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zmagent_concat_runs_total",
		Help: "Concatenation runs by mode (copy, reencode) and outcome (ok, error)",
	}, []string{"mode", "outcome"})
)

// Handler serves the default registry, which promauto populates.
func Handler() http.Handler {
	return promhttp.Handler()
}
