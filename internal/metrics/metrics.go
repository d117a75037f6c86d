package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campsniper_scans_total",
		Help: "Total number of alert availability scans performed.",
	})

	NewlyAvailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campsniper_newly_available_sites_total",
		Help: "Total number of newly available sites detected across all scans.",
	})

	SnipePhasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campsniper_snipe_phases_total",
		Help: "Snipe phase executions by phase and outcome.",
	}, []string{"phase", "outcome"})

	AlertsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campsniper_alerts_expired_total",
		Help: "Total number of alerts expired by the scan scheduler.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campsniper_notifications_total",
		Help: "Notifications published, by type.",
	}, []string{"type"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
