package handlers

import (
	"fmt"
	"net/http"
)

// DeliveryStats is implemented by *webhooks.Sender.
type DeliveryStats interface {
	InFlight() int64
	ScheduledRetries() int
}

type MetricsHandler struct {
	stats DeliveryStats
}

func NewMetricsHandler(stats DeliveryStats) *MetricsHandler {
	return &MetricsHandler{stats: stats}
}

// Export writes the delivery gauges in the Prometheus text format.
func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP beacon_up Is the server up\n")
	fmt.Fprintf(w, "# TYPE beacon_up gauge\n")
	fmt.Fprintf(w, "beacon_up 1\n")
	fmt.Fprintf(w, "# HELP beacon_webhook_attempts_in_flight Delivery attempts currently running\n")
	fmt.Fprintf(w, "# TYPE beacon_webhook_attempts_in_flight gauge\n")
	fmt.Fprintf(w, "beacon_webhook_attempts_in_flight %d\n", h.stats.InFlight())
	fmt.Fprintf(w, "# HELP beacon_webhook_retries_scheduled Automatic retries waiting for their timer\n")
	fmt.Fprintf(w, "# TYPE beacon_webhook_retries_scheduled gauge\n")
	fmt.Fprintf(w, "beacon_webhook_retries_scheduled %d\n", h.stats.ScheduledRetries())
}
