package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DispatchSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_sends_total", Help: "Send attempts by outcome"},
		[]string{"outcome"}, // accepted, transient, permanent
	)
	DispatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_retries_total", Help: "Retries performed"},
	)
	DispatchTokenWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_token_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token",
			Buckets: prometheus.DefBuckets,
		},
	)
	CampaignsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_campaigns_finished_total", Help: "Campaigns by terminal status"},
		[]string{"status"},
	)

	ReceiptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tracker_receipts_total", Help: "Delivery receipts by status"},
		[]string{"status"},
	)
	ReceiptsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tracker_receipts_duplicate_total", Help: "Receipts ignored as duplicates"},
	)
	ReceiptsUnknown = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tracker_receipts_unknown_total", Help: "Receipts with unknown gateway message id"},
	)
	ReceiptTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tracker_receipt_timeouts_total", Help: "Sent entries failed by the receipt-timeout sweep"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		DispatchSendsTotal, DispatchRetriesTotal, DispatchTokenWait, CampaignsFinished,
		ReceiptsTotal, ReceiptsDuplicate, ReceiptsUnknown, ReceiptTimeouts,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
