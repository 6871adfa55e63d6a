package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Semaphore service
type Metrics struct {
	// Stream metrics
	ActiveStreams      *prometheus.GaugeVec
	EventsFannedOut    *prometheus.CounterVec
	EnvelopesDropped   *prometheus.CounterVec
	ConnectionsEvicted *prometheus.CounterVec
	ResumeRequests     *prometheus.CounterVec
	FanoutLag          *prometheus.HistogramVec

	// Kafka metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}
