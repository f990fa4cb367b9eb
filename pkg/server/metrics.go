package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry conflicts.
type Metrics struct {
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	admissions        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	frameOutcomes     *prometheus.CounterVec
	broadcastDelivery prometheus.Counter
	broadcastDrops    prometheus.Counter
	relayFallbacks    prometheus.Counter
	storeDuration     *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_active_connections",
			Help: "Number of admitted WebSocket connections",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_active_rooms",
			Help: "Number of rooms with at least one joined connection",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_admissions_total",
			Help: "Connection admission attempts by result",
		}, []string{"result"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_frames_received_total",
			Help: "Inbound frames by decoded type",
		}, []string{"type"}),
		frameOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_frame_outcomes_total",
			Help: "Inbound frame outcomes by type",
		}, []string{"type", "outcome"}),
		broadcastDelivery: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_broadcast_deliveries_total",
			Help: "Room events queued to a connection",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_broadcast_drops_total",
			Help: "Room events a connection could not accept",
		}),
		relayFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_relay_fallbacks_total",
			Help: "Room events delivered locally because the cluster relay failed",
		}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pairchat_store_operation_seconds",
			Help:    "Latency of message store operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.activeConnections,
			m.activeRooms,
			m.admissions,
			m.framesReceived,
			m.frameOutcomes,
			m.broadcastDelivery,
			m.broadcastDrops,
			m.relayFallbacks,
			m.storeDuration,
		)
	}

	return m
}

// RecordActiveConnections sets the current connection count
func (m *Metrics) RecordActiveConnections(count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

// RecordActiveRooms sets the current room count
func (m *Metrics) RecordActiveRooms(count int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(count))
}

// RecordAdmission counts one admission attempt
func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(result).Inc()
}

// RecordFrameReceived counts one inbound frame
func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// RecordFrameOutcome counts how an inbound frame was resolved
func (m *Metrics) RecordFrameOutcome(frameType string, outcome Outcome) {
	if m == nil {
		return
	}
	m.frameOutcomes.WithLabelValues(frameType, outcome.String()).Inc()
}

// RecordBroadcast counts a room fan-out
func (m *Metrics) RecordBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.broadcastDelivery.Add(float64(delivered))
	m.broadcastDrops.Add(float64(dropped))
}

// RecordRelayFallback counts an event that skipped the cluster relay
func (m *Metrics) RecordRelayFallback() {
	if m == nil {
		return
	}
	m.relayFallbacks.Inc()
}

// RecordStoreOperation observes the latency of one store call
func (m *Metrics) RecordStoreOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
