// Package metrics exposes prometheus instrumentation for the capture pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds prometheus counters and gauges for the daemon.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured    prometheus.Counter
	framesDropped     prometheus.Counter
	packetsEncoded    prometheus.Counter
	pagesEmitted      prometheus.Counter
	packetsTruncated  prometheus.Counter
	bytesSent         prometheus.Counter
	acksReceived      prometheus.Counter
	reconnectAttempts prometheus.Counter
	sessionsStarted   prometheus.Counter
	streamConnected   prometheus.Gauge
	ipcConnected      prometheus.Gauge
}

// New creates and registers the daemon metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_audio_frames_captured_total",
			Help: "Total canonical PCM frames produced by the audio pipeline",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_audio_frames_dropped_total",
			Help: "Total frames dropped because the encoder queue was full",
		}),
		packetsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_opus_packets_encoded_total",
			Help: "Total Opus packets produced by the encoder",
		}),
		pagesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_ogg_pages_emitted_total",
			Help: "Total Ogg pages emitted by the packetizer",
		}),
		packetsTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_ogg_packets_truncated_total",
			Help: "Total over-length Opus packets truncated to one page",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_stream_bytes_sent_total",
			Help: "Total binary audio bytes sent on the stream transport",
		}),
		acksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_stream_acks_received_total",
			Help: "Total audio_ack messages received from the recognizer",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_reconnect_attempts_total",
			Help: "Total automatic reconnect attempts across both transports",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onesec_sessions_started_total",
			Help: "Total capture sessions opened by a hotkey match",
		}),
		streamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onesec_stream_connected",
			Help: "1 while the recognizer stream transport is connected",
		}),
		ipcConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onesec_ipc_connected",
			Help: "1 while the host IPC channel is connected",
		}),
	}

	registry.MustRegister(
		m.framesCaptured,
		m.framesDropped,
		m.packetsEncoded,
		m.pagesEmitted,
		m.packetsTruncated,
		m.bytesSent,
		m.acksReceived,
		m.reconnectAttempts,
		m.sessionsStarted,
		m.streamConnected,
		m.ipcConnected,
	)

	return m
}

// IncFramesCaptured increments the captured frame counter.
func (m *Metrics) IncFramesCaptured() { m.framesCaptured.Inc() }

// IncFramesDropped increments the dropped frame counter.
func (m *Metrics) IncFramesDropped() { m.framesDropped.Inc() }

// AddPacketsEncoded adds n to the encoded packet counter.
func (m *Metrics) AddPacketsEncoded(n int) { m.packetsEncoded.Add(float64(n)) }

// AddPagesEmitted adds n to the emitted page counter.
func (m *Metrics) AddPagesEmitted(n int) { m.pagesEmitted.Add(float64(n)) }

// IncPacketsTruncated increments the truncated packet counter.
func (m *Metrics) IncPacketsTruncated() { m.packetsTruncated.Inc() }

// AddBytesSent adds n to the sent byte counter.
func (m *Metrics) AddBytesSent(n int) { m.bytesSent.Add(float64(n)) }

// IncAcksReceived increments the audio ack counter.
func (m *Metrics) IncAcksReceived() { m.acksReceived.Inc() }

// IncReconnectAttempts increments the reconnect attempt counter.
func (m *Metrics) IncReconnectAttempts() { m.reconnectAttempts.Inc() }

// IncSessionsStarted increments the session counter.
func (m *Metrics) IncSessionsStarted() { m.sessionsStarted.Inc() }

// SetStreamConnected sets the stream transport connectivity gauge.
func (m *Metrics) SetStreamConnected(up bool) { setBool(m.streamConnected, up) }

// SetIPCConnected sets the IPC channel connectivity gauge.
func (m *Metrics) SetIPCConnected(up bool) { setBool(m.ipcConnected, up) }

func setBool(g prometheus.Gauge, up bool) {
	if up {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// Handler returns an http.Handler serving the registry in prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
