package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	enabled  atomic.Bool
	initOnce sync.Once

	GatewayRegistered    *prometheus.GaugeVec
	RegistrationAttempts *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	ActiveCalls          prometheus.Gauge
	ForkingCommands      *prometheus.CounterVec
	PortsInUse           prometheus.Gauge
	RTPPackets           prometheus.Counter
	Transcriptions       *prometheus.CounterVec
	TranscriptionLatency prometheus.Histogram
	TTSRequests          *prometheus.CounterVec
)

// Init creates and registers every collector with reg. Calling it more than
// once is a no-op.
func Init(reg prometheus.Registerer) {
	initOnce.Do(func() {
		GatewayRegistered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xmf_gateway_registered",
			Help: "1 while the gateway has an active XMF registration",
		}, []string{"gateway"})
		RegistrationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmf_registration_attempts_total",
			Help: "Registration requests sent to gateways",
		}, []string{"gateway", "result"})
		NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmf_notifications_total",
			Help: "Inbound XMF notifications by message type",
		}, []string{"type"})
		ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xmf_active_calls",
			Help: "Calls currently tracked in the call registry",
		})
		ForkingCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xmf_forking_commands_total",
			Help: "Forking commands by action and result",
		}, []string{"action", "result"})
		PortsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtp_capture_ports_in_use",
			Help: "Bound RTP capture ports",
		})
		RTPPackets = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_capture_packets_total",
			Help: "RTP packets received on capture ports",
		})
		Transcriptions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_transcriptions_total",
			Help: "Transcriptions by vendor and outcome",
		}, []string{"vendor", "outcome"})
		TranscriptionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Time from forking start to transcription result",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		})
		TTSRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_requests_total",
			Help: "Text to speech requests by cache outcome",
		}, []string{"cache"})

		reg.MustRegister(
			GatewayRegistered,
			RegistrationAttempts,
			NotificationsTotal,
			ActiveCalls,
			ForkingCommands,
			PortsInUse,
			RTPPackets,
			Transcriptions,
			TranscriptionLatency,
			TTSRequests,
		)
		enabled.Store(true)
	})
}

// IsMetricsEnabled reports whether Init has run.
func IsMetricsEnabled() bool {
	return enabled.Load()
}

// SetGatewayRegistered records the registration state of a gateway.
func SetGatewayRegistered(gateway string, active bool) {
	if !IsMetricsEnabled() {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	GatewayRegistered.WithLabelValues(gateway).Set(v)
}

// RecordRegistration counts a registration attempt.
func RecordRegistration(gateway string, err error) {
	if !IsMetricsEnabled() {
		return
	}
	RegistrationAttempts.WithLabelValues(gateway, result(err)).Inc()
}

// RecordNotification counts an inbound notification.
func RecordNotification(msgType string) {
	if !IsMetricsEnabled() {
		return
	}
	NotificationsTotal.WithLabelValues(msgType).Inc()
}

// RecordForking counts a forking command.
func RecordForking(action string, err error) {
	if !IsMetricsEnabled() {
		return
	}
	ForkingCommands.WithLabelValues(action, result(err)).Inc()
}

// RecordTranscription counts a finished transcription and its duration.
func RecordTranscription(vendor, outcome string, started time.Time) {
	if !IsMetricsEnabled() {
		return
	}
	Transcriptions.WithLabelValues(vendor, outcome).Inc()
	TranscriptionLatency.Observe(time.Since(started).Seconds())
}

// RecordTTS counts a synthesis request as a cache hit or miss.
func RecordTTS(hit bool) {
	if !IsMetricsEnabled() {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	TTSRequests.WithLabelValues(label).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
