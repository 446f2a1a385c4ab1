package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesSent   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_sent_total", Help: "Messages sent, by class and step kind"}, []string{"class", "kind"})
	SendFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_send_failures_total", Help: "Recipients whose send failed"}, []string{"class"})
	RecipientsSkip = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_recipients_skipped_total", Help: "Recipients excluded from a group job"}, []string{"class"})
	RunsFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_runs_finished_total", Help: "Dispatch and undo runs by final state"}, []string{"class", "action", "state"})
	Retracted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_retracted_total", Help: "Messages retracted by undo"}, []string{"class"})
	Running        = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_class_busy", Help: "1 while a class is dispatching or undoing"}, []string{"class"})
	AcksApplied    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_acks_applied_total", Help: "Acknowledgements that raised a delivery row"}, []string{"level"})
	ControlFrames  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_control_frames_total", Help: "Control-plane frames by direction and type"}, []string{"dir", "type"})
	ControlConnect = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_control_connects_total", Help: "Successful control-plane connections"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesSent,
			SendFailures,
			RecipientsSkip,
			RunsFinished,
			Retracted,
			Running,
			AcksApplied,
			ControlFrames,
			ControlConnect,
		)
	})
	return promhttp.Handler()
}
