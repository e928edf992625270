package astm

/*------------------------------------------------------------------
 *
 * Purpose:	Prometheus instrumentation for the gateway.
 *
 * Description:	One Metrics value is shared by the listener, the
 *		sessions, and the dispatcher.  Exposed over HTTP when
 *		a metrics port is configured; otherwise the counters
 *		still tick, they just go nowhere.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	SessionsActive     prometheus.Gauge
	SessionsTotal      prometheus.Counter
	FramesDecoded      prometheus.Counter
	NAKsSent           prometheus.Counter
	MessagesDispatched prometheus.Counter
	SinkFailures       *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	var m = &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "astm_sessions_active",
			Help: "Instrument sessions currently connected.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astm_sessions_total",
			Help: "Instrument sessions accepted since start.",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astm_frames_decoded_total",
			Help: "Frames that decoded cleanly off the wire.",
		}),
		NAKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astm_naks_sent_total",
			Help: "Frames refused (answered with NAK).",
		}),
		MessagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "astm_messages_dispatched_total",
			Help: "Complete H-to-L messages handed to the dispatcher.",
		}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "astm_sink_failures_total",
			Help: "Messages a sink failed to deliver after retries.",
		}, []string{"sink"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.SessionsActive, m.SessionsTotal,
		m.FramesDecoded, m.NAKsSent,
		m.MessagesDispatched, m.SinkFailures,
	)

	return m
}

// Serve exposes /metrics on the given port.  Blocks; run it in a
// goroutine.  Returns the http server error on shutdown.
func (m *Metrics) Serve(port int) error {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
