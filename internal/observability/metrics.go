package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var validationDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the Prometheus instruments of the control plane. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	WebhookDeliveriesTotal       *prometheus.CounterVec
	TaskTransitionsTotal         *prometheus.CounterVec
	InstallationRequestsTotal    *prometheus.CounterVec
	NotificationFailuresTotal    *prometheus.CounterVec
	ValidationRunsTotal          *prometheus.CounterVec
	ValidationDuration           prometheus.Histogram
	DeploymentEventsTotal        *prometheus.CounterVec
	DeploymentStallsTotal        prometheus.Counter
	DeploymentsActive            prometheus.Gauge
	DeploymentVerificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all metric instruments on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_webhook_deliveries_total",
			Help: "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
		TaskTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_task_transitions_total",
			Help: "Task state transitions.",
		}, []string{"from", "to"}),
		InstallationRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_installation_requests_total",
			Help: "Requests recorded against installations by outcome.",
		}, []string{"outcome"}),
		NotificationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_notification_failures_total",
			Help: "Notification sink delivery failures.",
		}, []string{"sink"}),
		ValidationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_validation_runs_total",
			Help: "Deployment build validation runs by verdict.",
		}, []string{"verdict"}),
		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcpplane_validation_duration_seconds",
			Help:    "Deployment build validation duration in seconds.",
			Buckets: validationDurationBuckets,
		}),
		DeploymentEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_deployment_events_total",
			Help: "Deployment progress events by phase.",
		}, []string{"phase"}),
		DeploymentStallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpplane_deployment_stalls_total",
			Help: "Deployments flagged as stalled.",
		}),
		DeploymentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpplane_deployments_active",
			Help: "Deployments currently running.",
		}),
		DeploymentVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpplane_deployment_verifications_total",
			Help: "Post-deployment verification results.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.WebhookDeliveriesTotal,
		m.TaskTransitionsTotal,
		m.InstallationRequestsTotal,
		m.NotificationFailuresTotal,
		m.ValidationRunsTotal,
		m.ValidationDuration,
		m.DeploymentEventsTotal,
		m.DeploymentStallsTotal,
		m.DeploymentsActive,
		m.DeploymentVerificationsTotal,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) RecordTaskTransition(from, to string) {
	if m == nil {
		return
	}
	m.TaskTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordInstallationRequest(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.InstallationRequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotificationFailure(sink string) {
	if m == nil {
		return
	}
	m.NotificationFailuresTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordValidation(verdict string, seconds float64) {
	if m == nil {
		return
	}
	m.ValidationRunsTotal.WithLabelValues(verdict).Inc()
	m.ValidationDuration.Observe(seconds)
}

func (m *Metrics) RecordDeploymentEvent(phase string) {
	if m == nil {
		return
	}
	m.DeploymentEventsTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordDeploymentStall() {
	if m == nil {
		return
	}
	m.DeploymentStallsTotal.Inc()
}

func (m *Metrics) DeploymentStarted() {
	if m == nil {
		return
	}
	m.DeploymentsActive.Inc()
}

func (m *Metrics) DeploymentFinished() {
	if m == nil {
		return
	}
	m.DeploymentsActive.Dec()
}

func (m *Metrics) RecordVerification(verified bool) {
	if m == nil {
		return
	}
	result := "degraded"
	if verified {
		result = "verified"
	}
	m.DeploymentVerificationsTotal.WithLabelValues(result).Inc()
}
