package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	DispatchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_dispatch_cycles_total", Help: "Dispatch cycle outcomes"},
		[]string{"result"},
	)
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_delivery_attempts_total", Help: "Delivery attempts per channel"},
		[]string{"channel", "outcome"},
	)
	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "reminders_send_latency_seconds", Help: "Channel send latency"},
		[]string{"channel"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_enqueue_total", Help: "SQS hand-off results"},
		[]string{"channel", "result"},
	)
	TwilioSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	TwilioLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_send_latency_seconds", Help: "Twilio send latency"},
	)
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "reminders_sweep_duration_seconds", Help: "Scheduler sweep duration"},
	)
	SweepEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "reminders_sweep_enqueued_total", Help: "Due reminders handed to the worker pool"},
	)
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_escalations_total", Help: "Escalations raised"},
		[]string{"by"},
	)
	Acknowledgments = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_acknowledgments_total", Help: "Acknowledgment results"},
		[]string{"result"},
	)
	AckEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_ack_events_total", Help: "Acknowledgment events consumed from the queue"},
		[]string{"status"},
	)
	Spawned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "reminders_recurrence_spawned_total", Help: "Next occurrences created for recurring reminders"},
	)
	BulkActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_bulk_items_total", Help: "Bulk action item results"},
		[]string{"action", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, DispatchCycles, DeliveryAttempts, SendLatency, Enqueues,
		TwilioSend, TwilioLatency, SweepDuration, SweepEnqueued, Escalations,
		Acknowledgments, AckEvents, Spawned, BulkActions,
	)
}
