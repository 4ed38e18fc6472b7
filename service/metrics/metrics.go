// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts messages persisted by SendMessage.
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_messages_sent_total",
			Help: "Total number of messages persisted",
		},
	)

	// SendFailures counts SendMessage calls that returned an error, by error code.
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_message_send_failures_total",
			Help: "Total number of failed message sends",
		},
		[]string{"code"},
	)

	ConversationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_conversations_created_total",
			Help: "Total number of conversations created",
		},
		[]string{"kind"},
	)

	// Compensations counts conversations deleted after a partial create or a lost creation race.
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_conversation_compensations_total",
			Help: "Total number of compensating conversation deletes",
		},
		[]string{"reason"},
	)

	MessagesMarkedRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ppchat_messages_marked_read_total",
			Help: "Total number of messages flipped to read",
		},
	)

	PresenceOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ppchat_presence_online",
			Help: "Distinct users in the last published global presence snapshot",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ppchat_ws_connections",
			Help: "Number of open websocket connections",
		},
	)

	// ChangesRelayed counts change notifications forwarded from the change log, by table.
	ChangesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ppchat_changes_relayed_total",
			Help: "Total number of change notifications relayed to subscribers",
		},
		[]string{"table"},
	)
)

func RecordConnOpened() { WSConnections.Inc() }
func RecordConnClosed() { WSConnections.Dec() }
