package telemetry

import "github.com/prometheus/client_golang/prometheus"

// One CounterVec/GaugeVec per concern, prefixed by the binary name,
// labeled by peer/family/type.
var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_total",
			Help: "BGP messages sent or received, by peer/type/direction.",
		},
		[]string{"peer", "type", "direction"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_notifications_total",
			Help: "NOTIFICATION messages sent or received, by peer/code/subcode/direction.",
		},
		[]string{"peer", "code", "subcode", "direction"},
	)

	PeerStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_peer_state_transitions_total",
			Help: "FSM state transitions, by peer and resulting state.",
		},
		[]string{"peer", "state"},
	)

	PeerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_peer_state",
			Help: "Current FSM state as an integer (Idle=0..Established=5).",
		},
		[]string{"peer"},
	)

	RIBChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_rib_changes_total",
			Help: "Adj-RIB withdraws/announces processed, by peer/family/action.",
		},
		[]string{"peer", "family", "action"},
	)

	ProcessPausedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_process_backpressure",
			Help: "Whether an external process's stdin queue is paused (0/1).",
		},
		[]string{"process"},
	)

	DroppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpd_telemetry_events_dropped_total",
			Help: "Telemetry events dropped because the collector channel was full.",
		},
	)
)

// Register registers every metric with the default registry; called
// once at startup. Metrics are always on regardless of which optional
// sinks are configured.
func Register() {
	prometheus.MustRegister(
		MessagesTotal,
		NotificationsTotal,
		PeerStateTransitionsTotal,
		PeerState,
		RIBChangesTotal,
		ProcessPausedGauge,
		DroppedEventsTotal,
	)
}

func recordMetrics(ev Event) {
	switch ev.Kind {
	case KindPeerState:
		PeerStateTransitionsTotal.WithLabelValues(ev.Peer, ev.State).Inc()
		PeerState.WithLabelValues(ev.Peer).Set(stateOrdinal(ev.State))
	case KindMessage:
		MessagesTotal.WithLabelValues(ev.Peer, messageTypeName(ev.MessageType), ev.Direction).Inc()
	case KindNotification:
		NotificationsTotal.WithLabelValues(ev.Peer, codeString(ev.Code), codeString(ev.Subcode), ev.Direction).Inc()
	case KindRIBChange:
		if ev.Withdrawn > 0 {
			RIBChangesTotal.WithLabelValues(ev.Peer, ev.Family, "withdraw").Add(float64(ev.Withdrawn))
		}
		if ev.Announced > 0 {
			RIBChangesTotal.WithLabelValues(ev.Peer, ev.Family, "announce").Add(float64(ev.Announced))
		}
	case KindProcessBackpressure:
		v := 0.0
		if ev.Paused {
			v = 1.0
		}
		ProcessPausedGauge.WithLabelValues(ev.Process).Set(v)
	}
}

func stateOrdinal(state string) float64 {
	switch state {
	case "Idle":
		return 0
	case "Connect":
		return 1
	case "Active":
		return 2
	case "OpenSent":
		return 3
	case "OpenConfirm":
		return 4
	case "Established":
		return 5
	default:
		return -1
	}
}

func messageTypeName(t uint8) string {
	switch t {
	case 1:
		return "open"
	case 2:
		return "update"
	case 3:
		return "notification"
	case 4:
		return "keepalive"
	case 5:
		return "route_refresh"
	case 9:
		return "operational"
	default:
		return "unknown"
	}
}

func codeString(c uint8) string {
	const digits = "0123456789"
	if c < 10 {
		return string(digits[c])
	}
	return string(digits[c/10]) + string(digits[c%10])
}
