// Package fsm implements the BGP peer finite state machine: session
// lifecycle, hold/keepalive timing, and collision handling. The FSM is
// driven entirely by explicit events fed by the reactor; it never
// starts its own goroutine or timer.
package fsm

import "fmt"

// State is one of the six standard BGP session states.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind enumerates every input the reactor can feed the FSM.
type EventKind int

const (
	EventAdminEnable EventKind = iota
	EventAdminDisable
	EventConnectRetryExpired
	EventTCPConnectionConfirmed
	EventTCPConnectionFails
	EventIncomingConnection
	EventOpenReceived
	EventOpenSentTimerExpired
	EventKeepaliveReceived
	EventAnyMessageAfterOurKeepalive
	EventHoldTimerExpired
	EventKeepaliveTimerExpired
	EventNotificationSent
	EventNotificationReceived
	EventCollisionLost
)

// Event is one input to Step, identified by its Kind alone.
type Event struct {
	Kind EventKind
}

// Outcome says what the reactor must actually do as a result of one
// Step call: these are side effects the FSM decides on but does not
// perform itself.
type Outcome struct {
	Connect           bool // start an outbound TCP connect
	SendOpen          bool
	SendKeepalive     bool
	SendNotification  *NotificationRequest
	ResetHoldTimer    bool
	StartConnectRetry bool
	StopConnectRetry  bool
	CloseConnection   bool
	ArmOpenSentTimer  bool
	ArmKeepaliveTimer bool
	StartStaleTimer   bool
	ClearStaleRoutes  bool
}

// NotificationRequest is the (code, subcode) pair Step wants sent; the
// reactor builds and writes the actual message.Notification.
type NotificationRequest struct {
	Code, Subcode uint8
}

// FSM holds the current state for one peer. Passive says whether this
// neighbor waits for an incoming connection (Idle -> Active) instead of
// initiating one (Idle -> Connect).
type FSM struct {
	state   State
	passive bool
}

func New(passive bool) *FSM {
	return &FSM{state: Idle, passive: passive}
}

func (f *FSM) State() State { return f.state }

// Step applies one event to the current state, moves the FSM to the
// next state (read it back with State), and returns the side effects
// the reactor must carry out. Unhandled
// events in a given state are a no-op (Outcome{}), matching RFC 4271's
// "FSM remains in the current state" default.
func (f *FSM) Step(ev Event) Outcome {
	switch f.state {
	case Idle:
		return f.stepIdle(ev)
	case Connect:
		return f.stepConnect(ev)
	case Active:
		return f.stepActive(ev)
	case OpenSent:
		return f.stepOpenSent(ev)
	case OpenConfirm:
		return f.stepOpenConfirm(ev)
	case Established:
		return f.stepEstablished(ev)
	default:
		return Outcome{}
	}
}

func (f *FSM) stepIdle(ev Event) Outcome {
	switch ev.Kind {
	case EventAdminEnable:
		if f.passive {
			f.state = Active
			return Outcome{}
		}
		f.state = Connect
		return Outcome{Connect: true, StartConnectRetry: true}
	case EventIncomingConnection:
		f.state = Active
		return Outcome{}
	}
	return Outcome{}
}

func (f *FSM) stepConnect(ev Event) Outcome {
	switch ev.Kind {
	case EventTCPConnectionConfirmed:
		f.state = OpenSent
		return Outcome{SendOpen: true, ArmOpenSentTimer: true, StopConnectRetry: true}
	case EventConnectRetryExpired:
		return Outcome{Connect: true, StartConnectRetry: true}
	case EventTCPConnectionFails:
		f.state = Active
		return Outcome{StartConnectRetry: true}
	case EventAdminDisable:
		f.state = Idle
		return Outcome{CloseConnection: true, StopConnectRetry: true}
	}
	return Outcome{}
}

func (f *FSM) stepActive(ev Event) Outcome {
	switch ev.Kind {
	case EventTCPConnectionConfirmed, EventIncomingConnection:
		f.state = OpenSent
		return Outcome{SendOpen: true, ArmOpenSentTimer: true}
	case EventConnectRetryExpired:
		if !f.passive {
			f.state = Connect
			return Outcome{Connect: true, StartConnectRetry: true}
		}
		return Outcome{}
	case EventAdminDisable:
		f.state = Idle
		return Outcome{CloseConnection: true, StopConnectRetry: true}
	}
	return Outcome{}
}

func (f *FSM) stepOpenSent(ev Event) Outcome {
	switch ev.Kind {
	case EventOpenReceived:
		f.state = OpenConfirm
		return Outcome{SendKeepalive: true}
	case EventOpenSentTimerExpired:
		f.state = Idle
		return Outcome{
			SendNotification:  &NotificationRequest{Code: 4, Subcode: 0},
			CloseConnection:   true,
			StartConnectRetry: true,
		}
	case EventTCPConnectionFails:
		f.state = Active
		return Outcome{StartConnectRetry: true}
	case EventNotificationReceived, EventCollisionLost:
		f.state = Idle
		return Outcome{CloseConnection: true, StartConnectRetry: true}
	case EventAdminDisable:
		f.state = Idle
		return Outcome{
			SendNotification: &NotificationRequest{Code: 6, Subcode: 0},
			CloseConnection:  true,
			StopConnectRetry: true,
		}
	}
	return Outcome{}
}

func (f *FSM) stepOpenConfirm(ev Event) Outcome {
	switch ev.Kind {
	case EventKeepaliveReceived, EventAnyMessageAfterOurKeepalive:
		f.state = Established
		return Outcome{ResetHoldTimer: true, ArmKeepaliveTimer: true}
	case EventHoldTimerExpired:
		f.state = Idle
		return Outcome{
			SendNotification:  &NotificationRequest{Code: 4, Subcode: 0},
			CloseConnection:   true,
			StartConnectRetry: true,
		}
	case EventNotificationReceived, EventCollisionLost:
		f.state = Idle
		return Outcome{CloseConnection: true, StartConnectRetry: true}
	case EventTCPConnectionFails:
		f.state = Idle
		return Outcome{StartConnectRetry: true}
	case EventAdminDisable:
		f.state = Idle
		return Outcome{
			SendNotification: &NotificationRequest{Code: 6, Subcode: 0},
			CloseConnection:  true,
			StopConnectRetry: true,
		}
	}
	return Outcome{}
}

func (f *FSM) stepEstablished(ev Event) Outcome {
	switch ev.Kind {
	case EventKeepaliveReceived, EventAnyMessageAfterOurKeepalive:
		return Outcome{ResetHoldTimer: true}
	case EventKeepaliveTimerExpired:
		return Outcome{SendKeepalive: true}
	case EventHoldTimerExpired:
		f.state = Idle
		return Outcome{
			SendNotification:  &NotificationRequest{Code: 4, Subcode: 0},
			CloseConnection:   true,
			StartConnectRetry: true,
		}
	case EventNotificationSent, EventNotificationReceived, EventTCPConnectionFails:
		f.state = Idle
		return Outcome{CloseConnection: true, StartConnectRetry: true}
	case EventAdminDisable:
		f.state = Idle
		return Outcome{
			SendNotification: &NotificationRequest{Code: 6, Subcode: 0},
			CloseConnection:  true,
			StopConnectRetry: true,
		}
	}
	return Outcome{}
}

// ResolveCollision implements the RFC 4271 6.8 tie-break: of the two
// TCP connections open for one neighbor, the one initiated by the
// speaker with the higher BGP identifier survives.
// weInitiatedThisConn says whether the connection being evaluated is
// the one we dialed out (true) or the one the peer dialed to us
// (false). On an exact identifier tie this speaker keeps the connection
// it initiated itself and refuses the passively-accepted one, a
// deterministic local rule for the case the RFC leaves open.
func ResolveCollision(localID, remoteID [4]byte, weInitiatedThisConn bool) (keepThisConn bool) {
	switch {
	case localID == remoteID:
		return weInitiatedThisConn
	case greater(localID, remoteID):
		return weInitiatedThisConn
	default:
		return !weInitiatedThisConn
	}
}

// greater reports whether a represents a larger unsigned 32-bit value
// than b when compared byte by byte in network order.
func greater(a, b [4]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
