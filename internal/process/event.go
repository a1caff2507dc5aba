package process

import (
	"encoding/json"
	"fmt"
	"os"
)

// EventType enumerates the top-level "type" field of the JSON
// external-process protocol.
type EventType string

const (
	EventState         EventType = "state"
	EventNotification   EventType = "notification"
	EventOpen           EventType = "open"
	EventKeepalive      EventType = "keepalive"
	EventUpdate         EventType = "update"
	EventRefresh        EventType = "refresh"
	EventOperational    EventType = "operational"
	EventSignal         EventType = "signal"
)

// NeighborRef identifies the peer an event concerns.
type NeighborRef struct {
	Address string `json:"ip"`
	ASN     uint32 `json:"asn"`
}

// Event is one line of the JSON encoder's output: one JSON object with
// a fixed envelope plus a type-dependent Message payload.
type Event struct {
	ExaBGP   string      `json:"exabgp"`
	Time     int64       `json:"time"`
	Host     string      `json:"host"`
	PID      int         `json:"pid"`
	PPID     int         `json:"ppid"`
	Counter  uint64      `json:"counter"`
	Type     EventType   `json:"type"`
	Neighbor NeighborRef `json:"neighbor"`
	Message  interface{} `json:"message"`
}

// ProtocolVersion is the schema version advertised in every event's
// "exabgp" field, kept for wire compatibility with consumers written
// against the established external-process contract.
const ProtocolVersion = "5.0"

// Builder stamps the constant envelope fields (host/pid/ppid) and a
// monotonically increasing per-process counter onto every event, so
// callers only need to supply type/neighbor/message.
type Builder struct {
	host    string
	pid     int
	ppid    int
	counter uint64
}

func NewBuilder() *Builder {
	return &Builder{host: hostname(), pid: os.Getpid(), ppid: os.Getppid()}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Build constructs one Event, assigning it the next counter value. The
// caller supplies the wall-clock second (threaded in rather than read
// from time.Now() here, so callers that need determinism in tests can
// control it).
func (b *Builder) Build(epochSeconds int64, typ EventType, neighbor NeighborRef, message interface{}) Event {
	b.counter++
	return Event{
		ExaBGP:   ProtocolVersion,
		Time:     epochSeconds,
		Host:     b.host,
		PID:      b.pid,
		PPID:     b.ppid,
		Counter:  b.counter,
		Type:     typ,
		Neighbor: neighbor,
		Message:  message,
	}
}

// EncodeJSON renders ev as one compact JSON line (no trailing newline;
// External.Flush appends it).
func EncodeJSON(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// EncodeText renders a human-readable line for the text encoder, aimed
// at an operator tailing the pipe rather than a parser.
func EncodeText(ev Event) []byte {
	return []byte(fmt.Sprintf("%s %s neighbor %s %v", humanTime(ev.Time), ev.Type, ev.Neighbor.Address, ev.Message))
}

func humanTime(epochSeconds int64) string {
	return fmt.Sprintf("%d", epochSeconds)
}
