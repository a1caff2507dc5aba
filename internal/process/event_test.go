package process

import (
	"encoding/json"
	"testing"
)

func TestBuilder_Envelope(t *testing.T) {
	b := NewBuilder()
	ev := b.Build(1700000000, EventUpdate, NeighborRef{Address: "192.0.2.2", ASN: 65001}, map[string]string{"k": "v"})

	if ev.ExaBGP != ProtocolVersion {
		t.Errorf("version field: %q", ev.ExaBGP)
	}
	if ev.Time != 1700000000 {
		t.Errorf("time field: %d", ev.Time)
	}
	if ev.Counter != 1 {
		t.Errorf("first event must have counter 1, got %d", ev.Counter)
	}
	if ev.PID <= 0 || ev.Host == "" {
		t.Errorf("pid/host must be stamped: pid=%d host=%q", ev.PID, ev.Host)
	}

	ev2 := b.Build(1700000001, EventState, NeighborRef{}, nil)
	if ev2.Counter != 2 {
		t.Errorf("counter must increase per event, got %d", ev2.Counter)
	}
}

func TestEncodeJSON_Shape(t *testing.T) {
	b := NewBuilder()
	ev := b.Build(1700000000, EventNotification, NeighborRef{Address: "192.0.2.2", ASN: 65001},
		map[string]interface{}{"code": 6, "subcode": 0})
	line, err := EncodeJSON(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("output is not one valid JSON object: %v", err)
	}
	for _, key := range []string{"exabgp", "time", "host", "pid", "ppid", "counter", "type", "neighbor", "message"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope key %q missing", key)
		}
	}
	if decoded["type"] != "notification" {
		t.Errorf("type field: %v", decoded["type"])
	}
	neighbor := decoded["neighbor"].(map[string]interface{})
	if neighbor["ip"] != "192.0.2.2" {
		t.Errorf("neighbor address: %v", neighbor["ip"])
	}
}

func TestEncodeText_Contains(t *testing.T) {
	b := NewBuilder()
	ev := b.Build(1700000000, EventState, NeighborRef{Address: "192.0.2.2"}, "established")
	line := string(EncodeText(ev))
	if line == "" {
		t.Fatal("text encoding must not be empty")
	}
}
