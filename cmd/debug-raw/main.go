// Command debug-raw decodes a stream of raw BGP messages (as they
// appear on the wire, header included) and prints one summary line per
// message. Useful for inspecting a capture taken with tcpdump -w or a
// process spec's forwarded stdin replayed back through this tool.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/route-beacon/bgpd/internal/message"
)

func main() {
	extended := false
	args := os.Args[1:]
	for _, a := range args {
		if a == "--extended-message" {
			extended = true
		}
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading stdin: %v\n", err)
		os.Exit(1)
	}

	msgNum := 0
	for len(data) > 0 {
		msg, consumed, ok, err := message.DecodeFrame(data, extended, false)
		if err != nil {
			fmt.Printf("=== msg %d: decode error: %v ===\n", msgNum, err)
			if consumed > 0 {
				data = data[consumed:]
				continue
			}
			break
		}
		if !ok {
			fmt.Printf("incomplete trailing frame: %d bytes remain\n", len(data))
			break
		}
		msgNum++
		describe(msgNum, msg)
		data = data[consumed:]
	}

	fmt.Printf("total messages: %d\n", msgNum)
}

func describe(n int, m message.Message) {
	fmt.Printf("=== msg %d: type=%d (%s) ===\n", n, m.Type(), typeName(m.Type()))
	switch v := m.(type) {
	case message.Open:
		fmt.Printf("  version=%d asn=%d hold=%d identifier=%s\n",
			v.Version, v.MyASN, v.HoldTime, ipString(v.Identifier))
	case message.Update:
		fmt.Printf("  withdrawn=%d nlri=%d attrs=%d\n",
			len(v.Withdrawn), len(v.NLRI), len(v.Attributes.List))
	case message.Notification:
		fmt.Printf("  code=%d subcode=%d data=%s\n", v.Code, v.Subcode, hex.EncodeToString(v.Data))
	case message.RouteRefresh:
		fmt.Printf("  family=%s subtype=%d\n", v.Family, v.Subtype)
	case message.Operational:
		fmt.Printf("  optype=%d family=%s data=%s\n", v.OpType, v.Fam, hex.EncodeToString(v.Data))
	}
}

func typeName(t uint8) string {
	switch t {
	case message.TypeOpen:
		return "OPEN"
	case message.TypeUpdate:
		return "UPDATE"
	case message.TypeNotification:
		return "NOTIFICATION"
	case message.TypeKeepalive:
		return "KEEPALIVE"
	case message.TypeRouteRefresh:
		return "ROUTE-REFRESH"
	case message.TypeOperational:
		return "OPERATIONAL"
	default:
		return "NOP"
	}
}

func ipString(b [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
