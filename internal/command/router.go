// Package command turns raw command-channel messages into typed commands.
// Routing is a pure function of the topic and payload.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an inbound message.
type Kind int

const (
	Unrecognized Kind = iota
	Start
	Fragment
	Scan
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Fragment:
		return "packet"
	case Scan:
		return "scan"
	default:
		return "unrecognized"
	}
}

const (
	startSuffix  = "/command/start"
	packetSuffix = "/command/packet"
	targetDigits = 12
)

// ErrStartFormat marks a start command whose payload does not carry a
// positive "total_packets" count.
var ErrStartFormat = errors.New("command: malformed start payload")

// Command is one routed message. Target is set for Start and Fragment.
type Command struct {
	Kind     Kind
	Target   string
	Expected uint32
	Payload  string
}

// Router routes messages published under one topic layout.
type Router struct {
	topics Topics
}

// NewRouter returns a Router for topics.
func NewRouter(topics Topics) *Router {
	return &Router{topics: topics}
}

// Route classifies a message. A start command with a bad payload is returned
// with its Kind and Target set together with an error wrapping ErrStartFormat,
// so the caller can report against the right display.
func (r *Router) Route(topic string, payload []byte) (Command, error) {
	if topic == r.topics.ScanCommand() {
		return Command{Kind: Scan}, nil
	}

	prefix := r.topics.displayPrefix()
	if !strings.HasPrefix(topic, prefix) {
		return Command{}, nil
	}
	rest := topic[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return Command{}, nil
	}
	target, ok := NormalizeTarget(rest[:slash])
	if !ok {
		return Command{}, nil
	}

	switch suffix := rest[slash:]; {
	case strings.HasSuffix(suffix, startSuffix):
		cmd := Command{Kind: Start, Target: target}
		n, err := parseStart(payload)
		if err != nil {
			return cmd, err
		}
		cmd.Expected = n
		return cmd, nil
	case strings.HasSuffix(suffix, packetSuffix):
		return Command{Kind: Fragment, Target: target, Payload: string(payload)}, nil
	}
	return Command{}, nil
}

// NormalizeTarget converts a 12 hex digit topic segment into the upper-case
// colon-delimited form, e.g. "aabbccddee01" -> "AA:BB:CC:DD:EE:01".
func NormalizeTarget(segment string) (string, bool) {
	if len(segment) != targetDigits {
		return "", false
	}
	var b strings.Builder
	b.Grow(targetDigits + targetDigits/2 - 1)
	for i := 0; i < targetDigits; i++ {
		c := segment[i]
		switch {
		case c >= '0' && c <= '9', c >= 'A' && c <= 'F':
		case c >= 'a' && c <= 'f':
			c -= 'a' - 'A'
		default:
			return "", false
		}
		if i > 0 && i%2 == 0 {
			b.WriteByte(':')
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

type startPayload struct {
	TotalPackets *uint32 `json:"total_packets"`
}

func parseStart(payload []byte) (uint32, error) {
	var p startPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStartFormat, err)
	}
	if p.TotalPackets == nil {
		return 0, fmt.Errorf("%w: total_packets missing", ErrStartFormat)
	}
	if *p.TotalPackets == 0 {
		return 0, fmt.Errorf("%w: total_packets must be positive", ErrStartFormat)
	}
	return *p.TotalPackets, nil
}
