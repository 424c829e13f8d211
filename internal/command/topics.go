package command

import "strings"

// DefaultBase is the topic root shared by the gateway and its controllers.
const DefaultBase = "aintinksmart/gateway"

// Topics derives every subscribe filter and publish topic from one base.
type Topics struct {
	base string
}

// NewTopics returns the topic layout rooted at base. Leading and trailing
// separators are ignored; an empty base falls back to DefaultBase.
func NewTopics(base string) Topics {
	base = strings.Trim(base, "/")
	if base == "" {
		base = DefaultBase
	}
	return Topics{base: base}
}

func (t Topics) Base() string { return t.base }

// StartFilter matches start commands for every display.
func (t Topics) StartFilter() string { return t.base + "/display/+/command/start" }

// PacketFilter matches fragment commands for every display.
func (t Topics) PacketFilter() string { return t.base + "/display/+/command/packet" }

// ScanCommand is the gateway-wide discovery trigger.
func (t Topics) ScanCommand() string { return t.base + "/bridge/command/scan" }

// BridgeStatus carries gateway-wide status.
func (t Topics) BridgeStatus() string { return t.base + "/bridge/status" }

// ScanResult carries one JSON document per discovered display.
func (t Topics) ScanResult() string { return t.base + "/bridge/scan_result" }

// TargetStatus returns the status topic for a normalized target address.
// Colons are dropped so the segment matches the command topics.
func (t Topics) TargetStatus(target string) string {
	return t.base + "/display/" + strings.ReplaceAll(target, ":", "") + "/status"
}

// Subscriptions lists the filters the gateway listens on.
func (t Topics) Subscriptions() []string {
	return []string{t.StartFilter(), t.PacketFilter(), t.ScanCommand()}
}

func (t Topics) displayPrefix() string { return t.base + "/display/" }
