package session

import "strings"

// Status is a value published on a status topic.
type Status string

// Per-display statuses.
const (
	StatusIdle          Status = "idle"
	StatusStarting      Status = "starting"
	StatusConnecting    Status = "connecting_ble"
	StatusConnected     Status = "connected_ble"
	StatusRetrying      Status = "retrying_ble_connect"
	StatusConnectFailed Status = "error_ble_connect_failed"
	StatusClientError   Status = "error_ble_client"
	StatusServiceError  Status = "error_ble_service"
	StatusCharError     Status = "error_ble_char"
	StatusInvalidMAC    Status = "error_invalid_mac"
	StatusStartFormat   Status = "error_start_format"
	StatusPacketFormat  Status = "error_packet_format"
	StatusPacketTimeout Status = "error_packet_timeout"
	StatusWriting       Status = "writing"
	StatusSuccess       Status = "success"
	StatusWriteError    Status = "error_write"
)

// Gateway-wide statuses.
const (
	StatusScanning     Status = "scanning"
	StatusScanComplete Status = "scan_complete"
	StatusScanInit     Status = "error_scan_init"
)

// IsError reports whether s is one of the error_* values.
func (s Status) IsError() bool {
	return strings.HasPrefix(string(s), "error_")
}

// Reporter publishes statuses. An empty target selects the gateway-wide
// status topic.
type Reporter interface {
	Report(target string, status Status)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(target string, status Status)

func (f ReporterFunc) Report(target string, status Status) { f(target, status) }
