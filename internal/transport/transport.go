// Package transport provides the exclusive BLE link used to push payload
// fragments to a display, plus the advertisement scanner used for discovery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ConnectionState describes the current link status.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

var (
	// ErrAdapter means the local radio could not be enabled or used.
	ErrAdapter = errors.New("transport: bluetooth adapter unavailable")
	// ErrConnect means the peripheral did not accept a connection in time.
	ErrConnect = errors.New("transport: connect failed")
	// ErrServiceNotFound means the link came up without the expected service.
	ErrServiceNotFound = errors.New("transport: service not found")
	// ErrCharacteristicNotFound means the service lacks the write characteristic.
	ErrCharacteristicNotFound = errors.New("transport: characteristic not found")
	// ErrNotConnected is returned by Write without an established link.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrUnsupported is returned on platforms without a BLE backend.
	ErrUnsupported = errors.New("transport: bluetooth not supported on this platform")
	// ErrInvalidAddress is returned by ParseAddress.
	ErrInvalidAddress = errors.New("transport: invalid peripheral address")
)

// Address is a 48-bit public device address in transmission order.
type Address [6]byte

// ParseAddress validates a colon-delimited address such as
// "AA:BB:CC:DD:EE:FF" and turns it into a connectable Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 17 || strings.Count(s, ":") != 5 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != len(a) {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	copy(a[:], hw)
	if a == (Address{}) {
		return a, fmt.Errorf("%w: %q is the null address", ErrInvalidAddress, s)
	}
	return a, nil
}

// String renders the address upper-case and colon-delimited.
func (a Address) String() string {
	return strings.ToUpper(net.HardwareAddr(a[:]).String())
}

// Advertisement is one device seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// settle pauses for d after a write, returning early when ctx ends.
func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
