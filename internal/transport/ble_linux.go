//go:build linux

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/XtracT/aintinksmart/internal/config"
)

// Radio wraps the host adapter shared by the link and the scanner.
type Radio struct {
	adapter *bluetooth.Adapter
	mu      sync.Mutex
	enabled bool
}

// NewRadio returns the default host adapter. It is enabled lazily so a
// missing controller surfaces as a per-transfer error instead of a crash.
func NewRadio() *Radio {
	return &Radio{adapter: bluetooth.DefaultAdapter}
}

func (r *Radio) enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	r.enabled = true
	return nil
}

// Link holds at most one GATT connection and its resolved write
// characteristic. It is driven from a single goroutine.
type Link struct {
	radio       *Radio
	log         *zap.Logger
	serviceUUID bluetooth.UUID
	charUUID    bluetooth.UUID
	timeout     time.Duration
	settle      time.Duration
	noResponse  bool

	state  atomic.Int32 // ConnectionState
	device bluetooth.Device
	char   bluetooth.DeviceCharacteristic
	held   bool
}

// NewLink parses the GATT identifiers and returns an idle Link.
func NewLink(radio *Radio, cfg config.BLEConfig, log *zap.Logger) (*Link, error) {
	svc, err := bluetooth.ParseUUID(strings.ToLower(cfg.ServiceUUID))
	if err != nil {
		return nil, fmt.Errorf("transport: service uuid %q: %w", cfg.ServiceUUID, err)
	}
	chr, err := bluetooth.ParseUUID(strings.ToLower(cfg.CharacteristicUUID))
	if err != nil {
		return nil, fmt.Errorf("transport: characteristic uuid %q: %w", cfg.CharacteristicUUID, err)
	}
	l := &Link{
		radio:       radio,
		log:         log,
		serviceUUID: svc,
		charUUID:    chr,
		timeout:     cfg.ConnectTimeout,
		settle:      cfg.SettleDelay,
		noResponse:  cfg.WriteWithoutResponse,
	}
	l.state.Store(int32(StateDisconnected))
	return l, nil
}

// State returns the current link state.
func (l *Link) State() ConnectionState { return ConnectionState(l.state.Load()) }

// Connected reports whether a characteristic is ready for writes.
func (l *Link) Connected() bool { return l.State() == StateConnected }

// Connect establishes the link to addr and resolves the write characteristic.
// A link left over from an earlier attempt is torn down first.
func (l *Link) Connect(ctx context.Context, addr Address) error {
	if l.held {
		l.log.Warn("ble: stale link present, forcing disconnect", zap.Stringer("addr", addr))
		l.Disconnect(true)
	}
	if err := l.radio.enable(); err != nil {
		l.state.Store(int32(StateFailed))
		return err
	}

	mac, err := bluetooth.ParseMAC(addr.String())
	if err != nil {
		l.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	l.state.Store(int32(StateConnecting))
	dev, err := l.dial(ctx, bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}})
	if err != nil {
		l.state.Store(int32(StateFailed))
		return err
	}
	l.device = dev
	l.held = true

	services, err := dev.DiscoverServices([]bluetooth.UUID{l.serviceUUID})
	if err != nil || len(services) == 0 {
		l.log.Warn("ble: service discovery failed",
			zap.Stringer("addr", addr),
			zap.String("service", l.serviceUUID.String()),
			zap.Error(err),
		)
		l.Disconnect(true)
		l.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %s", ErrServiceNotFound, l.serviceUUID.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{l.charUUID})
	if err != nil || len(chars) == 0 {
		l.log.Warn("ble: characteristic discovery failed",
			zap.Stringer("addr", addr),
			zap.String("characteristic", l.charUUID.String()),
			zap.Error(err),
		)
		l.Disconnect(true)
		l.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %s", ErrCharacteristicNotFound, l.charUUID.String())
	}

	l.char = chars[0]
	l.state.Store(int32(StateConnected))
	l.log.Info("ble: connected", zap.Stringer("addr", addr))
	return nil
}

// dial runs the blocking connect under the link timeout. A connection that
// completes after the deadline is released in the background.
func (l *Link) dial(ctx context.Context, addr bluetooth.Address) (bluetooth.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	type result struct {
		dev bluetooth.Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := l.radio.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(l.timeout),
		})
		done <- result{dev: dev, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return bluetooth.Device{}, fmt.Errorf("%w: %v", ErrConnect, r.err)
		}
		return r.dev, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.dev.Disconnect() //nolint:errcheck
			}
		}()
		return bluetooth.Device{}, fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
	}
}

// Write sends one fragment and then waits the settle delay the display
// firmware needs between writes. Once the characteristic write succeeds the
// fragment counts as delivered, even if ctx ends during the delay.
func (l *Link) Write(ctx context.Context, p []byte) error {
	if !l.Connected() {
		return ErrNotConnected
	}
	var err error
	if l.noResponse {
		_, err = l.char.WriteWithoutResponse(p)
	} else {
		_, err = l.char.Write(p)
	}
	if err != nil {
		return fmt.Errorf("transport: write %d bytes: %w", len(p), err)
	}
	settle(ctx, l.settle)
	return nil
}

// Disconnect drops the link when connected, or unconditionally when force
// is set. Link state is cleared either way.
func (l *Link) Disconnect(force bool) {
	if l.held && (l.Connected() || force) {
		if err := l.device.Disconnect(); err != nil {
			l.log.Debug("ble: disconnect", zap.Error(err))
		}
	}
	l.held = false
	l.device = bluetooth.Device{}
	l.char = bluetooth.DeviceCharacteristic{}
	l.state.Store(int32(StateDisconnected))
}

// Scanner lists nearby advertisements.
type Scanner struct {
	radio *Radio
	log   *zap.Logger
}

// NewScanner returns a Scanner sharing radio with the link.
func NewScanner(radio *Radio, log *zap.Logger) *Scanner {
	return &Scanner{radio: radio, log: log}
}

// Scan listens for d (or until ctx ends) and returns one entry per address,
// keeping the strongest signal and the first non-empty name.
func (s *Scanner) Scan(ctx context.Context, d time.Duration) ([]Advertisement, error) {
	if err := s.radio.enable(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.radio.adapter.StopScan() //nolint:errcheck
	}()

	var (
		mu    sync.Mutex
		seen  = make(map[string]*Advertisement)
		order []string
	)
	err := s.radio.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		addr := strings.ToUpper(r.Address.String())
		mu.Lock()
		defer mu.Unlock()
		adv, ok := seen[addr]
		if !ok {
			adv = &Advertisement{Address: addr, RSSI: r.RSSI}
			seen[addr] = adv
			order = append(order, addr)
		}
		if adv.Name == "" {
			adv.Name = r.LocalName()
		}
		if r.RSSI > adv.RSSI {
			adv.RSSI = r.RSSI
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrAdapter, err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Advertisement, 0, len(order))
	for _, addr := range order {
		out = append(out, *seen[addr])
	}
	s.log.Debug("ble: scan finished", zap.Int("devices", len(out)))
	return out, nil
}
