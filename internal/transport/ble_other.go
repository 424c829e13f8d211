//go:build !linux

package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/config"
)

// Radio is a placeholder on platforms without a BLE backend.
type Radio struct{}

func NewRadio() *Radio { return &Radio{} }

// Link fails every connection attempt with ErrUnsupported.
type Link struct {
	log *zap.Logger
}

func NewLink(_ *Radio, _ config.BLEConfig, log *zap.Logger) (*Link, error) {
	return &Link{log: log}, nil
}

func (l *Link) State() ConnectionState { return StateDisconnected }

func (l *Link) Connected() bool { return false }

func (l *Link) Connect(context.Context, Address) error {
	return fmt.Errorf("%w: %w", ErrAdapter, ErrUnsupported)
}

func (l *Link) Write(context.Context, []byte) error { return ErrNotConnected }

func (l *Link) Disconnect(bool) {}

// Scanner reports ErrAdapter for every scan.
type Scanner struct{}

func NewScanner(_ *Radio, _ *zap.Logger) *Scanner { return &Scanner{} }

func (s *Scanner) Scan(context.Context, time.Duration) ([]Advertisement, error) {
	return nil, fmt.Errorf("%w: %w", ErrAdapter, ErrUnsupported)
}
