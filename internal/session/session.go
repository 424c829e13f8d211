// Package session implements the transfer state machine that relays one
// payload, fragment by fragment, to one BLE display at a time.
//
// A Session is owned by a single goroutine. Command handlers (HandleStart,
// HandleFragment) and work steps (Connect, WriteNext, Cleanup) must all be
// called from that goroutine; nothing here is locked.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/config"
	"github.com/XtracT/aintinksmart/internal/fragment"
	"github.com/XtracT/aintinksmart/internal/transport"
)

// State is the lifecycle position of the session.
type State int

const (
	Idle State = iota
	Starting
	AwaitingConnection
	Delivering
	Succeeded
	Aborted
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case AwaitingConnection:
		return "awaiting_connection"
	case Delivering:
		return "delivering"
	case Succeeded:
		return "succeeded"
	case Aborted:
		return "aborted"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name in JSON documents.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether only cleanup remains.
func (s State) Terminal() bool { return s == Succeeded || s == Aborted }

// Peripheral is the exclusive link the session drives.
type Peripheral interface {
	Connect(ctx context.Context, addr transport.Address) error
	Write(ctx context.Context, fragment []byte) error
	Disconnect(force bool)
	Connected() bool
}

// Work is the next unit the driver loop should perform.
type Work int

const (
	WorkNone Work = iota
	WorkConnect
	WorkWrite
	WorkCleanup
)

func (w Work) String() string {
	switch w {
	case WorkConnect:
		return "connect"
	case WorkWrite:
		return "write"
	case WorkCleanup:
		return "cleanup"
	default:
		return "none"
	}
}

// Summary describes a finished session.
type Summary struct {
	ID       string
	Target   string
	Expected uint32
	Received uint32
	Written  uint32
	Status   Status
	Started  time.Time
	Finished time.Time
}

// Snapshot is a read-only copy of the session counters.
type Snapshot struct {
	ID           string    `json:"id,omitempty"`
	Target       string    `json:"target,omitempty"`
	State        State     `json:"state"`
	Expected     uint32    `json:"expected"`
	Received     uint32    `json:"received"`
	Written      uint32    `json:"written"`
	Queued       int       `json:"queued"`
	Retries      int       `json:"connect_retries"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Options tune retry and timeout behaviour.
type Options struct {
	MaxConnectRetries int
	RetryBackoff      time.Duration
	ReceiveTimeout    time.Duration
	ArmTimeoutOnStart bool

	// Now and NewID default to time.Now and random UUIDs.
	Now   func() time.Time
	NewID func() string
	// OnFinish receives every session that reached cleanup.
	OnFinish func(Summary)
}

// OptionsFromConfig maps the transfer section of the configuration.
func OptionsFromConfig(cfg config.TransferConfig) Options {
	return Options{
		MaxConnectRetries: cfg.MaxConnectRetries,
		RetryBackoff:      cfg.RetryBackoff,
		ReceiveTimeout:    cfg.ReceiveTimeout,
		ArmTimeoutOnStart: cfg.ArmTimeoutOnStart,
	}
}

// Session tracks the single active transfer.
type Session struct {
	opts   Options
	link   Peripheral
	report Reporter
	log    *zap.Logger

	id       string
	target   string
	addr     transport.Address
	state    State
	final    Status
	expected uint32
	received uint32
	written  uint32
	queue    [][]byte

	retries         int
	nextConnect     time.Time
	lastActivity    time.Time
	started         time.Time
	writingReported bool
}

// New returns an idle Session driving link and reporting through report.
func New(opts Options, link Peripheral, report Reporter, log *zap.Logger) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MaxConnectRetries < 1 {
		opts.MaxConnectRetries = 1
	}
	return &Session{
		opts:   opts,
		link:   link,
		report: report,
		log:    log,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Target returns the display being served, or "" when idle.
func (s *Session) Target() string { return s.target }

// Active reports whether a transfer occupies the gateway.
func (s *Session) Active() bool { return s.state != Idle }

// Snapshot copies the observable counters.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:           s.id,
		Target:       s.target,
		State:        s.state,
		Expected:     s.expected,
		Received:     s.received,
		Written:      s.written,
		Queued:       len(s.queue),
		Retries:      s.retries,
		LastActivity: s.lastActivity,
	}
}

// Apply feeds one routed command into the session. err is the routing error
// returned alongside cmd. Scan and unrecognized commands are ignored.
func (s *Session) Apply(cmd command.Command, err error) {
	switch cmd.Kind {
	case command.Start:
		if err != nil {
			s.HandleStartError(cmd.Target, err)
			return
		}
		s.HandleStart(cmd.Target, cmd.Expected)
	case command.Fragment:
		s.HandleFragment(cmd.Target, cmd.Payload)
	}
}

// HandleStart begins a transfer of expected fragments to target. A repeated
// start for the active target resets the session; a start for any other
// target is refused while busy.
func (s *Session) HandleStart(target string, expected uint32) {
	if s.state.Terminal() {
		s.Cleanup()
	}
	if s.state != Idle {
		if target != s.target {
			s.log.Warn("busy with another display, ignoring start",
				zap.String("active", s.target),
				zap.String("target", target),
			)
			return
		}
		s.log.Warn("duplicate start for active transfer, resetting",
			zap.String("target", target),
			zap.String("session", s.id),
		)
		s.link.Disconnect(true)
	}
	s.begin(target, expected)
}

// HandleStartError reports a start command that could not be parsed. The
// session is left untouched.
func (s *Session) HandleStartError(target string, err error) {
	s.log.Warn("malformed start command", zap.String("target", target), zap.Error(err))
	s.report.Report(target, StatusStartFormat)
}

// HandleFragment queues one hex-encoded fragment for the active target.
// Fragments for other targets, or with no session, are dropped silently.
func (s *Session) HandleFragment(target, text string) {
	if s.state == Idle || s.state.Terminal() || target != s.target {
		s.log.Debug("dropping fragment for inactive display", zap.String("target", target))
		return
	}
	s.lastActivity = s.opts.Now()

	data, err := fragment.Decode(text)
	if err != nil {
		s.log.Warn("bad fragment", zap.String("target", s.target), zap.Error(err))
		s.report.Report(s.target, StatusPacketFormat)
		return
	}
	if s.received >= s.expected {
		s.log.Warn("fragment beyond announced count, dropping",
			zap.String("target", s.target),
			zap.Uint32("expected", s.expected),
		)
		return
	}
	s.queue = append(s.queue, data)
	s.received++
}

// Next decides the single unit of work for this tick. It also applies the
// receive timeout, so a stalled session comes back as WorkCleanup.
func (s *Session) Next() Work {
	switch {
	case s.state == Idle:
		return WorkNone
	case s.state.Terminal():
		return WorkCleanup
	}

	if s.stalled() {
		s.log.Warn("fragment receive timeout",
			zap.String("target", s.target),
			zap.Uint32("expected", s.expected),
			zap.Uint32("received", s.received),
			zap.Duration("timeout", s.opts.ReceiveTimeout),
		)
		s.fail(StatusPacketTimeout)
		return WorkCleanup
	}

	switch s.state {
	case AwaitingConnection:
		if s.opts.Now().Before(s.nextConnect) {
			return WorkNone
		}
		return WorkConnect
	case Delivering:
		if len(s.queue) > 0 {
			return WorkWrite
		}
	}
	return WorkNone
}

// Connect makes one connection attempt.
func (s *Session) Connect(ctx context.Context) {
	if s.state != AwaitingConnection {
		return
	}
	s.report.Report(s.target, StatusConnecting)

	err := s.link.Connect(ctx, s.addr)
	if err == nil {
		s.retries = 0
		s.state = Delivering
		s.report.Report(s.target, StatusConnected)
		s.log.Info("connected", zap.String("target", s.target), zap.String("session", s.id))
		return
	}

	if st, ok := connectDiagnostic(err); ok {
		s.report.Report(s.target, st)
	}
	s.retries++
	s.log.Warn("connect failed",
		zap.String("target", s.target),
		zap.Int("attempt", s.retries),
		zap.Int("max", s.opts.MaxConnectRetries),
		zap.Error(err),
	)
	if s.retries >= s.opts.MaxConnectRetries {
		s.fail(StatusConnectFailed)
		return
	}
	s.report.Report(s.target, StatusRetrying)
	s.nextConnect = s.opts.Now().Add(s.opts.RetryBackoff)
}

// WriteNext delivers the oldest queued fragment. A failed write ends the
// whole session; the fragment is not retried.
func (s *Session) WriteNext(ctx context.Context) {
	if s.state != Delivering || len(s.queue) == 0 {
		return
	}
	frag := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	if err := s.link.Write(ctx, frag); err != nil {
		s.log.Warn("fragment write failed",
			zap.String("target", s.target),
			zap.Uint32("written", s.written),
			zap.Error(err),
		)
		s.fail(StatusWriteError)
		return
	}
	s.written++
	s.lastActivity = s.opts.Now()

	if !s.writingReported {
		s.writingReported = true
		s.report.Report(s.target, StatusWriting)
	}
	if s.written%10 == 0 {
		s.log.Debug("progress",
			zap.String("target", s.target),
			zap.Uint32("written", s.written),
			zap.Uint32("expected", s.expected),
		)
	}
	if s.written == s.expected {
		s.state = Succeeded
		s.final = StatusSuccess
		s.report.Report(s.target, StatusSuccess)
		s.log.Info("transfer complete",
			zap.String("target", s.target),
			zap.String("session", s.id),
			zap.Uint32("fragments", s.written),
		)
	}
}

// Cleanup releases the link and returns a finished session to Idle.
func (s *Session) Cleanup() {
	if s.state == Idle {
		return
	}
	if s.state == Aborted {
		s.link.Disconnect(true)
	} else if s.link.Connected() {
		s.link.Disconnect(false)
	}

	sum := Summary{
		ID:       s.id,
		Target:   s.target,
		Expected: s.expected,
		Received: s.received,
		Written:  s.written,
		Status:   s.final,
		Started:  s.started,
		Finished: s.opts.Now(),
	}
	s.log.Info("session cleaned up",
		zap.String("target", s.target),
		zap.String("session", s.id),
		zap.Stringer("state", s.state),
		zap.String("status", string(s.final)),
	)
	s.reset()
	s.report.Report("", StatusIdle)

	if s.opts.OnFinish != nil {
		s.opts.OnFinish(sum)
	}
}

func (s *Session) begin(target string, expected uint32) {
	s.reset()
	s.state = Starting
	s.id = s.opts.NewID()
	s.target = target
	s.expected = expected
	s.started = s.opts.Now()
	s.lastActivity = s.started

	addr, err := transport.ParseAddress(target)
	if err != nil {
		s.log.Warn("invalid display address", zap.String("target", target), zap.Error(err))
		s.fail(StatusInvalidMAC)
		return
	}
	s.addr = addr

	s.log.Info("transfer starting",
		zap.String("target", target),
		zap.String("session", s.id),
		zap.Uint32("expected", expected),
	)
	s.report.Report(target, StatusStarting)
	s.state = AwaitingConnection
}

func (s *Session) fail(status Status) {
	s.state = Aborted
	s.final = status
	s.report.Report(s.target, status)
}

func (s *Session) stalled() bool {
	if s.received >= s.expected {
		return false
	}
	if s.received == 0 && !s.opts.ArmTimeoutOnStart {
		return false
	}
	return s.opts.Now().Sub(s.lastActivity) > s.opts.ReceiveTimeout
}

func (s *Session) reset() {
	s.id = ""
	s.target = ""
	s.addr = transport.Address{}
	s.state = Idle
	s.final = ""
	s.expected = 0
	s.received = 0
	s.written = 0
	s.queue = nil
	s.retries = 0
	s.nextConnect = time.Time{}
	s.lastActivity = time.Time{}
	s.started = time.Time{}
	s.writingReported = false
}

func connectDiagnostic(err error) (Status, bool) {
	switch {
	case errors.Is(err, transport.ErrAdapter):
		return StatusClientError, true
	case errors.Is(err, transport.ErrServiceNotFound):
		return StatusServiceError, true
	case errors.Is(err, transport.ErrCharacteristicNotFound):
		return StatusCharError, true
	}
	return "", false
}
