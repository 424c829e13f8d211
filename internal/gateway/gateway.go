// Package gateway runs the transfer loop. It owns the single session and the
// BLE link, drains commands from the broker and publishes statuses.
package gateway

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/broker"
	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/config"
	"github.com/XtracT/aintinksmart/internal/session"
	"github.com/XtracT/aintinksmart/internal/store"
	"github.com/XtracT/aintinksmart/internal/transport"
)

// maxDrain bounds how many queued commands one drain handles, so a flood of
// fragments cannot starve the link.
const maxDrain = 256

// Scanner discovers advertising displays.
type Scanner interface {
	Scan(ctx context.Context, d time.Duration) ([]transport.Advertisement, error)
}

// History persists finished transfers.
type History interface {
	InsertTransfer(t *store.Transfer) (int64, error)
}

// Registry records displays seen by scans and transfers.
type Registry interface {
	Observe(address, name string, rssi int16) error
	RecordStatus(address, status string) error
}

// Deps are the collaborators a Gateway drives. History and Registry may be
// nil; a nil Scanner makes every scan fail with error_scan_init.
type Deps struct {
	Channel  CommandChannel
	Link     session.Peripheral
	Scanner  Scanner
	History  History
	Registry Registry
}

// Gateway is the central application service.
type Gateway struct {
	cfg    *config.Config
	deps   Deps
	log    *zap.Logger
	bus    *EventBus
	router *command.Router
	report *reporter
	sess   *session.Session

	scanRequested bool
	snap          atomic.Pointer[session.Snapshot]
}

// New constructs a Gateway without starting it.
func New(cfg *config.Config, deps Deps, log *zap.Logger) *Gateway {
	topics := command.NewTopics(cfg.Broker.BaseTopic)
	bus := NewEventBus()
	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		bus:    bus,
		router: command.NewRouter(topics),
		report: &reporter{ch: deps.Channel, topics: topics, bus: bus, log: log.Named("status")},
	}

	opts := session.OptionsFromConfig(cfg.Transfer)
	opts.OnFinish = g.recordTransfer
	g.sess = session.New(opts, deps.Link, g.report, log.Named("session"))
	g.publishSnapshot()
	return g
}

// Events returns the bus carrying status, scan and transfer events.
func (g *Gateway) Events() *EventBus { return g.bus }

// Snapshot returns the session state as of the end of the last tick. It is
// safe to call from any goroutine.
func (g *Gateway) Snapshot() session.Snapshot {
	if s := g.snap.Load(); s != nil {
		return *s
	}
	return session.Snapshot{}
}

// Announce publishes the general idle status. It is meant for the broker's
// connect hook and may run on any goroutine.
func (g *Gateway) Announce() {
	g.report.Report("", session.StatusIdle)
}

// Run drives the transfer loop until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("gateway loop starting",
		zap.String("base_topic", g.cfg.Broker.BaseTopic),
		zap.Duration("tick", g.cfg.Transfer.TickInterval),
	)
	g.Announce()

	ticker := time.NewTicker(g.cfg.Transfer.TickInterval)
	defer ticker.Stop()

	for {
		g.tick(ctx)
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

// tick performs at most one unit of work.
func (g *Gateway) tick(ctx context.Context) {
	defer g.publishSnapshot()

	g.drain()
	if g.sess.Active() {
		// A scan that arrived alongside a start is dropped, not deferred.
		g.scanRequested = false
	}
	switch g.sess.Next() {
	case session.WorkConnect:
		g.drain()
		g.sess.Connect(ctx)
	case session.WorkWrite:
		g.drain()
		g.sess.WriteNext(ctx)
	case session.WorkCleanup:
		g.sess.Cleanup()
	case session.WorkNone:
		if g.scanRequested {
			g.scan(ctx)
		}
	}
}

// drain handles queued commands without blocking.
func (g *Gateway) drain() {
	msgs := g.deps.Channel.Messages()
	for i := 0; i < maxDrain; i++ {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			g.dispatch(m)
		default:
			return
		}
	}
}

func (g *Gateway) dispatch(m broker.Message) {
	cmd, err := g.router.Route(m.Topic, m.Payload)
	switch cmd.Kind {
	case command.Unrecognized:
		g.log.Debug("ignoring message", zap.String("topic", m.Topic))
	case command.Scan:
		if g.sess.Active() {
			g.log.Warn("scan refused while a transfer is active", zap.String("target", g.sess.Target()))
			return
		}
		g.scanRequested = true
	default:
		g.sess.Apply(cmd, err)
	}
}

// scan blocks the loop for the scan duration. Commands arriving meanwhile
// stay queued on the channel.
func (g *Gateway) scan(ctx context.Context) {
	g.scanRequested = false
	g.report.Report("", session.StatusScanning)

	if g.deps.Scanner == nil {
		g.log.Warn("scan requested but no scanner is configured")
		g.report.Report("", session.StatusScanInit)
		return
	}
	ads, err := g.deps.Scanner.Scan(ctx, g.cfg.Scan.Duration)
	if err != nil {
		g.log.Error("scan failed", zap.Error(err))
		g.report.Report("", session.StatusScanInit)
		return
	}

	prefix := strings.ToLower(g.cfg.Scan.NamePrefix)
	found := 0
	for _, ad := range ads {
		if !strings.HasPrefix(strings.ToLower(ad.Name), prefix) {
			continue
		}
		found++
		g.report.ScanResult(ad)
		if g.deps.Registry != nil {
			if err := g.deps.Registry.Observe(ad.Address, ad.Name, ad.RSSI); err != nil {
				g.log.Warn("registry: observe", zap.Error(err))
			}
		}
	}
	g.log.Info("scan complete", zap.Int("advertisements", len(ads)), zap.Int("matched", found))
	g.report.Report("", session.StatusScanComplete)
}

func (g *Gateway) recordTransfer(sum session.Summary) {
	t := &store.Transfer{
		SessionID:  sum.ID,
		Target:     sum.Target,
		Expected:   sum.Expected,
		Received:   sum.Received,
		Written:    sum.Written,
		Status:     string(sum.Status),
		StartedAt:  sum.Started,
		FinishedAt: sum.Finished,
	}
	if g.deps.History != nil {
		id, err := g.deps.History.InsertTransfer(t)
		if err != nil {
			g.log.Warn("history: insert transfer", zap.String("session", sum.ID), zap.Error(err))
		} else {
			t.ID = id
		}
	}
	if g.deps.Registry != nil && sum.Status != session.StatusInvalidMAC {
		if err := g.deps.Registry.RecordStatus(sum.Target, string(sum.Status)); err != nil {
			g.log.Warn("registry: record status", zap.Error(err))
		}
	}
	g.bus.Publish(Event{Type: EventTransfer, Data: t})
}

func (g *Gateway) publishSnapshot() {
	s := g.sess.Snapshot()
	g.snap.Store(&s)
}

func (g *Gateway) shutdown() {
	if g.sess.Active() {
		g.log.Warn("shutting down with an active transfer",
			zap.String("target", g.sess.Target()),
			zap.Stringer("state", g.sess.State()),
		)
	}
	g.deps.Link.Disconnect(true)
	g.log.Info("gateway loop stopped")
}
