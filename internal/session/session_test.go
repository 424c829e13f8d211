package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/transport"
)

const (
	targetA = "AA:BB:CC:DD:EE:01"
	targetB = "AA:BB:CC:DD:EE:02"
)

type fakeLink struct {
	connectErrs []error
	failWriteAt int

	connected   bool
	connects    int
	writes      [][]byte
	disconnects []bool
}

func (f *fakeLink) Connect(_ context.Context, _ transport.Address) error {
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeLink) Write(_ context.Context, p []byte) error {
	if !f.connected {
		return transport.ErrNotConnected
	}
	if len(f.writes)+1 == f.failWriteAt {
		return errors.New("gatt: write rejected")
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeLink) Disconnect(force bool) {
	f.disconnects = append(f.disconnects, force)
	f.connected = false
}

func (f *fakeLink) Connected() bool { return f.connected }

type report struct {
	target string
	status Status
}

type recorder struct {
	reports []report
}

func (r *recorder) Report(target string, status Status) {
	r.reports = append(r.reports, report{target: target, status: status})
}

func (r *recorder) forTarget(target string) []Status {
	var out []Status
	for _, rep := range r.reports {
		if rep.target == target {
			out = append(out, rep.status)
		}
	}
	return out
}

func (r *recorder) count(target string, status Status) int {
	n := 0
	for _, s := range r.forTarget(target) {
		if s == status {
			n++
		}
	}
	return n
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	s        *Session
	link     *fakeLink
	rec      *recorder
	clk      *clock
	finished []Summary
}

func newHarness(t *testing.T, link *fakeLink, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		link: link,
		rec:  &recorder{},
		clk:  &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		MaxConnectRetries: 4,
		RetryBackoff:      5 * time.Second,
		ReceiveTimeout:    15 * time.Second,
		Now:               h.clk.Now,
		NewID:             func() string { return "session-1" },
		OnFinish:          func(s Summary) { h.finished = append(h.finished, s) },
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.s = New(opts, link, h.rec, zaptest.NewLogger(t))
	return h
}

// drive runs work units until the session has nothing to do this instant.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		h.checkInvariants(t)
		switch h.s.Next() {
		case WorkNone:
			return
		case WorkConnect:
			h.s.Connect(ctx)
		case WorkWrite:
			h.s.WriteNext(ctx)
		case WorkCleanup:
			h.s.Cleanup()
		}
	}
	t.Fatal("session did not settle")
}

func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	snap := h.s.Snapshot()
	if snap.State == Idle {
		if snap.Expected != 0 || snap.Received != 0 || snap.Written != 0 || snap.Queued != 0 || snap.Target != "" {
			t.Fatalf("idle session not reset: %+v", snap)
		}
		return
	}
	if snap.Written > snap.Received || snap.Received > snap.Expected {
		t.Fatalf("counter invariant broken: %+v", snap)
	}
	if !snap.State.Terminal() && snap.Queued != int(snap.Received-snap.Written) {
		t.Fatalf("queue length %d != received-written %d", snap.Queued, snap.Received-snap.Written)
	}
}

func assertStatuses(t *testing.T, got, want []Status) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
}

func TestSuccessfulTransfer(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 3)
	h.drive(t)
	h.s.HandleFragment(targetA, "0102")
	h.s.HandleFragment(targetA, "0A0B0C")
	h.s.HandleFragment(targetA, "FF")
	h.drive(t)

	assertStatuses(t, h.rec.forTarget(targetA), []Status{
		StatusStarting, StatusConnecting, StatusConnected, StatusWriting, StatusSuccess,
	})
	assertStatuses(t, h.rec.forTarget(""), []Status{StatusIdle})

	want := [][]byte{{0x01, 0x02}, {0x0A, 0x0B, 0x0C}, {0xFF}}
	if len(h.link.writes) != len(want) {
		t.Fatalf("wrote %d fragments, want %d", len(h.link.writes), len(want))
	}
	for i := range want {
		if !bytes.Equal(h.link.writes[i], want[i]) {
			t.Errorf("write %d = % X, want % X", i, h.link.writes[i], want[i])
		}
	}

	if len(h.finished) != 1 {
		t.Fatalf("finished sessions = %d, want 1", len(h.finished))
	}
	sum := h.finished[0]
	if sum.Written != 3 || sum.Received != 3 || sum.Expected != 3 || sum.Status != StatusSuccess {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ID != "session-1" || sum.Target != targetA {
		t.Errorf("summary identity = %q/%q", sum.ID, sum.Target)
	}
	if h.s.State() != Idle || h.s.Target() != "" {
		t.Errorf("session not idle after cleanup: %v %q", h.s.State(), h.s.Target())
	}
	if h.link.connected {
		t.Error("link still connected after cleanup")
	}
	if fmt.Sprint(h.link.disconnects) != "[false]" {
		t.Errorf("disconnects = %v, want one graceful disconnect", h.link.disconnects)
	}
}

func TestSingleFragmentTransferReportsWritingOnce(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 1)
	h.s.HandleFragment(targetA, "00")
	h.drive(t)

	assertStatuses(t, h.rec.forTarget(targetA), []Status{
		StatusStarting, StatusConnecting, StatusConnected, StatusWriting, StatusSuccess,
	})
}

func TestSucceedsOnlyWhenAllWritten(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 3)
	h.s.HandleFragment(targetA, "01")
	h.s.HandleFragment(targetA, "02")
	h.drive(t)

	if h.s.State() != Delivering {
		t.Fatalf("state = %v after 2/3 fragments, want delivering", h.s.State())
	}
	if h.rec.count(targetA, StatusSuccess) != 0 {
		t.Fatal("success reported before the last fragment")
	}

	h.s.HandleFragment(targetA, "03")
	h.drive(t)
	if h.rec.count(targetA, StatusSuccess) != 1 {
		t.Fatal("success not reported after the last fragment")
	}
}

func TestConnectRetriesExhausted(t *testing.T) {
	link := &fakeLink{connectErrs: []error{
		transport.ErrConnect, transport.ErrConnect, transport.ErrConnect, transport.ErrConnect,
	}}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 3)
	h.s.HandleFragment(targetA, "0102")
	h.s.HandleFragment(targetA, "0A0B0C")
	h.s.HandleFragment(targetA, "FF")

	for i := 0; i < 4; i++ {
		h.drive(t)
		h.clk.Advance(5 * time.Second)
	}
	h.drive(t)

	if link.connects != 4 {
		t.Errorf("connect attempts = %d, want 4", link.connects)
	}
	if len(link.writes) != 0 {
		t.Errorf("wrote %d fragments without a link", len(link.writes))
	}
	if n := h.rec.count(targetA, StatusRetrying); n != 3 {
		t.Errorf("retrying reported %d times, want 3", n)
	}
	statuses := h.rec.forTarget(targetA)
	if last := statuses[len(statuses)-1]; last != StatusConnectFailed {
		t.Errorf("last status = %s, want %s", last, StatusConnectFailed)
	}
	assertStatuses(t, h.rec.forTarget(""), []Status{StatusIdle})
	if h.s.State() != Idle {
		t.Errorf("state = %v, want idle", h.s.State())
	}
	if fmt.Sprint(link.disconnects) != "[true]" {
		t.Errorf("disconnects = %v, want one forced disconnect", link.disconnects)
	}
}

func TestConnectBackoffDefersRetry(t *testing.T) {
	link := &fakeLink{connectErrs: []error{transport.ErrConnect}}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 1)
	h.drive(t)
	if link.connects != 1 {
		t.Fatalf("connects = %d, want 1", link.connects)
	}

	h.clk.Advance(4 * time.Second)
	if w := h.s.Next(); w != WorkNone {
		t.Fatalf("Next() during back-off = %v, want none", w)
	}

	h.clk.Advance(time.Second)
	h.drive(t)
	if link.connects != 2 || h.s.State() != Delivering {
		t.Fatalf("connects = %d state = %v, want 2 delivering", link.connects, h.s.State())
	}
	if h.s.Snapshot().Retries != 0 {
		t.Error("retry counter not reset after a successful connect")
	}
}

func TestConnectDiagnostics(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{err: transport.ErrAdapter, want: StatusClientError},
		{err: fmt.Errorf("%w: 1523", transport.ErrServiceNotFound), want: StatusServiceError},
		{err: fmt.Errorf("%w: 1525", transport.ErrCharacteristicNotFound), want: StatusCharError},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness(t, &fakeLink{connectErrs: []error{tt.err}}, nil)
			h.s.HandleStart(targetA, 1)
			h.drive(t)
			assertStatuses(t, h.rec.forTarget(targetA), []Status{
				StatusStarting, StatusConnecting, tt.want, StatusRetrying,
			})
		})
	}
}

func TestReceiveTimeout(t *testing.T) {
	link := &fakeLink{}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 5)
	h.s.HandleFragment(targetA, "01")
	h.s.HandleFragment(targetA, "02")
	h.drive(t)

	h.clk.Advance(15 * time.Second)
	if w := h.s.Next(); w != WorkNone {
		t.Fatalf("Next() at exactly the timeout = %v, want none", w)
	}
	h.clk.Advance(time.Millisecond)
	h.drive(t)

	if h.rec.count(targetA, StatusPacketTimeout) != 1 {
		t.Fatalf("statuses = %v, want a packet timeout", h.rec.forTarget(targetA))
	}
	assertStatuses(t, h.rec.forTarget(""), []Status{StatusIdle})
	snap := h.s.Snapshot()
	if snap.State != Idle || snap.Queued != 0 || snap.Received != 0 || snap.Target != "" {
		t.Errorf("session not reset: %+v", snap)
	}
	if h.finished[0].Status != StatusPacketTimeout || h.finished[0].Written != 2 {
		t.Errorf("summary = %+v", h.finished[0])
	}
}

func TestNoTimeoutBeforeFirstFragment(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 5)
	h.drive(t)
	h.clk.Advance(time.Hour)
	h.drive(t)

	if h.s.State() != Delivering {
		t.Fatalf("state = %v, want delivering", h.s.State())
	}
}

func TestArmTimeoutOnStart(t *testing.T) {
	h := newHarness(t, &fakeLink{}, func(o *Options) { o.ArmTimeoutOnStart = true })

	h.s.HandleStart(targetA, 5)
	h.drive(t)
	h.clk.Advance(16 * time.Second)
	h.drive(t)

	if h.rec.count(targetA, StatusPacketTimeout) != 1 {
		t.Fatalf("statuses = %v, want a packet timeout", h.rec.forTarget(targetA))
	}
	if h.s.State() != Idle {
		t.Errorf("state = %v, want idle", h.s.State())
	}
}

func TestFragmentActivityDefersTimeout(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 4)
	h.s.HandleFragment(targetA, "01")
	h.drive(t)
	for i := 0; i < 3; i++ {
		h.clk.Advance(10 * time.Second)
		h.s.HandleFragment(targetA, "zz") // malformed, still counts as activity
		h.drive(t)
	}
	if h.rec.count(targetA, StatusPacketTimeout) != 0 {
		t.Fatal("timed out despite steady fragment traffic")
	}
	if n := h.rec.count(targetA, StatusPacketFormat); n != 3 {
		t.Errorf("packet format errors = %d, want 3", n)
	}
}

func TestWriteFailureAbortsSession(t *testing.T) {
	link := &fakeLink{failWriteAt: 2}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 3)
	h.s.HandleFragment(targetA, "01")
	h.s.HandleFragment(targetA, "02")
	h.s.HandleFragment(targetA, "03")
	h.drive(t)

	if len(link.writes) != 1 {
		t.Errorf("successful writes = %d, want 1", len(link.writes))
	}
	statuses := h.rec.forTarget(targetA)
	if last := statuses[len(statuses)-1]; last != StatusWriteError {
		t.Errorf("last status = %s, want %s", last, StatusWriteError)
	}
	if h.rec.count(targetA, StatusSuccess) != 0 {
		t.Error("success reported after a failed write")
	}
	if fmt.Sprint(link.disconnects) != "[true]" {
		t.Errorf("disconnects = %v, want one forced disconnect", link.disconnects)
	}
	if h.finished[0].Status != StatusWriteError || h.finished[0].Written != 1 {
		t.Errorf("summary = %+v", h.finished[0])
	}
}

func TestFragmentForOtherTargetDropped(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetB, 3)
	h.drive(t)
	before := len(h.rec.reports)

	h.s.HandleFragment(targetA, "0102")

	if snap := h.s.Snapshot(); snap.Received != 0 || snap.Queued != 0 {
		t.Errorf("foreign fragment counted: %+v", snap)
	}
	if len(h.rec.reports) != before {
		t.Errorf("foreign fragment produced statuses: %v", h.rec.reports[before:])
	}
}

func TestFragmentWhileIdleDropped(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleFragment(targetA, "0102")

	if h.s.Active() || len(h.rec.reports) != 0 {
		t.Fatalf("idle fragment changed state: active=%v reports=%v", h.s.Active(), h.rec.reports)
	}
}

func TestMalformedFragmentReported(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 2)
	h.s.HandleFragment(targetA, "ABC")
	h.s.HandleFragment(targetA, "0x01")

	if n := h.rec.count(targetA, StatusPacketFormat); n != 2 {
		t.Errorf("packet format errors = %d, want 2", n)
	}
	if snap := h.s.Snapshot(); snap.Received != 0 {
		t.Errorf("malformed fragments counted: %+v", snap)
	}
}

func TestFragmentsBeyondExpectedDropped(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStart(targetA, 2)
	for _, f := range []string{"01", "02", "03"} {
		h.s.HandleFragment(targetA, f)
	}
	if snap := h.s.Snapshot(); snap.Received != 2 || snap.Queued != 2 {
		t.Errorf("snapshot = %+v, want 2 received", snap)
	}
}

func TestMalformedStartThenValidStart(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)

	h.s.HandleStartError(targetA, errors.New("total_packets missing"))
	if h.s.Active() {
		t.Fatal("malformed start created a session")
	}
	assertStatuses(t, h.rec.forTarget(targetA), []Status{StatusStartFormat})

	h.s.HandleStart(targetA, 1)
	h.s.HandleFragment(targetA, "AA")
	h.drive(t)
	assertStatuses(t, h.rec.forTarget(targetA), []Status{
		StatusStartFormat, StatusStarting, StatusConnecting, StatusConnected, StatusWriting, StatusSuccess,
	})
}

func TestStartForOtherTargetRejected(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	link := &fakeLink{}
	rec := &recorder{}
	s := New(Options{MaxConnectRetries: 4, ReceiveTimeout: time.Second}, link, rec, zap.New(core))

	s.HandleStart(targetA, 3)
	s.HandleFragment(targetA, "01")
	before := s.Snapshot()
	reports := len(rec.reports)

	s.HandleStart(targetB, 7)

	if after := s.Snapshot(); after != before {
		t.Errorf("rejected start mutated session: %+v -> %+v", before, after)
	}
	if len(rec.reports) != reports {
		t.Errorf("rejected start produced statuses: %v", rec.reports[reports:])
	}
	if logs.FilterMessage("busy with another display, ignoring start").Len() != 1 {
		t.Error("busy warning not logged")
	}
}

func TestDuplicateStartResetsSession(t *testing.T) {
	link := &fakeLink{}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 3)
	h.s.HandleFragment(targetA, "01")
	h.drive(t)

	h.s.HandleStart(targetA, 2)

	snap := h.s.Snapshot()
	if snap.Expected != 2 || snap.Received != 0 || snap.Written != 0 || snap.Queued != 0 {
		t.Errorf("duplicate start did not reset counters: %+v", snap)
	}
	if snap.State != AwaitingConnection {
		t.Errorf("state = %v, want awaiting_connection", snap.State)
	}
	if fmt.Sprint(link.disconnects) != "[true]" {
		t.Errorf("disconnects = %v, want one forced disconnect", link.disconnects)
	}
	if n := h.rec.count(targetA, StatusStarting); n != 2 {
		t.Errorf("starting reported %d times, want 2", n)
	}

	h.s.HandleFragment(targetA, "0A")
	h.s.HandleFragment(targetA, "0B")
	h.drive(t)
	if h.rec.count(targetA, StatusSuccess) != 1 {
		t.Fatalf("reset session did not complete: %v", h.rec.forTarget(targetA))
	}
	if h.rec.count(targetA, StatusWriting) != 2 {
		t.Error("writing flag not reset by the duplicate start")
	}
}

func TestStartAfterTerminalCleansUpFirst(t *testing.T) {
	link := &fakeLink{}
	h := newHarness(t, link, nil)

	h.s.HandleStart(targetA, 1)
	h.s.HandleFragment(targetA, "01")
	ctx := context.Background()
	h.s.Next()
	h.s.Connect(ctx)
	h.s.Next()
	h.s.WriteNext(ctx)
	if h.s.State() != Succeeded {
		t.Fatalf("state = %v, want succeeded", h.s.State())
	}

	h.s.HandleStart(targetB, 1)

	if h.s.Target() != targetB || h.s.State() != AwaitingConnection {
		t.Fatalf("new session not started: %q %v", h.s.Target(), h.s.State())
	}
	assertStatuses(t, h.rec.forTarget(""), []Status{StatusIdle})
	if len(h.finished) != 1 || h.finished[0].Target != targetA {
		t.Errorf("finished = %+v", h.finished)
	}
}

func TestLateFragmentAfterAbortIgnored(t *testing.T) {
	h := newHarness(t, &fakeLink{failWriteAt: 1}, nil)

	h.s.HandleStart(targetA, 3)
	h.s.HandleFragment(targetA, "01")
	ctx := context.Background()
	h.s.Next()
	h.s.Connect(ctx)
	h.s.Next()
	h.s.WriteNext(ctx)
	if h.s.State() != Aborted {
		t.Fatalf("state = %v, want aborted", h.s.State())
	}

	h.s.HandleFragment(targetA, "02")
	if h.s.Snapshot().Received != 1 {
		t.Error("fragment accepted after abort")
	}
	if w := h.s.Next(); w != WorkCleanup {
		t.Errorf("Next() after abort = %v, want cleanup", w)
	}
}

func TestInvalidAddressAborts(t *testing.T) {
	link := &fakeLink{}
	h := newHarness(t, link, nil)

	h.s.HandleStart("00:00:00:00:00:00", 2)
	h.drive(t)

	assertStatuses(t, h.rec.forTarget("00:00:00:00:00:00"), []Status{StatusInvalidMAC})
	assertStatuses(t, h.rec.forTarget(""), []Status{StatusIdle})
	if link.connects != 0 {
		t.Errorf("connect attempted for an invalid address")
	}
}

func TestInterleavedTrafficKeepsInvariants(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)
	const n = 25

	h.s.HandleStart(targetA, n)
	for i := 0; i < n; i++ {
		h.s.HandleFragment(targetA, fmt.Sprintf("%02X%02X", i, i))
		if i%3 == 0 {
			h.checkInvariants(t)
			switch h.s.Next() {
			case WorkConnect:
				h.s.Connect(context.Background())
			case WorkWrite:
				h.s.WriteNext(context.Background())
			}
		}
	}
	h.drive(t)

	if h.rec.count(targetA, StatusSuccess) != 1 || h.finished[0].Written != n {
		t.Fatalf("transfer incomplete: %+v", h.finished)
	}
	for i, w := range h.link.writes {
		if w[0] != byte(i) {
			t.Fatalf("write %d out of order: % X", i, w)
		}
	}
}

func TestApplyRoutedCommands(t *testing.T) {
	h := newHarness(t, &fakeLink{}, nil)
	router := command.NewRouter(command.NewTopics(""))

	h.s.Apply(router.Route("aintinksmart/gateway/display/aabbccddee01/command/start", []byte(`{"total_packets":"x"}`)))
	if got := h.rec.forTarget(targetA); len(got) != 1 || got[0] != StatusStartFormat {
		t.Fatalf("statuses after bad start = %v", got)
	}
	if h.s.Active() {
		t.Fatal("bad start activated the session")
	}

	h.s.Apply(router.Route("aintinksmart/gateway/display/aabbccddee01/command/start", []byte(`{"total_packets":1}`)))
	h.s.Apply(router.Route("aintinksmart/gateway/bridge/command/scan", nil))
	h.s.Apply(router.Route("aintinksmart/gateway/display/aabbccddee01/command/packet", []byte("0102")))
	h.drive(t)

	if len(h.link.writes) != 1 || !bytes.Equal(h.link.writes[0], []byte{0x01, 0x02}) {
		t.Fatalf("writes = %x", h.link.writes)
	}
	if len(h.finished) != 1 || h.finished[0].Status != StatusSuccess {
		t.Fatalf("finished = %+v", h.finished)
	}
}
