// Package api serves the local read-only HTTP API.
//
// Routes:
//
//	GET /api/v1/status               current transfer snapshot
//	GET /api/v1/transfers            transfer history (?limit=, ?target=)
//	GET /api/v1/peripherals          known displays
//	GET /api/v1/peripherals/{addr}   one display
//	GET /api/v1/events               WebSocket stream of gateway events
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/gateway"
	"github.com/XtracT/aintinksmart/internal/session"
	"github.com/XtracT/aintinksmart/internal/store"
)

// StatusSource exposes the live transfer state.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// TransferLister reads the transfer history.
type TransferLister interface {
	ListTransfers(target string, n int) ([]*store.Transfer, error)
}

// PeripheralLister reads the display index.
type PeripheralLister interface {
	List() []store.Peripheral
	Get(address string) (store.Peripheral, bool)
	Count() int
}

// EventSource is the subset of gateway.EventBus the API needs.
type EventSource interface {
	Subscribe() (<-chan gateway.Event, func())
	Len() int
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	status      StatusSource
	transfers   TransferLister
	peripherals PeripheralLister
	events      EventSource
	log         *zap.Logger
	started     time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(
	status StatusSource,
	transfers TransferLister,
	peripherals PeripheralLister,
	events EventSource,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		status:      status,
		transfers:   transfers,
		peripherals: peripherals,
		events:      events,
		log:         log,
		started:     time.Now().UTC(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.getStatus)
	mux.HandleFunc("GET /api/v1/transfers", s.listTransfers)
	mux.HandleFunc("GET /api/v1/peripherals", s.listPeripherals)
	mux.HandleFunc("GET /api/v1/peripherals/{addr}", s.getPeripheral)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// Serve listens on addr and serves h until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	log.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down HTTP API")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"transfer":    s.status.Snapshot(),
		"peripherals": s.peripherals.Count(),
		"subscribers": s.events.Len(),
	})
}

func (s *Server) listTransfers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target, ok := queryTarget(r)
	if !ok {
		http.Error(w, "invalid target", http.StatusBadRequest)
		return
	}
	ts, err := s.transfers.ListTransfers(target, limit)
	if err != nil {
		s.log.Error("api: list transfers", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ts == nil {
		ts = []*store.Transfer{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": ts,
		"count":     len(ts),
	})
}

func (s *Server) listPeripherals(w http.ResponseWriter, r *http.Request) {
	ps := s.peripherals.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peripherals": ps,
		"count":       len(ps),
	})
}

func (s *Server) getPeripheral(w http.ResponseWriter, r *http.Request) {
	addr, ok := normalizeAddress(r.PathValue("addr"))
	if !ok {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	p, ok := s.peripherals.Get(addr)
	if !ok {
		http.Error(w, "peripheral not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.events.Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

func queryTarget(r *http.Request) (string, bool) {
	t := r.URL.Query().Get("target")
	if t == "" {
		return "", true
	}
	return normalizeAddress(t)
}

// normalizeAddress accepts either "AA:BB:CC:DD:EE:FF" or the 12 digit topic
// form and returns the colon form.
func normalizeAddress(s string) (string, bool) {
	return command.NormalizeTarget(strings.ReplaceAll(s, ":", ""))
}
