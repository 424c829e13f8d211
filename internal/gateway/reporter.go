package gateway

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/broker"
	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/session"
	"github.com/XtracT/aintinksmart/internal/transport"
)

// CommandChannel is the message broker as the gateway sees it.
type CommandChannel interface {
	Messages() <-chan broker.Message
	Publish(topic string, payload []byte) error
}

// scanResult is the payload published for each discovered display.
type scanResult struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int16  `json:"rssi,omitempty"`
}

// reporter publishes statuses on the command channel and mirrors them onto
// the event bus. It is safe for concurrent use.
type reporter struct {
	ch     CommandChannel
	topics command.Topics
	bus    *EventBus
	log    *zap.Logger
}

var _ session.Reporter = (*reporter)(nil)

// Report publishes status for target, or on the bridge topic when target is
// empty. Delivery is best effort.
func (r *reporter) Report(target string, status session.Status) {
	topic := r.topics.BridgeStatus()
	if target != "" {
		topic = r.topics.TargetStatus(target)
	}
	r.log.Debug("status", zap.String("topic", topic), zap.String("status", string(status)))
	r.publish(topic, []byte(status))
	r.bus.Publish(Event{Type: EventStatus, Data: StatusEvent{Target: target, Status: string(status)}})
}

// ScanResult publishes one discovered display.
func (r *reporter) ScanResult(ad transport.Advertisement) {
	res := scanResult{Name: ad.Name, Address: ad.Address, RSSI: ad.RSSI}
	payload, err := json.Marshal(res)
	if err != nil {
		r.log.Error("encode scan result", zap.Error(err))
		return
	}
	r.publish(r.topics.ScanResult(), payload)
	r.bus.Publish(Event{Type: EventScanResult, Data: res})
}

func (r *reporter) publish(topic string, payload []byte) {
	if err := r.ch.Publish(topic, payload); err != nil {
		lvl := r.log.Warn
		if errors.Is(err, broker.ErrNotConnected) {
			lvl = r.log.Debug
		}
		lvl("publish dropped", zap.String("topic", topic), zap.Error(err))
	}
}
