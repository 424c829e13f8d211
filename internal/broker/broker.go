// Package broker connects the gateway to its MQTT command channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/command"
	"github.com/XtracT/aintinksmart/internal/config"
)

const inboundBuffer = 1024

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("broker: not connected")

// Message is one inbound command-channel message.
type Message struct {
	Topic   string
	Payload []byte
}

// Client wraps a paho client. Inbound messages are queued on a channel so
// the gateway loop can drain them at its own pace.
type Client struct {
	cfg     config.BrokerConfig
	topics  command.Topics
	log     *zap.Logger
	client  mqtt.Client
	inbound chan Message
	// OnConnect runs after every (re)connect once subscriptions are in place.
	OnConnect func()
}

// New builds a Client. Call Connect to open the session.
func New(cfg config.BrokerConfig, topics command.Topics, log *zap.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		topics:  topics,
		log:     log,
		inbound: make(chan Message, inboundBuffer),
	}
	c.client = mqtt.NewClient(c.options())
	return c
}

// ClientID appends a random suffix to prefix so several gateways can share
// one broker.
func ClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.URL()).
		SetClientID(ClientID(c.cfg.ClientIDPrefix)).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn("broker: connection lost", zap.Error(err))
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	return opts
}

// Connect opens the broker session, waiting until ctx is done or the first
// connection succeeds. Reconnection afterwards is automatic.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info("broker: connecting", zap.String("url", c.cfg.URL()))
	tok := c.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("broker: connect %s: %w", c.cfg.URL(), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, allowing in-flight publishes a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Messages returns the inbound command queue.
func (c *Client) Messages() <-chan Message { return c.inbound }

// Publish sends payload to topic without waiting for delivery.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := c.client.Publish(topic, c.cfg.QoS, false, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.log.Warn("broker: publish", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info("broker: connected", zap.String("url", c.cfg.URL()))
	filters := make(map[string]byte)
	for _, f := range c.topics.Subscriptions() {
		filters[f] = c.cfg.QoS
	}
	tok := client.SubscribeMultiple(filters, c.handle)
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) || tok.Error() != nil {
		c.log.Error("broker: subscribe failed", zap.Any("filters", filters), zap.Error(tok.Error()))
		return
	}
	c.log.Info("broker: subscribed", zap.Strings("filters", c.topics.Subscriptions()))
	if c.OnConnect != nil {
		c.OnConnect()
	}
}

// handle runs on the paho router goroutine. It blocks when the loop falls
// behind so no command is dropped.
func (c *Client) handle(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	c.inbound <- Message{Topic: m.Topic(), Payload: payload}
}
