// Package mqtt publishes reconciled sessions and device status to the
// statistics sink over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"oclean-bridge/internal/config"
)

type Client struct {
	client      mqtt.Client
	topicPrefix string
	mu          sync.RWMutex
	connected   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// SessionMessage is the wire shape of one accepted brushing session.
// Pointer fields are omitted when the source format did not carry them;
// an absent field is never serialized as zero.
type SessionMessage struct {
	MAC            string           `json:"mac"`
	TimestampUTC   int64            `json:"timestamp_utc"`
	DurationS      *int             `json:"duration_s,omitempty"`
	ValidDurationS *int             `json:"valid_duration_s,omitempty"`
	Score          *int             `json:"score,omitempty"`
	SchemeID       *int             `json:"scheme_id,omitempty"`
	SchemeName     string           `json:"scheme_name,omitempty"`
	SchemeType     *int             `json:"scheme_type,omitempty"`
	Overcross      *int             `json:"overcross,omitempty"`
	WearIndicator  *int             `json:"wear_indicator,omitempty"`
	Pressure       *float64         `json:"pressure,omitempty"`
	Zones          map[string]uint8 `json:"zones,omitempty"`
	Source         string           `json:"source"`
}

// StatusMessage is the wire shape of a device status report.
type StatusMessage struct {
	MAC        string    `json:"mac"`
	Timestamp  time.Time `json:"timestamp"`
	IsBrushing bool      `json:"is_brushing"`
	Battery    *int      `json:"battery_pct,omitempty"`
	WearCount  *int      `json:"wear_count,omitempty"`
	Reachable  bool      `json:"reachable"`
}

func NewClient(cfg config.Config) (*Client, error) {
	c := &Client{
		topicPrefix: cfg.MQTTTopicPrefix,
		stopCh:      make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		slog.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes the broker connection. It waits for the initial
// connection and respects ctx and Disconnect().
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.client.Disconnect(250)
		c.setConnected(false)
	})
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// PublishSession publishes an accepted session to <prefix>/<mac>/session.
func (c *Client) PublishSession(msg SessionMessage) error {
	return c.publish(fmt.Sprintf("%s/%s/session", c.topicPrefix, macSlug(msg.MAC)), msg)
}

// PublishStatus publishes a device status report to <prefix>/<mac>/status.
func (c *Client) PublishStatus(msg StatusMessage) error {
	return c.publish(fmt.Sprintf("%s/%s/status", c.topicPrefix, macSlug(msg.MAC)), msg)
}

func (c *Client) publish(topic string, v any) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	token := c.client.Publish(topic, 1, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func macSlug(mac string) string {
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		ch := mac[i]
		if ch == ':' {
			ch = '_'
		}
		if ch >= 'A' && ch <= 'Z' {
			ch += 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}
