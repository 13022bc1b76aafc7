// Package trigger starts ingestion when a recorder acknowledges an upload
// over MQTT.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/ingest"
)

// DefaultTopic is the recorder acknowledgement topic filter.
const DefaultTopic = "ack/+/record"

// Message handling limits.
const (
	connectTimeout = 10 * time.Second
	ingestTimeout  = 60 * time.Second
	disconnectMs   = 250
)

// Ack is the recorder's acknowledgement payload. Key and Error may be null.
type Ack struct {
	Thing string `json:"thing"`
	OK    bool   `json:"ok"`
	Key   string `json:"key"`
	Error string `json:"error"`
	// TS is the acknowledgement time in Unix milliseconds.
	TS int64 `json:"ts"`
}

// Ingester indexes one stored recording. *ingest.Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, ev ingest.Event) (index.Record, error)
}

// ClientConfig holds MQTT connection settings.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect opens a connection to the broker. Handlers run concurrently, so a
// slow ingestion does not hold back other acknowledgements.
func Connect(cfg ClientConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// Subscriber turns successful acknowledgements into ingestion events.
type Subscriber struct {
	client   mqtt.Client
	topic    string
	bucket   string
	ingester Ingester
}

// NewSubscriber creates a subscriber. Acknowledgements carry no bucket, so
// bucket names where the recorder uploads.
func NewSubscriber(client mqtt.Client, topic, bucket string, ing Ingester) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Subscriber{client: client, topic: topic, bucket: bucket, ingester: ing}
}

// Start subscribes and handles messages until ctx is done, then unsubscribes
// and disconnects.
func (s *Subscriber) Start(ctx context.Context) error {
	token := s.client.Subscribe(s.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
			slog.Warn("recorder acknowledgement not ingested", "topic", msg.Topic(), "error", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, token.Error())
	}
	slog.Info("subscribed to recorder acknowledgements", "topic", s.topic)

	<-ctx.Done()
	s.client.Unsubscribe(s.topic).WaitTimeout(connectTimeout)
	s.client.Disconnect(disconnectMs)
	return nil
}

// Handle processes one acknowledgement. Failed recordings and acknowledgements
// without a key are logged and ignored.
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) error {
	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return fmt.Errorf("decode acknowledgement: %w", err)
	}
	thing := ack.Thing
	if thing == "" {
		thing = topicThing(topic)
	}

	if !ack.OK {
		slog.Warn("recorder reported failure", "thing", thing, "error", ack.Error)
		return nil
	}
	if ack.Key == "" {
		slog.Debug("acknowledgement without key", "thing", thing)
		return nil
	}
	if s.bucket == "" {
		return errors.New("no bucket configured for acknowledgements")
	}

	ev := ingest.Event{Bucket: s.bucket, Key: ack.Key}
	if ack.TS > 0 {
		ev.EventTime = time.UnixMilli(ack.TS).UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()
	rec, err := s.ingester.Ingest(ctx, ev)
	if err != nil {
		return err
	}
	slog.Info("recording ingested from acknowledgement", "thing", thing, "key", ack.Key, "equipment", rec.EquipmentID)
	return nil
}

// topicThing returns the thing name from "ack/<thing>/record".
func topicThing(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[1]
	}
	return ""
}
