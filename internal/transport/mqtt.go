// Package transport carries batches from agents to the ingestion pipeline
// over MQTT and gRPC.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/session"
)

// Ingester is the pipeline entry point every transport feeds.
type Ingester interface {
	Ingest(ctx context.Context, batch models.Batch) (models.IngestResult, error)
}

// MQTTClient is the subset of the paho client the subscriber uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// NewMQTTClient builds an auto-reconnecting paho client. The client id gets
// a random suffix so several replicas can share one broker.
func NewMQTTClient(cfg MQTTConfig) MQTTClient {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	return mqtt.NewClient(opts)
}

type Subscriber struct {
	client   MQTTClient
	ingester Ingester
	topic    string
	qos      byte
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
	metrics  *instrument.Metrics
}

func NewSubscriber(client MQTTClient, ingester Ingester, cfg MQTTConfig, logger *slog.Logger, metrics *instrument.Metrics) *Subscriber {
	topic := cfg.Topic
	if topic == "" {
		topic = "trickle/+/batch"
	}
	return &Subscriber{
		client:   client,
		ingester: ingester,
		topic:    topic,
		qos:      cfg.QoS,
		timeout:  30 * time.Second,
		attempts: 3,
		backoff:  200 * time.Millisecond,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run connects, subscribes and blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	if token := s.client.Subscribe(s.topic, s.qos, s.handle); token.Wait() && token.Error() != nil {
		s.client.Disconnect(250)
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, token.Error())
	}
	s.logger.Info("mqtt subscribed", "topic", s.topic)

	<-ctx.Done()
	s.client.Unsubscribe(s.topic).WaitTimeout(2 * time.Second)
	s.client.Disconnect(250)
	return nil
}

func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	var batch models.Batch
	if err := json.Unmarshal(msg.Payload(), &batch); err != nil {
		s.metrics.Batch("mqtt", "invalid")
		s.logger.Warn("mqtt payload rejected", "topic", msg.Topic(), "err", err)
		return
	}
	if batch.SourceID == "" && batch.LegacyIdentifier == "" {
		batch.SourceID = SourceFromTopic(msg.Topic())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.ingest(ctx, batch)
	s.metrics.Batch("mqtt", session.Outcome(err))
	if err != nil {
		s.logger.Warn("mqtt batch dropped", "topic", msg.Topic(), "retryable", session.Retryable(err), "err", err)
		return
	}
	s.logger.Debug("mqtt batch ingested", "topic", msg.Topic(), "session", res.SessionID, "metrics", res.MetricsCount)
}

// ingest retries busy and store failures with doubling backoff. The broker
// has already acked the message, so a batch that still fails is lost.
func (s *Subscriber) ingest(ctx context.Context, batch models.Batch) (models.IngestResult, error) {
	wait := s.backoff
	for attempt := 1; ; attempt++ {
		res, err := s.ingester.Ingest(ctx, batch)
		if err == nil || !session.Retryable(err) || attempt >= s.attempts {
			return res, err
		}
		s.logger.Debug("mqtt batch retry", "source", batch.SourceID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return res, err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// SourceFromTopic extracts <source> from a topic shaped like
// <prefix>/<source>/batch.
func SourceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "batch" {
		return ""
	}
	return parts[len(parts)-2]
}
