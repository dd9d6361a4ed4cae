package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trickle/internal/instrument"
	"trickle/internal/models"
	"trickle/internal/session"
)

// mockIngester is a mock implementation of the Ingester interface
type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, batch models.Batch) (models.IngestResult, error) {
	args := m.Called(ctx, batch)
	return args.Get(0).(models.IngestResult), args.Error(1)
}

// mockClient is a mock implementation of the MQTTClient interface
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Connect() mqtt.Token {
	return m.Called().Get(0).(mqtt.Token)
}

func (m *mockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(mqtt.Token)
}

func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	return m.Called(topics).Get(0).(mqtt.Token)
}

func (m *mockClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 1 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSourceFromTopic(t *testing.T) {
	assert.Equal(t, "web-01", SourceFromTopic("trickle/web-01/batch"))
	assert.Equal(t, "db", SourceFromTopic("site/a/trickle/db/batch"))
	assert.Equal(t, "", SourceFromTopic("trickle/web-01"))
	assert.Equal(t, "", SourceFromTopic("batch"))
}

func TestHandleUsesTopicWhenPayloadHasNoSource(t *testing.T) {
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.MatchedBy(func(b models.Batch) bool {
		return b.SourceID == "web-01" && len(b.Measurements) == 1
	})).Return(models.IngestResult{MetricsCount: 1}, nil).Once()

	s := NewSubscriber(new(mockClient), ing, MQTTConfig{}, discard(), nil)
	s.handle(nil, message{
		topic:   "trickle/web-01/batch",
		payload: []byte(`{"measurements":[{"timestamp":1000,"subsystem":"/proc/stat","measurement":"cpu 1 2 3 4 5 6 7 8"}]}`),
	})
	ing.AssertExpectations(t)
}

func TestHandleKeepsPayloadSource(t *testing.T) {
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.MatchedBy(func(b models.Batch) bool {
		return b.SourceID == "" && b.LegacyIdentifier == "legacy-host"
	})).Return(models.IngestResult{}, nil).Once()

	s := NewSubscriber(new(mockClient), ing, MQTTConfig{}, discard(), nil)
	s.handle(nil, message{topic: "trickle/other/batch", payload: []byte(`{"identifier":"legacy-host","measurements":[]}`)})
	ing.AssertExpectations(t)
}

func TestHandleCountsOutcomes(t *testing.T) {
	metrics := instrument.New()
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.Anything).Return(models.IngestResult{}, session.ErrSourceBusy)

	s := NewSubscriber(new(mockClient), ing, MQTTConfig{}, discard(), metrics)
	s.backoff = time.Millisecond
	s.handle(nil, message{topic: "trickle/a/batch", payload: []byte(`not json`)})
	s.handle(nil, message{topic: "trickle/a/batch", payload: []byte(`{"measurements":[]}`)})

	ing.AssertNumberOfCalls(t, "Ingest", 3)
	found := batchOutcomes(t, metrics)
	assert.Equal(t, 1.0, found["invalid"])
	assert.Equal(t, 1.0, found["busy"])
}

func TestHandleRetriesBusySource(t *testing.T) {
	metrics := instrument.New()
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.Anything).Return(models.IngestResult{}, session.ErrSourceBusy).Once()
	ing.On("Ingest", mock.Anything, mock.Anything).Return(models.IngestResult{MetricsCount: 1}, nil).Once()

	s := NewSubscriber(new(mockClient), ing, MQTTConfig{}, discard(), metrics)
	s.backoff = time.Millisecond
	s.handle(nil, message{topic: "trickle/a/batch", payload: []byte(`{"measurements":[]}`)})

	ing.AssertNumberOfCalls(t, "Ingest", 2)
	found := batchOutcomes(t, metrics)
	assert.Equal(t, 1.0, found["ok"])
	assert.Zero(t, found["busy"])
}

func TestHandleDoesNotRetryInvalidBatch(t *testing.T) {
	ing := new(mockIngester)
	ing.On("Ingest", mock.Anything, mock.Anything).Return(models.IngestResult{}, session.ErrInvalidBatch)

	s := NewSubscriber(new(mockClient), ing, MQTTConfig{}, discard(), nil)
	s.backoff = time.Millisecond
	s.handle(nil, message{topic: "trickle/a/batch", payload: []byte(`{"measurements":[]}`)})

	ing.AssertNumberOfCalls(t, "Ingest", 1)
}

func batchOutcomes(t *testing.T, metrics *instrument.Metrics) map[string]float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "trickle_batches_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			var outcome string
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcome = l.GetValue()
				}
			}
			found[outcome] = m.GetCounter().GetValue()
		}
	}
	return found
}

func TestRunSubscribesAndDisconnects(t *testing.T) {
	client := new(mockClient)
	client.On("Connect").Return(doneToken{}).Once()
	subscribed := make(chan struct{})
	client.On("Subscribe", "trickle/+/batch", byte(1), mock.Anything).
		Run(func(mock.Arguments) { close(subscribed) }).
		Return(doneToken{}).Once()
	client.On("Unsubscribe", []string{"trickle/+/batch"}).Return(doneToken{}).Once()
	client.On("Disconnect", uint(250)).Once()

	s := NewSubscriber(client, new(mockIngester), MQTTConfig{QoS: 1}, discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("subscribe not called")
	}
	cancel()
	require.NoError(t, <-done)
	client.AssertExpectations(t)
}

func TestRunConnectFailure(t *testing.T) {
	client := new(mockClient)
	client.On("Connect").Return(doneToken{err: errors.New("refused")}).Once()

	s := NewSubscriber(client, new(mockIngester), MQTTConfig{}, discard(), nil)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	client.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}
