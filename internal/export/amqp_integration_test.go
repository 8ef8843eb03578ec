//go:build integration

package export

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/pkg/log"
)

type AMQPSinkSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
}

func TestAMQPSinkSuite(t *testing.T) {
	suite.Run(t, new(AMQPSinkSuite))
}

func (s *AMQPSinkSuite) SetupSuite() {
	s.ctx = context.Background()
	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	s.amqpURL, err = container.AmqpURL(s.ctx)
	s.Require().NoError(err)
}

func (s *AMQPSinkSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *AMQPSinkSuite) sink(name string) (*AMQPSink, Config) {
	cfg := Config{
		URL:        s.amqpURL,
		Exchange:   "pushhub-" + name,
		RoutingKey: "deltas",
		QueueName:  "pushhub-" + name + "-q",
	}
	sink, err := NewAMQP(cfg, log.NewNop())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = sink.Close() })
	return sink, cfg
}

func (s *AMQPSinkSuite) consume(cfg Config) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()
	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(cfg.QueueName, "", true, false, false, false, nil)
	s.Require().NoError(err)
	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("timeout waiting for message")
		return nil
	}
}

func (s *AMQPSinkSuite) TestExportPublishesDelta() {
	sink, cfg := s.sink("export")
	d := &hub.Delta{
		ID:    "0000019a2b3c4d5e0000000000000000",
		Topic: "http://pub.example/feed",
		NewEntries: []hub.EntrySummary{
			{ID: "urn:e1", Title: "first", Updated: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Mode: hub.ContentFull},
		},
	}
	s.Require().NoError(sink.Export(s.ctx, d))

	msg := s.consume(cfg)
	s.Require().NotNil(msg)
	s.Equal("application/json", msg.ContentType)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)
	s.Equal(d.ID, msg.MessageId)
	s.Equal(d.Topic, msg.Headers["topic"])

	var got Message
	s.Require().NoError(json.Unmarshal(msg.Body, &got))
	s.Equal(d.Topic, got.Delta.Topic)
	s.Require().Len(got.Delta.NewEntries, 1)
	s.Equal("urn:e1", got.Delta.NewEntries[0].ID)
	s.False(got.Timestamp.IsZero())
}

func (s *AMQPSinkSuite) TestExchangeRequired() {
	_, err := NewAMQP(Config{URL: s.amqpURL}, nil)
	s.Error(err)
}
