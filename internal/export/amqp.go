package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rzbill/pushhub/internal/hub"
	"github.com/rzbill/pushhub/pkg/log"
)

// Config locates the exchange deltas are published to. QueueName is
// optional; when set, a durable queue is declared and bound to RoutingKey.
type Config struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	QueueName  string `json:"queue" yaml:"queue"`
}

// Enabled reports whether an export target is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Message is the JSON body of every published delta.
type Message struct {
	Delta     hub.Delta `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// AMQPSink publishes deltas as persistent JSON messages.
type AMQPSink struct {
	conn       *amqp.Connection
	mu         sync.Mutex
	channel    *amqp.Channel
	exchange   string
	routingKey string
	log        log.Logger
	now        func() time.Time
}

// NewAMQP dials cfg.URL and declares the exchange (and queue, if named).
func NewAMQP(cfg Config, logger log.Logger) (*AMQPSink, error) {
	if cfg.Exchange == "" {
		return nil, errors.New("export: exchange is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	fail := func(what string, err error) (*AMQPSink, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if cfg.QueueName != "" {
		q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
		if err != nil {
			return fail("declare queue", err)
		}
		if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue", err)
		}
	}

	logger = logger.WithComponent("export")
	logger.Info("connected to rabbitmq",
		log.Str("exchange", cfg.Exchange),
		log.Str("queue", cfg.QueueName),
		log.Str("routing_key", cfg.RoutingKey),
	)
	return &AMQPSink{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		log:        logger,
		now:        time.Now,
	}, nil
}

// Export publishes d. Failures are returned to the caller, which logs them;
// the delta queue is the source of truth either way.
func (s *AMQPSink) Export(ctx context.Context, d *hub.Delta) error {
	body, err := json.Marshal(Message{Delta: *d, Timestamp: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    d.ID,
		Type:         "pushhub.delta",
		Headers:      amqp.Table{"topic": d.Topic},
		Body:         body,
		Timestamp:    s.now(),
	})
	if err != nil {
		return fmt.Errorf("publish delta: %w", err)
	}
	s.log.Debug("exported delta", log.Str("topic", d.Topic), log.Str("delta_id", d.ID))
	return nil
}

// Close tears down the channel and connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
