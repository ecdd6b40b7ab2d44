package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ButyrinIA/remy/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// AMQPNotifier publishes notices to a topic exchange with routing key
// notice.<kind>.
type AMQPNotifier struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects to url and declares the durable topic exchange.
func DialAMQP(url, exchange string, log *zap.Logger) (*AMQPNotifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{conn: conn, exchange: exchange, log: log, ch: ch}, nil
}

// RoutingKey is the topic routing key notices of kind are published with.
func RoutingKey(kind models.NoticeKind) string {
	return "notice." + string(kind)
}

// Notify publishes n as a persistent JSON message.
func (a *AMQPNotifier) Notify(ctx context.Context, n models.Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(n.Kind), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Body:         body,
	})
	if err != nil {
		a.log.Error("notice publish failed", zap.String("id", n.ID), zap.Error(err))
		return fmt.Errorf("publish notice %s: %w", n.ID, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ch.Close(); err != nil {
		a.log.Warn("amqp channel close", zap.Error(err))
	}
	return a.conn.Close()
}
