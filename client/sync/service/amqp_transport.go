package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonauth "msg_client/client/common/auth"
	"msg_client/client/common/infra/mq"
	"msg_client/client/sync/domain"
)

const (
	amqpEventExchange   = "chat.events"
	amqpCommandExchange = "chat.commands"
)

// AMQPTransport consumes push events from a per-session queue bound to the
// backend's topic exchange, and publishes outbound commands to the command
// exchange. Broker credentials live in the URL; the session token is checked
// for expiry up front so a dead session fails fast instead of binding a
// queue it can never use.
type AMQPTransport struct {
	URL string
}

func NewAMQPTransport(url string) *AMQPTransport {
	return &AMQPTransport{URL: url}
}

func (t *AMQPTransport) Dial(ctx context.Context, sessionToken string) (Conn, error) {
	claims, err := commonauth.UnverifiedClaims(sessionToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	conn, err := mq.NewConnection(t.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpEventExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare event exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpCommandExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare command exchange: %w", err)
	}

	// Exclusive auto-delete queue: one per session, gone with the connection.
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare session queue: %w", err)
	}
	routingKey := fmt.Sprintf("%s.%s.#", claims.TenantID, claims.UserID)
	if err := ch.QueueBind(queue.Name, routingKey, amqpEventExchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("bind session queue: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume session queue: %w", err)
	}

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)

	return &amqpConn{
		conn:       conn,
		channel:    ch,
		tenantID:   claims.TenantID,
		deliveries: deliveries,
		closed:     closed,
	}, nil
}

type amqpConn struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	tenantID   string
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

func (c *amqpConn) ReadEvent() (domain.PushEvent, error) {
	for {
		select {
		case delivery, ok := <-c.deliveries:
			if !ok {
				return domain.PushEvent{}, errors.New("amqp delivery channel closed")
			}
			var ev domain.PushEvent
			if err := json.Unmarshal(delivery.Body, &ev); err != nil {
				// Malformed payloads are skipped, not fatal for the stream.
				continue
			}
			return ev, nil
		case amqpErr := <-c.closed:
			if amqpErr == nil {
				return domain.PushEvent{}, errors.New("amqp connection closed")
			}
			return domain.PushEvent{}, amqpErr
		}
	}
}

func (c *amqpConn) WriteCommand(cmd domain.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), connWriteTimeout)
	defer cancel()
	routingKey := fmt.Sprintf("%s.%s", c.tenantID, cmd.Type)
	return c.channel.PublishWithContext(ctx, amqpCommandExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (c *amqpConn) Close() error {
	return c.conn.Close()
}
