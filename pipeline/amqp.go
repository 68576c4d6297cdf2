package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/log"
)

const (
	amqpExchange   = "ffmpeg_jobs"
	amqpQueueName  = "ffmpeg_job_queue"
	amqpDLQName    = "ffmpeg_job_dlq"
	amqpRoutingKey = "job"

	// Undelivered entries expire after an hour; a worker will never pick
	// them up faster than the submitting session gives up on them.
	amqpMessageTTLMillis = 3600000
	amqpMaxLength        = 10000
)

// amqpEntry is the queue message body. Only the key travels through the
// broker; the job itself stays in the submitting instance's registry.
type amqpEntry struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

// AMQPQueue is a broker-backed JobQueue for deployments that want the
// backlog to survive restarts. Entries that cannot be parsed are
// dead-lettered to a separate queue for inspection rather than redelivered.
type AMQPQueue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery

	// depth approximates the backlog this instance has in flight so
	// Enqueue can fail fast at capacity without a broker round trip.
	depth    atomic.Int64
	capacity int64
}

func NewAMQPQueue(url string, capacity, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialling amqp broker: %w", err)
	}
	channel, deliveries, err := setupAMQPChannel(conn, prefetch)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPQueue{
		conn:       conn,
		channel:    channel,
		deliveries: deliveries,
		capacity:   int64(capacity),
	}, nil
}

func setupAMQPChannel(conn *amqp.Connection, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("setting amqp prefetch: %w", err)
	}
	if err := channel.ExchangeDeclare(amqpExchange, "direct", true, false, false, false, nil); err != nil {
		return nil, nil, fmt.Errorf("declaring amqp exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(amqpDLQName, true, false, false, false, nil); err != nil {
		return nil, nil, fmt.Errorf("declaring amqp dead letter queue: %w", err)
	}
	if _, err := channel.QueueDeclare(amqpQueueName, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(amqpMessageTTLMillis),
		"x-max-length":              int32(amqpMaxLength),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": amqpDLQName,
	}); err != nil {
		return nil, nil, fmt.Errorf("declaring amqp queue: %w", err)
	}
	if err := channel.QueueBind(amqpQueueName, amqpRoutingKey, amqpExchange, false, nil); err != nil {
		return nil, nil, fmt.Errorf("binding amqp queue: %w", err)
	}
	// A recognizable consumer tag makes this instance easy to pick out in the
	// broker's management UI.
	consumerTag := "forge-api-" + config.RandomTrailer(8)
	deliveries, err := channel.Consume(amqpQueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consuming amqp queue: %w", err)
	}
	return channel, deliveries, nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, sessionID, jobID string) error {
	if q.depth.Load() >= q.capacity {
		return ErrQueueFull
	}
	body, err := json.Marshal(amqpEntry{JobID: jobID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshalling queue entry: %w", err)
	}
	err = q.channel.PublishWithContext(ctx, amqpExchange, amqpRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing queue entry: %w", err)
	}
	q.depth.Add(1)
	return nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case delivery, ok := <-q.deliveries:
			if !ok {
				return "", fmt.Errorf("amqp deliveries channel closed")
			}
			q.depth.Add(-1)
			var entry amqpEntry
			if err := json.Unmarshal(delivery.Body, &entry); err != nil {
				log.LogNoRequestID("dead-lettering unparseable queue entry", "err", err)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					return "", fmt.Errorf("rejecting queue entry: %w", nackErr)
				}
				continue
			}
			if err := delivery.Ack(false); err != nil {
				return "", fmt.Errorf("acking queue entry: %w", err)
			}
			return JobKey(entry.SessionID, entry.JobID), nil
		}
	}
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}
