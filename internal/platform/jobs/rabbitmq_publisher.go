package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitEmailPublisher publishes email jobs to a durable RabbitMQ queue.
type RabbitEmailPublisher struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
}

// DialRabbitEmailPublisher opens a connection and channel and declares the queue.
func DialRabbitEmailPublisher(url, queue string) (*RabbitEmailPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("rabbitmq email publisher: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq email publisher: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq email publisher: open channel: %w", err)
	}
	p, err := newRabbitEmailPublisher(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitEmailPublisher(ch amqpChannel, queue string) (*RabbitEmailPublisher, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, errors.New("rabbitmq email publisher: queue is required")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq email publisher: declare queue %s: %w", queue, err)
	}
	return &RabbitEmailPublisher{ch: ch, queue: queue}, nil
}

// PublishEmail sends the job as a persistent message routed straight to the queue.
func (p *RabbitEmailPublisher) PublishEmail(ctx context.Context, job EmailJob) (string, error) {
	if p == nil || p.ch == nil {
		return "", errors.New("rabbitmq email publisher: not initialised")
	}
	if err := job.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal email job: %w", err)
	}
	headers := amqp.Table{}
	for k, v := range attributes(job) {
		headers[k] = v
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.QueuedAt,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish email job: %w", err)
	}
	return job.ID, nil
}

// Close releases the channel and the connection.
func (p *RabbitEmailPublisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
