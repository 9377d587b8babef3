package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func testJob() EmailJob {
	return EmailJob{
		ID:        "0b5f1c1e-4a8f-4c1b-9d55-5bde5f1e2a10",
		Template:  "order_confirmation",
		To:        "anna@example.com",
		Subject:   "Order ord_1 confirmed",
		HTML:      "<p>Grazie</p>",
		Text:      "Grazie",
		Reference: "ord_1",
		QueuedAt:  time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestPubSubEmailPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "email-jobs")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubEmailPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEmailPublisher: %v", err)
	}
	if _, err := publisher.PublishEmail(ctx, testJob()); err != nil {
		t.Fatalf("PublishEmail: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload EmailJob
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != testJob().ID || payload.To != "anna@example.com" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["reference"]; attr != "ord_1" {
		t.Fatalf("expected reference attribute, got %q", attr)
	}
}

func TestPubSubEmailPublisherRejectsInvalidJob(t *testing.T) {
	if _, err := NewPubSubEmailPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
	p := &PubSubEmailPublisher{topic: &pubsub.Topic{}, marshal: json.Marshal}
	job := testJob()
	job.To = ""
	if _, err := p.PublishEmail(context.Background(), job); err == nil {
		t.Fatalf("expected validation error")
	}
}

type fakeChannel struct {
	declared   string
	durable    bool
	published  []amqp.Publishing
	routingKey string
	publishErr error
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared, c.durable = name, durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.routingKey = key
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRabbitEmailPublisher(t *testing.T) {
	ch := &fakeChannel{}
	publisher, err := newRabbitEmailPublisher(ch, "emails")
	if err != nil {
		t.Fatalf("newRabbitEmailPublisher: %v", err)
	}
	if ch.declared != "emails" || !ch.durable {
		t.Fatalf("expected durable queue declaration, got %q durable=%v", ch.declared, ch.durable)
	}

	id, err := publisher.PublishEmail(context.Background(), testJob())
	if err != nil {
		t.Fatalf("PublishEmail: %v", err)
	}
	if id != testJob().ID || ch.routingKey != "emails" || len(ch.published) != 1 {
		t.Fatalf("unexpected publish: id=%s key=%s n=%d", id, ch.routingKey, len(ch.published))
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != testJob().ID || msg.Headers["template"] != "order_confirmation" {
		t.Fatalf("unexpected message %#v", msg)
	}

	ch.publishErr = errors.New("channel closed")
	if _, err := publisher.PublishEmail(context.Background(), testJob()); err == nil {
		t.Fatalf("expected publish error")
	}
	if err := publisher.Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel closed, err=%v", err)
	}
	if _, err := newRabbitEmailPublisher(ch, " "); err == nil {
		t.Fatalf("expected error for empty queue")
	}
}

func TestLogEmailPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	publisher := NewLogEmailPublisher(zap.New(core))

	id, err := publisher.PublishEmail(context.Background(), testJob())
	if err != nil {
		t.Fatalf("PublishEmail: %v", err)
	}
	if id != testJob().ID {
		t.Fatalf("expected job id, got %s", id)
	}
	if logs.FilterMessage("email job queued").Len() != 1 {
		t.Fatalf("expected one log entry")
	}
}
