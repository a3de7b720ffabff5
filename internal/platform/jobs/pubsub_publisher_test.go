package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/marketplace/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t)

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           services.OrderEventStatusChanged,
		OrderID:        "ord_123",
		OrderNumber:    "260315-42ab",
		ProductID:      "prod_1",
		PreviousStatus: "purchased",
		CurrentStatus:  "shipped",
		ActorID:        "carrier",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"trackerId": "trk_1"},
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]
	if msg.OrderingKey != "ord_123" {
		t.Fatalf("expected ordering key ord_123, got %q", msg.OrderingKey)
	}
	if msg.Attributes["type"] != services.OrderEventStatusChanged || msg.Attributes["status"] != "shipped" {
		t.Fatalf("unexpected attributes %#v", msg.Attributes)
	}

	var payload orderEventMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_123" || payload.PreviousStatus != "purchased" || !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Metadata["trackerId"] != "trk_1" {
		t.Fatalf("expected metadata to round-trip, got %#v", payload.Metadata)
	}
}

func TestPubSubOrderEventPublisherRequiresOrderID(t *testing.T) {
	_, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: services.OrderEventPurchased}); err == nil {
		t.Fatalf("expected error without order id")
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
