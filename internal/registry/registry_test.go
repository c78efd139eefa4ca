package registry

import (
	"context"
	"testing"
	"time"

	"eventbroker/internal/message"
	"eventbroker/internal/topic"
)

func TestCreateTopicRejectsDuplicateName(t *testing.T) {
	//1.- Create a topic once, then attempt to create it again under the same name.
	r := New(nil, nil)
	if err := r.CreateTopic("orders", CreateOptions{}); err != nil {
		t.Fatalf("unexpected error on first create: %v", err)
	}
	if err := r.CreateTopic("orders", CreateOptions{}); err != ErrTopicAlreadyExists {
		t.Fatalf("expected ErrTopicAlreadyExists, got %v", err)
	}
}

func TestDeleteTopicReportsUnknownName(t *testing.T) {
	//1.- Deleting a name that was never created must report ErrTopicNotFound.
	r := New(nil, nil)
	if err := r.DeleteTopic("missing"); err != ErrTopicNotFound {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestDeleteTopicRemovesItFromList(t *testing.T) {
	//1.- Create then delete a topic and confirm List no longer reports it.
	r := New(nil, nil)
	if err := r.CreateTopic("orders", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := r.DeleteTopic("orders"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	for _, name := range r.List() {
		if name == "orders" {
			t.Fatalf("expected orders to be absent from List after delete")
		}
	}
}

func TestPublishToUnknownTopicFails(t *testing.T) {
	//1.- Publishing against a name with no topic must fail fast with ErrTopicNotFound.
	r := New(nil, nil)
	ctx := context.Background()
	if _, err := r.Publish(ctx, "missing", message.New("", "", nil, false)); err != ErrTopicNotFound {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestPublishSubscribeRoundTripThroughRegistry(t *testing.T) {
	//1.- Create a topic, subscribe a sink to it via the registry, then publish.
	r := New(nil, nil)
	ctx := context.Background()
	if err := r.CreateTopic("orders", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sub := topic.NewSubscriber("c1", 4)
	if err := r.Subscribe(ctx, "orders", "c1", sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	id, err := r.Publish(ctx, "orders", message.New("", "", []byte("hi"), false))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	//2.- The message must arrive on the subscribed sink carrying the returned id.
	select {
	case got := <-sub.Messages():
		if got.ID() != id {
			t.Fatalf("expected delivered id %q, got %q", id, got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestUnsubscribeUnknownTopicFails(t *testing.T) {
	//1.- Unsubscribing against a missing topic must report ErrTopicNotFound.
	r := New(nil, nil)
	if err := r.Unsubscribe(context.Background(), "missing", "c1"); err != ErrTopicNotFound {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestAcknowledgeUnknownTopicFails(t *testing.T) {
	//1.- Acknowledging against a missing topic must report ErrTopicNotFound, even
	// though the HTTP layer above the registry treats acks as best-effort.
	r := New(nil, nil)
	if err := r.Acknowledge(context.Background(), "missing", "c1", "m1"); err != ErrTopicNotFound {
		t.Fatalf("expected ErrTopicNotFound, got %v", err)
	}
}

func TestDeletedTopicNameIsReusable(t *testing.T) {
	//1.- Create, delete, then recreate a topic under the same name.
	r := New(nil, nil)
	if err := r.CreateTopic("orders", CreateOptions{}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := r.DeleteTopic("orders"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := r.CreateTopic("orders", CreateOptions{}); err != nil {
		t.Fatalf("expected recreate to succeed, got %v", err)
	}
}
