package topic

import (
	"context"
	"testing"
	"time"

	"eventbroker/internal/message"
)

func newTestTopic(t *testing.T, cfg Config) *Topic {
	t.Helper()
	crashed := make(chan string, 1)
	top := New("t1", cfg, nil, nil, func(name string) { crashed <- name })
	t.Cleanup(top.Stop)
	return top
}

func TestPublishDeliversToActiveSubscriber(t *testing.T) {
	//1.- Subscribe before publishing so the mailbox has a live sink to fan out to.
	top := newTestTopic(t, Config{})
	ctx := context.Background()
	sub := NewSubscriber("c1", 4)
	if err := top.Subscribe(ctx, "c1", sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	//2.- Publish a message and confirm it appears on the subscriber's channel.
	id, err := top.Publish(ctx, message.New("", "", []byte("hello"), false))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case got := <-sub.Messages():
		if got.ID() != id {
			t.Fatalf("expected delivered id %q, got %q", id, got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestSubscribeOverwritesPriorSinkForSameClient(t *testing.T) {
	//1.- Register a first sink for a client id, then a second.
	top := newTestTopic(t, Config{})
	ctx := context.Background()
	first := NewSubscriber("c1", 4)
	second := NewSubscriber("c1", 4)
	if err := top.Subscribe(ctx, "c1", first); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if err := top.Subscribe(ctx, "c1", second); err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	//2.- The first sink must be closed, and only the second receives new messages.
	select {
	case _, ok := <-first.Messages():
		if ok {
			t.Fatalf("expected first sink to be closed, got a message instead")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for prior sink to close")
	}

	if _, err := top.Publish(ctx, message.New("", "", []byte("x"), false)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-second.Messages():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery to the replacement sink")
	}
}

func TestUnsubscribeClosesSinkAndStopsDelivery(t *testing.T) {
	//1.- Subscribe, then unsubscribe the same client id.
	top := newTestTopic(t, Config{})
	ctx := context.Background()
	sub := NewSubscriber("c1", 4)
	if err := top.Subscribe(ctx, "c1", sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := top.Unsubscribe(ctx, "c1"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	//2.- The sink must be closed once the unsubscribe event has applied.
	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for sink to close")
	}
}

func TestAckRequiredRedeliversOnMissedDeadline(t *testing.T) {
	//1.- Use an aggressive ack timeout so a single missed ack triggers redelivery quickly.
	top := newTestTopic(t, Config{AckTimeout: 20 * time.Millisecond, MaxAckRetries: 2})
	ctx := context.Background()
	sub := NewSubscriber("c1", 4)
	if err := top.Subscribe(ctx, "c1", sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	id, err := top.Publish(ctx, message.New("", "", []byte("needs-ack"), true))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	//2.- Drain the first delivery without acking it.
	select {
	case got := <-sub.Messages():
		if got.ID() != id {
			t.Fatalf("expected first delivery id %q, got %q", id, got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first delivery")
	}

	//3.- A redelivery of the same message must arrive once the deadline elapses.
	select {
	case got := <-sub.Messages():
		if got.ID() != id {
			t.Fatalf("expected redelivered id %q, got %q", id, got.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for redelivery")
	}
}

func TestAckCompletesAndCancelsRedelivery(t *testing.T) {
	//1.- Publish a message requiring ack, then acknowledge it promptly.
	top := newTestTopic(t, Config{AckTimeout: 30 * time.Millisecond, MaxAckRetries: 3})
	ctx := context.Background()
	sub := NewSubscriber("c1", 4)
	if err := top.Subscribe(ctx, "c1", sub); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	id, err := top.Publish(ctx, message.New("", "", []byte("needs-ack"), true))
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-sub.Messages()
	if err := top.Acknowledge(ctx, "c1", id); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	//2.- No redelivery should arrive even after waiting past the ack deadline.
	select {
	case got := <-sub.Messages():
		t.Fatalf("unexpected redelivery after ack: %+v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCompactionRetainsOnlyLatestPerKey(t *testing.T) {
	//1.- Publish two messages under the same key to a compacting topic.
	top := newTestTopic(t, Config{Compaction: true})
	ctx := context.Background()
	if _, err := top.Publish(ctx, message.New("", "session-1", []byte("v1"), false)); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	secondID, err := top.Publish(ctx, message.New("", "session-1", []byte("v2"), false))
	if err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	//2.- The backing store must hold a single entry for the key: the second publish
	// replaced the first rather than being appended beside it.
	if n := top.store.Len(); n != 1 {
		t.Fatalf("expected exactly one stored message after replacement, got %d", n)
	}
	if got, ok := top.store.GetByKey("session-1"); !ok || got.ID() != secondID {
		t.Fatalf("expected stored message %q for key session-1, got %q (ok=%v)", secondID, got.ID(), ok)
	}

	//3.- An ack naming a client with no pending entry is still accepted as a no-op.
	if err := top.Acknowledge(ctx, "nobody", secondID); err != nil {
		t.Fatalf("acknowledge on unknown entry must still be accepted as a no-op: %v", err)
	}
}

func TestPublishIgnoredAfterStop(t *testing.T) {
	//1.- Stop the topic, then attempt to publish against it.
	top := New("t1", Config{}, nil, nil, nil)
	top.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := top.Publish(ctx, message.New("", "", nil, false)); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
