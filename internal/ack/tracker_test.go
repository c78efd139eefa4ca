package ack

import "testing"

func TestRegisterAndAcknowledgeCompletes(t *testing.T) {
	//1.- Register two pending clients for a message.
	tr := New()
	tr.Register("m1", []string{"c1", "c2"})
	if !tr.Has("m1") {
		t.Fatalf("expected m1 to have a pending entry after register")
	}

	//2.- Acknowledging the first client leaves the entry pending.
	if status := tr.Acknowledge("m1", "c1"); status != StillPending {
		t.Fatalf("expected StillPending after first ack, got %v", status)
	}
	if !tr.Has("m1") {
		t.Fatalf("expected m1 to still be pending after partial ack")
	}

	//3.- Acknowledging the last client completes and removes the entry.
	if status := tr.Acknowledge("m1", "c2"); status != Completed {
		t.Fatalf("expected Completed after final ack, got %v", status)
	}
	if tr.Has("m1") {
		t.Fatalf("expected m1 entry to be removed once completed")
	}
}

func TestAcknowledgeUnknownMessageIsIdempotent(t *testing.T) {
	//1.- Acknowledging a message with no registered entry reports Unknown.
	tr := New()
	if status := tr.Acknowledge("missing", "c1"); status != Unknown {
		t.Fatalf("expected Unknown status, got %v", status)
	}
}

func TestAcknowledgeIsIdempotentForRepeatedClient(t *testing.T) {
	//1.- Acking the same client twice must not double-complete or error.
	tr := New()
	tr.Register("m1", []string{"c1", "c2"})
	tr.Acknowledge("m1", "c1")
	status := tr.Acknowledge("m1", "c1")
	if status != StillPending {
		t.Fatalf("expected repeated ack of an already-acked client to report StillPending, got %v", status)
	}
}

func TestRegisterWithEmptySetIsNoOp(t *testing.T) {
	//1.- Registering with no pending clients never creates a tracked entry.
	tr := New()
	tr.Register("m1", nil)
	if tr.Has("m1") {
		t.Fatalf("expected empty registration to not create an entry")
	}
}

func TestDropRemovesEntryUnconditionally(t *testing.T) {
	//1.- Drop clears a pending entry regardless of its completion state.
	tr := New()
	tr.Register("m1", []string{"c1"})
	tr.Drop("m1")
	if tr.Has("m1") {
		t.Fatalf("expected entry to be gone after Drop")
	}
}

func TestExpireReturnsPendingClientsSorted(t *testing.T) {
	//1.- Expire reports the still-pending clients without removing the entry.
	tr := New()
	tr.Register("m1", []string{"c2", "c1", "c3"})
	pending := tr.Expire("m1")
	if len(pending) != 3 || pending[0] != "c1" || pending[1] != "c2" || pending[2] != "c3" {
		t.Fatalf("expected sorted pending clients, got %v", pending)
	}

	//2.- The entry must still be present after Expire, for the caller to decide.
	if !tr.Has("m1") {
		t.Fatalf("expected Expire to leave the entry intact")
	}
}

func TestLen(t *testing.T) {
	//1.- Len tracks the number of messages with outstanding entries.
	tr := New()
	tr.Register("m1", []string{"c1"})
	tr.Register("m2", []string{"c1"})
	if tr.Len() != 2 {
		t.Fatalf("expected length 2, got %d", tr.Len())
	}
}
