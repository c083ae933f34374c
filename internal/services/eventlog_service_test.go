package services

import (
	"context"
	"testing"
)

func TestEventLogDegradedMode(t *testing.T) {
	svc := NewEventLogService(nil, "test-group")

	if !svc.Degraded() {
		t.Fatal("event log without Redis should report degraded")
	}

	// Publishing must succeed so the outbox never requeues forever.
	if err := svc.Publish(context.Background(), "topic", "ws1", []byte(`{}`)); err != nil {
		t.Fatalf("degraded publish should drop silently, got %v", err)
	}

	if err := svc.EnsureGroup(context.Background(), "topic"); err == nil {
		t.Fatal("consumer groups are unavailable when degraded")
	}
	if _, err := svc.ReadGroup(context.Background(), "c1", []string{"topic"}); err == nil {
		t.Fatal("reads are unavailable when degraded")
	}
	if err := svc.Ack(context.Background(), "topic", "1-0"); err != nil {
		t.Fatalf("degraded ack should be a no-op, got %v", err)
	}
}

func TestIsBusyGroup(t *testing.T) {
	if isBusyGroup(nil) {
		t.Error("nil error is not busygroup")
	}
	if !isBusyGroup(errBusyGroup{}) {
		t.Error("BUSYGROUP prefix should be recognized")
	}
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }
