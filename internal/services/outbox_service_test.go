package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mindmesh/internal/models"
)

// fakePublisher records published batches and can be told to fail.
type fakePublisher struct {
	mu       sync.Mutex
	batches  []models.ChangeBatch
	keys     []string
	failNext bool
	degraded bool
}

func (f *fakePublisher) Publish(_ context.Context, _, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker unavailable")
	}
	var batch models.ChangeBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return err
	}
	f.batches = append(f.batches, batch)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) Degraded() bool { return f.degraded }

func (f *fakePublisher) published() []models.ChangeBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChangeBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

func changeEvent(ws, node string) models.ChangeEvent {
	return models.ChangeEvent{
		WorkspaceID: ws,
		NodeID:      node,
		Type:        models.ChangeUpdate,
		Node:        &models.Node{Keyword: node},
		Timestamp:   time.Now().UnixMilli(),
	}
}

func TestOutboxFlushPublishesBatchKeyedByWorkspace(t *testing.T) {
	pub := &fakePublisher{}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))
	outbox.Append(changeEvent("ws-1", "n2"))

	if err := outbox.FlushWorkspace(context.Background(), "ws-1"); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	batches := pub.published()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if batches[0].WorkspaceID != "ws-1" || len(batches[0].Events) != 2 {
		t.Errorf("unexpected batch: %+v", batches[0])
	}
	if pub.keys[0] != "ws-1" {
		t.Errorf("batch should be keyed by workspace id, got %s", pub.keys[0])
	}
	if outbox.PendingCount("ws-1") != 0 {
		t.Error("queue should be empty after flush")
	}
}

func TestOutboxFlushEmptyQueueIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	if err := outbox.FlushWorkspace(context.Background(), "ws-1"); err != nil {
		t.Fatalf("empty flush should succeed: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Error("empty queue must not publish")
	}
}

func TestOutboxRequeuePreservesOrder(t *testing.T) {
	pub := &fakePublisher{failNext: true}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))
	outbox.Append(changeEvent("ws-1", "n2"))

	if err := outbox.FlushWorkspace(context.Background(), "ws-1"); err == nil {
		t.Fatal("flush should report the publish failure")
	}

	// Newer event arrives while the failed batch sits requeued.
	outbox.Append(changeEvent("ws-1", "n3"))

	if err := outbox.FlushWorkspace(context.Background(), "ws-1"); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}

	batches := pub.published()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	got := []string{}
	for _, ev := range batches[0].Events {
		got = append(got, ev.NodeID)
	}
	want := []string{"n1", "n2", "n3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order not preserved after requeue: got %v, want %v", got, want)
		}
	}
}

func TestOutboxThresholdTriggersFlush(t *testing.T) {
	pub := &fakePublisher{}
	outbox := NewOutboxService(pub, "mindmap.node.events", 3)

	outbox.Append(changeEvent("ws-1", "n1"))
	outbox.Append(changeEvent("ws-1", "n2"))
	if len(pub.published()) != 0 {
		t.Fatal("flush must not fire below the threshold")
	}
	outbox.Append(changeEvent("ws-1", "n3"))

	// Threshold flush runs on its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pub.published()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	batches := pub.published()
	if len(batches) != 1 || len(batches[0].Events) != 3 {
		t.Fatalf("expected one 3-event batch, got %+v", batches)
	}
}

func TestOutboxWorkspaceIsolation(t *testing.T) {
	pub := &fakePublisher{}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))
	outbox.Append(changeEvent("ws-2", "m1"))

	outbox.SendImmediately(context.Background(), "ws-1")

	if outbox.PendingCount("ws-1") != 0 {
		t.Error("ws-1 should be drained")
	}
	if outbox.PendingCount("ws-2") != 1 {
		t.Error("ws-2 must be untouched by ws-1's flush")
	}
}

func TestOutboxFlushAll(t *testing.T) {
	pub := &fakePublisher{}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))
	outbox.Append(changeEvent("ws-2", "m1"))

	outbox.FlushAll(context.Background())

	if len(pub.published()) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(pub.published()))
	}
	stats := outbox.Stats()
	if len(stats) != 0 {
		t.Errorf("no pending events expected after FlushAll, got %v", stats)
	}
}

// gatedPublisher parks inside Publish until released so tests can race
// a second flush against an in-flight one.
type gatedPublisher struct {
	fakePublisher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakePublisher.Publish(ctx, topic, key, payload)
}

func TestOutboxConcurrentFlushesKeepWorkspaceOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}, 2), release: make(chan struct{}, 2)}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outbox.FlushWorkspace(context.Background(), "ws-1")
	}()
	<-pub.entered // first flush holds [n1] inside Publish

	outbox.Append(changeEvent("ws-1", "n2"))
	go func() {
		defer wg.Done()
		outbox.FlushWorkspace(context.Background(), "ws-1")
	}()

	pub.release <- struct{}{}
	pub.release <- struct{}{}
	wg.Wait()

	batches := pub.published()
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].Events[0].NodeID != "n1" || batches[1].Events[0].NodeID != "n2" {
		t.Fatalf("older batch overtaken in the durable log: %+v", batches)
	}
}

func TestOutboxAppendDuringFlushSurvivesIntoNextBatch(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}, 1), release: make(chan struct{}, 1)}
	outbox := NewOutboxService(pub, "mindmap.node.events", 10)

	outbox.Append(changeEvent("ws-1", "n1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		outbox.FlushWorkspace(context.Background(), "ws-1")
	}()
	<-pub.entered

	// Arrives after the queue swap but before the publish completes.
	outbox.Append(changeEvent("ws-1", "n2"))

	pub.release <- struct{}{}
	<-done

	if got := outbox.PendingCount("ws-1"); got != 1 {
		t.Fatalf("append during flush lost: pending %d", got)
	}

	pub.release <- struct{}{}
	if err := outbox.FlushWorkspace(context.Background(), "ws-1"); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	<-pub.entered // drain the gate signal from the second flush

	batches := pub.published()
	if len(batches) != 2 || batches[1].Events[0].NodeID != "n2" {
		t.Fatalf("expected n2 in the follow-up batch, got %+v", batches)
	}
}
