package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	var received *events.Event

	sub, err := bus.Subscribe("observer", func(ctx context.Context, event *events.Event) error {
		received = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := events.New(events.AgentCreated)
	event.AgentID = "agent-1"
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Dispatch is synchronous: the handler has already run.
	if received == nil {
		t.Fatal("Expected event to be delivered before Publish returned")
	}
	if received.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, received.ID)
	}
	if received.AgentID != "agent-1" {
		t.Errorf("Expected agent_id agent-1, got %s", received.AgentID)
	}
}

func TestMemoryEventBus_DuplicateSubscriptionID(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	handler := func(ctx context.Context, event *events.Event) error { return nil }
	if _, err := bus.Subscribe("dup", handler); err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("dup", handler); err == nil {
		t.Error("Expected error for duplicate subscription id")
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	count := 0

	sub, err := bus.Subscribe("counter", func(ctx context.Context, event *events.Event) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, events.New(events.AgentCreated)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, events.New(events.AgentCreated)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if count != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

// TestMemoryEventBus_MessageOrdering verifies that events are delivered to
// handlers in the exact order they are published. Handlers run on the
// publisher's goroutine, so ordering needs no synchronization beyond the
// publish sequence itself. This matters for streamed message content.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	receivedOrder := make([]string, 0, numEvents)
	sub, err := bus.Subscribe("ordering", func(ctx context.Context, event *events.Event) error {
		receivedOrder = append(receivedOrder, event.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		event := events.New(events.MessageReceived)
		event.Message = fmt.Sprintf("seq-%03d", i)
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	// With synchronous dispatch, all handlers have completed by now.
	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, msg := range receivedOrder {
		want := fmt.Sprintf("seq-%03d", i)
		if msg != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, msg)
		}
	}
}

// TestMemoryEventBus_OrderingWithSlowHandler verifies ordering is preserved
// when handler execution times vary. Async dispatch would let fast handlers
// overtake slow ones.
func TestMemoryEventBus_OrderingWithSlowHandler(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 50

	receivedOrder := make([]int, 0, numEvents)
	seq := 0
	sub, err := bus.Subscribe("slow", func(ctx context.Context, event *events.Event) error {
		// Earlier events take longer; async dispatch would reorder.
		delay := time.Duration(numEvents-seq) * 100 * time.Microsecond
		time.Sleep(delay)
		receivedOrder = append(receivedOrder, seq)
		seq++
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		if err := bus.Publish(ctx, events.New(events.MessageReceived)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, got := range receivedOrder {
		if got != i {
			t.Errorf("Ordering violation at position %d: got %d", i, got)
		}
	}
}

// TestMemoryEventBus_HandlerPanicIsolation verifies a panicking handler does
// not take down the publisher or starve other handlers.
func TestMemoryEventBus_HandlerPanicIsolation(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	survivorCalls := 0

	if _, err := bus.Subscribe("bomber", func(ctx context.Context, event *events.Event) error {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("survivor", func(ctx context.Context, event *events.Event) error {
		survivorCalls++
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, events.New(events.AgentCreated)); err != nil {
		t.Fatalf("Publish returned error despite panic isolation: %v", err)
	}
	if survivorCalls != 1 {
		t.Errorf("Expected survivor handler to run once, got %d", survivorCalls)
	}
}

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	var mu sync.Mutex
	received := 0

	sub, err := bus.Subscribe("concurrent", func(ctx context.Context, event *events.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	eventsPerGoroutine := 100
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := bus.Publish(ctx, events.New(events.MessageReceived)); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received != numGoroutines*eventsPerGoroutine {
		t.Errorf("Expected %d events, got %d", numGoroutines*eventsPerGoroutine, received)
	}
}

func TestMemoryEventBus_AgentInboxFiltering(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	err := bus.SubscribeAgent(AgentSubscription{
		AgentID:    "agent-1",
		EventTypes: []string{events.TaskDelegated, events.MessageReceived},
	})
	if err != nil {
		t.Fatalf("SubscribeAgent failed: %v", err)
	}

	delegated := events.New(events.TaskDelegated)
	delegated.TaskID = "task-1"
	created := events.New(events.AgentCreated) // filtered out
	if err := bus.Publish(ctx, delegated); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, created); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	pending := bus.DrainInbox("agent-1")
	if len(pending) != 1 {
		t.Fatalf("Expected 1 buffered event, got %d", len(pending))
	}
	if pending[0].TaskID != "task-1" {
		t.Errorf("Expected task-1, got %s", pending[0].TaskID)
	}

	// Drain clears the inbox.
	if rest := bus.DrainInbox("agent-1"); len(rest) != 0 {
		t.Errorf("Expected empty inbox after drain, got %d", len(rest))
	}
}

func TestMemoryEventBus_AgentInboxExcludeSelf(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	err := bus.SubscribeAgent(AgentSubscription{
		AgentID:     "agent-1",
		AgentName:   "planner",
		ExcludeSelf: true,
	})
	if err != nil {
		t.Fatalf("SubscribeAgent failed: %v", err)
	}

	own := events.New(events.MessageReceived)
	own.FromAgentID = "agent-1"
	foreign := events.New(events.MessageReceived)
	foreign.FromAgentID = "agent-2"
	if err := bus.Publish(ctx, own); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, foreign); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	pending := bus.DrainInbox("agent-1")
	if len(pending) != 1 {
		t.Fatalf("Expected 1 buffered event, got %d", len(pending))
	}
	if pending[0].FromAgentID != "agent-2" {
		t.Errorf("Expected event from agent-2, got %s", pending[0].FromAgentID)
	}
}

func TestMemoryEventBus_AgentInboxCapacity(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{InboxCapacity: 3})
	defer bus.Close()

	ctx := context.Background()
	if err := bus.SubscribeAgent(AgentSubscription{AgentID: "agent-1"}); err != nil {
		t.Fatalf("SubscribeAgent failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		event := events.New(events.MessageReceived)
		event.Message = fmt.Sprintf("m%d", i)
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	pending := bus.DrainInbox("agent-1")
	if len(pending) != 3 {
		t.Fatalf("Expected inbox capped at 3, got %d", len(pending))
	}
	// Oldest dropped: m0, m1 gone.
	if pending[0].Message != "m2" || pending[2].Message != "m4" {
		t.Errorf("Expected m2..m4 after drop-oldest, got %s..%s", pending[0].Message, pending[2].Message)
	}
}

func TestMemoryEventBus_ResubscribeKeepsBufferedEvents(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})
	defer bus.Close()

	ctx := context.Background()
	if err := bus.SubscribeAgent(AgentSubscription{AgentID: "agent-1"}); err != nil {
		t.Fatalf("SubscribeAgent failed: %v", err)
	}
	if err := bus.Publish(ctx, events.New(events.MessageReceived)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Refresh the filter; the buffered event must survive.
	if err := bus.SubscribeAgent(AgentSubscription{
		AgentID:    "agent-1",
		EventTypes: []string{events.MessageReceived},
	}); err != nil {
		t.Fatalf("SubscribeAgent refresh failed: %v", err)
	}

	if pending := bus.DrainInbox("agent-1"); len(pending) != 1 {
		t.Errorf("Expected buffered event to survive resubscribe, got %d", len(pending))
	}
}

func TestMemoryEventBus_Replay(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{ReplayCapacity: 2})
	defer bus.Close()

	ctx := context.Background()

	// message.received is not critical and must not be retained.
	if err := bus.Publish(ctx, events.New(events.MessageReceived)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		event := events.New(events.AgentCreated)
		event.AgentID = fmt.Sprintf("agent-%d", i)
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	replay := bus.Replay()
	if len(replay) != 2 {
		t.Fatalf("Expected replay capped at 2, got %d", len(replay))
	}
	if replay[0].AgentID != "agent-1" || replay[1].AgentID != "agent-2" {
		t.Errorf("Expected oldest-first agent-1, agent-2; got %s, %s",
			replay[0].AgentID, replay[1].AgentID)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t), Options{})

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	if err := bus.Publish(context.Background(), events.New(events.AgentCreated)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}
	if _, err := bus.Subscribe("late", func(ctx context.Context, event *events.Event) error {
		return nil
	}); err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}
