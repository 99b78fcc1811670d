package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventCommandStarted)
	defer unsub()

	bus.Publish(EventCommandStarted, map[string]interface{}{
		"command_id": "cmd_123",
	})

	// Wait for async delivery
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventCommandStarted {
		t.Errorf("expected type %s, got %s", EventCommandStarted, received[0].Type)
	}
	if id, ok := received[0].Data["command_id"].(string); !ok || id != "cmd_123" {
		t.Errorf("expected command_id cmd_123, got %v", received[0].Data["command_id"])
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	counts := [2]int{}

	for i := range counts {
		i := i
		unsub := bus.Subscribe(func(e Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		}, EventTurnAdvanced)
		defer unsub()
	}

	bus.Publish(EventTurnAdvanced, map[string]interface{}{"game": "eoe", "turn": 7})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, c := range counts {
		if c != 1 {
			t.Errorf("subscriber %d expected 1 event, got %d", i, c)
		}
	}
}

func TestBus_SubscribeMultipleTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	seen := map[EventType]int{}

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	}, EventCommandStarted, EventCommandFinished)
	defer unsub()

	bus.Publish(EventCommandStarted, nil)
	bus.Publish(EventCommandFinished, nil)
	bus.Publish(EventStateChanged, nil)
	bus.Publish(EventCommandStarted, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen[EventCommandStarted] != 2 {
		t.Errorf("expected 2 command_started events, got %d", seen[EventCommandStarted])
	}
	if seen[EventCommandFinished] != 1 {
		t.Errorf("expected 1 command_finished event, got %d", seen[EventCommandFinished])
	}
	if seen[EventStateChanged] != 0 {
		t.Errorf("state_changed was not subscribed, got %d", seen[EventStateChanged])
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	unsub := bus.Subscribe(func(e Event) {
		time.Sleep(100 * time.Millisecond)
	}, EventStateChanged)
	defer unsub()

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(EventStateChanged, map[string]interface{}{"id": i})
	}
	elapsed := time.Since(start)

	// Publishing should complete quickly even though consumer is slow
	if elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v, expected non-blocking", elapsed)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, EventCommandStarted)

	bus.Publish(EventCommandStarted, map[string]interface{}{})
	time.Sleep(50 * time.Millisecond)

	unsub()
	time.Sleep(10 * time.Millisecond)

	bus.Publish(EventCommandStarted, map[string]interface{}{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	received := 0

	unsub1 := bus.Subscribe(func(e Event) {
		panic("test panic")
	}, EventCommandFinished)
	defer unsub1()

	unsub2 := bus.Subscribe(func(e Event) {
		mu.Lock()
		received++
		mu.Unlock()
	}, EventCommandFinished)
	defer unsub2()

	bus.Publish(EventCommandFinished, map[string]interface{}{})
	bus.Publish(EventCommandFinished, map[string]interface{}{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 2 {
		t.Errorf("second subscriber got %d events after first panicked, want 2", received)
	}
}

func TestBus_NilAndClosedPublish(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(EventCommandStarted, nil)

	bus := NewBus(1)
	bus.Close()
	bus.Publish(EventCommandStarted, nil)
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Subscribe(func(e Event) {}, EventStateChanged)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventStateChanged, map[string]interface{}{
			"state": "downloading",
		})
	}
}
