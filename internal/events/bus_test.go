package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan BusEvent, 1)
	bus.Subscribe(BusExecutionOpened, func(e BusEvent) {
		received <- e
	})

	bus.Publish(BusExecutionOpened, map[string]any{"task_id": "1.1"})

	select {
	case e := <-received:
		if e.Data["task_id"] != "1.1" {
			t.Errorf("data: got %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := bus.Subscribe(BusStoreChanged, func(BusEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(BusStoreChanged, nil)
	time.Sleep(50 * time.Millisecond)
	unsubscribe()
	bus.Publish(BusStoreChanged, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count: got %d, want 1", count)
	}
}

func TestBus_SubscriberPanicDoesNotDisruptBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan struct{}, 2)
	bus.Subscribe(BusExecutionClosed, func(BusEvent) {
		panic("subscriber bug")
	})
	bus.Subscribe(BusExecutionClosed, func(BusEvent) {
		received <- struct{}{}
	})

	bus.Publish(BusExecutionClosed, nil)
	bus.Publish(BusExecutionClosed, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("healthy subscriber starved by panicking one")
		}
	}
}

func TestBus_NonBlockingWhenBufferFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(BusTaskAssigned, func(BusEvent) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(BusTaskAssigned, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber buffer")
	}
	close(block)
}
