package web

import (
	"testing"
	"time"
)

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client

	// Give hub time to process
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]string{"type": "test"})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case <-c.send:
		case <-time.After(time.Second):
			t.Fatalf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	// Zero-capacity channel: the first broadcast already cannot be queued.
	slow := &wsClient{send: make(chan []byte)}
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]string{"type": "test"})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("slow client not evicted: count = %d", count)
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed on stop")
	}
}
