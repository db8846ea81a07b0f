package activity

import (
	"context"
	"testing"
	"time"
)

func TestCache_PutGet(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put(Snapshot{SessionID: "s1", Summary: "compiling"})

	got, ok := c.Get("s1")
	if !ok || got.Summary != "compiling" {
		t.Errorf("expected snapshot, got %+v ok=%v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for unknown session")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Put(Snapshot{SessionID: "s1"})

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("s1"); ok {
		t.Error("expected stale snapshot to miss")
	}
	if len(c.Fresh()) != 0 {
		t.Error("expected no fresh snapshots")
	}
}

func TestCache_Drop(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put(Snapshot{SessionID: "s1"})
	c.Drop("s1")
	if _, ok := c.Get("s1"); ok {
		t.Error("expected dropped snapshot to miss")
	}
}

func TestCache_SubscriberReadsDuringPut(t *testing.T) {
	c := NewCache(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := c.Subscribe(ctx)

	// A notified subscriber that immediately reads back from the cache
	// must not deadlock against the writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub {
			c.Get("s1")
			c.Fresh()
		}
	}()

	for i := 0; i < 100; i++ {
		c.Put(Snapshot{SessionID: "s1", Summary: "tick"})
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber wedged against Put")
	}
}

func TestCache_Subscribe(t *testing.T) {
	c := NewCache(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.Subscribe(ctx)

	c.Put(Snapshot{SessionID: "s1", Summary: "running tests"})
	select {
	case s := <-sub:
		if s.SessionID != "s1" {
			t.Errorf("expected s1, got %s", s.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	cancel()
	// Channel closes once the context ends.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed")
		}
	}
}
