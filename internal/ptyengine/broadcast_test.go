package ptyengine

import "testing"

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcast()
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish([]byte("hello"))

	for _, s := range []*Subscriber{s1, s2} {
		select {
		case f := <-s.C():
			if string(f.Data) != "hello" {
				t.Errorf("got %q", f.Data)
			}
		default:
			t.Error("expected a frame")
		}
	}
}

func TestBroadcastLagIsolation(t *testing.T) {
	b := NewBroadcast()
	slow := b.Subscribe()
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	// Flood past the slow subscriber's buffer without draining it; the
	// fast subscriber must still see every publish (no head-of-line
	// blocking across subscribers).
	for i := 0; i < subscriberBuffer+50; i++ {
		b.Publish([]byte("x"))
		select {
		case <-fast.C():
		default:
			t.Fatalf("fast subscriber missed publish %d", i)
		}
	}

	// Drain a couple of slots so the next publish has room to enqueue the
	// lag notice it has been accumulating, then publish once more.
	<-slow.C()
	<-slow.C()
	b.Publish([]byte("y"))

	sawLag := false
	for {
		select {
		case f := <-slow.C():
			if f.Lag {
				sawLag = true
			}
		default:
			goto done
		}
	}
done:
	if !sawLag {
		t.Error("expected slow subscriber to see a lag frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcast()
	s := b.Subscribe()
	b.Unsubscribe(s)
	b.Publish([]byte("data"))
	select {
	case <-s.C():
		t.Error("unsubscribed subscriber should not receive frames")
	default:
	}
}
