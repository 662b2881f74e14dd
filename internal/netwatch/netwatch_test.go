package netwatch

import (
	"testing"
	"time"
)

func TestNotifiesOnlyOnTransition(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	// Same state: no notification.
	m.SetOnline(true)
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %v", v)
	case <-time.After(20 * time.Millisecond):
	}

	m.SetOnline(false)
	select {
	case v := <-ch:
		if v {
			t.Error("expected offline notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification on transition")
	}
	if m.Online() {
		t.Error("state not recorded")
	}

	m.SetOnline(true)
	select {
	case v := <-ch:
		if !v {
			t.Error("expected online notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification on recovery")
	}
}

func TestCancelledSubscriberNotNotified(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	cancel()

	m.SetOnline(false)
	select {
	case v := <-ch:
		t.Fatalf("notification after cancel: %v", v)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFullBufferDoesNotBlock(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	// Two transitions without a read: the second drops instead of
	// blocking SetOnline.
	done := make(chan struct{})
	go func() {
		m.SetOnline(false)
		m.SetOnline(true)
		m.SetOnline(false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SetOnline blocked on a slow subscriber")
	}
	<-ch
}
