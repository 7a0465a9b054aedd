package chat

import (
	"testing"
	"time"
)

func TestSignalPulseReleasesCurrentWaiters(t *testing.T) {
	s := NewSignal()
	ch := s.Wait()

	select {
	case <-ch:
		t.Fatal("waiter released before pulse")
	case <-time.After(10 * time.Millisecond):
	}

	s.Pulse()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by pulse")
	}
}

func TestSignalWaiterAfterPulseWaitsForNext(t *testing.T) {
	s := NewSignal()
	s.Pulse()

	ch := s.Wait()
	select {
	case <-ch:
		t.Fatal("new waiter released by an old pulse")
	case <-time.After(10 * time.Millisecond):
	}

	s.Pulse()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not released by the next pulse")
	}
}

func TestSignalReleasesAllWaiters(t *testing.T) {
	s := NewSignal()
	const waiters = 8

	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		ch := s.Wait()
		go func() {
			<-ch
			done <- struct{}{}
		}()
	}

	s.Pulse()
	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not released", i)
		}
	}
}
