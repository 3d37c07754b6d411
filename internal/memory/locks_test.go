package memory

import (
	"sync"
	"testing"
	"time"
)

func TestUserLocksSerializeSameUser(t *testing.T) {
	l := newUserLocks()
	release := l.Lock("u1")

	acquired := make(chan struct{})
	go func() {
		r := l.Lock("u1")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatalf("second Lock() for same user should block")
	case <-time.After(30 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second Lock() did not acquire after release")
	}
}

func TestUserLocksDifferentUsersDoNotBlock(t *testing.T) {
	l := newUserLocks()
	release := l.Lock("u1")
	defer release()

	done := make(chan struct{})
	go func() {
		l.Lock("u2")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Lock(u2) blocked behind u1")
	}
}

func TestUserLocksReleaseEntries(t *testing.T) {
	l := newUserLocks()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock("u1")()
		}()
	}
	wg.Wait()
	if n := l.size(); n != 0 {
		t.Fatalf("size() = %d after all releases, want 0", n)
	}
}
