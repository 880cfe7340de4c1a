package keyedmutex_test

import (
	"sync"
	"testing"
	"time"

	"cipherlink/internal/util/keyedmutex"
)

func TestMutex_SerialisesSameKey(t *testing.T) {
	var (
		km      keyedmutex.Mutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("bob.1")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if n := km.Len(); n != 0 {
		t.Errorf("Len() after release = %d, want 0", n)
	}
}

func TestMutex_IndependentKeys(t *testing.T) {
	var km keyedmutex.Mutex
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestMutex_UnlockTwice(t *testing.T) {
	var km keyedmutex.Mutex
	unlock := km.Lock("a")
	unlock()
	unlock()
	if n := km.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}
