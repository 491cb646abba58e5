package reconcile

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLock_SerializesSameKey(t *testing.T) {
	l := newKeyedLock()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Lock("organization|EXAMPLE", "address|12 OAK ST")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size(), "released keys are forgotten")
}

func TestKeyedLock_DisjointKeysDoNotBlock(t *testing.T) {
	l := newKeyedLock()
	release := l.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		l.Lock("b", "", "b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a disjoint key blocked")
	}
}

func TestKeyedLock_OrderIndependent(t *testing.T) {
	l := newKeyedLock()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); l.Lock("x", "y")() }()
		go func() { defer wg.Done(); l.Lock("y", "x")() }()
	}
	wg.Wait()
	assert.Equal(t, 0, l.size())
}
