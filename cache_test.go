package aio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectCacheAcquireRelease(t *testing.T) {
	c := newObjectCache(2, notifyOne, func() *int { v := 0; return &v })
	require.Equal(t, 2, c.len())

	a := c.acquire()
	b := c.acquire()
	require.Equal(t, 0, c.len())

	c.release(a)
	require.Equal(t, 1, c.len())
	c.release(b)
	require.Equal(t, 2, c.len())
}

func TestObjectCacheAcquireBlocksUntilRelease(t *testing.T) {
	c := newObjectCache(1, notifyOne, func() *int { v := 0; return &v })
	first := c.acquire()

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan *int, 1)
	go func() {
		defer wg.Done()
		acquired <- c.acquire()
	}()

	select {
	case <-acquired:
		t.Fatal("acquire returned before release freed a slot")
	case <-time.After(20 * time.Millisecond):
	}

	c.release(first)
	select {
	case v := <-acquired:
		require.NotNil(t, v)
	case <-time.After(time.Second):
		t.Fatal("acquire never unblocked after release")
	}
	wg.Wait()
}

func TestObjectCacheNotifyAllWakesAllWaiters(t *testing.T) {
	c := newObjectCache(0, notifyAll, func() *int { v := 0; return &v })

	const waiters = 4
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			c.acquire()
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < waiters; i++ {
		c.release(new(int))
	}

	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke up")
		}
	}
}
