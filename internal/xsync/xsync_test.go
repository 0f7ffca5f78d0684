package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var active, maxActive int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("pkg")
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			km.Unlock("pkg")
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent holder, got %d", maxActive)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}
	km.Unlock("a")
}

func TestGroupDeduplicates(t *testing.T) {
	g := NewGroup()
	var calls int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := g.Do("key", func() (any, error) {
				<-start
				atomic.AddInt32(&calls, 1)
				return "result", nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}
	// Give every goroutine a chance to join the in-flight call.
	time.Sleep(10 * time.Millisecond)
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	for i, v := range results {
		if v != "result" {
			t.Fatalf("result[%d] = %v", i, v)
		}
	}
}

func TestSeqMonotonic(t *testing.T) {
	var s Seq
	var wg sync.WaitGroup
	seen := make(chan int64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for v := range seen {
		if unique[v] {
			t.Fatalf("duplicate sequence value %d", v)
		}
		unique[v] = true
	}
	if s.Current() != 100 {
		t.Fatalf("expected current 100, got %d", s.Current())
	}
}
