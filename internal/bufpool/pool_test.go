package bufpool

import (
	"sync"
	"testing"
)

func TestPoolGetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Fatalf("expected length 4096, got %d", len(buf))
	}
	pool.Put(buf[:10])

	again := pool.Get()
	if len(again) != 4096 {
		t.Errorf("resliced buffer should come back full length, got %d", len(again))
	}
	if pool.BufSize() != 4096 {
		t.Errorf("BufSize() = %d", pool.BufSize())
	}
}

func TestPoolDropsForeignBuffers(t *testing.T) {
	pool := New(4096)
	pool.Put(make([]byte, 1024))
	pool.Put(make([]byte, 8192))

	for i := 0; i < 4; i++ {
		if buf := pool.Get(); len(buf) != 4096 || cap(buf) != 4096 {
			t.Fatalf("got len %d cap %d", len(buf), cap(buf))
		}
	}
}

func TestPoolPanicsOnInvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for size %d", size)
				}
			}()
			New(size)
		}()
	}
}

func TestPoolsGetBySize(t *testing.T) {
	pools := NewPools()

	small := pools.Get(4)
	large := pools.Get(64_000)
	if len(small) != 4 || len(large) != 64_000 {
		t.Fatalf("unexpected lengths %d and %d", len(small), len(large))
	}
	pools.Put(small)
	pools.Put(large)

	if again := pools.Get(4); len(again) != 4 {
		t.Errorf("expected length 4, got %d", len(again))
	}
}

func TestPoolsPutForeignBuffer(t *testing.T) {
	pools := NewPools()
	pools.Put(make([]byte, 123))
	pools.Put(nil)

	if buf := pools.Get(10); len(buf) != 10 {
		t.Errorf("expected length 10, got %d", len(buf))
	}
}

func TestPoolsConcurrent(t *testing.T) {
	pools := NewPools()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := pools.Get(size)
				if len(buf) != size {
					t.Errorf("expected %d, got %d", size, len(buf))
					return
				}
				pools.Put(buf)
			}
		}(1 + i%4)
	}
	wg.Wait()
}
