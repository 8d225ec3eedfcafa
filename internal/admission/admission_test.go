package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestController_AcquireReleaseBalance(t *testing.T) {
	c := New(4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer c.Release()

			if n := c.InFlight(); n < 1 || n > 4 {
				t.Errorf("in-flight = %d, want 1..4", n)
			}
		}()
	}
	wg.Wait()

	if n := c.InFlight(); n != 0 {
		t.Errorf("in-flight after drain = %d, want 0", n)
	}
}

func TestController_SerializesAtCapacityOne(t *testing.T) {
	c := New(1)
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			c.Release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("observed %d concurrent holders, want 1", maxActive)
	}
}

func TestController_AcquireHonorsContext(t *testing.T) {
	c := New(1)
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer c.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Acquire(ctx)
	if err == nil {
		c.Release()
		t.Fatal("expected acquire to fail while at capacity")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if n := c.InFlight(); n != 1 {
		t.Errorf("failed acquire changed in-flight to %d", n)
	}
}

func TestController_TryAcquire(t *testing.T) {
	c := New(2)

	if !c.TryAcquire() || !c.TryAcquire() {
		t.Fatal("TryAcquire should succeed below capacity")
	}
	if c.TryAcquire() {
		t.Error("TryAcquire should fail at capacity")
	}

	c.Release()
	if !c.TryAcquire() {
		t.Error("TryAcquire should succeed after a release")
	}

	c.Release()
	c.Release()
}

func TestController_DefaultCapacity(t *testing.T) {
	c := New(0)
	if c.Capacity() != defaultMaxConcurrency {
		t.Errorf("capacity = %d, want %d", c.Capacity(), defaultMaxConcurrency)
	}
}
