package relocate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grinzolo/cachewarden/pkg/cache"
)

func TestAcquireSerializesSamePath(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	release, err := lm.Acquire(ctx, "/srv/media/a.mkv")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	// A second acquirer must time out while the lock is held
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := lm.Acquire(shortCtx, "/srv/media/a.mkv"); err == nil {
		t.Fatal("second Acquire should time out while lock is held")
	} else if !cache.IsCode(err, cache.ErrResourceExhausted) {
		t.Fatalf("expected resource-exhausted error, got %v", err)
	}

	release()

	// And succeed immediately once released
	release2, err := lm.Acquire(ctx, "/srv/media/a.mkv")
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	release2()
}

func TestAcquireDistinctPathsDoNotBlock(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	releaseA, err := lm.Acquire(ctx, "/srv/media/a.mkv")
	if err != nil {
		t.Fatalf("Acquire(a) failed: %v", err)
	}
	defer releaseA()

	releaseB, err := lm.Acquire(ctx, "/srv/media/b.mkv")
	if err != nil {
		t.Fatalf("Acquire(b) should not block on a different path: %v", err)
	}
	releaseB()
}

func TestAcquireAllDeduplicates(t *testing.T) {
	lm := NewLockManager()

	release, err := lm.AcquireAll(context.Background(), "/p", "/p", "/p")
	if err != nil {
		t.Fatalf("AcquireAll() with duplicate paths failed: %v", err)
	}
	release()

	// The map must be empty again after release
	lm.mu.Lock()
	n := len(lm.locks)
	lm.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected empty lock table after release, got %d entries", n)
	}
}

// TestAcquireAllNoDeadlock hammers two lock pairs in opposite orders; the
// sorted acquisition order must prevent the classic AB/BA deadlock.
func TestAcquireAllNoDeadlock(t *testing.T) {
	lm := NewLockManager()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 200)
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := lm.AcquireAll(ctx, "/a", "/b")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := lm.AcquireAll(ctx, "/b", "/a")
			if err != nil {
				errs <- err
				return
			}
			release()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AcquireAll() failed under contention: %v", err)
	}
}

func TestAcquireAllReleasesOnFailure(t *testing.T) {
	lm := NewLockManager()
	ctx := context.Background()

	// Hold /b so the batch acquisition stalls there
	releaseB, err := lm.Acquire(ctx, "/b")
	if err != nil {
		t.Fatalf("Acquire(b) failed: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := lm.AcquireAll(shortCtx, "/a", "/b"); err == nil {
		t.Fatal("AcquireAll should fail while /b is held")
	}

	// /a must have been released on the way out
	releaseA, err := lm.Acquire(ctx, "/a")
	if err != nil {
		t.Fatalf("Acquire(a) should succeed after failed batch: %v", err)
	}
	releaseA()
	releaseB()
}
