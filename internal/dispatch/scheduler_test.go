package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsInSubmissionOrder(t *testing.T) {
	s := New(time.Millisecond)

	var mu sync.Mutex
	var order []int

	const n = 10
	pendings := make([]*Pending, 0, n)
	for i := 0; i < n; i++ {
		i := i
		pendings = append(pendings, s.Schedule("sess", func(context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, p := range pendings {
		result, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
		if result.(int) != i {
			t.Fatalf("job %d resolved with %v", i, result)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want ascending", order)
		}
	}
}

func TestScheduleNeverOverlaps(t *testing.T) {
	s := New(time.Millisecond)

	var inFlight int32
	var overlapped int32

	const n = 8
	pendings := make([]*Pending, 0, n)
	for i := 0; i < n; i++ {
		pendings = append(pendings, s.Schedule("sess", func(context.Context) (interface{}, error) {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.StoreInt32(&overlapped, 1)
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if atomic.LoadInt32(&overlapped) == 1 {
		t.Fatal("operations overlapped within one session")
	}
}

func TestFailedJobDoesNotStallQueue(t *testing.T) {
	s := New(time.Millisecond)
	boom := errors.New("boom")

	first := s.Schedule("sess", func(context.Context) (interface{}, error) {
		return nil, boom
	})
	second := s.Schedule("sess", func(context.Context) (interface{}, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := first.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("first err = %v, want boom", err)
	}
	result, err := second.Wait(ctx)
	if err != nil {
		t.Fatalf("second err = %v", err)
	}
	if result != "ok" {
		t.Fatalf("second result = %v", result)
	}
}

func TestPanickingJobIsIsolated(t *testing.T) {
	s := New(time.Millisecond)

	first := s.Schedule("sess", func(context.Context) (interface{}, error) {
		panic("exploded")
	})
	second := s.Schedule("sess", func(context.Context) (interface{}, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := first.Wait(ctx); err == nil {
		t.Fatal("panicking job resolved without error")
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("second err = %v", err)
	}
}

func TestConcurrentSubmissionsSingleDrainer(t *testing.T) {
	s := New(time.Millisecond)

	var ran int32
	var wg sync.WaitGroup
	const n = 20
	pendings := make(chan *Pending, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pendings <- s.Schedule("sess", func(context.Context) (interface{}, error) {
				atomic.AddInt32(&ran, 1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	close(pendings)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if got := atomic.LoadInt32(&ran); got != n {
		t.Fatalf("ran %d jobs, want %d", got, n)
	}
}

func TestFlushUnknownSessionIsNoOp(t *testing.T) {
	s := New(time.Millisecond)
	s.Flush("never-seen")

	if got := s.Len("never-seen"); got != 0 {
		t.Fatalf("Len = %d", got)
	}
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	s := New(50 * time.Millisecond)

	release := make(chan struct{})
	running := make(chan struct{})
	first := s.Schedule("sess", func(context.Context) (interface{}, error) {
		close(running)
		<-release
		return nil, nil
	})
	queued := s.Schedule("sess", func(context.Context) (interface{}, error) {
		return nil, nil
	})

	<-running
	s.Close("sess")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("in-flight job err = %v, want completion", err)
	}
	if _, err := queued.Wait(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("queued job err = %v, want ErrSessionClosed", err)
	}
}

func TestScheduleAfterCloseStartsFresh(t *testing.T) {
	s := New(time.Millisecond)

	p := s.Schedule("sess", func(context.Context) (interface{}, error) { return 1, nil })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	s.Close("sess")

	p = s.Schedule("sess", func(context.Context) (interface{}, error) { return 2, nil })
	result, err := p.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if result.(int) != 2 {
		t.Fatalf("result = %v", result)
	}
}
