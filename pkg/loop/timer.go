package loop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// TimerID identifies a timer created with Loop.After.
type TimerID uint64

type timer struct {
	id       TimerID
	deadline time.Time
	fn       func()
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timers is the dedicated timer goroutine. It sleeps until the earliest
// deadline and hands expired callbacks to post; it never runs them itself.
type timers struct {
	mu    sync.Mutex
	heap  timerHeap
	byID  map[TimerID]*timer
	next  TimerID
	wake  chan struct{}
	post  func(func()) bool
	clock func() time.Time
}

func newTimers(post func(func()) bool) *timers {
	return &timers{
		byID:  make(map[TimerID]*timer),
		wake:  make(chan struct{}, 1),
		post:  post,
		clock: time.Now,
	}
}

func (t *timers) add(d time.Duration, fn func()) TimerID {
	t.mu.Lock()
	t.next++
	tm := &timer{id: t.next, deadline: t.clock().Add(d), fn: fn}
	heap.Push(&t.heap, tm)
	t.byID[tm.id] = tm
	earliest := t.heap[0] == tm
	t.mu.Unlock()

	if earliest {
		t.signal()
	}
	return tm.id
}

func (t *timers) cancel(id TimerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tm, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	heap.Remove(&t.heap, tm.index)
	return true
}

func (t *timers) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

func (t *timers) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// run services deadlines until ctx ends.
func (t *timers) run(ctx context.Context) {
	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()

	for {
		t.mu.Lock()
		var wait time.Duration = -1
		if len(t.heap) > 0 {
			top := t.heap[0]
			wait = top.deadline.Sub(t.clock())
			if wait <= 0 {
				heap.Pop(&t.heap)
				delete(t.byID, top.id)
				t.mu.Unlock()
				t.post(top.fn)
				continue
			}
		}
		t.mu.Unlock()

		var fire <-chan time.Time
		if wait > 0 {
			if !sleep.Stop() {
				select {
				case <-sleep.C:
				default:
				}
			}
			sleep.Reset(wait)
			fire = sleep.C
		}

		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-fire:
		}
	}
}
