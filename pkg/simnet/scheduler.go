package simnet

import (
	"container/heap"
	"sync"
	"time"
)

// event is one scheduled delivery. seq breaks ties between events due at
// the same instant, so delivery order is fully determined by the input
// sequence.
type event struct {
	at  time.Time
	seq uint64
	fn  func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduler runs scheduled callbacks in (time, sequence) order from a
// single dispatcher goroutine.
type scheduler struct {
	mu      sync.Mutex
	events  eventHeap
	seq     uint64
	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
}

func newScheduler() *scheduler {
	s := &scheduler{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	heap.Init(&s.events)
	go s.run()
	return s
}

func (s *scheduler) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	heap.Push(&s.events, &event{at: time.Now().Add(delay), seq: s.seq, fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop drops every scheduled event without running it
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.events = nil
	s.mu.Unlock()
	close(s.stopCh)
}

func (s *scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		var next *event
		if len(s.events) > 0 {
			next = s.events[0]
		}
		if next != nil && !next.at.After(time.Now()) {
			heap.Pop(&s.events)
			s.mu.Unlock()
			next.fn()
			continue
		}
		s.mu.Unlock()

		wait := time.Hour
		if next != nil {
			wait = time.Until(next.at)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
