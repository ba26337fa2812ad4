package events

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/flowforge/dagcore"
)

// Bus is the in-process delivery queue a Dispatcher drains (spec.md §4.5).
// A host that needs deliveries to survive a process restart replaces this
// with its own queue (SQS, Kafka, ...) — the Dispatcher only depends on the
// Publish/Subscribe shape, not this implementation.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe returns a channel of deliveries that is closed when ctx is
	// done. Timer deliveries (DeliverAt set) are not sent until they become
	// ready.
	Subscribe(ctx context.Context) <-chan Delivery
}

// memoryBus is a channel-backed Bus with a min-heap time-wheel for
// future-dated deliveries, driven by one plain background goroutine that
// the first Subscribe call starts.
type memoryBus struct {
	clock dagcore.Clock

	mu       sync.Mutex
	pending  deliveryHeap
	wake     chan struct{}
	out      chan Delivery
	started  bool
}

// NewMemoryBus constructs a Bus. The first Subscribe call starts its
// background time-wheel goroutine; Publish is safe to call before that.
func NewMemoryBus(clock dagcore.Clock) *memoryBus {
	if clock == nil {
		clock = dagcore.SystemClock{}
	}
	return &memoryBus{
		clock: clock,
		wake:  make(chan struct{}, 1),
		out:   make(chan Delivery),
	}
}

func (b *memoryBus) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	heap.Push(&b.pending, d)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context) <-chan Delivery {
	b.mu.Lock()
	if !b.started {
		b.started = true
		go b.run(ctx)
	}
	b.mu.Unlock()
	return b.out
}

// run is the time-wheel: it wakes on every Publish and whenever the
// earliest pending delivery's DeliverAt elapses, draining everything that
// has become ready into out.
func (b *memoryBus) run(ctx context.Context) {
	defer close(b.out)
	for {
		b.mu.Lock()
		var waitFor <-chan time.Time
		if b.pending.Len() > 0 {
			now := dagcore.NowMs(b.clock)
			next := b.pending[0]
			if next.Ready(now) {
				ready := heap.Pop(&b.pending).(Delivery)
				b.mu.Unlock()
				select {
				case b.out <- ready:
				case <-ctx.Done():
					return
				}
				continue
			}
			waitFor = time.After(time.Duration(*next.DeliverAt-now) * time.Millisecond)
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		case <-waitFor:
		}
	}
}

// deliveryHeap orders by DeliverAt, nil (immediate) first.
type deliveryHeap []Delivery

func (h deliveryHeap) Len() int { return len(h) }
func (h deliveryHeap) Less(i, j int) bool {
	ai, aj := h[i].DeliverAt, h[j].DeliverAt
	if ai == nil {
		return aj != nil
	}
	if aj == nil {
		return false
	}
	return *ai < *aj
}
func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deliveryHeap) Push(x interface{}) { *h = append(*h, x.(Delivery)) }
func (h *deliveryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
