// Package queue holds events on the producer side until the sender has
// delivered them or given up on them.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

var (
	// ErrLeaseOutstanding is returned by Drain while a previous lease has
	// been neither committed nor requeued.
	ErrLeaseOutstanding = errors.New("queue: lease outstanding")
	// ErrUnknownLease is returned when committing or requeueing a lease
	// that is not the outstanding one.
	ErrUnknownLease = errors.New("queue: unknown lease")
)

// Entry is one queued event.
type Entry struct {
	Seq        uint64          `json:"seq"`
	Event      models.RawEvent `json:"event"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Lease is a set of entries handed to the sender. The entries stay owned by
// the queue until the lease is committed or requeued.
type Lease struct {
	id      uint64
	Entries []Entry
}

// Len returns the number of leased entries.
func (l *Lease) Len() int { return len(l.Entries) }

// Events returns the leased events in queue order.
func (l *Lease) Events() []models.RawEvent {
	out := make([]models.RawEvent, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Event
	}
	return out
}

// Stats is a point-in-time view of the queue counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Committed uint64 `json:"committed"`
	Requeued  uint64 `json:"requeued"`
	Evicted   uint64 `json:"evicted"`
	Queued    int    `json:"queued"`
	Leased    int    `json:"leased"`
	Capacity  int    `json:"capacity"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithEvictHandler registers fn to be called, outside the queue lock, for
// every entry dropped on overflow.
func WithEvictHandler(fn func(Entry)) Option {
	return func(q *Queue) { q.onEvict = fn }
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is a bounded FIFO with a single outstanding lease. Capacity counts
// queued and leased entries together.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	lease    *Lease
	seq      uint64
	leaseSeq uint64
	notify   chan struct{}
	onEvict  func(Entry)
	now      func() time.Time

	enqueued  uint64
	committed uint64
	requeued  uint64
	evicted   uint64
}

// New creates a queue holding at most capacity entries. A capacity below 1
// is treated as 1.
func New(capacity int, opts ...Option) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends ev at the tail and never blocks. When the queue is full
// the oldest queued entry is evicted. If every slot is held by the lease
// the new entry is accepted over capacity.
func (q *Queue) Enqueue(ev models.RawEvent) Entry {
	q.mu.Lock()
	q.seq++
	e := Entry{Seq: q.seq, Event: ev, EnqueuedAt: q.now().UTC()}

	var evicted *Entry
	if q.sizeLocked() >= q.capacity && len(q.entries) > 0 {
		old := q.entries[0]
		q.entries = q.entries[1:]
		q.evicted++
		evicted = &old
	}
	q.entries = append(q.entries, e)
	q.enqueued++
	onEvict := q.onEvict
	q.mu.Unlock()

	if evicted != nil && onEvict != nil {
		onEvict(*evicted)
	}
	q.signal()
	return e
}

// Drain leases up to max entries from the head. It returns a nil lease when
// nothing is queued.
func (q *Queue) Drain(max int) (*Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lease != nil {
		return nil, ErrLeaseOutstanding
	}
	if len(q.entries) == 0 || max < 1 {
		return nil, nil
	}
	n := min(max, len(q.entries))

	q.leaseSeq++
	l := &Lease{id: q.leaseSeq, Entries: make([]Entry, n)}
	copy(l.Entries, q.entries[:n])
	q.entries = append([]Entry(nil), q.entries[n:]...)
	q.lease = l
	return l, nil
}

// Commit releases the lease for good: its entries were delivered or
// dropped.
func (q *Queue) Commit(l *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l == nil || q.lease == nil || q.lease.id != l.id {
		return ErrUnknownLease
	}
	q.committed += uint64(len(l.Entries))
	q.lease = nil
	return nil
}

// Requeue returns the leased entries to the head of the queue in their
// original order.
func (q *Queue) Requeue(l *Lease) error {
	q.mu.Lock()
	if l == nil || q.lease == nil || q.lease.id != l.id {
		q.mu.Unlock()
		return ErrUnknownLease
	}
	q.entries = append(append(make([]Entry, 0, len(l.Entries)+len(q.entries)), l.Entries...), q.entries...)
	q.requeued += uint64(len(l.Entries))
	q.lease = nil
	pending := len(q.entries)
	q.mu.Unlock()

	if pending > 0 {
		q.signal()
	}
	return nil
}

// Snapshot returns every entry the queue still owns, leased entries first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, q.sizeLocked())
	if q.lease != nil {
		out = append(out, q.lease.Entries...)
	}
	return append(out, q.entries...)
}

// Restore puts previously snapshotted entries ahead of anything queued
// since. Sequence numbers continue after the highest restored one.
func (q *Queue) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	restored := make([]Entry, 0, len(entries)+len(q.entries))
	restored = append(restored, entries...)
	q.entries = append(restored, q.entries...)
	for _, e := range entries {
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
	}
	q.enqueued += uint64(len(entries))
	q.mu.Unlock()
	q.signal()
}

// Pending returns the number of queued entries, not counting the lease.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Len returns queued plus leased entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// Notify returns a channel that receives after entries become available.
// Signals coalesce.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued:  q.enqueued,
		Committed: q.committed,
		Requeued:  q.requeued,
		Evicted:   q.evicted,
		Queued:    len(q.entries),
		Capacity:  q.capacity,
	}
	if q.lease != nil {
		s.Leased = len(q.lease.Entries)
	}
	return s
}

func (q *Queue) sizeLocked() int {
	n := len(q.entries)
	if q.lease != nil {
		n += len(q.lease.Entries)
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
