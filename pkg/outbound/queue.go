// Package outbound holds messages waiting to be written to peers.
//
// A Queue keeps two independent FIFOs, one for text messages and one for
// binary frames. Entries are addressed to a peer class rather than a single
// peer and leave the queue only through Drain, which stops at the first
// entry that cannot be written so a later entry never overtakes an earlier
// one. When the transport reports backpressure the owner calls Relieve,
// which first evicts droppable entries and then collapses duplicates.
//
// Queue is safe for concurrent use.
package outbound

import (
	"bytes"
	"sync"

	"github.com/vango-dev/wsbridge/pkg/protocol"
)

// Channel selects one of the two FIFOs.
type Channel uint8

const (
	Text Channel = iota
	Binary
)

// String returns the string representation of the channel.
func (c Channel) String() string {
	if c == Binary {
		return "binary"
	}
	return "text"
}

// Entry is one queued message.
type Entry struct {
	Class     protocol.PeerClass
	Droppable bool

	// Data is set for text entries.
	Data []byte

	// Frame is set for binary entries.
	Frame *protocol.Frame

	seq uint64
}

// Size returns the number of bytes the entry puts on the wire.
func (e Entry) Size() int {
	if e.Frame != nil {
		return e.Frame.Size()
	}
	return len(e.Data)
}

// Result is the outcome of one send attempt.
type Result uint8

const (
	Sent         Result = iota // Written; the entry leaves the queue
	Backpressure               // No room right now; retry after a drain
	Failed                     // Transport error; the entry stays queued
)

// String returns the string representation of the result.
func (r Result) String() string {
	switch r {
	case Sent:
		return "sent"
	case Backpressure:
		return "backpressure"
	default:
		return "failed"
	}
}

// Relief reports which policy Relieve applied.
type Relief uint8

const (
	ReliefNone       Relief = iota // Nothing could be removed
	ReliefDropped                  // Droppable entries were evicted
	ReliefDuplicates               // Identical text entries were collapsed
)

// Queue is the outbound queue.
type Queue struct {
	mu   sync.Mutex
	text []Entry
	bin  []Entry
	seq  uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// PushText appends a text message.
func (q *Queue) PushText(class protocol.PeerClass, data []byte, droppable bool) {
	q.mu.Lock()
	q.seq++
	q.text = append(q.text, Entry{Class: class, Data: data, Droppable: droppable, seq: q.seq})
	q.mu.Unlock()
}

// PushBinary appends a binary frame. Frames are never queued for extension
// peers; ok is false in that case and the frame is not stored.
func (q *Queue) PushBinary(class protocol.PeerClass, frame *protocol.Frame, droppable bool) (ok bool) {
	if class == protocol.ClassExtension {
		return false
	}
	q.mu.Lock()
	q.seq++
	q.bin = append(q.bin, Entry{Class: class, Frame: frame, Droppable: droppable, seq: q.seq})
	q.mu.Unlock()
	return true
}

func (q *Queue) list(ch Channel) *[]Entry {
	if ch == Binary {
		return &q.bin
	}
	return &q.text
}

// Len returns the number of entries queued on a channel.
func (q *Queue) Len(ch Channel) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(*q.list(ch))
}

// Empty reports whether both channels are empty.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.text) == 0 && len(q.bin) == 0
}

// Snapshot returns a copy of the entries queued on a channel.
func (q *Queue) Snapshot(ch Channel) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), *q.list(ch)...)
}

// Drain sends entries of a channel in FIFO order. Only entries addressed to
// target are considered unless target is ClassAll, in which case every entry
// is. Draining stops at the first entry send does not report as Sent; that
// result is returned together with the number of entries sent.
//
// send runs without the queue lock held, so it may push new entries. An
// entry is removed only after send reports it Sent. Drain calls on the same
// channel must be serialized by the caller.
func (q *Queue) Drain(ch Channel, target protocol.PeerClass, send func(Entry) Result) (int, Result) {
	sent := 0
	for {
		q.mu.Lock()
		list := q.list(ch)
		idx := -1
		for i, e := range *list {
			if target == protocol.ClassAll || e.Class == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			q.mu.Unlock()
			return sent, Sent
		}
		entry := (*list)[idx]
		q.mu.Unlock()

		res := send(entry)
		if res != Sent {
			return sent, res
		}

		q.mu.Lock()
		// Relieve or Clear may have run while unlocked; find the entry again.
		list = q.list(ch)
		for i := range *list {
			if (*list)[i].seq == entry.seq {
				*list = append((*list)[:i], (*list)[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
		sent++
	}
}

// ForceReduce removes every droppable entry from both channels and returns
// how many were removed.
func (q *Queue) ForceReduce() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dropDroppable(&q.text) + dropDroppable(&q.bin)
}

func dropDroppable(list *[]Entry) int {
	kept := (*list)[:0]
	for _, e := range *list {
		if !e.Droppable {
			kept = append(kept, e)
		}
	}
	removed := len(*list) - len(kept)
	clear((*list)[len(kept):])
	*list = kept
	return removed
}

// RemoveDuplicates collapses consecutive text entries with identical bytes
// and the same target into one and returns how many were removed.
func (q *Queue) RemoveDuplicates() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.text) < 2 {
		return 0
	}
	kept := q.text[:1]
	for _, e := range q.text[1:] {
		last := kept[len(kept)-1]
		if last.Class == e.Class && bytes.Equal(last.Data, e.Data) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(q.text) - len(kept)
	clear(q.text[len(kept):])
	q.text = kept
	return removed
}

// Relieve applies the backpressure relief policies in order: evict
// droppable entries, and only if there were none, collapse duplicates.
func (q *Queue) Relieve() (Relief, int) {
	if n := q.ForceReduce(); n > 0 {
		return ReliefDropped, n
	}
	if n := q.RemoveDuplicates(); n > 0 {
		return ReliefDuplicates, n
	}
	return ReliefNone, 0
}

// Clear discards every entry and returns how many were discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.text) + len(q.bin)
	q.text = nil
	q.bin = nil
	return n
}
