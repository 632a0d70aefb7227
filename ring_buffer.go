// Package serbuf provides byte-oriented buffering between a single
// producer and a single consumer running in different execution contexts,
// such as application code exchanging data with a driver service loop.
// The core is [RingBuffer], a fixed-capacity lock-free SPSC ring with
// overflow detection. [Port] builds a duplex serial endpoint on top of a
// pair of them.
package serbuf

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxExponent bounds the capacity of a [RingBuffer] to 2^16 elements.
const MaxExponent = 16

const cursorBits = 32

// RingBuffer is a generic lock-free single-producer/single-consumer ring.
//
// The capacity is always a power of two and one slot is sacrificed to tell
// a full buffer from an empty one, so at most Cap()-1 elements are stored.
// Exactly one goroutine may push and exactly one may pop; a second writer
// or reader on either side is out of contract. No operation blocks: every
// call returns immediately with however much work could be done.
type RingBuffer[T any] struct {
	// backFront is a uint64 where the top 32 bits are the write cursor
	// (back) and the bottom 32 bits are the read cursor (front). Both
	// cursors are free-running and masked only at slot indexing. Keeping
	// the pair in one word lets a single load observe both consistently.
	backFront atomic.Uint64

	// used to avoid false sharing
	_ cpu.CacheLinePad

	// fault latches when a single-element push finds no free slot. It is
	// cleared only through CheckAndClearFault.
	fault atomic.Bool

	_ cpu.CacheLinePad

	capacity uint32
	capMask  uint32

	buffer []T
}

// NewRingBuffer creates a buffer holding up to 2^exponent-1 elements.
//
// An exponent of 0 yields a valid but unconfigured buffer: it stays empty
// and rejects every push. An exponent above [MaxExponent] is a caller
// programming error and panics.
func NewRingBuffer[T any](exponent int) *RingBuffer[T] {
	if exponent < 0 || exponent > MaxExponent {
		panic(fmt.Sprintf("serbuf: capacity exponent %d out of range [0, %d]", exponent, MaxExponent))
	}

	rb := &RingBuffer[T]{}

	if exponent > 0 {
		capacity := uint32(1) << exponent

		rb.capacity = capacity
		rb.capMask = capacity - 1
		rb.buffer = make([]T, capacity)
	}

	return rb
}

func (rb *RingBuffer[T]) pack(back, front uint32) uint64 {
	const mask = 1<<cursorBits - 1
	return uint64(back)<<cursorBits | uint64(front&mask)
}

func (rb *RingBuffer[T]) unpack(backFront uint64) (back, front uint32) {
	const mask = 1<<cursorBits - 1
	back = uint32((backFront >> cursorBits) & mask)
	front = uint32(backFront & mask)
	return
}

// Len returns the number of unread elements. The two cursors are sampled
// with a single atomic load, so the count is consistent even while the
// other side is in the middle of an operation.
func (rb *RingBuffer[T]) Len() uint32 {
	back, front := rb.unpack(rb.backFront.Load())
	return back - front
}

// Cap returns the total capacity. The usable capacity is Cap()-1.
func (rb *RingBuffer[T]) Cap() uint32 {
	return rb.capacity
}

// Free returns the number of elements the producer can still push.
func (rb *RingBuffer[T]) Free() uint32 {
	if rb.capacity == 0 {
		return 0
	}
	return rb.capMask - rb.Len()
}

// Faulted reports whether a push has been rejected since the last
// CheckAndClearFault, without clearing the flag.
func (rb *RingBuffer[T]) Faulted() bool {
	return rb.fault.Load()
}

// TryPush appends one element. When no free slot is left it writes
// nothing, latches the fault flag and returns false. Producer side only.
func (rb *RingBuffer[T]) TryPush(item T) bool {
	back, front := rb.unpack(rb.backFront.Load())

	if back-front >= rb.capMask {
		// Full (or unconfigured). The producer may have no way to
		// report the loss, so it is latched for the consumer.
		rb.fault.Store(true)
		return false
	}

	rb.buffer[back&rb.capMask] = item

	// The element store above must be visible before the new cursor;
	// the atomic add is the publish.
	rb.backFront.Add(1 << cursorBits)

	return true
}

// TryPop removes and returns the oldest element. Consumer side only.
func (rb *RingBuffer[T]) TryPop() (T, bool) {
	var zero T

	for {
		backFront := rb.backFront.Load()
		back, front := rb.unpack(backFront)

		if back == front {
			// Buffer is empty
			return zero, false
		}

		item := rb.buffer[front&rb.capMask]

		// The CAS can only lose to a concurrent producer publish; the
		// slot just read still belongs to the consumer, so retrying is
		// purely a cursor matter.
		if rb.backFront.CompareAndSwap(backFront, rb.pack(back, front+1)) {
			return item, true
		}
	}
}

// PushBack copies as many elements from items as free space allows and
// returns the number copied. A short copy is reported through the return
// value only: unlike TryPush it never latches the fault flag, callers of
// the bulk path are expected to check the count. Producer side only.
func (rb *RingBuffer[T]) PushBack(items []T) int {
	back, front := rb.unpack(rb.backFront.Load())

	n := rb.capMask - (back - front)
	if uint32(len(items)) < n {
		n = uint32(len(items))
	}
	if n == 0 {
		return 0
	}

	rb.copyIn(back, items[:n])

	rb.backFront.Add(uint64(n) << cursorBits)

	return int(n)
}

// PopFront moves up to len(dst) elements into dst and returns the number
// moved. Like PushBack, a short result is visible only in the return
// value. Consumer side only.
func (rb *RingBuffer[T]) PopFront(dst []T) int {
	for {
		backFront := rb.backFront.Load()
		back, front := rb.unpack(backFront)

		n := back - front
		if uint32(len(dst)) < n {
			n = uint32(len(dst))
		}
		if n == 0 {
			return 0
		}

		rb.copyOut(front, dst[:n])

		if rb.backFront.CompareAndSwap(backFront, rb.pack(back, front+n)) {
			return int(n)
		}
	}
}

// CheckAndClearFault reports whether a push was rejected since the last
// call and clears the flag. With discard set it additionally drops all
// unread elements by realigning the read cursor with the write cursor.
// Consumer side only.
func (rb *RingBuffer[T]) CheckAndClearFault(discard bool) bool {
	if discard {
		for {
			backFront := rb.backFront.Load()
			back, _ := rb.unpack(backFront)

			if rb.backFront.CompareAndSwap(backFront, rb.pack(back, back)) {
				break
			}
		}
	}

	return rb.fault.Swap(false)
}

// copyIn writes items starting at the back cursor, splitting into two
// contiguous copies when the span wraps past the physical end of the
// storage: [OOoooOOO] -> [oooooOOO] + [OOoooooo].
func (rb *RingBuffer[T]) copyIn(back uint32, items []T) {
	n := copy(rb.buffer[back&rb.capMask:], items)
	copy(rb.buffer, items[n:])
}

// copyOut is the mirror of copyIn for the read side.
func (rb *RingBuffer[T]) copyOut(front uint32, dst []T) {
	n := copy(dst, rb.buffer[front&rb.capMask:])
	copy(dst[n:], rb.buffer)
}
