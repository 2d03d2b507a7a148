package canlink

import "github.com/canlink/canlink/pkg/syncutil"

// frameQueue is the per-channel FIFO. The dispatcher appends, matchers and
// the subscriber tick remove. Removal of a matched frame happens under the
// lock so frames left behind keep their relative order even while the
// dispatcher keeps appending.
type frameQueue struct {
	mu     syncutil.Mutex
	frames []CANFrame
	limit  int
}

// newFrameQueue returns a queue holding at most limit frames, zero means
// unbounded.
func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit}
}

// push appends frames in order and returns how many of the oldest frames were
// discarded to stay within the limit.
func (q *frameQueue) push(frames ...CANFrame) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, frames...)
	if over := len(q.frames) - q.limit; q.limit > 0 && over > 0 {
		q.frames = append(q.frames[:0], q.frames[over:]...)
		return over
	}
	return 0
}

func (q *frameQueue) drain() []CANFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// takeFirst removes and returns the oldest frame accepted by match.
func (q *frameQueue) takeFirst(match func(CANFrame) bool) (CANFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, f := range q.frames {
		if match(f) {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			return f, true
		}
	}
	return CANFrame{}, false
}

// take removes every frame for which keep returns true, scanning oldest
// first, and returns them in order.
func (q *frameQueue) take(keep func(CANFrame) bool) []CANFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	var taken []CANFrame
	rest := q.frames[:0]
	for _, f := range q.frames {
		if keep(f) {
			taken = append(taken, f)
			continue
		}
		rest = append(rest, f)
	}
	clear(q.frames[len(rest):])
	q.frames = rest
	return taken
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) snapshot() []CANFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]CANFrame, len(q.frames))
	copy(out, q.frames)
	return out
}
