package canlink

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// matchPollInterval is how often a waiting matcher rescans its queue.
const matchPollInterval = 2 * time.Millisecond

// Send transmits one frame on key.
func (r *Registry) Send(_ context.Context, key ChannelKey, id uint32, data []byte) error {
	ch, err := r.lookup(key)
	if err != nil {
		return fmt.Errorf("send 0x%03X on %s: %w", id, key, err)
	}
	return r.transmit(ch, NewFrame(id, data))
}

func (r *Registry) transmit(ch *channel, frame CANFrame) error {
	n, err := r.tr.Transmit(ch.handle, frame)
	if err != nil {
		return &DriverError{Op: fmt.Sprintf("transmit 0x%03X", frame.Identifier()), Key: ch.eq.Key(), Err: err}
	}
	if n != 1 {
		return &DriverError{Op: fmt.Sprintf("transmit 0x%03X", frame.Identifier()), Key: ch.eq.Key(), Err: fmt.Errorf("driver accepted %d of 1 frames", n)}
	}
	return nil
}

// SendAndAwait transmits data as sendID and waits for the first frame whose
// 29-bit identifier equals expectedID. Frames with other identifiers stay in
// the channel queue in their original order. When nothing matches before
// timeout a *TimeoutError is returned.
//
// Callers serialise their own exchanges per channel; two concurrent waits for
// the same expectedID race for the response.
func (r *Registry) SendAndAwait(ctx context.Context, key ChannelKey, sendID uint32, data []byte, expectedID uint32, timeout time.Duration) (CANFrame, error) {
	return r.SendAndAwaitFunc(ctx, key, sendID, data, expectedID, nil, timeout)
}

// SendAndAwaitFunc is SendAndAwait with an extra content check: a frame on
// expectedID is only taken when accept returns true. Frames it rejects stay
// queued. A nil accept takes any frame on expectedID.
func (r *Registry) SendAndAwaitFunc(ctx context.Context, key ChannelKey, sendID uint32, data []byte, expectedID uint32, accept func(CANFrame) bool, timeout time.Duration) (CANFrame, error) {
	ch, err := r.lookup(key)
	if err != nil {
		return CANFrame{}, fmt.Errorf("send 0x%03X on %s: %w", sendID, key, err)
	}
	ch.exchanges.Add(1)
	defer ch.exchanges.Add(-1)

	if err := r.transmit(ch, NewFrame(sendID, data)); err != nil {
		return CANFrame{}, err
	}

	expectedID &= IDMask
	match := func(f CANFrame) bool {
		return f.Identifier() == expectedID && (accept == nil || accept(f))
	}

	deadline := r.clock.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if f, ok := ch.queue.takeFirst(match); ok {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return CANFrame{}, ctx.Err()
		case <-deadline.Chan():
			// one last look, the dispatcher may have pushed while we slept
			if f, ok := ch.queue.takeFirst(match); ok {
				return f, nil
			}
			return CANFrame{}, &TimeoutError{Timeout: timeout, Frames: []uint32{expectedID}, Type: "response"}
		case <-r.clock.After(matchPollInterval):
		}
	}
}

// Discard drops every queued frame on id and returns how many were removed.
// Used to clear late replies before a new exchange.
func (r *Registry) Discard(key ChannelKey, id uint32) (int, error) {
	ch, err := r.lookup(key)
	if err != nil {
		return 0, fmt.Errorf("discard on %s: %w", key, err)
	}
	id &= IDMask
	dropped := ch.queue.take(func(f CANFrame) bool {
		return f.Identifier() == id
	})
	return len(dropped), nil
}

// ReceiveMultiple collects up to count frames for each id in ids. It returns
// as soon as every id is complete. On timeout the frames collected so far are
// returned together with a *TimeoutError naming the incomplete ids.
func (r *Registry) ReceiveMultiple(ctx context.Context, key ChannelKey, ids []uint32, count int, timeout time.Duration) (map[uint32][]CANFrame, error) {
	ch, err := r.lookup(key)
	if err != nil {
		return nil, fmt.Errorf("receive on %s: %w", key, err)
	}
	ch.exchanges.Add(1)
	defer ch.exchanges.Add(-1)

	if count < 1 {
		count = 1
	}
	out := make(map[uint32][]CANFrame, len(ids))
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id&IDMask] = true
	}

	collect := func() bool {
		ch.queue.take(func(f CANFrame) bool {
			id := f.Identifier()
			if !want[id] || len(out[id]) >= count {
				return false
			}
			out[id] = append(out[id], f)
			return true
		})
		for id := range want {
			if len(out[id]) < count {
				return false
			}
		}
		return true
	}

	deadline := r.clock.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if collect() {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline.Chan():
			if collect() {
				return out, nil
			}
			var missing []uint32
			for id := range want {
				if len(out[id]) < count {
					missing = append(missing, id)
				}
			}
			sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
			return out, &TimeoutError{Timeout: timeout, Frames: missing, Type: "batch"}
		case <-r.clock.After(matchPollInterval):
		}
	}
}
