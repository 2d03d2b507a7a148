package canlink

import "github.com/canlink/canlink/pkg/syncutil"

// FrameHandler receives every frame drained from a channel during one
// dispatcher tick. Batches can hold any number of frames.
type FrameHandler func(key ChannelKey, frames []CANFrame)

type subscriber struct {
	id uint64
	fn FrameHandler
}

type subscribers struct {
	mu     syncutil.RWMutex
	nextID uint64
	list   []subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{}
}

func (s *subscribers) add(fn FrameHandler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.list = append(s.list, subscriber{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *subscribers) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list) == 0
}

func (s *subscribers) deliver(key ChannelKey, frames []CANFrame) {
	s.mu.RLock()
	list := make([]subscriber, len(s.list))
	copy(list, s.list)
	s.mu.RUnlock()
	for _, sub := range list {
		sub.fn(key, frames)
	}
}
