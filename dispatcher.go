package canlink

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// startDispatcherLocked starts the receive loop and the subscriber tick once.
// r.mu must be held.
func (r *Registry) startDispatcherLocked() {
	if r.dispatchDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.dispatchCancel = cancel
	r.dispatchDone = done

	r.log.Debug().Msg("dispatcher started")
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.pollLoop(ctx)
		}()
		go func() {
			defer wg.Done()
			r.tickLoop(ctx)
		}()
		wg.Wait()
	}()
}

// stopDispatcherLocked stops both loops and waits for them. Neither loop takes
// r.mu so waiting while holding it is safe.
func (r *Registry) stopDispatcherLocked() {
	if r.dispatchDone == nil {
		return
	}
	r.dispatchCancel()
	<-r.dispatchDone
	r.dispatchCancel = nil
	r.dispatchDone = nil
	r.log.Debug().Msg("dispatcher stopped")
}

func (r *Registry) pollLoop(ctx context.Context) {
	for {
		r.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(r.opts.pollInterval):
		}
	}
}

// sweep pulls pending frames from every registered channel, one goroutine
// per channel.
func (r *Registry) sweep(ctx context.Context) {
	var g errgroup.Group
	for _, ch := range r.snapshot() {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.receive(ch); err != nil {
				r.markDown(ch, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) receive(ch *channel) error {
	n, err := r.tr.PendingCount(ch.handle)
	if err != nil {
		return &DriverError{Op: "pending count", Key: ch.eq.Key(), Err: err}
	}
	if n <= 0 {
		return nil
	}
	if n > r.opts.batchSize {
		n = r.opts.batchSize
	}

	buf := make([]CANFrame, n)
	got, err := r.tr.Receive(ch.handle, buf)
	if err != nil {
		return &DriverError{Op: "receive", Key: ch.eq.Key(), Err: err}
	}
	if got == 0 {
		return nil
	}

	if dropped := ch.queue.push(buf[:got]...); dropped > 0 {
		r.log.Warn().Stringer("channel", ch.eq.Key()).Int("dropped", dropped).Msg("queue full, oldest frames dropped")
	}
	ch.touch(r.clock.Now())
	r.markUp(ch)
	return nil
}

func (r *Registry) tickLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.opts.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.deliver()
		}
	}
}

// deliver hands each channel's queued frames to its subscribers as one batch.
// Channels with an exchange in flight are left for the matcher.
func (r *Registry) deliver() {
	for _, ch := range r.snapshot() {
		key := ch.eq.Key()
		subs := r.subscribersFor(key, false)
		if subs == nil || subs.empty() || ch.exchanges.Load() > 0 {
			continue
		}
		if frames := ch.queue.drain(); len(frames) > 0 {
			subs.deliver(key, frames)
		}
	}
}

// Subscribe registers fn for frames drained from key on every tick. It may be
// called before the channel is registered and survives reconnects. The
// returned func removes the subscription.
func (r *Registry) Subscribe(key ChannelKey, fn FrameHandler) func() {
	subs := r.subscribersFor(key, true)
	id := subs.add(fn)
	return func() {
		subs.remove(id)
	}
}

func (r *Registry) subscribersFor(key ChannelKey, create bool) *subscribers {
	r.tableMu.RLock()
	subs, ok := r.subs[key]
	r.tableMu.RUnlock()
	if ok || !create {
		return subs
	}
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	if subs, ok = r.subs[key]; !ok {
		subs = newSubscribers()
		r.subs[key] = subs
	}
	return subs
}
