package capture

import "sync"

// Feed is a latest-value transcript channel for recognizer adapters.
// Publish never blocks: an unread value is replaced by the newer one.
type Feed struct {
	mu     sync.Mutex
	ch     chan Transcript
	closed bool
}

func NewFeed() *Feed {
	return &Feed{ch: make(chan Transcript, 1)}
}

func (f *Feed) Publish(t Transcript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- t
}

// Close may be called more than once.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

func (f *Feed) Updates() <-chan Transcript {
	return f.ch
}
