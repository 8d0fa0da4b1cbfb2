// internal/docstore/feed.go
package docstore

import (
	"encoding/json"
	"sync"
)

type feedEvent struct {
	value json.RawMessage
	err   error
}

// feed delivers one subscription's events in order on its own goroutine, so
// a slow or re-entrant callback never blocks the writer that produced them.
type feed struct {
	segs     []string
	onChange func(json.RawMessage)
	onError  func(error)

	mu     sync.Mutex
	queue  []feedEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newFeed(segs []string, onChange func(json.RawMessage), onError func(error)) *feed {
	f := &feed{
		segs:     segs,
		onChange: onChange,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *feed) push(value json.RawMessage) {
	f.enqueue(feedEvent{value: value})
}

// fail delivers a terminal error and stops the feed after it.
func (f *feed) fail(err error) {
	f.enqueue(feedEvent{err: err})
}

func (f *feed) enqueue(ev feedEvent) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, ev)
	if ev.err != nil {
		f.closed = true
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// stop drops anything still queued and ends the delivery goroutine.
func (f *feed) stop() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.queue = nil
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *feed) run() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			if len(f.queue) == 0 {
				closed := f.closed
				f.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()

			select {
			case <-f.done:
				return
			default:
			}

			if ev.err != nil {
				if f.onError != nil {
					f.onError(ev.err)
				}
				return
			}
			if f.onChange != nil {
				f.onChange(ev.value)
			}
		}
	}
}
