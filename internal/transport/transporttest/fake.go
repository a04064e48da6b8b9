package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/shhac/quill/internal/transport"
)

// Fake is a scripted transport.Transport. Each Send returns a FakeHandle
// whose events are pushed by the test.
type Fake struct {
	// SendErr, when set, is returned by Send instead of opening a handle.
	SendErr error
	// AutoEnd makes every handle emit Replies data events followed by end
	// as soon as it is opened (or committed, for client streams).
	AutoEnd bool
	Replies [][]byte
	// StreamReplies marks automatic replies as stream members.
	StreamReplies bool
	// WriteGate, when set, holds every handle Write until it is closed.
	WriteGate chan struct{}

	mu      sync.Mutex
	handles []*FakeHandle
	calls   []transport.Call
}

var _ transport.Transport = (*Fake)(nil)

// Send records the call and returns a new handle.
func (f *Fake) Send(_ context.Context, c transport.Call) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, c)
	if f.SendErr != nil {
		return nil, f.SendErr
	}

	h := &FakeHandle{
		events: make(chan transport.Event, 64),
		start:  time.Now(),
		gate:   f.WriteGate,
	}
	if c.Payload != nil {
		h.writes = append(h.writes, c.Payload)
	}
	f.handles = append(f.handles, h)

	if f.AutoEnd && !c.Method.IsStreamingClient() {
		h.Reply(f.StreamReplies, f.Replies...)
		h.End()
	}
	if f.AutoEnd && c.Method.IsStreamingClient() {
		h.onCommit = func() {
			h.Reply(f.StreamReplies, f.Replies...)
			h.End()
		}
	}
	return h, nil
}

// Calls returns every call passed to Send.
func (f *Fake) Calls() []transport.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Call(nil), f.calls...)
}

// Handle returns the i-th opened handle.
func (f *Fake) Handle(i int) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

// FakeHandle is a transport.Handle driven by the test.
type FakeHandle struct {
	events chan transport.Event
	start  time.Time
	gate   chan struct{}

	// WriteErr and CommitErr are returned by Write and Commit when set.
	WriteErr  error
	CommitErr error

	mu       sync.Mutex
	writes   [][]byte
	commits  int
	cancels  int
	ended    bool
	onCommit func()
	onCancel func()
}

var _ transport.Handle = (*FakeHandle)(nil)

// Write records payload.
func (h *FakeHandle) Write(payload []byte) error {
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.WriteErr != nil {
		return h.WriteErr
	}
	h.writes = append(h.writes, payload)
	return nil
}

// Commit records the commit and runs the AutoEnd script, if any.
func (h *FakeHandle) Commit() error {
	h.mu.Lock()
	if h.CommitErr != nil {
		h.mu.Unlock()
		return h.CommitErr
	}
	h.commits++
	fn := h.onCommit
	h.onCommit = nil
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Cancel records the cancellation. Unless OnCancel is set, the handle
// does not end by itself, mirroring a transport that is slow to abort.
func (h *FakeHandle) Cancel() {
	h.mu.Lock()
	h.cancels++
	fn := h.onCancel
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// OnCancel installs a callback run on every Cancel.
func (h *FakeHandle) OnCancel(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCancel = fn
}

// Events implements transport.Handle.
func (h *FakeHandle) Events() <-chan transport.Event {
	return h.events
}

// Reply emits one data event per payload.
func (h *FakeHandle) Reply(stream bool, payloads ...[]byte) {
	for _, p := range payloads {
		h.emit(transport.Event{Kind: transport.EventData, Payload: p, Stream: stream})
	}
}

// Fail emits an error event.
func (h *FakeHandle) Fail(err error) {
	h.emit(transport.Event{Kind: transport.EventError, Err: err})
}

// End emits the end event and closes the channel. Later calls are ignored.
func (h *FakeHandle) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	h.events <- transport.Event{Kind: transport.EventEnd, Elapsed: time.Since(h.start)}
	close(h.events)
}

// Close closes the event channel without an end event, as a misbehaving
// transport would.
func (h *FakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	close(h.events)
}

func (h *FakeHandle) emit(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	ev.Elapsed = time.Since(h.start)
	h.events <- ev
}

// Writes returns the payloads written so far, including the initial one.
func (h *FakeHandle) Writes() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

// Commits returns how many times Commit was called.
func (h *FakeHandle) Commits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commits
}

// Cancels returns how many times Cancel was called.
func (h *FakeHandle) Cancels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}
