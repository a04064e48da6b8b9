package call

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	qerrors "github.com/shhac/quill/internal/errors"
	"github.com/shhac/quill/internal/telemetry"
	"github.com/shhac/quill/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// Session is one call. Its events arrive in transport order with at most
// one EventError and exactly one EventEnd, after which the channel is
// closed and the session is idle.
type Session struct {
	mode   Mode
	events chan Event
	start  time.Time
	span   trace.Span
	logger *slog.Logger
	timer  *time.Timer

	writeMu sync.Mutex    // serializes Write and Commit in call order
	primed  chan struct{} // closed once the initial chunks are handed over

	mu        sync.Mutex
	phase     Phase
	stream    streamState
	cancelled bool
	errored   bool
	localErr  error // failure detected while priming the stream
	handle    transport.Handle
	sent      [][]byte
	received  []json.RawMessage
}

// Events returns the session's event channel.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Mode returns the interaction mode of the call.
func (s *Session) Mode() Mode {
	return s.mode
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Sent returns the client messages handed to the transport so far.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Received returns the response messages relayed so far.
func (s *Session) Received() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.received...)
}

// Write sends one more client-stream message.
func (s *Session) Write(payload []byte) error {
	s.waitPrimed()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	h, err := s.streamingHandle()
	if err != nil {
		return err
	}
	if err := h.Write(payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
	return nil
}

// Commit signals that no more client messages follow. It cannot be undone.
func (s *Session) Commit() error {
	s.waitPrimed()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	h, err := s.streamingHandle()
	if err != nil {
		return err
	}
	if err := h.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.stream = streamCommitted
	sent := len(s.sent)
	s.mu.Unlock()

	s.logger.Debug("client stream committed", slog.Int("sent", sent))
	return nil
}

// streamingHandle returns the handle if the session accepts client
// messages right now.
func (s *Session) streamingHandle() (transport.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStreamingLocked(); err != nil {
		return nil, err
	}
	return s.handle, nil
}

func (s *Session) checkStreamingLocked() error {
	switch {
	case !s.mode.ClientStreams():
		return ErrNotStreaming
	case s.cancelled:
		return ErrCancelled
	case s.stream == streamCommitted:
		return ErrCommitted
	case s.phase != PhaseStreaming || s.handle == nil:
		return ErrNotStreaming
	}
	return nil
}

// Cancel asks the transport to abort. The session still ends through its
// event channel. Repeated calls, and calls after the end, do nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.handle == nil || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	h := s.handle
	s.mu.Unlock()

	s.logger.Debug("cancelling call")
	h.Cancel()
}

// waitPrimed blocks until the initial chunks have been handed to the
// transport, so caller writes always follow them.
func (s *Session) waitPrimed() {
	if s.primed != nil {
		<-s.primed
	}
}

// prime writes the remaining initial chunks and, when auto is set,
// commits the stream. It runs alongside relay since the transport may
// stop accepting writes until its events are consumed.
func (s *Session) prime(chunks [][]byte, auto bool) {
	defer close(s.primed)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, chunk := range chunks {
		h, ok := s.primeHandle()
		if !ok {
			return
		}
		if err := h.Write(chunk); err != nil {
			s.fail(h, err)
			return
		}
		s.mu.Lock()
		s.sent = append(s.sent, chunk)
		s.mu.Unlock()
	}
	if !auto {
		return
	}
	h, ok := s.primeHandle()
	if !ok {
		return
	}
	if err := h.Commit(); err != nil {
		s.fail(h, err)
		return
	}
	s.mu.Lock()
	s.stream = streamCommitted
	s.mu.Unlock()
}

// primeHandle returns the handle while the call is still live.
func (s *Session) primeHandle() (transport.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.handle == nil {
		return nil, false
	}
	return s.handle, true
}

// fail records a local failure and aborts the transport. The error is
// reported in place of whatever the transport says next, unless the call
// was already cancelled.
func (s *Session) fail(h transport.Handle, err error) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.localErr = err
	s.cancelled = true
	s.mu.Unlock()

	h.Cancel()
}

// abort reports a call that never reached the transport.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.phase = PhaseErrored
	s.errored = true
	s.mu.Unlock()

	s.emitError(err, time.Since(s.start))
	s.finish(time.Since(s.start))
}

// relay forwards handle events until the transport ends the call.
func (s *Session) relay(handle transport.Handle) {
	var endElapsed time.Duration

loop:
	for ev := range handle.Events() {
		switch ev.Kind {
		case transport.EventData:
			s.mu.Lock()
			s.received = append(s.received, json.RawMessage(ev.Payload))
			s.mu.Unlock()

			telemetry.RecordData(s.span, ev.Stream, len(ev.Payload))
			s.events <- Event{
				Kind:    EventData,
				Payload: json.RawMessage(ev.Payload),
				Stream:  ev.Stream,
				Elapsed: ev.Elapsed,
			}

		case transport.EventError:
			s.onError(ev.Err, ev.Elapsed)

		case transport.EventEnd:
			endElapsed = ev.Elapsed
			break loop
		}
	}

	s.onError(nil, 0)
	if endElapsed == 0 {
		endElapsed = time.Since(s.start)
	}
	s.finish(endElapsed)
}

// onError emits the session's single error event. A local failure takes
// precedence over the transport's report. With err nil it only flushes a
// pending local failure.
func (s *Session) onError(err error, elapsed time.Duration) {
	s.mu.Lock()
	if s.errored {
		s.mu.Unlock()
		return
	}
	if s.localErr != nil {
		err = s.localErr
	}
	if err == nil {
		s.mu.Unlock()
		return
	}
	s.errored = true
	s.phase = PhaseErrored
	s.mu.Unlock()

	if elapsed == 0 {
		elapsed = time.Since(s.start)
	}
	s.emitError(err, elapsed)
}

func (s *Session) emitError(err error, elapsed time.Duration) {
	msg := qerrors.Describe(err)
	s.logger.Warn("call failed",
		slog.String("message", msg),
		slog.Any("error", err),
	)
	telemetry.RecordError(s.span, err)
	s.events <- Event{
		Kind:    EventError,
		Err:     err,
		Message: msg,
		Elapsed: elapsed,
	}
}

// finish releases the handle, returns the session to idle and emits End.
func (s *Session) finish(elapsed time.Duration) {
	s.mu.Lock()
	s.phase = PhaseCompleting
	if s.timer != nil {
		s.timer.Stop()
	}
	sent, received := len(s.sent), len(s.received)
	s.handle = nil
	s.stream = streamNone
	s.phase = PhaseIdle
	s.mu.Unlock()

	s.logger.Info("call finished",
		slog.Duration("elapsed", elapsed),
		slog.Int("sent", sent),
		slog.Int("received", received),
	)

	s.events <- Event{Kind: EventEnd, Elapsed: elapsed}
	close(s.events)
	s.span.End()
}
