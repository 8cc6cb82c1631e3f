// Package session implements the per-connection client state machine
// described in spec.md §3 and §4.3: a bounded receive buffer driven by
// readable events, a handshake phase, and a post-handshake phase where
// frames are decoded and dispatched but the relay never expects
// meaningful inbound payloads from a client (clients are receivers only).
package session

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"wsrelay/internal/handshake"
	"wsrelay/internal/wsframe"
)

// State is one node of the Connecting → Open → Closing → Closed
// lifecycle table in spec.md §4.3.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// DefaultBufferSize is the bounded receive buffer capacity, spec.md §3's
// "rx_buffer (bounded, default 4096 bytes)".
const DefaultBufferSize = 4096

var (
	// ErrBufferOverflow is returned when a pre-handshake client sends more
	// bytes than fit in rx_buffer; spec.md §3: "overflow during Connecting
	// is a fatal session error."
	ErrBufferOverflow = errors.New("session: receive buffer overflow")
	// ErrPartialWrite is returned by SendFrame when the non-blocking write
	// did not accept the whole frame in one call; spec.md §4.4's
	// backpressure policy treats this as a failure, not a retry.
	ErrPartialWrite = errors.New("session: partial write treated as failure")
	// ErrWriteTimeout is returned by Write when a peer's receive window
	// stays closed (EAGAIN) past writeTimeout. Write runs synchronously on
	// the reactor's single epoll-servicing goroutine, so it must give up
	// rather than spin indefinitely and starve every other registered fd.
	ErrWriteTimeout = errors.New("session: write timed out")
)

// writeTimeout bounds Write's retry-on-EAGAIN loop. Handshake responses
// are small and sent exactly once per connection; a peer that still
// can't accept them after this long (a slow-loris-style stalled
// receive window) is treated as a failed handshake, not retried further.
const writeTimeout = 1 * time.Second

// Session is one connected downstream client.
type Session struct {
	Fd            int
	State         State
	HandshakeDone bool

	rx    []byte
	rxLen int

	// StickyReplayed tracks whether the hub's late-join sticky config
	// frame has already been sent to this session (video hub only; it
	// stays false for telemetry sessions, since that hub never sets a
	// sticky frame and replay is never invoked for it).
	StickyReplayed bool
}

// New creates a session for a freshly accepted, already non-blocking fd.
func New(fd int) *Session {
	return &Session{
		Fd:    fd,
		State: StateConnecting,
		rx:    make([]byte, DefaultBufferSize),
	}
}

// ReadMore drains the socket into the session's receive buffer until
// EAGAIN, per the edge-triggered contract in spec.md §4.5 ("every read
// handler MUST drain the socket until EAGAIN"). It returns the number of
// bytes newly appended and whether the peer closed the connection.
// Overflow while still in Connecting is reported as ErrBufferOverflow.
func (s *Session) ReadMore() (n int, eof bool, err error) {
	var chunk [4096]byte
	for {
		r, rerr := unix.Read(s.Fd, chunk[:])
		if r > 0 {
			if s.State == StateConnecting && s.rxLen+r > len(s.rx) {
				return n, false, ErrBufferOverflow
			}
			if s.rxLen+r > len(s.rx) {
				// Post-handshake: the relay never expects large inbound
				// payloads; drop bytes beyond capacity rather than grow
				// unboundedly (spec.md §4.3 receive policy).
				r = len(s.rx) - s.rxLen
				if r <= 0 {
					r = 0
				}
			}
			copy(s.rx[s.rxLen:s.rxLen+r], chunk[:r])
			s.rxLen += r
			n += r
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return n, false, nil
			}
			return n, false, rerr
		}
		if r == 0 {
			return n, true, nil
		}
	}
}

// TryHandshake attempts to parse the accumulated receive buffer as an
// opening HTTP request. It returns the handshake result and, on Opening
// or Error, the bytes to write back to the peer.
func (s *Session) TryHandshake() (handshake.Result, []byte) {
	req, consumed := handshake.Parse(s.rx[:s.rxLen])
	switch req.Result {
	case handshake.Incomplete:
		return handshake.Incomplete, nil
	case handshake.Opening:
		s.discard(consumed)
		return handshake.Opening, handshake.AcceptResponse(wsframe.AcceptKey(req.SecWebSocketKey))
	default:
		s.discard(consumed)
		return handshake.Error, handshake.ErrorResponse()
	}
}

// MarkOpen transitions Connecting → Open after the 101 response has been
// written, per spec.md §4.3.
func (s *Session) MarkOpen() {
	s.HandshakeDone = true
	s.State = StateOpen
}

// DecodeFrames decodes as many complete frames as the buffer currently
// holds, returning them in arrival order. Any trailing partial frame
// bytes are kept for the next read unless they already exceed a single
// frame's worth of data the relay would ever expect, in which case they
// are discarded (spec.md §4.3: "process whole frames and discard
// trailing partials only if they exceed a complete frame").
func (s *Session) DecodeFrames() ([]wsframe.Frame, error) {
	var frames []wsframe.Frame
	for {
		f, n, err := wsframe.Decode(s.rx[:s.rxLen])
		if err == wsframe.ErrIncomplete {
			break
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		s.discard(n)
	}
	if s.rxLen == len(s.rx) {
		// The buffer is entirely full of an undecodable partial frame;
		// this relay never expects client payloads large enough to need
		// more than one buffer's worth, so drop it rather than stall.
		s.rxLen = 0
	}
	return frames, nil
}

// discard removes the first n bytes of the receive buffer, sliding the
// remainder down to index 0.
func (s *Session) discard(n int) {
	if n <= 0 {
		return
	}
	if n >= s.rxLen {
		s.rxLen = 0
		return
	}
	copy(s.rx, s.rx[n:s.rxLen])
	s.rxLen -= n
}

// Write retries-until-accepted a small, one-time payload (a handshake
// response). Unlike SendFrame, partial writes are retried because
// handshake responses are short and sent exactly once per connection —
// but the retry is bounded by writeTimeout and backed off with a short
// sleep between attempts: this runs synchronously from the reactor's
// single epoll-servicing goroutine (handleClientReadable), so an
// unbounded spin on a stalled peer would starve every other registered
// fd past spec.md §5's 100ms reactor tick budget. A caller that gets
// ErrWriteTimeout back is expected to close the session, same as any
// other write failure.
func (s *Session) Write(b []byte) error {
	deadline := time.Now().Add(writeTimeout)
	for len(b) > 0 {
		n, err := unix.Write(s.Fd, b)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if time.Now().After(deadline) {
					return ErrWriteTimeout
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// SendFrame performs the single non-blocking write spec.md §4.4 requires
// for broadcast delivery: one write(2) call, and a partial write is a
// failure, not something to retry within this call.
func (s *Session) SendFrame(frame []byte) error {
	n, err := unix.Write(s.Fd, frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return ErrPartialWrite
	}
	return nil
}

// Close marks the session Closed and closes its file descriptor. The
// caller (hub) is responsible for deregistering it from the reactor
// first, per spec.md §3's "release happens in exactly one place."
func (s *Session) Close() {
	if s.State == StateClosed {
		return
	}
	_ = unix.Close(s.Fd)
	s.State = StateClosed
}
