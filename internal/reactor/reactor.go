// Package reactor implements the event-driven I/O multiplexer described
// in spec.md §4.5: one listener fd (level-triggered), one upstream fd
// (edge-triggered, with a reconnect supervisor), and N client fds
// (edge-triggered), all serviced by a single epoll instance on a
// dedicated goroutine. Grounded on cbackend/src/main.c's epoll loop and
// video_ws.c's independent video_epoll_loop — spec.md §5 calls for one
// reactor per listener pair, so the video and telemetry pipelines each
// construct their own *Reactor.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"golang.org/x/sys/unix"

	"wsrelay/internal/handshake"
	"wsrelay/internal/hub"
	"wsrelay/internal/session"
	"wsrelay/internal/wsframe"
)

// PollTimeout is the epoll_wait budget, spec.md §4.5: "wait up to 100 ms
// for readiness."
const PollTimeout = 100 * time.Millisecond

// ReconnectBackoff is the fixed upstream redial interval, spec.md §4.5/§7:
// "close the fd, sleep 1 s, re-dial."
const ReconnectBackoff = 1 * time.Second

const maxEvents = 1024

type kind int

const (
	kindListener kind = iota
	kindUpstream
	kindClient
)

type registration struct {
	kind kind
	sess *session.Session
}

// Dialer connects (or reconnects) to the upstream source and returns a
// non-blocking fd. Reactor calls it once at startup and again after
// every upstream disconnect.
type Dialer func(ctx context.Context) (int, error)

// UpstreamHandler processes a chunk of bytes read from the upstream
// socket. It owns whatever buffering/decoding it needs across calls
// (e.g. the telemetry pipeline's WS client frame decoder).
type UpstreamHandler func(chunk []byte)

// OnUpstreamReset is called after the upstream fd is torn down, before
// redialing, so a pipeline can clear per-session state (e.g. the video
// hub's sticky config, spec.md §4.5).
type OnUpstreamReset func()

// OnClientOpen is called once a client session transitions to Open,
// after the 101 response has been written, so a pipeline can replay
// late-join state (the video hub's sticky config replay, spec.md §4.3/§4.4).
type OnClientOpen func(s *session.Session)

// Reactor is one epoll-driven event loop for one listener plus at most
// one upstream source plus N registered clients.
type Reactor struct {
	log zerolog.Logger
	hub *hub.Hub

	listenFd int
	epfd     int

	mu        sync.Mutex
	regs      map[int32]*registration
	upstream  int32 // current upstream fd, or -1 if none registered
	closeOnce sync.Once

	// ctx is the context Run was called with, stashed so goroutines
	// spawned after startup (resetUpstream's respawned supervisor) still
	// observe cancellation instead of outliving the reactor, per spec.md
	// §5: "all threads must observe it within one reactor tick."
	ctx context.Context

	dial            Dialer
	onUpstreamData  UpstreamHandler
	onUpstreamReset OnUpstreamReset
	onClientOpen    OnClientOpen

	pendingUpstream chan int32
}

// Option configures optional Reactor behavior.
type Option func(*Reactor)

// WithUpstream wires an upstream source: dial connects/reconnects, data
// receives bytes read from it, and reset (if non-nil) runs after a
// disconnect and before the next redial attempt.
func WithUpstream(dial Dialer, data UpstreamHandler, reset OnUpstreamReset) Option {
	return func(r *Reactor) {
		r.dial = dial
		r.onUpstreamData = data
		r.onUpstreamReset = reset
	}
}

// WithClientOpen registers a callback invoked when a client session
// completes its handshake, before any live broadcast frames can reach it.
func WithClientOpen(f OnClientOpen) Option {
	return func(r *Reactor) { r.onClientOpen = f }
}

// New builds a Reactor around an already-listening fd (see Listen) and a
// Hub that owns the client session table.
func New(log zerolog.Logger, h *hub.Hub, listenFd int, opts ...Option) *Reactor {
	r := &Reactor{
		log:             log,
		hub:             h,
		listenFd:        listenFd,
		epfd:            -1,
		regs:            make(map[int32]*registration),
		upstream:        -1,
		pendingUpstream: make(chan int32, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detach implements hub.Detacher: it removes fd from the epoll instance.
// Called by Hub.Remove, which is the single place a session's fd is
// released (spec.md §5).
func (r *Reactor) Detach(fd int) {
	r.mu.Lock()
	delete(r.regs, int32(fd))
	r.mu.Unlock()
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run creates the epoll instance, registers the listener, starts the
// upstream supervisor (if configured), and services events until ctx is
// canceled. Per the resolved Open Question in DESIGN.md, the listener
// starts accepting immediately; the upstream connect-with-retry never
// blocks this call.
func (r *Reactor) Run(ctx context.Context) error {
	r.ctx = ctx

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return errWrap("epoll_create1", err)
	}
	r.epfd = epfd
	defer unix.Close(epfd)

	if err := r.addFd(r.listenFd, unix.EPOLLIN, kindListener, nil); err != nil {
		return errWrap("register listener", err)
	}

	if r.dial != nil {
		go r.superviseUpstream(ctx)
	}

	events := make([]unix.EpollEvent, maxEvents)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case newFd := <-r.pendingUpstream:
			r.registerUpstream(newFd)
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, int(PollTimeout.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errWrap("epoll_wait", err)
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			r.mu.Lock()
			reg := r.regs[fd]
			r.mu.Unlock()
			if reg == nil {
				continue
			}
			switch reg.kind {
			case kindListener:
				r.acceptLoop()
			case kindUpstream:
				r.handleUpstreamReadable(int(fd))
			case kindClient:
				r.handleClientReadable(reg.sess)
			}
		}
	}
}

func (r *Reactor) addFd(fd int, events uint32, k kind, sess *session.Session) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.regs[int32(fd)] = &registration{kind: k, sess: sess}
	r.mu.Unlock()
	return nil
}

// acceptLoop drains the listener's backlog until EAGAIN, per the
// edge-triggered contract (the listener itself is level-triggered, but
// draining fully each wakeup is still required to avoid starving
// subsequent connections during a burst).
func (r *Reactor) acceptLoop() {
	for {
		fd, _, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.Warn().Err(err).Msg("accept failed")
			return
		}

		s := session.New(fd)
		if err := r.hub.Insert(s); err != nil {
			r.log.Info().Int("fd", fd).Msg("hub saturated, rejecting connection")
			unix.Close(fd)
			continue
		}
		if err := r.addFd(fd, unix.EPOLLIN|unix.EPOLLET, kindClient, s); err != nil {
			r.log.Warn().Err(err).Int("fd", fd).Msg("epoll_ctl add client failed")
			r.hub.Remove(fd)
			continue
		}
		r.log.Debug().Int("fd", fd).Msg("client connected")
	}
}

func (r *Reactor) handleClientReadable(s *session.Session) {
	_, eof, err := s.ReadMore()
	if err != nil {
		r.closeSession(s)
		return
	}

	if !s.HandshakeDone {
		result, resp := s.TryHandshake()
		switch result {
		case handshake.Incomplete:
			// wait for more bytes on the next readiness event
		case handshake.Opening:
			if werr := s.Write(resp); werr != nil {
				r.closeSession(s)
				return
			}
			s.MarkOpen()
			if r.onClientOpen != nil {
				r.onClientOpen(s)
			}
		case handshake.Error:
			_ = s.Write(resp)
			r.closeSession(s)
			return
		}
	}

	if s.HandshakeDone {
		frames, ferr := s.DecodeFrames()
		if ferr != nil {
			r.closeSession(s)
			return
		}
		for _, f := range frames {
			switch f.Opcode {
			case wsframe.OpClose:
				closeFrame, _ := wsframe.EncodeClose(f.Payload)
				_ = s.SendFrame(closeFrame)
				r.closeSession(s)
				return
			case wsframe.OpPing:
				pong, _ := wsframe.EncodeControl(wsframe.OpPong, f.Payload)
				if werr := s.SendFrame(pong); werr != nil {
					r.closeSession(s)
					return
				}
			default:
				// Text/binary/pong from a client: this relay's clients
				// are receivers only (spec.md §4.3); ignore.
			}
		}
	}

	if eof {
		r.closeSession(s)
	}
}

func (r *Reactor) closeSession(s *session.Session) {
	r.hub.Remove(s.Fd)
}

func (r *Reactor) handleUpstreamReadable(fd int) {
	var buf [65536]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 && r.onUpstreamData != nil {
			r.onUpstreamData(buf[:n])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.log.Warn().Err(err).Msg("upstream read error")
			r.resetUpstream(fd)
			return
		}
		if n == 0 {
			r.log.Warn().Msg("upstream EOF")
			r.resetUpstream(fd)
			return
		}
	}
}

// resetUpstream tears down the current upstream fd and kicks off a new
// supervised redial, per spec.md §4.5/§7: "close the fd, sleep 1 s,
// re-dial; on reconnect, re-register with the reactor."
func (r *Reactor) resetUpstream(fd int) {
	r.mu.Lock()
	delete(r.regs, int32(fd))
	r.upstream = -1
	r.mu.Unlock()

	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = unix.Close(fd)

	if r.onUpstreamReset != nil {
		r.onUpstreamReset()
	}

	go r.superviseUpstream(r.ctx)
}

// superviseUpstream retries Dial with a constant 1s backoff until it
// succeeds or the context is canceled, then hands the new fd back to the
// Run loop for registration. Grounded on main.c's
// `while (running && (connect(...) < 0)) sleep(1);`, expressed with the
// pack's retry library instead of a bare sleep loop.
func (r *Reactor) superviseUpstream(ctx context.Context) {
	b := backoff.NewConstantBackOff(ReconnectBackoff)
	op := func() error {
		fd, err := r.dial(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("upstream dial failed, retrying")
			return err
		}
		select {
		case r.pendingUpstream <- int32(fd):
		case <-ctx.Done():
			unix.Close(fd)
		}
		return nil
	}
	_ = backoff.Retry(op, backoffWithContext{b, ctx})
}

func (r *Reactor) registerUpstream(fd int32) {
	if err := r.addFd(int(fd), unix.EPOLLIN|unix.EPOLLET, kindUpstream, nil); err != nil {
		r.log.Error().Err(err).Msg("failed to register upstream fd")
		unix.Close(int(fd))
		return
	}
	r.mu.Lock()
	r.upstream = fd
	r.mu.Unlock()
	r.log.Info().Int32("fd", fd).Msg("upstream connected")
}

// shutdown closes every registered client (best-effort close frame
// first), the listener, and the upstream, per spec.md §4.5's cleanup
// contract. Persistence-client shutdown is the caller's responsibility
// (it outlives any single reactor).
func (r *Reactor) shutdown() {
	r.closeOnce.Do(func() {
		for _, s := range r.hub.Snapshot() {
			closeFrame, _ := wsframe.EncodeClose(nil)
			_ = s.SendFrame(closeFrame)
			r.hub.Remove(s.Fd)
		}
		_ = unix.Close(r.listenFd)
		r.mu.Lock()
		up := r.upstream
		r.mu.Unlock()
		if up >= 0 {
			_ = unix.Close(int(up))
		}
	})
}

func errWrap(op string, err error) error {
	return errors.New(op + ": " + err.Error())
}

// backoffWithContext adapts a backoff.BackOff to stop as soon as ctx is
// canceled, since gopkg.in/cenkalti/backoff.v1 predates context support.
type backoffWithContext struct {
	backoff.BackOff
	ctx context.Context
}

func (b backoffWithContext) NextBackOff() time.Duration {
	select {
	case <-b.ctx.Done():
		return backoff.Stop
	default:
		return b.BackOff.NextBackOff()
	}
}
