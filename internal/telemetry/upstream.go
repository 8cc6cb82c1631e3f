package telemetry

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"wsrelay/internal/handshake"
	"wsrelay/internal/wsframe"
)

// handshakeTimeout bounds how long PerformClientHandshake waits for the
// upstream's 101 response before giving up and letting the reactor's
// backoff supervisor retry the whole dial.
const handshakeTimeout = 5 * time.Second

// PerformClientHandshake writes the opening handshake request to fd and
// blocks until a complete HTTP response header block arrives (or
// handshakeTimeout elapses), validating the upstream's status and
// Sec-WebSocket-Accept value. fd must already be connected and
// non-blocking, per reactor.DialTCP's contract; this runs inside the
// reactor's upstream dial callback, off the epoll goroutine, so a short
// busy-poll here does not stall client service.
func PerformClientHandshake(fd int, host, path string) error {
	key, err := handshake.GenerateKey()
	if err != nil {
		return err
	}
	req := handshake.BuildClientRequest(host, path, key)
	if err := writeAll(fd, req); err != nil {
		return fmt.Errorf("telemetry: write upstream handshake: %w", err)
	}

	want := wsframe.AcceptKey(key)
	deadline := time.Now().Add(handshakeTimeout)
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, rerr := unix.Read(fd, chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if resp, _, ok := handshake.ParseClientResponse(buf); ok {
				if resp.StatusCode != 101 {
					return fmt.Errorf("telemetry: upstream handshake rejected, status %d", resp.StatusCode)
				}
				if resp.SecWebSocketAccept != want {
					return fmt.Errorf("telemetry: upstream handshake accept key mismatch")
				}
				return nil
			}
		}
		if rerr != nil && rerr != unix.EAGAIN && rerr != unix.EWOULDBLOCK {
			return fmt.Errorf("telemetry: read upstream handshake response: %w", rerr)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("telemetry: upstream handshake timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}

// FrameAccumulator decodes the upstream's WebSocket byte stream into
// complete frames across however many reactor read callbacks it takes to
// deliver one. It is not safe for concurrent use; the telemetry
// reactor's single upstream-data callback is its only caller.
type FrameAccumulator struct {
	buf []byte
}

// Feed appends chunk and returns the payload of every complete text
// frame now decodable from the accumulated buffer. A frame decode error
// (as opposed to an incomplete frame) discards the whole buffer, since a
// desynchronized byte stream cannot be recovered frame-by-frame; the
// next upstream reconnect starts clean.
func (a *FrameAccumulator) Feed(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)

	var texts [][]byte
	for {
		f, n, err := wsframe.Decode(a.buf)
		if err == wsframe.ErrIncomplete {
			break
		}
		if err != nil {
			a.buf = nil
			break
		}
		a.buf = a.buf[n:]
		if f.Opcode == wsframe.OpText {
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)
			texts = append(texts, payload)
		}
	}
	return texts
}
