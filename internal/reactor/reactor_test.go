package reactor

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wsrelay/internal/hub"
	"wsrelay/internal/session"
	"wsrelay/internal/wsframe"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// dialWebSocket performs a plain net.Dial-based WebSocket handshake; it
// uses net purely as a test client, independent of this package's own
// raw-syscall transport.
func dialWebSocket(t *testing.T, port int) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET / HTTP/1.1\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		fmt.Sprintf("Sec-WebSocket-Key: %s\r\n", key) +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil || line != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("unexpected status line: %q err=%v", line, err)
	}
	var acceptKey string
	for {
		l, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if l == "\r\n" {
			break
		}
		const prefix = "Sec-WebSocket-Accept: "
		if len(l) > len(prefix) && l[:len(prefix)] == prefix {
			acceptKey = l[len(prefix) : len(l)-2]
		}
	}
	sum := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	want := base64.StdEncoding.EncodeToString(sum[:])
	if acceptKey != want {
		t.Fatalf("accept key = %q, want %q", acceptKey, want)
	}
	return conn, reader
}

func startReactor(t *testing.T, h *hub.Hub, opts ...Option) (port int, cancel context.CancelFunc) {
	t.Helper()
	port = freePort(t)
	fd, err := Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	log := zerolog.Nop()
	r := New(log, h, fd, opts...)
	h.SetDetacher(r)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := r.Run(ctx); err != nil {
			t.Logf("reactor exited: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	return port, cancel
}

func TestReactorHandshakeAndPingPong(t *testing.T) {
	h := hub.New(4, nil)
	port, cancel := startReactor(t, h)
	defer cancel()

	conn, reader := dialWebSocket(t, port)
	defer conn.Close()

	ping, _ := wsframe.EncodeControl(wsframe.OpPing, []byte("hi"))
	if _, err := conn.Write(ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	f, _, err := wsframe.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Opcode != wsframe.OpPong || string(f.Payload) != "hi" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestReactorLateJoinReceivesStickyConfigFirst(t *testing.T) {
	h := hub.New(4, nil)
	stickyFrame, _ := wsframe.EncodeBinary([]byte("avcC"))
	h.SetStickyConfig(stickyFrame)

	port, cancel := startReactor(t, h, WithClientOpen(func(s *session.Session) {
		_ = h.ReplayStickyConfigTo(s)
	}))
	defer cancel()

	conn, reader := dialWebSocket(t, port)
	defer conn.Close()

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("read sticky frame: %v", err)
	}
	f, _, err := wsframe.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Opcode != wsframe.OpBinary || string(f.Payload) != "avcC" {
		t.Fatalf("first frame to late joiner = %+v, want sticky config", f)
	}
}

func TestReactorHubSaturationClosesExcessConnection(t *testing.T) {
	h := hub.New(1, nil)
	port, cancel := startReactor(t, h)
	defer cancel()

	conn1, _ := dialWebSocket(t, port)
	defer conn1.Close()
	time.Sleep(50 * time.Millisecond)

	// Second connection should be accepted at the TCP level (listener
	// stays open per spec.md §7) but get no handshake reply and then be
	// closed, since the hub is saturated.
	conn2, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	req := "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 13\r\n\r\n"
	conn2.Write([]byte(req))
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err = conn2.Read(buf)
	if err == nil {
		t.Fatalf("expected read to fail (peer closed), got data")
	}
}
