package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking TCP listening socket bound to port on
// all interfaces, using raw syscalls (golang.org/x/sys/unix) rather than
// the net package's own listener. This mirrors the original's
// socket/setsockopt/bind/listen sequence (common_ws.c:init_frontend_server,
// video_ws.c:init_video_server) exactly, and is required so the fd can be
// registered directly with this package's epoll instance instead of
// Go's internal netpoller.
func Listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: setsockopt SO_REUSEADDR: %w", err)
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, DefaultBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: set nonblock: %w", err)
	}
	return fd, nil
}

// DefaultBacklog matches MAX_CLIENTS as the backlog argument, as the
// original C server does (listen(fd, MAX_CLIENTS, ...)).
const DefaultBacklog = 1024

// DialTCP performs a blocking connect(2) to host:port and returns a
// non-blocking fd on success, for use as an upstream socket. Grounded on
// common_ws.c/remote_ws.c:connect_remote_ws.
func DialTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, rerr := net.LookupIP(host)
		if rerr != nil || len(ips) == 0 {
			unix.Close(fd)
			return -1, fmt.Errorf("reactor: resolve %s: %w", host, rerr)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: %s is not an IPv4 address", host)
	}
	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip4)
	if err := unix.Connect(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: connect %s:%d: %w", host, port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: set nonblock: %w", err)
	}
	return fd, nil
}
