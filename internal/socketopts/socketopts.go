// Package socketopts sets the raw socket options the acceptor and proxy
// pipeline need: SO_REUSEADDR/SO_REUSEPORT and an explicit accept
// backlog for the listening socket so multiple acceptor workers can
// share one port without starving the kernel's SYN queue, and
// TCP_NODELAY on established connections to disable Nagle's algorithm
// (spec.md §4.6, §4.7).
//
// Grounded on the manual socket/bind/listen construction in
// go-server/pkg/websocket/netpoll.go's CreateOptimizedListener
// (syscall.Socket → setsockopt → Bind → syscall.Listen(fd, backlog)),
// adapted onto golang.org/x/sys/unix and generalized to both IPv4 and
// IPv6 listen addresses. net.ListenConfig's Control hook cannot express
// this: Control runs before bind(2), and the backlog is fixed by the
// net package's own internal listen(2) call afterward, derived from
// the OS's somaxconn rather than any value callers supply.
package socketopts

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the accept queue depth passed to listen(2), meeting
// spec.md §4.7's "listen with backlog ≥ 4096".
const ListenBacklog = 4096

// Listen opens a TCP listener at addr with SO_REUSEADDR/SO_REUSEPORT
// set and an explicit ListenBacklog accept queue, suitable for use by
// multiple independent acceptor workers bound to the same address
// (spec.md §4.7). ctx is accepted for symmetry with the acceptor's
// Start(ctx) call site; socket construction itself is synchronous and
// not cancellable mid-call.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	domain := unix.AF_INET
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	// Closed on any setup failure below; ownership transfers to the
	// os.File/net.Listener only once FileListener succeeds.
	closeOnErr := func() { _ = unix.Close(fd) }

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		closeOnErr()
		return nil, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		closeOnErr()
		return nil, fmt.Errorf("SO_REUSEPORT: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		var addr4 [4]byte
		copy(addr4[:], ip4)
		sa = &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: addr4}
	} else {
		var addr16 [16]byte
		copy(addr16[:], tcpAddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: addr16}
	}
	if err := unix.Bind(fd, sa); err != nil {
		closeOnErr()
		return nil, fmt.Errorf("bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		closeOnErr()
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}

	file := os.NewFile(uintptr(fd), addr)
	ln, err := net.FileListener(file)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("FileListener %q: %w", addr, err)
	}
	return ln, nil
}

// SetNoDelay disables Nagle's algorithm on a dialed or accepted TCP
// connection. conn must be a *net.TCPConn; any other type is a no-op,
// since only raw TCP sessions need it (spec.md §4.6 step 4: "Disable
// Nagle on both sockets").
func SetNoDelay(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(true)
}
