// Package socket provides the non-blocking TCP primitives used by the
// net threads. Descriptors are plain ints so they can be registered with
// the poller directly.
package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrConnectTimeout = errors.New("socket: connect timeout")
	ErrInvalidAddress = errors.New("socket: invalid IPv4 address")
)

// Options holds per-connection socket tuning
type Options struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY)
	NoDelay bool
	// KeepAlive enables TCP keepalive probes (SO_KEEPALIVE)
	KeepAlive bool
	// RecvBuffer sets SO_RCVBUF when positive
	RecvBuffer int
	// SendBuffer sets SO_SNDBUF when positive
	SendBuffer int
}

// DefaultOptions returns the tuning applied to accepted and outbound connections
func DefaultOptions() Options {
	return Options{
		NoDelay:   true,
		KeepAlive: true,
	}
}

// Apply applies the options to a TCP socket
func (o Options) Apply(fd int) error {
	if o.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("set TCP_NODELAY: %w", err)
		}
	}
	if o.KeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("set SO_KEEPALIVE: %w", err)
		}
	}
	if o.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer); err != nil {
			return fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}
	if o.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuffer); err != nil {
			return fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}
	return nil
}

func newTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddr(ip string, port int) (*unix.SockaddrInet4, error) {
	sa := &unix.SockaddrInet4{Port: port}
	if ip == "" || ip == "0.0.0.0" {
		return sa, nil
	}
	v4 := net.ParseIP(ip).To4()
	if v4 == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// Listen creates a non-blocking listening socket. Port 0 picks an
// ephemeral port, see LocalPort.
func Listen(ip string, port, backlog int) (int, error) {
	sa, err := sockaddr(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := newTCPSocket()
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", net.JoinHostPort(ip, strconv.Itoa(port)), err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// LocalPort returns the port a socket is bound to
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("socket: unexpected address family %T", sa)
}

// Accept accepts one pending connection. It returns unix.EAGAIN when the
// backlog is empty.
func Accept(lfd int, opts Options) (fd int, ip string, port int, err error) {
	fd, sa, err := unix.Accept(lfd)
	if err != nil {
		return -1, "", 0, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", 0, err
	}
	// Tuning failures are not fatal to the connection.
	_ = opts.Apply(fd)

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip, port = net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		ip, port = net.IP(a.Addr[:]).String(), a.Port
	}
	return fd, ip, port, nil
}

// Connect opens a non-blocking outbound connection, waiting at most
// timeout for the handshake to complete.
func Connect(ip string, port int, timeout time.Duration, opts Options) (int, error) {
	sa, err := sockaddr(ip, port)
	if err != nil {
		return -1, err
	}
	fd, err := newTCPSocket()
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err == unix.EINPROGRESS {
		err = waitConnected(fd, timeout)
	}
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", net.JoinHostPort(ip, strconv.Itoa(port)), err)
	}

	_ = opts.Apply(fd)
	return fd, nil
}

func waitConnected(fd int, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConnectTimeout
		}
		break
	}
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Read reads into buf. A zero-byte read on a non-empty buffer is reported
// as io.EOF.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(buf) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes as much of buf as the socket accepts
func Write(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close closes the descriptor
func Close(fd int) error {
	return unix.Close(fd)
}

// IsWouldBlock reports whether err is EAGAIN/EWOULDBLOCK
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsBrokenPipe reports whether err is EPIPE
func IsBrokenPipe(err error) bool {
	return errors.Is(err, unix.EPIPE)
}
