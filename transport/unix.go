// Package transport provides the raw connection to a DBus message
// bus: bus address parsing, the unix stream socket, the SASL
// handshake, and file descriptor passing.
//
// Sockets are non-blocking. Reads and writes that cannot make
// progress return [ErrWouldBlock]; the caller is expected to wait
// for readiness on [Transport.FD] and retry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by reads and writes that cannot make
// progress without blocking.
var ErrWouldBlock = errors.New("operation would block")

// Transport is a raw DBus connection.
type Transport interface {
	io.ReadWriteCloser

	// FD returns the transport's file descriptor, for readiness
	// polling.
	FD() int
	// GetFiles returns n received files that were attached to
	// previously read bytes as ancillary data.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles is like Write, but additionally sends the given
	// files as ancillary data attached to the first byte.
	WriteWithFiles(bs []byte, files []*os.File) (int, error)
	// SupportsUnixFDs reports whether the bus agreed to file
	// descriptor passing during authentication.
	SupportsUnixFDs() bool
}

// Dial connects and authenticates to the bus at the given address,
// which may list several transports; the first usable unix socket
// wins. The context's deadline bounds connection and authentication
// only; the returned transport has no deadline.
func Dial(ctx context.Context, addr string, cfg Config) (Transport, error) {
	names, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	var errs []error
	for _, name := range names {
		t, err := dialOne(name, deadline, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return t, nil
	}
	return nil, errors.Join(errs...)
}

func dialOne(name string, deadline time.Time, cfg Config) (Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}
	t := &unixTransport{fd: fd, fds: queue.New[*os.File]()}

	err = unix.Connect(fd, &unix.SockaddrUnix{Name: name})
	if err == unix.EINPROGRESS {
		if err := waitPoll(fd, unix.POLLOUT, deadline); err != nil {
			t.Close()
			return nil, err
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			t.Close()
			return nil, err
		}
		if soErr != 0 {
			t.Close()
			return nil, fmt.Errorf("connecting to bus: %w", unix.Errno(soErr))
		}
	} else if err != nil {
		t.Close()
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}

	res, err := authClient(&pollIO{t: t, deadline: deadline}, os.Getuid(), cfg)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.unixFDs = res.UnixFDs
	return t, nil
}

// unixTransport is a Transport over a non-blocking unix stream
// socket.
type unixTransport struct {
	fd      int
	unixFDs bool
	oob     [512]byte
	fds     *queue.Queue[*os.File]
}

func (u *unixTransport) FD() int { return u.fd }

func (u *unixTransport) SupportsUnixFDs() bool { return u.unixFDs }

func (u *unixTransport) Read(bs []byte) (int, error) {
	n, oobn, flags, _, err := unix.Recvmsg(u.fd, bs, u.oob[:], 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("control message truncated")
	}
	if oobn > 0 {
		if err := u.parseFDs(u.oob[:oobn]); err != nil {
			return 0, err
		}
	}
	if n == 0 && len(bs) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	n, err := unix.Write(u.fd, bs)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (u *unixTransport) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	if len(files) == 0 {
		return u.Write(bs)
	}
	if !u.unixFDs {
		return 0, errors.New("bus does not support file descriptor passing")
	}
	fds := make([]int, 0, len(files))
	for _, f := range files {
		fds = append(fds, int(f.Fd()))
	}
	n, err := unix.SendmsgN(u.fd, bs, unix.UnixRights(fds...), nil, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, ErrWouldBlock
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	ret := make([]*os.File, 0, n)
	for range n {
		f, ok := u.fds.Pop()
		if !ok {
			for _, f := range ret {
				f.Close()
			}
			return nil, errors.New("requested file not available")
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (u *unixTransport) Close() error {
	for {
		f, ok := u.fds.Pop()
		if !ok {
			break
		}
		f.Close()
	}
	return unix.Close(u.fd)
}

// parseFDs extracts all SCM_RIGHTS descriptors from a control
// message block and queues them for GetFiles.
//
// Errors are accumulated rather than returned on first failure: we
// want every provided descriptor wrapped in an os.File so that none
// leak if a later message in the block is malformed.
func (u *unixTransport) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}
	return errors.Join(errs...)
}

// pollIO adapts the non-blocking transport into a blocking
// io.ReadWriter with a deadline, for the authentication handshake.
type pollIO struct {
	t        *unixTransport
	deadline time.Time
}

func (p *pollIO) Read(bs []byte) (int, error) {
	for {
		n, err := p.t.Read(bs)
		if err == ErrWouldBlock {
			if err := waitPoll(p.t.fd, unix.POLLIN, p.deadline); err != nil {
				return 0, err
			}
			continue
		}
		return n, err
	}
}

func (p *pollIO) Write(bs []byte) (int, error) {
	total := 0
	for total < len(bs) {
		n, err := p.t.Write(bs[total:])
		total += n
		if err == ErrWouldBlock {
			if err := waitPoll(p.t.fd, unix.POLLOUT, p.deadline); err != nil {
				return total, err
			}
			continue
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// waitPoll blocks until fd reports events or the deadline passes. A
// zero deadline means no deadline.
func waitPoll(fd int, events int16, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			ms := time.Until(deadline).Milliseconds()
			if ms <= 0 {
				return os.ErrDeadlineExceeded
			}
			timeout = int(ms)
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(pfds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return os.ErrDeadlineExceeded
		}
		return nil
	}
}
