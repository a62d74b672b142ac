package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/sirupsen/logrus"
	"github.com/wirebus/dbus/transport"
	"golang.org/x/sys/unix"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateReady
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

const (
	busPeer  BusName       = "org.freedesktop.DBus"
	busPath  ObjectPath    = "/org/freedesktop/DBus"
	busIface InterfaceName = "org.freedesktop.DBus"
)

// A Conn is a connection to a DBus message bus.
//
// The connection is readiness-driven: it never blocks on the socket,
// and never starts goroutines of its own for socket I/O. Something
// has to pump it. The easy way is to run [Conn.Process] in a
// goroutine; integrations with external event loops instead poll the
// descriptor described by [Conn.Watch] and call [Conn.OnReadable]
// and [Conn.OnWritable] as the socket becomes ready.
//
// All methods are safe for concurrent use. Outgoing messages hit the
// wire in [Conn.Send] call order, and incoming messages dispatch in
// arrival order.
type Conn struct {
	t   transport.Transport
	log *logrus.Logger

	// ioMu serializes socket pumping: the frame reader and the
	// drain/flush loops.
	ioMu sync.Mutex
	fr   FrameReader

	mu           sync.Mutex
	state        ConnState
	closeErr     error
	lastSerial   uint32
	calls        map[uint32]*PendingReply
	subs         []*subscription
	sendq        queue.Queue[*outFrame]
	clientID     BusName
	watchEnabled bool
}

// outFrame is one encoded message waiting in the send queue.
type outFrame struct {
	data  []byte
	files []*os.File
	off   int
}

// subscription pairs an installed match rule with its sink. The
// engine keeps subscriptions in registration order, which is also
// delivery order.
type subscription struct {
	match *Match
	w     *Watcher
}

// An Option adjusts the behavior of [Dial].
type Option func(*connOptions)

type connOptions struct {
	log  *logrus.Logger
	auth transport.Config
}

// WithLogger makes the connection log through l. By default log
// output is discarded.
func WithLogger(l *logrus.Logger) Option {
	return func(o *connOptions) { o.log = l }
}

// WithAuthConfig overrides the authentication handshake settings.
func WithAuthConfig(cfg transport.Config) Option {
	return func(o *connOptions) { o.auth = cfg }
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	return Dial(ctx, transport.SystemBusAddress(), opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr, err := transport.SessionBusAddress()
	if err != nil {
		return nil, err
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the bus at the given address, authenticates, and
// completes the Hello exchange that assigns the connection its
// unique name. The returned connection is in [StateReady].
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	o := connOptions{
		log:  discardLogger(),
		auth: transport.Config{NegotiateUnixFDs: true},
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Conn{
		log:          o.log,
		state:        StateAuthenticating,
		calls:        map[uint32]*PendingReply{},
		watchEnabled: true,
	}
	t, err := transport.Dial(ctx, addr, o.auth)
	if err != nil {
		c.state = StateClosed
		return nil, err
	}
	c.t = t
	c.state = StateReady

	p, err := c.Call(NewHello(), 25*time.Second)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sending Hello: %w", err)
	}
	if err := c.pumpUntil(ctx, p.Done()); err != nil {
		c.Close()
		return nil, fmt.Errorf("completing Hello: %w", err)
	}
	reply, err := p.Result()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("completing Hello: %w", err)
	}
	it := reply.Body().Iter()
	if !it.Next() {
		c.Close()
		return nil, fmt.Errorf("%w: Hello reply carries no name", ErrInvalidProtocol)
	}
	name, err := it.Single().String()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("reading Hello reply: %w", err)
	}
	clientID, err := ParseBusName(string(name))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("reading Hello reply: %w", err)
	}
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()

	c.log.WithField("name", clientID).Debug("connected to bus")
	return c, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// LocalName returns the connection's bus-assigned unique name.
func (c *Conn) LocalName() BusName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SupportsUnixFDs reports whether the bus agreed to file descriptor
// passing.
func (c *Conn) SupportsUnixFDs() bool {
	return c.t.SupportsUnixFDs()
}

// nextSerialLocked assigns the next free serial. Serials are a
// wrapping counter that skips zero; the assignment fails only if the
// counter has lapped all the way around onto a serial whose reply is
// still pending.
func (c *Conn) nextSerialLocked() (uint32, error) {
	s := c.lastSerial + 1
	if s == 0 {
		s = 1
	}
	if _, busy := c.calls[s]; busy {
		return 0, ErrSerialExhausted
	}
	c.lastSerial = s
	return s, nil
}

// Send assigns m the next free serial, queues its frame for
// transmission, and returns the serial. Send does not block on the
// socket: the frame goes out as the socket accepts it, in Send call
// order. Flushing is advisory; readiness-driven callers learn about
// the queued bytes through [Conn.Watch].
func (c *Conn) Send(m *Message) (uint32, error) {
	serial, err := c.enqueue(m)
	if err != nil {
		return 0, err
	}
	c.flush()
	return serial, nil
}

func (c *Conn) enqueue(m *Message) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return 0, ErrDisconnected
	}
	serial, err := c.nextSerialLocked()
	if err != nil {
		return 0, err
	}
	frame, err := m.MarshalWire(serial)
	if err != nil {
		return 0, err
	}
	m.Serial = serial
	c.sendq.Add(&outFrame{data: frame, files: m.Files()})
	c.log.WithFields(logrus.Fields{
		"type":   m.Type,
		"serial": serial,
		"member": m.Member,
	}).Debug("queued message")
	return serial, nil
}

// Call sends m as a method call expecting a reply, and returns a
// handle that resolves when the reply or an error arrives, the
// timeout elapses, or the connection fails. A zero timeout means no
// timeout.
//
// Cancelling the handle detaches it: a late reply for its serial is
// then treated as unsolicited, offered only to the match rules.
func (c *Conn) Call(m *Message, timeout time.Duration) (*PendingReply, error) {
	if m.Type != TypeMethodCall {
		return nil, fmt.Errorf("%w: Call requires a method call message", ErrWrongType)
	}
	if m.Flags&FlagNoReplyExpected != 0 {
		return nil, errors.New("method call with NO_REPLY_EXPECTED must use Send")
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	serial, err := c.nextSerialLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	frame, err := m.MarshalWire(serial)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	m.Serial = serial
	p := &PendingReply{c: c, serial: serial, done: make(chan struct{})}
	c.calls[serial] = p
	c.sendq.Add(&outFrame{data: frame, files: m.Files()})
	c.mu.Unlock()

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			if c.detachCall(serial, p) {
				p.resolve(nil, ErrTimedOut)
			}
		})
	}
	c.flush()
	return p, nil
}

// detachCall removes the pending entry for serial if it is still p,
// and reports whether it was.
func (c *Conn) detachCall(serial uint32, p *PendingReply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[serial] != p {
		return false
	}
	delete(c.calls, serial)
	return true
}

// A PendingReply is a handle for one in-flight method call. Exactly
// one of a reply, an error, a timeout, a cancellation, or a
// disconnect resolves it.
type PendingReply struct {
	c      *Conn
	serial uint32
	timer  *time.Timer
	done   chan struct{}

	mu       sync.Mutex
	resolved bool
	msg      *Message
	err      error
}

// Serial returns the serial of the outgoing call.
func (p *PendingReply) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the handle resolves.
func (p *PendingReply) Done() <-chan struct{} { return p.done }

// Result returns the outcome of the call. It blocks until the
// handle resolves. If the peer answered with an error message, err
// is a [CallError] and the message is returned alongside it.
func (p *PendingReply) Result() (*Message, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msg, p.err
}

// Wait blocks until the handle resolves or ctx is done. Cancelling
// the context cancels the call.
func (p *PendingReply) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		p.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel detaches the handle from the connection. A reply that
// arrives later no longer resolves it and is offered only to the
// match rules, like any unsolicited message. Cancel is a no-op on a
// resolved handle.
func (p *PendingReply) Cancel() {
	if p.c.detachCall(p.serial, p) {
		p.resolve(nil, errCallCanceled)
	}
}

var errCallCanceled = errors.New("method call canceled")

func (p *PendingReply) resolve(msg *Message, err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.msg = msg
	p.err = err
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	close(p.done)
}

// A Watch describes the readiness interest the connection currently
// has in its socket. There is at most one interest per descriptor:
// read interest whenever the connection is ready, write interest
// exactly while the send queue is non-empty.
type Watch struct {
	// FD is the connection's socket.
	FD int
	// Read is whether the engine wants to know about readability.
	Read bool
	// Write is whether the engine wants to know about writability.
	Write bool
}

// Watch returns the connection's current readiness interest. Callers
// integrating with an external event loop should re-query it after
// every [Conn.OnReadable] and [Conn.OnWritable], since flushing the
// send queue withdraws write interest.
func (c *Conn) Watch() Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := Watch{FD: c.t.FD()}
	if !c.watchEnabled || c.state != StateReady {
		return w
	}
	w.Read = true
	w.Write = c.sendq.Len() > 0
	return w
}

// SetWatchEnabled enables or disables the readiness interest
// reported by [Conn.Watch]. While disabled, Watch reports no
// interest at all.
func (c *Conn) SetWatchEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchEnabled = on
}

// OnWritable flushes as much of the send queue as the socket will
// take. External event loops call it when the connection's
// descriptor reports writability.
func (c *Conn) OnWritable() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.flushOnce()
}

// flush is the advisory flush performed by Send and Call.
func (c *Conn) flush() {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	c.flushOnce()
}

// flushOnce writes queued frames until the queue empties or the
// socket stops accepting bytes. Caller holds ioMu.
func (c *Conn) flushOnce() error {
	for {
		c.mu.Lock()
		if c.state != StateReady && c.state != StateClosing {
			c.mu.Unlock()
			return ErrDisconnected
		}
		f, ok := c.sendq.Peek(0)
		c.mu.Unlock()
		if !ok {
			return nil
		}

		var (
			n   int
			err error
		)
		if f.off == 0 && len(f.files) > 0 {
			n, err = c.t.WriteWithFiles(f.data, f.files)
		} else {
			n, err = c.t.Write(f.data[f.off:])
		}
		f.off += n
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return c.fatal(fmt.Errorf("writing to bus: %w", err))
		}
		if f.off == len(f.data) {
			c.mu.Lock()
			c.sendq.Pop()
			c.mu.Unlock()
		}
	}
}

// OnReadable drains the socket, carves complete frames out of the
// accumulated bytes, and dispatches each one. External event loops
// call it when the connection's descriptor reports readability.
//
// A malformed frame is fatal: the connection transitions to
// [StateClosed] and every pending reply resolves with
// [ErrDisconnected].
func (c *Conn) OnReadable() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	var buf [4096]byte
	for {
		n, err := c.t.Read(buf[:])
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return c.fatal(fmt.Errorf("reading from bus: %w", err))
		}
		c.fr.Feed(buf[:n])
		for {
			frame, err := c.fr.Next()
			if err != nil {
				return c.fatal(fmt.Errorf("framing incoming message: %w", err))
			}
			if frame == nil {
				break
			}
			m, err := ParseMessage(frame)
			if err != nil {
				return c.fatal(fmt.Errorf("decoding incoming message: %w", err))
			}
			if m == nil {
				// Unknown message type, discarded for forward
				// compatibility.
				continue
			}
			if m.numFDs > 0 {
				files, err := c.t.GetFiles(int(m.numFDs))
				if err != nil {
					return c.fatal(fmt.Errorf("collecting message files: %w", err))
				}
				m.files = files
			}
			c.log.WithFields(logrus.Fields{
				"type":   m.Type,
				"serial": m.Serial,
				"sender": m.Sender,
				"member": m.Member,
			}).Debug("received message")
			c.dispatch(m)
		}
	}
}

// dispatch routes one incoming message: replies go to their pending
// handle if one is live, everything else is offered to the match
// rules in registration order. Incoming method calls additionally
// get an UnknownMethod error back, since this connection dispatches
// no methods.
func (c *Conn) dispatch(m *Message) {
	if m.Type == TypeMethodReturn || m.Type == TypeError {
		c.mu.Lock()
		p := c.calls[m.ReplySerial]
		if p != nil {
			delete(c.calls, m.ReplySerial)
		}
		c.mu.Unlock()
		if p != nil {
			if m.Type == TypeError {
				p.resolve(m, CallError{Name: m.ErrName, Detail: errorDetail(m)})
			} else {
				p.resolve(m, nil)
			}
			return
		}
		// No live pending entry: unsolicited, match rules only.
	}

	c.mu.Lock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, sub := range subs {
		if sub.match.matches(m) {
			sub.w.deliver(m)
		}
	}

	if m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0 {
		c.replyUnknownMethod(m)
	}
}

// errorDetail extracts the conventional human-readable first string
// of an error message's body, if it has one.
func errorDetail(m *Message) string {
	sig := m.BodySignature()
	if sig.IsZero() || sig[0] != 's' {
		return ""
	}
	it := m.Body().Iter()
	if !it.Next() {
		return ""
	}
	s, err := it.Single().String()
	if err != nil {
		return ""
	}
	return string(s)
}

// replyUnknownMethod answers an incoming method call that nothing
// here handles.
func (c *Conn) replyUnknownMethod(call *Message) {
	reply, err := NewError("org.freedesktop.DBus.Error.UnknownMethod", call.Serial)
	if err != nil {
		return
	}
	reply.Destination = call.Sender
	if err := reply.SetBody(String(fmt.Sprintf("no such method %q", call.Member))); err != nil {
		return
	}
	if _, err := c.Send(reply); err != nil && !errors.Is(err, ErrDisconnected) {
		c.log.WithError(err).Warn("failed to answer incoming method call")
	}
}

// fatal force-closes the connection with cause. All pending replies
// resolve with [ErrDisconnected], and every watcher's channel is
// closed.
func (c *Conn) fatal(cause error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.log.WithError(cause).Warn("closing bus connection")
	err := c.shutdownLocked(cause)
	c.mu.Unlock()
	return err
}

// shutdownLocked transitions to StateClosed and tears everything
// down. Caller holds mu.
func (c *Conn) shutdownLocked(cause error) error {
	c.state = StateClosed
	c.closeErr = cause
	pend := c.calls
	c.calls = nil
	subs := c.subs
	c.subs = nil
	c.sendq.Clear()
	c.mu.Unlock()

	for _, p := range pend {
		p.resolve(nil, ErrDisconnected)
	}
	for _, sub := range subs {
		sub.w.connClosed()
	}
	c.t.Close()

	c.mu.Lock()
	return cause
}

// Close shuts the connection down. Pending replies resolve with
// [ErrDisconnected]; subsequent calls on the connection fail fast
// with the same error.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	// Best-effort flush of already-queued frames.
	c.ioMu.Lock()
	c.flushOnce()
	c.ioMu.Unlock()

	c.mu.Lock()
	if c.state != StateClosed {
		c.shutdownLocked(ErrDisconnected)
	}
	c.mu.Unlock()
	return nil
}

// Process pumps the connection until ctx is done or the connection
// closes. It is the stock runtime glue over [Conn.Watch],
// [Conn.OnReadable] and [Conn.OnWritable]; callers with their own
// event loop use those directly instead.
func (c *Conn) Process(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.State() == StateClosed {
			return ErrDisconnected
		}
		if err := c.pollOnce(200 * time.Millisecond); err != nil {
			return err
		}
	}
}

// pumpUntil pumps the connection until done is closed, used to
// complete internal calls without requiring an external pump.
func (c *Conn) pumpUntil(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.State() == StateClosed {
			return ErrDisconnected
		}
		if err := c.pollOnce(50 * time.Millisecond); err != nil {
			return err
		}
	}
}

// pollOnce waits up to timeout for socket readiness and services it.
func (c *Conn) pollOnce(timeout time.Duration) error {
	w := c.Watch()
	events := int16(0)
	if w.Read {
		events |= unix.POLLIN
	}
	if w.Write {
		events |= unix.POLLOUT
	}
	if events == 0 {
		time.Sleep(timeout)
		return nil
	}

	pfds := []unix.PollFd{{Fd: int32(w.FD), Events: events}}
	n, err := unix.Poll(pfds, int(timeout.Milliseconds()))
	if err == unix.EINTR || n == 0 {
		return nil
	}
	if err != nil {
		return c.fatal(fmt.Errorf("polling bus socket: %w", err))
	}
	re := pfds[0].Revents
	if re&(unix.POLLOUT) != 0 {
		if err := c.OnWritable(); err != nil {
			return err
		}
	}
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := c.OnReadable(); err != nil {
			return err
		}
	}
	return nil
}
