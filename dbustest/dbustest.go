// Package dbustest provides a scripted, in-process message bus for
// tests.
//
// The bus listens on a real unix socket in the test's temporary
// directory, performs the server side of the SASL handshake, answers
// Hello, and routes everything else through a configurable handler.
// It is not a real message bus: it serves exactly one client and
// implements just enough of the bus driver to exercise a connection.
package dbustest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/wirebus/dbus"
)

// A Handler produces the replies the bus should send for one
// incoming message. Returning nil lets the bus's built-in handling
// run instead.
type Handler func(m *dbus.Message) []*dbus.Message

// Bus is a scripted bus instance for one test.
type Bus struct {
	t    *testing.T
	sock string
	ln   net.Listener
	g    *taskgroup.Group

	mu      sync.Mutex
	conn    net.Conn
	serial  uint32
	handler Handler
	stopped bool
	seen    []*dbus.Message
}

// ClientName is the unique name the bus assigns its client.
const ClientName = ":1.7"

// New starts a bus listening on a socket in the test's temporary
// directory. The bus shuts down in the test's cleanup phase.
func New(t *testing.T) *Bus {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listening on test bus socket: %v", err)
	}
	b := &Bus{t: t, sock: sock, ln: ln, g: taskgroup.New(nil)}
	b.g.Go(b.serve)
	t.Cleanup(b.close)
	return b
}

// Address returns the bus address to dial.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// Handle installs fn as the bus's message handler. It must be called
// before the client sends the messages it should apply to.
func (b *Bus) Handle(fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

// Received returns the messages the bus has accepted so far, in
// arrival order.
func (b *Bus) Received() []*dbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*dbus.Message(nil), b.seen...)
}

// Emit sends m to the client unprompted, assigning it a server-side
// serial. The usual use is pushing signals.
func (b *Bus) Emit(m *dbus.Message) error {
	b.mu.Lock()
	conn := b.conn
	b.serial++
	serial := b.serial
	b.mu.Unlock()
	if conn == nil {
		return errors.New("no client connected")
	}
	frame, err := m.MarshalWire(serial)
	if err != nil {
		return err
	}
	return b.writeFrame(frame)
}

// EmitRaw sends pre-encoded frame bytes to the client verbatim, for
// malformed-input tests.
func (b *Bus) EmitRaw(frame []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("no client connected")
	}
	return b.writeFrame(frame)
}

func (b *Bus) writeFrame(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errors.New("no client connected")
	}
	_, err := b.conn.Write(frame)
	return err
}

func (b *Bus) close() {
	b.mu.Lock()
	b.stopped = true
	conn := b.conn
	b.mu.Unlock()
	b.ln.Close()
	if conn != nil {
		conn.Close()
	}
	b.g.Wait()
}

func (b *Bus) serve() error {
	conn, err := b.ln.Accept()
	if err != nil {
		return nil
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	if err := b.auth(conn); err != nil {
		b.logf("test bus auth: %v", err)
		conn.Close()
		return nil
	}
	b.serveFrames(conn)
	return nil
}

func (b *Bus) logf(format string, args ...any) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if !stopped {
		b.t.Logf(format, args...)
	}
}

// auth runs the server side of the SASL line exchange, accepting any
// AUTH and agreeing to fd passing.
func (b *Bus) auth(conn net.Conn) error {
	var nul [1]byte
	if _, err := io.ReadFull(conn, nul[:]); err != nil {
		return err
	}
	if nul[0] != 0 {
		return fmt.Errorf("client did not send initial NUL byte, got %#x", nul[0])
	}
	for {
		line, err := readLine(conn)
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "AUTH "):
			if _, err := io.WriteString(conn, "OK 1234deadbeef5678cafe00000000\r\n"); err != nil {
				return err
			}
		case line == "NEGOTIATE_UNIX_FD":
			if _, err := io.WriteString(conn, "AGREE_UNIX_FD\r\n"); err != nil {
				return err
			}
		case line == "BEGIN":
			return nil
		default:
			if _, err := io.WriteString(conn, "ERROR\r\n"); err != nil {
				return err
			}
		}
	}
}

func readLine(r io.Reader) (string, error) {
	var line []byte
	var buf [1]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", err
		}
		line = append(line, buf[0])
		if buf[0] == '\n' {
			break
		}
	}
	return strings.TrimSuffix(string(line), "\r\n"), nil
}

func (b *Bus) serveFrames(conn net.Conn) {
	var fr dbus.FrameReader
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		fr.Feed(buf[:n])
		for {
			frame, err := fr.Next()
			if err != nil {
				b.logf("test bus received malformed frame: %v", err)
				conn.Close()
				return
			}
			if frame == nil {
				break
			}
			m, err := dbus.ParseMessage(frame)
			if err != nil {
				b.logf("test bus failed to decode message: %v", err)
				conn.Close()
				return
			}
			if m == nil {
				continue
			}
			b.mu.Lock()
			b.seen = append(b.seen, m)
			b.mu.Unlock()
			b.handleMsg(m)
		}
	}
}

func (b *Bus) handleMsg(m *dbus.Message) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		if replies := handler(m); replies != nil {
			for _, r := range replies {
				r.Sender = "org.freedesktop.DBus"
				if r.Destination == "" {
					r.Destination = ClientName
				}
				if err := b.Emit(r); err != nil {
					b.logf("test bus reply: %v", err)
				}
			}
			return
		}
	}
	b.defaultHandle(m)
}

// defaultHandle implements the minimal bus driver: Hello gets the
// client its unique name, AddMatch and RemoveMatch succeed silently,
// and any other expected-reply call gets an UnknownMethod error.
func (b *Bus) defaultHandle(m *dbus.Message) {
	if m.Type != dbus.TypeMethodCall {
		return
	}
	noReply := m.Flags&dbus.FlagNoReplyExpected != 0
	switch m.Member {
	case "Hello":
		reply := dbus.NewMethodReturn(m.Serial)
		reply.Sender = "org.freedesktop.DBus"
		reply.Destination = ClientName
		if err := reply.SetBody(dbus.String(ClientName)); err != nil {
			b.logf("test bus Hello reply: %v", err)
			return
		}
		if err := b.Emit(reply); err != nil {
			b.logf("test bus Hello reply: %v", err)
		}
	case "AddMatch", "RemoveMatch":
		if noReply {
			return
		}
		reply := dbus.NewMethodReturn(m.Serial)
		reply.Sender = "org.freedesktop.DBus"
		reply.Destination = ClientName
		if err := b.Emit(reply); err != nil {
			b.logf("test bus match reply: %v", err)
		}
	default:
		if noReply {
			return
		}
		reply, err := dbus.NewError("org.freedesktop.DBus.Error.UnknownMethod", m.Serial)
		if err != nil {
			return
		}
		reply.Sender = "org.freedesktop.DBus"
		reply.Destination = ClientName
		reply.SetBody(dbus.String(fmt.Sprintf("no such method %q", m.Member)))
		if err := b.Emit(reply); err != nil {
			b.logf("test bus error reply: %v", err)
		}
	}
}
