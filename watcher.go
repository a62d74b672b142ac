package dbus

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// A Watcher is the sink side of an installed match rule: it delivers
// the incoming messages that match.
type Watcher struct {
	c     *Conn
	match *Match

	wakePump chan struct{} // closed to halt the pump
	out      chan *Message

	// owned by the pump goroutine.
	pumpStopped chan struct{}

	mu     sync.Mutex
	closed bool
	q      queue.Queue[*Message]
}

// AddMatch installs the match rule m and returns a Watcher that
// receives the messages it selects. For rules that need the bus to
// forward broadcast traffic (signals), the rule is also serialized
// and sent to the bus with AddMatch; closing the Watcher reverses
// both sides.
//
// When a message matches several installed rules, every matching
// Watcher receives it, in rule registration order.
func (c *Conn) AddMatch(m *Match) (*Watcher, error) {
	w := &Watcher{
		c:           c,
		match:       m.clone(),
		wakePump:    make(chan struct{}, 1),
		out:         make(chan *Message),
		pumpStopped: make(chan struct{}),
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.subs = append(c.subs, &subscription{match: w.match, w: w})
	c.mu.Unlock()

	go w.pump()

	if w.match.wantsBroadcast() {
		c.busMatchCall("AddMatch", w.match.String())
	}
	return w, nil
}

// wantsBroadcast reports whether the rule selects traffic the bus
// only forwards on request.
func (m *Match) wantsBroadcast() bool {
	t, ok := m.typ.GetOK()
	return !ok || t == TypeSignal
}

// busMatchCall sends an AddMatch or RemoveMatch call to the bus
// driver. The call is fire-and-forget: both methods return nothing,
// and requiring a reply here would force every caller to pump the
// connection before installing rules.
func (c *Conn) busMatchCall(member MemberName, rule string) {
	m, err := NewMethodCall(busPath, member)
	if err != nil {
		panic(err)
	}
	m.Interface = busIface
	m.Destination = busPeer
	m.Flags = FlagNoReplyExpected
	if err := m.SetBody(String(rule)); err != nil {
		panic(err)
	}
	if _, err := c.Send(m); err != nil {
		c.log.WithError(err).Warn("failed to update bus match rule")
	}
}

// Chan returns the channel messages are delivered on. The channel is
// closed when the Watcher or its connection closes.
//
// The caller must drain the channel promptly: the Watcher buffers a
// bounded number of undelivered messages and discards the newest
// ones beyond that.
func (w *Watcher) Chan() <-chan *Message { return w.out }

// Close uninstalls the match rule and shuts down delivery.
func (w *Watcher) Close() {
	if !w.stop() {
		return
	}
	w.c.removeSubscription(w)
	if w.match.wantsBroadcast() {
		w.c.busMatchCall("RemoveMatch", w.match.String())
	}
}

func (c *Conn) removeSubscription(w *Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.w == w {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// connClosed shuts down delivery without touching the connection's
// subscription table, which the connection is already tearing down.
func (w *Watcher) connClosed() {
	w.stop()
}

// stop halts the pump. It reports false if the Watcher was already
// stopped.
func (w *Watcher) stop() bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.closed = true
	w.q.Clear()
	w.mu.Unlock()

	close(w.wakePump)
	<-w.pumpStopped
	return true
}

// deliver queues one matching message for the sink. Called on the
// connection's dispatch path; it never blocks.
func (w *Watcher) deliver(m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.q.Len() >= maxWatcherQueue {
		w.c.log.Warn("watcher queue overflow, dropping message")
		return
	}
	w.q.Add(m)
	if w.q.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) popMessage() *Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	ret, _ := w.q.Pop()
	return ret
}

// pump moves messages from the bounded queue to the delivery
// channel, so that a slow consumer stalls only its own Watcher and
// never the connection's dispatch loop.
func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.out)
	for {
		m := w.popMessage()
		if m == nil {
			_, ok := <-w.wakePump
			if !ok {
				return
			}
		} else {
		deliver:
			for {
				select {
				case w.out <- m:
					break deliver
				case _, ok := <-w.wakePump:
					if !ok {
						return
					}
					continue
				}
			}
		}
	}
}
