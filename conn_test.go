package dbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wirebus/dbus"
	"github.com/wirebus/dbus/dbustest"
)

func testConn(t *testing.T) (*dbustest.Bus, *dbus.Conn) {
	t.Helper()
	bus := dbustest.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := dbus.Dial(ctx, bus.Address())
	if err != nil {
		t.Fatalf("dialing test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	pumpCtx, stopPump := context.WithCancel(context.Background())
	t.Cleanup(stopPump)
	go conn.Process(pumpCtx)
	return bus, conn
}

func waitResult(t *testing.T, p *dbus.PendingReply) (*dbus.Message, error) {
	t.Helper()
	select {
	case <-p.Done():
		return p.Result()
	case <-time.After(5 * time.Second):
		t.Fatal("pending reply did not resolve")
		return nil, nil
	}
}

func TestDialHello(t *testing.T) {
	bus, conn := testConn(t)

	if got, want := conn.LocalName(), dbus.BusName(dbustest.ClientName); got != want {
		t.Errorf("LocalName = %q, want %q", got, want)
	}
	if conn.State() != dbus.StateReady {
		t.Errorf("State = %v, want ready", conn.State())
	}
	seen := bus.Received()
	if len(seen) == 0 || seen[0].Member != "Hello" {
		t.Errorf("first message on the wire was not Hello: %v", seen)
	}
	if seen[0].Serial != 1 {
		t.Errorf("Hello serial = %d, want 1", seen[0].Serial)
	}
}

func TestCallReply(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member != "Greet" {
			return nil
		}
		reply := dbus.NewMethodReturn(m.Serial)
		if err := reply.SetBody(dbus.String("hello back")); err != nil {
			t.Errorf("building reply: %v", err)
		}
		return []*dbus.Message{reply}
	})

	m, err := dbus.NewMethodCall("/com/example/Obj", "Greet")
	if err != nil {
		t.Fatal(err)
	}
	m.Interface = "com.example.Iface"
	m.Destination = "com.example.Service"
	p, err := conn.Call(m, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	reply, err := waitResult(t, p)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	vals, err := reply.Body().Values()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 1 || !dbus.Equal(vals[0], dbus.String("hello back")) {
		t.Errorf("reply body = %v", vals)
	}
}

func TestCallError(t *testing.T) {
	_, conn := testConn(t)

	// The test bus answers unknown methods with an error.
	m, err := dbus.NewMethodCall("/com/example/Obj", "Bogus")
	if err != nil {
		t.Fatal(err)
	}
	m.Destination = "com.example.Service"
	p, err := conn.Call(m, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = waitResult(t, p)
	var callErr dbus.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("call error = %v, want CallError", err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("error name = %q", callErr.Name)
	}
}

func TestCallTimeout(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member == "Sleep" {
			return []*dbus.Message{} // swallow: no reply at all
		}
		return nil
	})

	m, err := dbus.NewMethodCall("/com/example/Obj", "Sleep")
	if err != nil {
		t.Fatal(err)
	}
	m.Flags = dbus.FlagNoAutoStart
	m.Destination = "com.example.NoSuchService"
	p, err := conn.Call(m, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_, err = waitResult(t, p)
	if !errors.Is(err, dbus.ErrTimedOut) {
		t.Fatalf("call error = %v, want ErrTimedOut", err)
	}

	// A reply arriving after the timeout is unsolicited: it must go
	// to match rules, not to the dead pending entry.
	w, err := conn.AddMatch(dbus.NewMatch().Type(dbus.TypeMethodReturn))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	late := dbus.NewMethodReturn(p.Serial())
	late.Destination = dbustest.ClientName
	if err := bus.Emit(late); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-w.Chan():
		if got.ReplySerial != p.Serial() {
			t.Errorf("unsolicited reply serial = %d, want %d", got.ReplySerial, p.Serial())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late reply was not routed to match rules")
	}
}

func TestCallCancel(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member == "Sleep" {
			return []*dbus.Message{}
		}
		return nil
	})

	m, err := dbus.NewMethodCall("/com/example/Obj", "Sleep")
	if err != nil {
		t.Fatal(err)
	}
	m.Destination = "com.example.Service"
	p, err := conn.Call(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not resolve the handle")
	}
	if _, err := p.Result(); err == nil {
		t.Error("Result after cancel = nil error")
	}
}

func TestSignalMatch(t *testing.T) {
	bus, conn := testConn(t)

	w, err := conn.AddMatch(dbus.MatchAllSignals())
	if err != nil {
		t.Fatal(err)
	}

	sig, err := dbus.NewSignal("/com/example/Obj", "com.example.Iface", "Ping")
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.SetBody(dbus.Uint32(1)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Emit(sig); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-w.Chan():
		if got.Member != "Ping" {
			t.Errorf("signal member = %q, want Ping", got.Member)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not delivered")
	}

	// After removing the rule, further signals must not arrive.
	w.Close()
	if err := bus.Emit(sig); err != nil {
		t.Fatal(err)
	}
	select {
	case got, ok := <-w.Chan():
		if ok {
			t.Errorf("received %v after Close", got)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSignalFanout(t *testing.T) {
	bus, conn := testConn(t)

	w1, err := conn.AddMatch(dbus.MatchAllSignals())
	if err != nil {
		t.Fatal(err)
	}
	defer w1.Close()
	w2, err := conn.AddMatch(dbus.MatchAllSignals().Member("Ping"))
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	sig, err := dbus.NewSignal("/com/example/Obj", "com.example.Iface", "Ping")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Emit(sig); err != nil {
		t.Fatal(err)
	}

	for i, w := range []*dbus.Watcher{w1, w2} {
		select {
		case got := <-w.Chan():
			if got.Member != "Ping" {
				t.Errorf("watcher %d got %q", i, got.Member)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("watcher %d did not receive the signal", i)
		}
	}
}

func TestSendOrdering(t *testing.T) {
	bus, conn := testConn(t)

	var serials []uint32
	for range 5 {
		m, err := dbus.NewMethodCall("/com/example/Obj", "Tick")
		if err != nil {
			t.Fatal(err)
		}
		m.Destination = "com.example.Service"
		m.Flags = dbus.FlagNoReplyExpected
		s, err := conn.Send(m)
		if err != nil {
			t.Fatal(err)
		}
		serials = append(serials, s)
	}

	deadline := time.Now().Add(5 * time.Second)
	var ticks []*dbus.Message
	for time.Now().Before(deadline) {
		ticks = ticks[:0]
		for _, m := range bus.Received() {
			if m.Member == "Tick" {
				ticks = append(ticks, m)
			}
		}
		if len(ticks) == len(serials) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(ticks) != len(serials) {
		t.Fatalf("bus saw %d Tick messages, want %d", len(ticks), len(serials))
	}
	for i, m := range ticks {
		if m.Serial != serials[i] {
			t.Errorf("wire position %d has serial %d, want %d", i, m.Serial, serials[i])
		}
	}
}

func TestMalformedFrameDisconnects(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member == "Sleep" {
			return []*dbus.Message{}
		}
		return nil
	})

	m, err := dbus.NewMethodCall("/com/example/Obj", "Sleep")
	if err != nil {
		t.Fatal(err)
	}
	m.Destination = "com.example.Service"
	p, err := conn.Call(m, 0)
	if err != nil {
		t.Fatal(err)
	}

	// A prologue with protocol version 2 is fatal.
	bad := []byte{
		'l', 1, 0, 2,
		0, 0, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 0,
	}
	if err := bus.EmitRaw(bad); err != nil {
		t.Fatal(err)
	}

	_, err = waitResult(t, p)
	if !errors.Is(err, dbus.ErrDisconnected) {
		t.Errorf("pending reply resolved with %v, want ErrDisconnected", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for conn.State() != dbus.StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conn.State() != dbus.StateClosed {
		t.Fatalf("State = %v, want closed", conn.State())
	}
	if _, err := conn.Send(dbus.NewMethodReturn(1)); !errors.Is(err, dbus.ErrDisconnected) {
		t.Errorf("Send after disconnect = %v, want ErrDisconnected", err)
	}
}

func TestCloseResolvesPending(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member == "Sleep" {
			return []*dbus.Message{}
		}
		return nil
	})

	m, err := dbus.NewMethodCall("/com/example/Obj", "Sleep")
	if err != nil {
		t.Fatal(err)
	}
	m.Destination = "com.example.Service"
	p, err := conn.Call(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	_, err = waitResult(t, p)
	if !errors.Is(err, dbus.ErrDisconnected) {
		t.Errorf("pending resolved with %v, want ErrDisconnected", err)
	}
}

func TestWatchInterest(t *testing.T) {
	_, conn := testConn(t)

	w := conn.Watch()
	if !w.Read {
		t.Error("ready connection should have read interest")
	}
	conn.SetWatchEnabled(false)
	w = conn.Watch()
	if w.Read || w.Write {
		t.Error("disabled watch should report no interest")
	}
	conn.SetWatchEnabled(true)

	conn.Close()
	w = conn.Watch()
	if w.Read || w.Write {
		t.Error("closed connection should report no interest")
	}
}

func TestListNames(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member != "ListNames" {
			return nil
		}
		reply := dbus.NewMethodReturn(m.Serial)
		err := reply.SetBody(dbus.NewArray("s",
			dbus.String("org.freedesktop.DBus"),
			dbus.String(dbustest.ClientName),
		))
		if err != nil {
			t.Errorf("building ListNames reply: %v", err)
		}
		return []*dbus.Message{reply}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "org.freedesktop.DBus" {
		t.Errorf("ListNames = %v", names)
	}
}

func TestNameHasOwner(t *testing.T) {
	bus, conn := testConn(t)
	bus.Handle(func(m *dbus.Message) []*dbus.Message {
		if m.Member != "NameHasOwner" {
			return nil
		}
		vals, err := m.Body().Values()
		if err != nil || len(vals) != 1 {
			t.Errorf("NameHasOwner request body = %v, %v", vals, err)
		}
		reply := dbus.NewMethodReturn(m.Serial)
		if err := reply.SetBody(dbus.Bool(true)); err != nil {
			t.Errorf("building NameHasOwner reply: %v", err)
		}
		return []*dbus.Message{reply}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	has, err := conn.NameHasOwner(ctx, "org.freedesktop.DBus")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("NameHasOwner = false, want true")
	}
}
