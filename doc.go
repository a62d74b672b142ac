// Package dbus speaks the DBus wire protocol directly to a message
// bus over a unix socket, with no C library in between.
//
// The package is organized around three layers:
//
// Values. A DBus value is represented by the [Value] sum: basic
// scalars like [Uint32] and [Double], string-shaped values like
// [String], [ObjectPath] and [Signature], and the containers
// [Array], [Dict], [Struct] and [Variant]. [Marshal] turns values
// into wire bytes following the protocol's alignment and endianness
// rules; [Body] and [Single] are lazy, bounds-checked views that
// parse received bytes back on demand.
//
// Messages. A [Message] is one method call, method return, error or
// signal, with its header fields and marshalled body. The message
// codec produces and consumes complete frames, including the fixed
// prologue and the header field array.
//
// The connection. A [Conn] owns the socket, assigns serials,
// correlates replies with [PendingReply] handles, and routes
// unsolicited traffic through installed [Match] rules to [Watcher]
// sinks. The engine is readiness-driven and never blocks on the
// socket; run [Conn.Process] in a goroutine, or wire [Conn.Watch],
// [Conn.OnReadable] and [Conn.OnWritable] into an event loop of
// your choosing.
//
// Connect with [SessionBus], [SystemBus], or [Dial]:
//
//	ctx := context.Background()
//	conn, err := dbus.SessionBus(ctx)
//	if err != nil { ... }
//	defer conn.Close()
//	go conn.Process(ctx)
//
//	names, err := conn.ListNames(ctx)
package dbus
