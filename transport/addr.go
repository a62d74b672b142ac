package transport

import (
	"fmt"
	"os"
	"strings"
)

// SystemBusSocket is the conventional location of the system bus
// socket on Linux.
const SystemBusSocket = "/var/run/dbus/system_bus_socket"

// SessionBusAddress returns the session bus address from the
// environment.
func SessionBusAddress() (string, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return "", fmt.Errorf("DBUS_SESSION_BUS_ADDRESS is not set, session bus not available")
	}
	return addr, nil
}

// SystemBusAddress returns the system bus address: the environment
// override if set, otherwise the conventional socket path.
func SystemBusAddress() string {
	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		return addr
	}
	return "unix:path=" + SystemBusSocket
}

// ParseAddress parses a DBus server address into the socket names to
// try, in order. A bus address is a semicolon-separated list of
// transports; the supported transports are unix:path=... and
// unix:abstract=... . Abstract socket names are returned with the
// leading NUL that the socket API wants.
//
// A bare absolute path is accepted as shorthand for unix:path=.
func ParseAddress(addr string) ([]string, error) {
	if strings.HasPrefix(addr, "/") {
		return []string{addr}, nil
	}
	var ret []string
	for _, uri := range strings.Split(addr, ";") {
		if uri == "" {
			continue
		}
		rest, ok := strings.CutPrefix(uri, "unix:")
		if !ok {
			// Unsupported transports (tcp, autolaunch, ...) are
			// skipped; another list entry may still work.
			continue
		}
		for _, kv := range strings.Split(rest, ",") {
			if path, ok := strings.CutPrefix(kv, "path="); ok {
				ret = append(ret, path)
			} else if name, ok := strings.CutPrefix(kv, "abstract="); ok {
				ret = append(ret, "\x00"+name)
			}
		}
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no usable unix transport in bus address %q", addr)
	}
	return ret, nil
}
