package dbus

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
)

// machineID reads the machine's DBus identifier once and caches it
// for the life of the process.
var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// MachineID returns the local machine's DBus identifier. The value
// is read lazily on first use and cached for the life of the
// process.
func MachineID() (string, error) {
	return machineID()
}
