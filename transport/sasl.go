package transport

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Config controls the authentication handshake performed by [Dial].
type Config struct {
	// AllowAnonymous permits falling back to ANONYMOUS
	// authentication if the bus rejects EXTERNAL.
	AllowAnonymous bool
	// NegotiateUnixFDs asks the bus for file descriptor passing
	// support. If the bus declines, the connection still comes up,
	// but without fd passing.
	NegotiateUnixFDs bool
}

// AuthError is the error returned when the SASL handshake is
// rejected or malformed.
type AuthError struct {
	Reason string
}

func (e AuthError) Error() string {
	return "bus authentication failed: " + e.Reason
}

type authResult struct {
	// GUID is the server's identifier, from the OK response.
	GUID string
	// UnixFDs is whether the bus agreed to fd passing.
	UnixFDs bool
}

// authClient runs the client side of the SASL line protocol on rw.
// On success the stream is positioned just after BEGIN, at the start
// of binary framing.
//
// When you talk to a bus over a unix socket, the bus authenticates
// the client with the peer credentials it pulls from the socket
// itself; the EXTERNAL exchange just confirms the uid the client
// thinks it has.
func authClient(rw io.ReadWriter, uid int, cfg Config) (authResult, error) {
	var res authResult

	// The protocol requires one NUL byte before the first command,
	// even when not transmitting credentials in-band.
	uidHex := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if _, err := io.WriteString(rw, "\x00AUTH EXTERNAL "+uidHex+"\r\n"); err != nil {
		return res, err
	}

	line, err := readAuthLine(rw)
	if err != nil {
		return res, err
	}
	switch {
	case strings.HasPrefix(line, "OK "):
		res.GUID = strings.TrimPrefix(line, "OK ")
	case strings.HasPrefix(line, "REJECTED"):
		if !cfg.AllowAnonymous {
			return res, AuthError{fmt.Sprintf("AUTH EXTERNAL rejected, server said %q", line)}
		}
		if _, err := io.WriteString(rw, "AUTH ANONYMOUS\r\n"); err != nil {
			return res, err
		}
		line, err = readAuthLine(rw)
		if err != nil {
			return res, err
		}
		if !strings.HasPrefix(line, "OK ") {
			return res, AuthError{fmt.Sprintf("AUTH ANONYMOUS rejected, server said %q", line)}
		}
		res.GUID = strings.TrimPrefix(line, "OK ")
	default:
		return res, AuthError{fmt.Sprintf("unexpected server response %q", line)}
	}

	if cfg.NegotiateUnixFDs {
		if _, err := io.WriteString(rw, "NEGOTIATE_UNIX_FD\r\n"); err != nil {
			return res, err
		}
		line, err = readAuthLine(rw)
		if err != nil {
			return res, err
		}
		switch {
		case line == "AGREE_UNIX_FD":
			res.UnixFDs = true
		case strings.HasPrefix(line, "ERROR"):
			// The bus works without fd passing, just degraded.
		default:
			return res, AuthError{fmt.Sprintf("unexpected NEGOTIATE_UNIX_FD response %q", line)}
		}
	}

	if _, err := io.WriteString(rw, "BEGIN\r\n"); err != nil {
		return res, err
	}
	return res, nil
}

// readAuthLine reads one CRLF-terminated command line, one byte at a
// time so as not to consume any of the binary stream that follows
// BEGIN.
func readAuthLine(r io.Reader) (string, error) {
	var line []byte
	var b [1]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		line = append(line, b[0])
		if b[0] == '\n' {
			break
		}
		if len(line) > 16*1024 {
			return "", AuthError{"authentication line too long"}
		}
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", AuthError{fmt.Sprintf("malformed authentication line %q", line)}
	}
	return string(line[:len(line)-2]), nil
}
