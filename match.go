package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Match is a filter on incoming messages. A message matches if
// every filter that is present is satisfied; a zero filter set
// matches everything.
//
// A Match doubles as the local routing predicate and as the rule
// serialized to the bus with AddMatch, so that the bus forwards the
// wanted traffic in the first place.
type Match struct {
	typ         value.Maybe[MsgType]
	sender      value.Maybe[BusName]
	iface       value.Maybe[InterfaceName]
	member      value.Maybe[MemberName]
	path        value.Maybe[ObjectPath]
	destination value.Maybe[BusName]
	args        map[int]string
}

// NewMatch returns a Match that matches every message.
func NewMatch() *Match {
	return &Match{}
}

// MatchAllSignals returns a Match for all signals.
func MatchAllSignals() *Match {
	return NewMatch().Type(TypeSignal)
}

// Type restricts the Match to one message type.
func (m *Match) Type(t MsgType) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the Match to messages from the given bus name.
func (m *Match) Sender(name BusName) *Match {
	m.sender = value.Just(name)
	return m
}

// Interface restricts the Match to one interface.
func (m *Match) Interface(name InterfaceName) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the Match to one method or signal name.
func (m *Match) Member(name MemberName) *Match {
	m.member = value.Just(name)
	return m
}

// Path restricts the Match to messages about one object.
func (m *Match) Path(p ObjectPath) *Match {
	m.path = value.Just(p)
	return m
}

// Destination restricts the Match to messages addressed to the given
// bus name.
func (m *Match) Destination(name BusName) *Match {
	m.destination = value.Just(name)
	return m
}

// Arg restricts the Match to messages whose i-th body value is a
// string equal to val. i must be in [0, 63].
func (m *Match) Arg(i int, val string) *Match {
	if i < 0 || i > 63 {
		panic(fmt.Errorf("match argument index %d out of range", i))
	}
	if m.args == nil {
		m.args = map[int]string{}
	}
	m.args[i] = val
	return m
}

// clone makes a deep copy of m.
func (m *Match) clone() *Match {
	ret := *m
	ret.args = maps.Clone(m.args)
	return &ret
}

// String returns the match in the rule format the bus wants for the
// AddMatch and RemoveMatch methods.
func (m *Match) String() string {
	var ms []string
	kv := func(k, v string) {
		ms = append(ms, k+"="+escapeMatchArg(v))
	}
	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", string(s))
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", string(i))
	}
	if mb, ok := m.member.GetOK(); ok {
		kv("member", string(mb))
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", string(p))
	}
	if d, ok := m.destination.GetOK(); ok {
		kv("destination", string(d))
	}
	for _, i := range slices.Sorted(maps.Keys(m.args)) {
		kv(fmt.Sprintf("arg%d", i), m.args[i])
	}
	return strings.Join(ms, ",")
}

// matches reports whether msg satisfies every present filter, using
// the same logic the bus applies to the serialized rule.
//
// This double filtering is necessary because a connection receives a
// single stream of messages: with several rules installed, the
// received traffic is the union of all of them, and each sink needs
// to pick out its own share.
func (m *Match) matches(msg *Message) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && msg.Member != mb {
		return false
	}
	if p, ok := m.path.GetOK(); ok && msg.Path != p {
		return false
	}
	if d, ok := m.destination.GetOK(); ok && msg.Destination != d {
		return false
	}
	if len(m.args) == 0 {
		return true
	}
	return m.matchesArgs(msg)
}

func (m *Match) matchesArgs(msg *Message) bool {
	// Walk the body once, collecting the string values at the
	// argument positions the filter asks about. Non-string arguments
	// never match an arg filter.
	maxArg := 0
	for i := range m.args {
		if i > maxArg {
			maxArg = i
		}
	}
	got := make(map[int]string, len(m.args))
	it := msg.Body().Iter()
	for i := 0; it.Next() && i <= maxArg; i++ {
		if _, want := m.args[i]; !want {
			continue
		}
		s := it.Single()
		if s.Type() != "s" {
			return false
		}
		str, err := s.String()
		if err != nil {
			return false
		}
		got[i] = string(str)
	}
	for i, want := range m.args {
		have, ok := got[i]
		if !ok || have != want {
			return false
		}
	}
	return true
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}
