package tdbus

import (
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// A Match selects messages by their header fields. It serves two
// sides of the same fence: [Match.Matches] tests a received message
// locally, for use inside a [FilterFunc], and [Match.FilterString]
// renders the match in the rule syntax the bus daemon accepts for
// AddMatch.
type Match struct {
	typ        value.Maybe[MsgType]
	sender     value.Maybe[string]
	path       value.Maybe[ObjectPath]
	pathPrefix value.Maybe[ObjectPath]
	iface      value.Maybe[string]
	member     value.Maybe[string]
	dest       value.Maybe[string]
}

// MatchAllSignals returns a match for all signal messages.
func MatchAllSignals() *Match {
	return (&Match{}).Type(TypeSignal)
}

// Type restricts the match to one message type.
func (m *Match) Type(t MsgType) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the match to messages from one bus name.
func (m *Match) Sender(name string) *Match {
	m.sender = value.Just(name)
	return m
}

// Path restricts the match to one source object path.
func (m *Match) Path(p ObjectPath) *Match {
	m.pathPrefix = value.Absent[ObjectPath]()
	m.path = value.Just(p)
	return m
}

// PathPrefix restricts the match to source objects rooted at the
// given path prefix.
//
// For example, PathPrefix("/mascots/gopher") matches messages from
// /mascots/gopher and /mascots/gopher/plushie, but not from
// /mascots/glenda.
func (m *Match) PathPrefix(p ObjectPath) *Match {
	m.path = value.Absent[ObjectPath]()
	m.pathPrefix = value.Just(p)
	return m
}

// Interface restricts the match to one interface.
func (m *Match) Interface(name string) *Match {
	m.iface = value.Just(name)
	return m
}

// Member restricts the match to one member name.
func (m *Match) Member(name string) *Match {
	m.member = value.Just(name)
	return m
}

// Destination restricts the match to messages addressed to one bus
// name.
func (m *Match) Destination(name string) *Match {
	m.dest = value.Just(name)
	return m
}

// Matches reports whether msg satisfies every restriction set on the
// match.
func (m *Match) Matches(msg *Message) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type() != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender() != s {
		return false
	}
	if p, ok := m.path.GetOK(); ok && msg.Path() != p {
		return false
	}
	if p, ok := m.pathPrefix.GetOK(); ok && !pathHasPrefix(msg.Path(), p) {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface() != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member() != s {
		return false
	}
	if s, ok := m.dest.GetOK(); ok && msg.Destination() != s {
		return false
	}
	return true
}

// Filter wraps the match and a handler as a [FilterFunc] suitable
// for [Conn.AddFilter]. The handler's return value decides whether
// the message counts as handled.
func (m *Match) Filter(handler func(*Message) bool) FilterFunc {
	return func(msg *Message) bool {
		if !m.Matches(msg) {
			return false
		}
		return handler(msg)
	}
}

// FilterString returns the match in the string format that DBus
// wants for the bus daemon's AddMatch and RemoveMatch methods.
func (m *Match) FilterString() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", p.String())
	}
	if p, ok := m.pathPrefix.GetOK(); ok {
		kv("path_namespace", p.String())
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if s, ok := m.dest.GetOK(); ok {
		kv("destination", s)
	}

	return strings.Join(ms, ",")
}

func pathHasPrefix(p, prefix ObjectPath) bool {
	if p == prefix || prefix == "/" {
		return true
	}
	return strings.HasPrefix(string(p), string(prefix)+"/")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
