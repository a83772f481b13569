package tdbus

import (
	"bytes"
	"fmt"

	"github.com/tdbus/tdbus/fragments"
)

// MsgType is the type of a DBus message.
type MsgType byte

const (
	TypeInvalid MsgType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MsgType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("invalid(%d)", byte(t))
	}
}

// A Message is one DBus message: a typed set of header fields plus a
// body described by a type signature.
//
// Header fields that carry names are validated when set, not when
// the message is sent; an invalid value is rejected immediately and
// the field is left unchanged. A Message must not be modified after
// it has been handed to [Conn.Send] or [Conn.SendWithReply].
type Message struct {
	typ       MsgType
	noReply   bool
	autoStart bool

	serial      uint32
	replySerial uint32
	path        ObjectPath
	iface       string
	member      string
	errName     string
	destination string
	sender      string

	signature Signature
	order     fragments.ByteOrder
	body      []byte
}

// NewMessage returns an empty message of the given type. All header
// fields start unset and the body is empty.
func NewMessage(t MsgType) *Message {
	return &Message{typ: t, order: fragments.LittleEndian}
}

// NewMethodCall returns a method call message with the given
// destination, object path, interface and method name. Each field is
// validated; the first invalid one is reported.
func NewMethodCall(destination string, path ObjectPath, iface, member string) (*Message, error) {
	m := NewMessage(TypeMethodCall)
	if err := m.SetPath(path); err != nil {
		return nil, err
	}
	if iface != "" {
		if err := m.SetInterface(iface); err != nil {
			return nil, err
		}
	}
	if err := m.SetMember(member); err != nil {
		return nil, err
	}
	if destination != "" {
		if err := m.SetDestination(destination); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewMethodReturn returns a reply to call, addressed to its sender.
func NewMethodReturn(call *Message) (*Message, error) {
	if call.serial == 0 {
		return nil, fmt.Errorf("cannot reply to a message that has no serial")
	}
	m := NewMessage(TypeMethodReturn)
	m.replySerial = call.serial
	if call.sender != "" {
		if err := m.SetDestination(call.sender); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewError returns an error reply to call carrying the given error
// name.
func NewError(call *Message, errName string) (*Message, error) {
	m, err := NewMethodReturn(call)
	if err != nil {
		return nil, err
	}
	m.typ = TypeError
	if err := m.SetErrorName(errName); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSignal returns a signal message for the given source path,
// interface and signal name.
func NewSignal(path ObjectPath, iface, member string) (*Message, error) {
	m := NewMessage(TypeSignal)
	if err := m.SetPath(path); err != nil {
		return nil, err
	}
	if err := m.SetInterface(iface); err != nil {
		return nil, err
	}
	if err := m.SetMember(member); err != nil {
		return nil, err
	}
	return m, nil
}

// Type returns the message type.
func (m *Message) Type() MsgType { return m.typ }

// NoReply reports whether the message asks its destination not to
// send a reply.
func (m *Message) NoReply() bool { return m.noReply }

// SetNoReply sets the no-reply flag.
func (m *Message) SetNoReply(v bool) { m.noReply = v }

// AutoStart reports whether the bus may launch the destination
// service to deliver this message.
func (m *Message) AutoStart() bool { return m.autoStart }

// SetAutoStart sets the auto-start flag.
func (m *Message) SetAutoStart(v bool) { m.autoStart = v }

// Serial returns the serial the transport assigned when the message
// was sent, or 0 for a message that has not been sent.
func (m *Message) Serial() uint32 { return m.serial }

// ReplySerial returns the serial of the message this one replies to,
// or 0 if unset.
func (m *Message) ReplySerial() uint32 { return m.replySerial }

// SetReplySerial sets the serial of the message this one replies to.
func (m *Message) SetReplySerial(serial uint32) { m.replySerial = serial }

// Path returns the object path field, or "" if unset.
func (m *Message) Path() ObjectPath { return m.path }

// SetPath sets the object path field.
func (m *Message) SetPath(p ObjectPath) error {
	if !IsValidPath(string(p)) {
		return &NameError{"path", string(p)}
	}
	m.path = p
	return nil
}

// Interface returns the interface field, or "" if unset.
func (m *Message) Interface() string { return m.iface }

// SetInterface sets the interface field.
func (m *Message) SetInterface(s string) error {
	if !IsValidInterface(s) {
		return &NameError{"interface", s}
	}
	m.iface = s
	return nil
}

// Member returns the member field, or "" if unset.
func (m *Message) Member() string { return m.member }

// SetMember sets the member field.
func (m *Message) SetMember(s string) error {
	if !IsValidMember(s) {
		return &NameError{"member", s}
	}
	m.member = s
	return nil
}

// ErrorName returns the error name field, or "" if unset.
func (m *Message) ErrorName() string { return m.errName }

// SetErrorName sets the error name field. Error names follow the
// interface name grammar.
func (m *Message) SetErrorName(s string) error {
	if !IsValidInterface(s) {
		return &NameError{"error name", s}
	}
	m.errName = s
	return nil
}

// Destination returns the destination field, or "" if unset.
func (m *Message) Destination() string { return m.destination }

// SetDestination sets the destination field.
func (m *Message) SetDestination(s string) error {
	if !IsValidBusName(s) {
		return &NameError{"destination", s}
	}
	m.destination = s
	return nil
}

// Sender returns the sending connection's bus name. The bus fills
// this in on delivery; it is empty on locally built messages.
func (m *Message) Sender() string { return m.sender }

// Signature returns the type signature of the message body.
func (m *Message) Signature() Signature { return m.signature }

// SetArgs encodes args against sig and installs the result as the
// message body, replacing any previous body. The number of values
// must match the number of complete types in sig.
func (m *Message) SetArgs(sig string, args ...any) error {
	parsed, err := ParseSignature(sig)
	if err != nil {
		return err
	}
	enc := fragments.Encoder{Order: m.order}
	if err := marshalArgs(&enc, parsed, args); err != nil {
		return err
	}
	m.signature = parsed
	m.body = enc.Out
	return nil
}

// Args decodes the message body against its signature and returns
// the values in order. An empty body yields an empty slice.
//
// Dictionaries decode with last-write-wins semantics for duplicate
// keys, in wire order.
func (m *Message) Args() ([]any, error) {
	if m.signature == "" {
		return []any{}, nil
	}
	dec := fragments.Decoder{
		Order: m.order,
		In:    bytes.NewBuffer(m.body),
	}
	args, err := unmarshalArgs(&dec, m.signature)
	if err != nil {
		return nil, fmt.Errorf("decoding message body (signature %q): %w", m.signature, err)
	}
	return args, nil
}

// validate checks that the header fields required for the message's
// type are present. Called before a message goes on the wire.
func (m *Message) validate() error {
	switch m.typ {
	case TypeMethodCall:
		if m.path == "" {
			return fmt.Errorf("method call missing required header field path")
		}
		if m.member == "" {
			return fmt.Errorf("method call missing required header field member")
		}
	case TypeMethodReturn:
		if m.replySerial == 0 {
			return fmt.Errorf("method return missing required header field reply_serial")
		}
	case TypeError:
		if m.replySerial == 0 {
			return fmt.Errorf("error message missing required header field reply_serial")
		}
		if m.errName == "" {
			return fmt.Errorf("error message missing required header field error_name")
		}
	case TypeSignal:
		if m.path == "" || m.iface == "" || m.member == "" {
			return fmt.Errorf("signal missing required header fields path/interface/member")
		}
	default:
		return fmt.Errorf("cannot send message of type %s", m.typ)
	}
	return nil
}
