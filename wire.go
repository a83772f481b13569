package tdbus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tdbus/tdbus/fragments"
)

// Wire-level constants from the DBus specification.
const (
	protoVersion = 1

	flagNoReply     = 0x1
	flagNoAutoStart = 0x2
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// marshalWire serializes the complete message, header and body, with
// the given serial.
func (m *Message) marshalWire(serial uint32) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	enc := fragments.Encoder{Order: m.order}
	enc.ByteOrderFlag()
	enc.Uint8(byte(m.typ))
	var flags byte
	if m.noReply {
		flags |= flagNoReply
	}
	if !m.autoStart {
		flags |= flagNoAutoStart
	}
	enc.Uint8(flags)
	enc.Uint8(protoVersion)
	enc.Uint32(uint32(len(m.body)))
	enc.Uint32(serial)

	err := enc.Array(true, func() error {
		field := func(code byte, one string, v any) error {
			return enc.Struct(func() error {
				enc.Uint8(code)
				enc.Signature(one)
				return marshalOne(&enc, one, v, 0, 0)
			})
		}
		if m.path != "" {
			if err := field(fieldPath, "o", m.path); err != nil {
				return err
			}
		}
		if m.iface != "" {
			if err := field(fieldInterface, "s", m.iface); err != nil {
				return err
			}
		}
		if m.member != "" {
			if err := field(fieldMember, "s", m.member); err != nil {
				return err
			}
		}
		if m.errName != "" {
			if err := field(fieldErrorName, "s", m.errName); err != nil {
				return err
			}
		}
		if m.replySerial != 0 {
			if err := field(fieldReplySerial, "u", m.replySerial); err != nil {
				return err
			}
		}
		if m.destination != "" {
			if err := field(fieldDestination, "s", m.destination); err != nil {
				return err
			}
		}
		if m.sender != "" {
			if err := field(fieldSender, "s", m.sender); err != nil {
				return err
			}
		}
		if m.signature != "" {
			if err := field(fieldSignature, "g", m.signature); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	enc.Pad(8)
	enc.Write(m.body)
	return enc.Out, nil
}

// wireSize computes the total on-wire size of the message whose first
// bytes are in buf. It needs the 16-byte fixed prefix; ok is false if
// buf is shorter than that.
func wireSize(buf []byte) (n int, ok bool, err error) {
	if len(buf) < 16 {
		return 0, false, nil
	}
	var order binary.ByteOrder
	switch buf[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return 0, false, fmt.Errorf("unknown byte order flag %q", buf[0])
	}
	bodyLen := int(order.Uint32(buf[4:8]))
	fieldsLen := int(order.Uint32(buf[12:16]))
	headerEnd := 16 + fieldsLen
	bodyStart := (headerEnd + 7) &^ 7
	return bodyStart + bodyLen, true, nil
}

// unmarshalWire parses one complete message from buf.
func unmarshalWire(buf []byte) (*Message, error) {
	dec := fragments.Decoder{
		Order: fragments.LittleEndian,
		In:    bytes.NewBuffer(buf),
	}
	if err := dec.ByteOrderFlag(); err != nil {
		return nil, err
	}
	m := &Message{order: dec.Order}

	typ, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	m.typ = MsgType(typ)
	flags, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	m.noReply = flags&flagNoReply != 0
	m.autoStart = flags&flagNoAutoStart == 0
	if _, err := dec.Uint8(); err != nil { // protocol version
		return nil, err
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	if m.serial, err = dec.Uint32(); err != nil {
		return nil, err
	}
	if m.serial == 0 {
		return nil, fmt.Errorf("invalid message with zero serial")
	}

	_, err = dec.Array(true, func(int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			v, err := unmarshalOne(&dec, "v")
			if err != nil {
				return err
			}
			return m.setWireField(code, v.(Variant))
		})
	})
	if err != nil {
		return nil, fmt.Errorf("parsing header fields: %w", err)
	}

	if err := dec.Pad(8); err != nil {
		return nil, err
	}
	if m.body, err = dec.Read(int(bodyLen)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) setWireField(code byte, v Variant) error {
	wrongType := func(want string) error {
		return fmt.Errorf("header field %d has signature %q, want %q", code, v.Sig, want)
	}
	switch code {
	case fieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return wrongType("o")
		}
		m.path = p
	case fieldInterface:
		s, ok := v.Value.(string)
		if !ok {
			return wrongType("s")
		}
		m.iface = s
	case fieldMember:
		s, ok := v.Value.(string)
		if !ok {
			return wrongType("s")
		}
		m.member = s
	case fieldErrorName:
		s, ok := v.Value.(string)
		if !ok {
			return wrongType("s")
		}
		m.errName = s
	case fieldReplySerial:
		u, ok := v.Value.(uint32)
		if !ok {
			return wrongType("u")
		}
		m.replySerial = u
	case fieldDestination:
		s, ok := v.Value.(string)
		if !ok {
			return wrongType("s")
		}
		m.destination = s
	case fieldSender:
		s, ok := v.Value.(string)
		if !ok {
			return wrongType("s")
		}
		m.sender = s
	case fieldSignature:
		s, ok := v.Value.(Signature)
		if !ok {
			return wrongType("g")
		}
		// The decoder hands signature values over unparsed; this one
		// drives body decoding later, so a bad one must poison the
		// whole message now rather than blow up in Args.
		if _, err := ParseSignature(string(s)); err != nil {
			return err
		}
		m.signature = s
	case fieldNumFDs:
		u, ok := v.Value.(uint32)
		if !ok {
			return wrongType("u")
		}
		if u != 0 {
			return fmt.Errorf("message carries %d file descriptors, which are not supported", u)
		}
	default:
		// Unknown header fields must be ignored, per the spec.
	}
	return nil
}
