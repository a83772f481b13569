package tdbus

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kr/pretty"
)

func TestMessageFieldValidation(t *testing.T) {
	m := NewMessage(TypeMethodCall)

	if err := m.SetPath("/a/b"); err != nil {
		t.Errorf("SetPath(/a/b) failed: %v", err)
	}
	if err := m.SetPath("bogus"); err == nil {
		t.Error("SetPath(bogus) unexpectedly succeeded")
	}
	if m.Path() != "/a/b" {
		t.Errorf("failed SetPath clobbered the field, now %q", m.Path())
	}

	if err := m.SetInterface("com.example.Foo"); err != nil {
		t.Errorf("SetInterface failed: %v", err)
	}
	if err := m.SetInterface("nodots"); err == nil {
		t.Error("SetInterface(nodots) unexpectedly succeeded")
	}

	if err := m.SetMember("Frob"); err != nil {
		t.Errorf("SetMember failed: %v", err)
	}
	if err := m.SetMember("Frob.Nicate"); err == nil {
		t.Error("SetMember with dots unexpectedly succeeded")
	}

	if err := m.SetDestination(":1.9"); err != nil {
		t.Errorf("SetDestination failed: %v", err)
	}
	if err := m.SetDestination("..."); err == nil {
		t.Error("SetDestination(...) unexpectedly succeeded")
	}

	var nameErr *NameError
	if err := m.SetPath("x"); err != nil {
		if !cmp.Equal(err.Error(), (&NameError{"path", "x"}).Error()) {
			t.Errorf("wrong error text: %v", err)
		}
		nameErr = err.(*NameError)
	}
	if nameErr == nil {
		t.Error("SetPath(x) returned no error")
	}
}

func TestMessageArgs(t *testing.T) {
	m := NewMessage(TypeSignal)
	if err := m.SetArgs("sa{sv}", "title", map[any]any{
		"urgent": Variant{"b", true},
	}); err != nil {
		t.Fatalf("SetArgs failed: %v", err)
	}
	if m.Signature() != "sa{sv}" {
		t.Errorf("signature = %q, want sa{sv}", m.Signature())
	}

	got, err := m.Args()
	if err != nil {
		t.Fatalf("Args failed: %v", err)
	}
	want := []any{"title", map[any]any{"urgent": Variant{"b", true}}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("args changed in transit (-got+want):\n%s", diff)
	}

	// Replacing the body drops the old one entirely.
	if err := m.SetArgs("i", int32(9)); err != nil {
		t.Fatalf("second SetArgs failed: %v", err)
	}
	got, err = m.Args()
	if err != nil {
		t.Fatalf("Args after replace failed: %v", err)
	}
	if diff := cmp.Diff(got, []any{int32(9)}); diff != "" {
		t.Errorf("replaced args wrong (-got+want):\n%s", diff)
	}

	// No body decodes to an empty sequence, not nil.
	empty := NewMessage(TypeSignal)
	got, err = empty.Args()
	if err != nil {
		t.Fatalf("Args on empty message failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("empty message args = %#v, want empty slice", got)
	}
}

func TestMessageWireRoundTrip(t *testing.T) {
	mk := func(f func() (*Message, error)) *Message {
		t.Helper()
		m, err := f()
		if err != nil {
			t.Fatal(err)
		}
		return m
	}

	call := mk(func() (*Message, error) {
		return NewMethodCall("org.example.Svc", "/org/example/Svc", "org.example.Svc", "Frob")
	})
	call.SetNoReply(true)
	if err := call.SetArgs("si", "knob", int32(11)); err != nil {
		t.Fatal(err)
	}

	sig := mk(func() (*Message, error) {
		return NewSignal("/org/example/Svc", "org.example.Svc", "Changed")
	})

	ret := NewMessage(TypeMethodReturn)
	ret.SetReplySerial(7)
	if err := ret.SetArgs("b", true); err != nil {
		t.Fatal(err)
	}

	errMsg := NewMessage(TypeError)
	errMsg.SetReplySerial(7)
	if err := errMsg.SetErrorName("org.example.Error.Failed"); err != nil {
		t.Fatal(err)
	}
	if err := errMsg.SetArgs("s", "it broke"); err != nil {
		t.Fatal(err)
	}

	for i, m := range []*Message{call, sig, ret, errMsg} {
		bs, err := m.marshalWire(uint32(i + 1))
		if err != nil {
			t.Fatalf("message %d: marshalWire failed: %v", i, err)
		}

		n, ok, err := wireSize(bs)
		if err != nil || !ok {
			t.Fatalf("message %d: wireSize failed: ok=%v err=%v", i, ok, err)
		}
		if n != len(bs) {
			t.Fatalf("message %d: wireSize = %d, want %d", i, n, len(bs))
		}

		got, err := unmarshalWire(bs)
		if err != nil {
			t.Fatalf("message %d: unmarshalWire failed: %v", i, err)
		}

		if got.Type() != m.Type() {
			t.Errorf("message %d: type = %v, want %v", i, got.Type(), m.Type())
		}
		if got.Serial() != uint32(i+1) {
			t.Errorf("message %d: serial = %d, want %d", i, got.Serial(), i+1)
		}
		if got.NoReply() != m.NoReply() || got.AutoStart() != m.AutoStart() {
			t.Errorf("message %d: flags differ: %s", i, pretty.Sprint(got))
		}
		if got.Path() != m.Path() || got.Interface() != m.Interface() ||
			got.Member() != m.Member() || got.ErrorName() != m.ErrorName() ||
			got.Destination() != m.Destination() || got.ReplySerial() != m.ReplySerial() {
			t.Errorf("message %d: header fields differ:\ngot  %s\nwant %s",
				i, pretty.Sprint(got), pretty.Sprint(m))
		}
		if got.Signature() != m.Signature() {
			t.Errorf("message %d: signature = %q, want %q", i, got.Signature(), m.Signature())
		}

		gotArgs, err := got.Args()
		if err != nil {
			t.Fatalf("message %d: decoding received args: %v", i, err)
		}
		wantArgs, err := m.Args()
		if err != nil {
			t.Fatalf("message %d: decoding original args: %v", i, err)
		}
		if diff := cmp.Diff(gotArgs, wantArgs); diff != "" {
			t.Errorf("message %d: args differ (-got+want):\n%s", i, diff)
		}
	}
}

func TestUnmarshalWireBadSignatureField(t *testing.T) {
	sig, err := NewSignal("/org/example/Svc", "org.example.Svc", "Changed")
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.SetArgs("i", int32(1)); err != nil {
		t.Fatal(err)
	}
	bs, err := sig.marshalWire(1)
	if err != nil {
		t.Fatal(err)
	}

	// The signature header field encodes as the field code followed by
	// a variant of signature "g". Corrupt the body signature it carries
	// into a type code the grammar rejects; the frame must be refused
	// outright, not accepted and left to explode when the body is
	// decoded.
	good := []byte{fieldSignature, 1, 'g', 0, 1, 'i', 0}
	bad := []byte{fieldSignature, 1, 'g', 0, 1, 'z', 0}
	corrupted := bytes.Replace(bs, good, bad, 1)
	if bytes.Equal(corrupted, bs) {
		t.Fatal("signature header field not found in wire frame")
	}
	if _, err := unmarshalWire(corrupted); err == nil {
		t.Fatal("unmarshalWire accepted a frame with an invalid body signature")
	}
}

func TestMessageValidate(t *testing.T) {
	bad := []*Message{
		NewMessage(TypeInvalid),
		NewMessage(TypeMethodCall),   // no path or member
		NewMessage(TypeMethodReturn), // no reply serial
		NewMessage(TypeError),        // no reply serial or error name
		NewMessage(TypeSignal),       // no path, interface, member
	}
	for i, m := range bad {
		if _, err := m.marshalWire(1); err == nil {
			t.Errorf("message %d: marshalWire unexpectedly succeeded", i)
		}
	}
}

func TestNewMethodReturnAddressing(t *testing.T) {
	call, err := NewMethodCall("org.example.Svc", "/x", "org.example.Svc", "M")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewMethodReturn(call); err == nil {
		t.Error("reply to an unsent call unexpectedly succeeded")
	}

	call.serial = 42
	call.sender = ":1.5"
	ret, err := NewMethodReturn(call)
	if err != nil {
		t.Fatal(err)
	}
	if ret.ReplySerial() != 42 {
		t.Errorf("reply serial = %d, want 42", ret.ReplySerial())
	}
	if ret.Destination() != ":1.5" {
		t.Errorf("reply destination = %q, want :1.5", ret.Destination())
	}

	e, err := NewError(call, "org.example.Error.Failed")
	if err != nil {
		t.Fatal(err)
	}
	if e.Type() != TypeError || e.ErrorName() != "org.example.Error.Failed" {
		t.Errorf("error reply malformed: %s", pretty.Sprint(e))
	}
}
