package fragments_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/tdbus/tdbus/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder)
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) {
				e.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"string",
			func(e *fragments.Encoder) {
				e.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature",
			func(e *fragments.Encoder) {
				e.Signature("a{sv}")
			},
			[]byte{
				0x05, // length
				'a', '{', 's', 'v', '}',
				0x00, // terminator
			},
		},

		{
			"uints with padding",
			func(e *fragments.Encoder) {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"bool",
			func(e *fragments.Encoder) {
				e.Bool(true)
				e.Bool(false)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x00,
			},
		},

		{
			"array length patch-up",
			func(e *fragments.Encoder) {
				e.Uint8(1) // force interior alignment
				e.Array(false, func() error {
					e.Uint32(1)
					e.Uint32(2)
					return nil
				})
			},
			[]byte{
				0x01,
				0x00, 0x00, 0x00, // pad to length
				0x00, 0x00, 0x00, 0x08, // length excludes header
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x02,
			},
		},

		{
			"empty 8-aligned array pads header",
			func(e *fragments.Encoder) {
				e.Array(true, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad to 8 for elements
			},
		},

		{
			"struct padding",
			func(e *fragments.Encoder) {
				e.Uint8(1)
				e.Struct(func() error {
					e.Uint8(2)
					return nil
				})
			},
			[]byte{
				0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x02,
			},
		},
	}

	for _, tc := range tests {
		e := fragments.Encoder{Order: fragments.BigEndian}
		tc.in(&e)
		if !bytes.Equal(e.Out, tc.want) {
			t.Errorf("%s: got  % x\nwant % x", tc.name, e.Out, tc.want)
		}
	}
}

func TestDecoderRoundTrip(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		e := fragments.Encoder{Order: order}
		e.Uint8(1)
		e.Uint16(2)
		e.Uint32(3)
		e.Uint64(4)
		e.Int16(-2)
		e.Int32(-3)
		e.Int64(-4)
		e.Float64(3.5)
		e.Bool(true)
		e.String("hello")
		e.Signature("ii")
		e.Bytes([]byte{9, 8, 7})

		d := fragments.Decoder{Order: order, In: bytes.NewBuffer(e.Out)}
		check := func(what string, got any, err error, want any) {
			t.Helper()
			if err != nil {
				t.Fatalf("%s: %v", what, err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("%s = %v, want %v", what, got, want)
			}
		}
		u8, err := d.Uint8()
		check("Uint8", u8, err, uint8(1))
		u16, err := d.Uint16()
		check("Uint16", u16, err, uint16(2))
		u32, err := d.Uint32()
		check("Uint32", u32, err, uint32(3))
		u64, err := d.Uint64()
		check("Uint64", u64, err, uint64(4))
		i16, err := d.Int16()
		check("Int16", i16, err, int16(-2))
		i32, err := d.Int32()
		check("Int32", i32, err, int32(-3))
		i64, err := d.Int64()
		check("Int64", i64, err, int64(-4))
		f64, err := d.Float64()
		check("Float64", f64, err, float64(3.5))
		b, err := d.Bool()
		check("Bool", b, err, true)
		s, err := d.String()
		check("String", s, err, "hello")
		sig, err := d.Signature()
		check("Signature", sig, err, "ii")
		bs, err := d.Bytes()
		check("Bytes", bs, err, []byte{9, 8, 7})
	}
}

func TestDecoderArray(t *testing.T) {
	e := fragments.Encoder{Order: fragments.LittleEndian}
	e.Array(false, func() error {
		e.Uint32(10)
		e.Uint32(20)
		e.Uint32(30)
		return nil
	})

	d := fragments.Decoder{Order: fragments.LittleEndian, In: bytes.NewBuffer(e.Out)}
	var got []uint32
	n, err := d.Array(false, func(i int) error {
		v, err := d.Uint32()
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Array processed %d elements, want 3", n)
	}
	if want := []uint32{10, 20, 30}; !reflect.DeepEqual(got, want) {
		t.Errorf("array contents = %v, want %v", got, want)
	}
}

func TestDecoderBadBool(t *testing.T) {
	d := fragments.Decoder{
		Order: fragments.LittleEndian,
		In:    bytes.NewBuffer([]byte{2, 0, 0, 0}),
	}
	if _, err := d.Bool(); err == nil {
		t.Error("decoding boolean wire value 2 unexpectedly succeeded")
	}
}

func TestByteOrderFlag(t *testing.T) {
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		e := fragments.Encoder{Order: order}
		e.ByteOrderFlag()
		e.Uint32(77)

		d := fragments.Decoder{In: bytes.NewBuffer(e.Out)}
		if err := d.ByteOrderFlag(); err != nil {
			t.Fatal(err)
		}
		got, err := d.Uint32()
		if err != nil {
			t.Fatal(err)
		}
		if got != 77 {
			t.Errorf("round trip through byte order flag = %d, want 77", got)
		}
	}
}
