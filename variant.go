package tdbus

// A Variant pairs a value with the signature of its single complete
// type. DBus variants are not self-describing to code downstream of
// the decoder, so the signature travels with the value in both
// directions.
type Variant struct {
	// Sig describes Value. It must contain exactly one complete type.
	Sig Signature
	// Value is the payload, in the dynamic representation used by
	// [Message.Args] and [Message.SetArgs].
	Value any
}
