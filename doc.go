// Package tdbus implements the low-level core of the DBus protocol:
// name and signature validation, marshaling of dynamically typed
// values to and from the wire format, message construction, and a
// connection that bridges its I/O readiness into a caller-supplied
// event loop.
//
// The package deliberately stops below the object layer. There is no
// handler routing, introspection, or property machinery here; a
// [Conn] delivers raw [Message] values through filters and resolves
// [PendingCall] replies, and everything above that is the
// application's business.
//
// Values cross the codec in a dynamic representation driven by the
// body signature: basic types map to the matching Go scalar (plus
// [ObjectPath] and [Signature] for their type codes), structs and
// arrays to []any, byte arrays to []byte, dictionaries to
// map[any]any, and variants to [Variant].
package tdbus
