// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus wire data.
//
// The encoder and decoder are positioned cursors over a message body:
// they handle byte order and DBus alignment rules, and nothing
// else. Type-correct use of the cursor is the caller's
// responsibility; the tdbus package drives them from a validated type
// signature.
package fragments
