package tdbus

// An ObjectPath is a DBus object path, such as "/org/freedesktop/DBus".
type ObjectPath string

// String returns the path as a plain string.
func (p ObjectPath) String() string { return string(p) }

// Valid reports whether the path satisfies the object path grammar.
func (p ObjectPath) Valid() bool { return IsValidPath(string(p)) }
