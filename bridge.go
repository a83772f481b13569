package tdbus

import (
	"fmt"
	"time"
)

// WatchFlags describes the I/O readiness conditions a Watch waits
// for.
type WatchFlags uint32

const (
	WatchReadable WatchFlags = 1 << iota
	WatchWritable
)

func (f WatchFlags) String() string {
	switch f {
	case WatchReadable:
		return "readable"
	case WatchWritable:
		return "writable"
	case WatchReadable | WatchWritable:
		return "readable|writable"
	}
	return fmt.Sprintf("WatchFlags(%d)", uint32(f))
}

// A Watch asks an external event loop to monitor one file descriptor
// for readiness. The connection creates watches and hands them to the
// bound [EventLoop]; the loop polls the descriptor and calls
// [Watch.Handle] when it becomes ready.
//
// The fd and flags are fixed for the lifetime of the watch. The
// enabled flag is controlled by the connection and changes are
// announced through the loop's WatchToggled callback; a disabled
// watch must not be polled. The data slot belongs to the loop.
type Watch struct {
	conn  *Conn
	fd    int
	flags WatchFlags

	enabled bool
	data    any
}

// Fd returns the file descriptor to monitor.
func (w *Watch) Fd() int { return w.fd }

// Flags returns the readiness conditions to monitor for.
func (w *Watch) Flags() WatchFlags { return w.flags }

// Enabled reports whether the watch should currently be polled.
func (w *Watch) Enabled() bool { return w.enabled }

// Data returns the value stored by [Watch.SetData], or nil.
func (w *Watch) Data() any { return w.data }

// SetData stores a single opaque value on the watch, replacing any
// previous value. The connection never touches it.
func (w *Watch) SetData(v any) { w.data = v }

// Handle notifies the connection that the watched descriptor is ready
// for the given conditions. The loop must follow up by calling
// [Conn.Dispatch] until it reports [DispatchComplete].
func (w *Watch) Handle(flags WatchFlags) error {
	return w.conn.handleWatch(w, flags)
}

// A Timeout asks an external event loop to call [Timeout.Handle]
// once, after its interval elapses. Timers are one-shot: the
// connection retracts a timeout when it fires or when the reply it
// guards arrives.
//
// As with [Watch], the interval is fixed, the enabled flag is
// controlled by the connection, and the data slot belongs to the
// loop.
type Timeout struct {
	conn     *Conn
	interval time.Duration
	serial   uint32 // pending call guarded by this timer

	enabled bool
	data    any
}

// Interval returns the timer interval.
func (t *Timeout) Interval() time.Duration { return t.interval }

// Enabled reports whether the timer should currently be armed.
func (t *Timeout) Enabled() bool { return t.enabled }

// Data returns the value stored by [Timeout.SetData], or nil.
func (t *Timeout) Data() any { return t.data }

// SetData stores a single opaque value on the timeout, replacing any
// previous value. The connection never touches it.
func (t *Timeout) SetData(v any) { t.data = v }

// Handle notifies the connection that the interval has elapsed. The
// loop must follow up by calling [Conn.Dispatch] until it reports
// [DispatchComplete].
func (t *Timeout) Handle() error {
	return t.conn.handleTimeout(t)
}

// An EventLoop is the callback table through which a connection
// announces its I/O readiness needs to an external event loop. All
// six callbacks are required; [Conn.SetLoop] rejects a table with any
// of them missing.
//
// The connection invokes the callbacks synchronously from within its
// own operations. They must not call back into the connection.
type EventLoop struct {
	// AddWatch announces a new file descriptor to monitor.
	AddWatch func(*Watch) error
	// RemoveWatch retracts a previously added watch.
	RemoveWatch func(*Watch)
	// WatchToggled announces a change to a watch's enabled flag.
	WatchToggled func(*Watch)

	// AddTimeout announces a new timer to arm.
	AddTimeout func(*Timeout) error
	// RemoveTimeout retracts a previously added timeout.
	RemoveTimeout func(*Timeout)
	// TimeoutToggled announces a change to a timeout's enabled flag.
	TimeoutToggled func(*Timeout)
}

func (l *EventLoop) validate() error {
	if l == nil {
		return fmt.Errorf("nil event loop")
	}
	missing := func(name string) error {
		return fmt.Errorf("event loop is missing the %s callback", name)
	}
	switch {
	case l.AddWatch == nil:
		return missing("AddWatch")
	case l.RemoveWatch == nil:
		return missing("RemoveWatch")
	case l.WatchToggled == nil:
		return missing("WatchToggled")
	case l.AddTimeout == nil:
		return missing("AddTimeout")
	case l.RemoveTimeout == nil:
		return missing("RemoveTimeout")
	case l.TimeoutToggled == nil:
		return missing("TimeoutToggled")
	}
	return nil
}
