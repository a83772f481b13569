package tdbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/sirupsen/logrus"
	"github.com/tdbus/tdbus/transport"
	"golang.org/x/sys/unix"
)

// Bus address aliases accepted by [Dial].
const (
	BusSystem  = "<SYSTEM>"
	BusSession = "<SESSION>"
)

// Well-known bus daemon names.
const (
	BusDaemonName  = "org.freedesktop.DBus"
	BusDaemonIface = "org.freedesktop.DBus"
	LocalIface     = "org.freedesktop.DBus.Local"
)

// Well-known bus daemon paths.
const (
	BusDaemonPath ObjectPath = "/org/freedesktop/DBus"
	LocalPath     ObjectPath = "/org/freedesktop/DBus/Local"
)

const systemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// DefaultCallTimeout is the reply timeout used by
// [Conn.SendWithReply] when the caller passes a negative timeout.
const DefaultCallTimeout = 25 * time.Second

// DispatchStatus reports how much received data remains to be
// processed after a [Conn.Dispatch] call.
type DispatchStatus int

const (
	// DispatchDataRemains means more received messages are queued;
	// keep calling Dispatch.
	DispatchDataRemains DispatchStatus = iota
	// DispatchComplete means all received data has been processed.
	DispatchComplete
	// DispatchNeedMemory means dispatching could not proceed for lack
	// of memory and should be retried later.
	DispatchNeedMemory
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchDataRemains:
		return "data_remains"
	case DispatchComplete:
		return "complete"
	case DispatchNeedMemory:
		return "need_memory"
	}
	return fmt.Sprintf("DispatchStatus(%d)", int(s))
}

// A FilterFunc is a pre-dispatch interceptor registered with
// [Conn.AddFilter]. It runs for every inbound message before any
// other routing; returning true marks the message handled and stops
// further processing.
type FilterFunc func(*Message) bool

// A Conn is a private connection to a DBus bus.
//
// A Conn runs no goroutines of its own. All I/O readiness is
// surfaced as [Watch] and [Timeout] descriptors through the bound
// [EventLoop], and the loop re-enters the connection via the Handle
// methods and [Conn.Dispatch]. A Conn is for single-threaded
// cooperative use; it is not safe for concurrent access.
type Conn struct {
	t transport.Transport

	uniqueName   string
	closed       bool
	disconnected bool

	serial  uint32
	pending map[uint32]*PendingCall

	loop       *EventLoop
	readWatch  *Watch
	writeWatch *Watch
	timeouts   mapset.Set[*Timeout]

	filters []FilterFunc

	inbox   queue.Queue[*Message]
	readBuf []byte
	outBuf  []byte

	log *logrus.Logger
}

// SystemBus connects to the system bus.
func SystemBus() (*Conn, error) { return Dial(BusSystem) }

// SessionBus connects to the current user's session bus.
func SessionBus() (*Conn, error) { return Dial(BusSession) }

// Dial connects to the bus at the given address and registers with
// the bus daemon. The address may be a DBus server address
// ("unix:path=..."), or one of the aliases [BusSystem] and
// [BusSession]. A failure at any step closes the partially-opened
// transport before returning.
func Dial(address string) (*Conn, error) {
	addr := address
	switch address {
	case BusSystem:
		addr = systemBusAddress
	case BusSession:
		addr = os.Getenv("DBUS_SESSION_BUS_ADDRESS")
		if addr == "" {
			return nil, errors.New("session bus not available")
		}
	}
	t, err := transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	c := NewConn(t)
	if err := t.SetNonblock(true); err != nil {
		t.Close()
		return nil, err
	}
	if err := c.hello(); err != nil {
		t.Close()
		return nil, fmt.Errorf("registering with bus: %w", err)
	}
	return c, nil
}

// NewConn wraps an already-authenticated transport in a connection,
// without performing the bus registration handshake. Callers that
// hold a socket to a real bus daemon should use [Dial] instead;
// NewConn exists for peer-to-peer connections such as those built on
// [transport.Pair].
func NewConn(t transport.Transport) *Conn {
	c := &Conn{
		t:        t,
		pending:  map[uint32]*PendingCall{},
		timeouts: mapset.New[*Timeout](),
		log:      logrus.StandardLogger(),
	}
	c.readWatch = &Watch{conn: c, fd: t.Fd(), flags: WatchReadable, enabled: true}
	c.writeWatch = &Watch{conn: c, fd: t.Fd(), flags: WatchWritable}
	return c
}

// SetLogger directs the connection's diagnostics (swallowed filter
// and notify faults, protocol errors) to log. The default is
// [logrus.StandardLogger].
func (c *Conn) SetLogger(log *logrus.Logger) { c.log = log }

// hello performs the org.freedesktop.DBus.Hello exchange that
// registers the connection and assigns its unique name. It drives
// the transport synchronously; no loop is bound yet.
func (c *Conn) hello() error {
	m, err := NewMethodCall(BusDaemonName, BusDaemonPath, BusDaemonIface, "Hello")
	if err != nil {
		return err
	}
	pc, err := c.SendWithReply(m, -1)
	if err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultCallTimeout)
	for !pc.Done() {
		if err := c.waitReadable(deadline); err != nil {
			return fmt.Errorf("waiting for Hello reply: %w", err)
		}
		c.drainReads()
		for {
			st, err := c.Dispatch()
			if err != nil {
				return err
			}
			if st != DispatchDataRemains {
				break
			}
		}
		if c.disconnected {
			return errors.New("connection lost before Hello reply")
		}
	}

	reply := pc.Reply()
	if reply == nil {
		return errors.New("no Hello reply")
	}
	if reply.Type() == TypeError {
		return &CallError{reply.ErrorName(), errorText(reply)}
	}
	args, err := reply.Args()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return fmt.Errorf("Hello reply carries %d values, want 1", len(args))
	}
	name, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("Hello reply carries a %T, want string", args[0])
	}
	c.uniqueName = name
	return nil
}

// errorText extracts the human-readable text from an error reply's
// body, if it has one.
func errorText(m *Message) string {
	args, err := m.Args()
	if err != nil || len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}

// UniqueName returns the connection name the bus daemon assigned
// during registration. It fails on connections that have not
// completed the handshake.
func (c *Conn) UniqueName() (string, error) {
	if c.uniqueName == "" {
		return "", errors.New("bus registration not completed")
	}
	return c.uniqueName, nil
}

// Close tears down the connection. Pending calls resolve with no
// reply, and the bound event loop (if any) is told to drop all
// watches and timeouts. Operations on a closed connection fail with
// [ErrNotConnected], including a second Close.
func (c *Conn) Close() error {
	if c.closed {
		return ErrNotConnected
	}
	c.closed = true
	c.removeFromLoop()
	c.loop = nil
	c.filters = nil
	c.inbox.Clear()

	pend := c.pending
	c.pending = nil
	for _, pc := range pend {
		pc.resolve(nil)
	}
	return c.t.Close()
}

// SetLoop binds an event loop to the connection, replacing any
// previous binding. The loop immediately receives AddWatch calls for
// the connection's descriptors and AddTimeout calls for any live
// timers.
func (c *Conn) SetLoop(loop *EventLoop) error {
	if c.closed {
		return ErrNotConnected
	}
	if err := loop.validate(); err != nil {
		return err
	}
	c.removeFromLoop()
	c.loop = loop
	if err := loop.AddWatch(c.readWatch); err != nil {
		c.loop = nil
		return err
	}
	if err := loop.AddWatch(c.writeWatch); err != nil {
		loop.RemoveWatch(c.readWatch)
		c.loop = nil
		return err
	}
	for t := range c.timeouts {
		if err := loop.AddTimeout(t); err != nil {
			c.removeFromLoop()
			c.loop = nil
			return err
		}
	}
	return nil
}

// removeFromLoop retracts all descriptors from the bound loop, if
// there is one.
func (c *Conn) removeFromLoop() {
	if c.loop == nil {
		return
	}
	c.loop.RemoveWatch(c.readWatch)
	c.loop.RemoveWatch(c.writeWatch)
	for t := range c.timeouts {
		c.loop.RemoveTimeout(t)
	}
}

// AddFilter registers a pre-dispatch interceptor. Filters run in
// registration order for every inbound message; the first one to
// return true stops further processing of that message. A panic
// inside a filter counts as "not handled" and is logged, not
// propagated.
func (c *Conn) AddFilter(f FilterFunc) error {
	if c.closed {
		return ErrNotConnected
	}
	c.filters = append(c.filters, f)
	return nil
}

// Send queues a message for transmission and returns the serial
// number assigned to it. Delivery happens as the event loop reports
// the transport writable, or on [Conn.Flush].
func (c *Conn) Send(m *Message) (uint32, error) {
	if c.closed || c.disconnected {
		return 0, ErrNotConnected
	}
	serial := c.serial + 1
	bs, err := m.marshalWire(serial)
	if err != nil {
		return 0, err
	}
	c.serial = serial
	m.serial = serial
	c.outBuf = append(c.outBuf, bs...)
	c.setWriteWatch(true)
	return serial, nil
}

// SendWithReply queues a method call and returns a [PendingCall]
// tracking its reply. A negative timeout means [DefaultCallTimeout].
// The timeout is armed through the bound event loop; if the call is
// still unresolved when it fires, the pending call resolves with no
// reply.
func (c *Conn) SendWithReply(m *Message, timeout time.Duration) (*PendingCall, error) {
	if c.closed || c.disconnected {
		return nil, ErrNotConnected
	}
	if timeout < 0 {
		timeout = DefaultCallTimeout
	}
	serial, err := c.Send(m)
	if err != nil {
		return nil, err
	}
	pc := &PendingCall{conn: c, serial: serial}
	c.pending[serial] = pc

	t := &Timeout{conn: c, interval: timeout, serial: serial, enabled: true}
	c.timeouts.Add(t)
	if c.loop != nil {
		if err := c.loop.AddTimeout(t); err != nil {
			c.log.WithField("serial", serial).
				Errorf("event loop rejected call timeout: %v", err)
		}
	}
	return pc, nil
}

// Dispatch processes one queued inbound message: filters first, then
// pending call resolution. It returns [DispatchComplete] when no
// received data remains, and never blocks.
func (c *Conn) Dispatch() (DispatchStatus, error) {
	if c.closed {
		return DispatchComplete, ErrNotConnected
	}
	m, ok := c.inbox.Pop()
	if !ok {
		return DispatchComplete, nil
	}
	c.deliver(m)
	return c.DispatchStatus(), nil
}

// DispatchStatus reports whether received messages are waiting to be
// dispatched, without processing any.
func (c *Conn) DispatchStatus() DispatchStatus {
	if c.inbox.Len() == 0 {
		return DispatchComplete
	}
	return DispatchDataRemains
}

func (c *Conn) deliver(m *Message) {
	for _, f := range c.filters {
		if c.runFilter(f, m) {
			return
		}
	}
	switch m.Type() {
	case TypeMethodReturn, TypeError:
		pc, ok := c.pending[m.ReplySerial()]
		if !ok {
			return
		}
		delete(c.pending, m.ReplySerial())
		c.dropCallTimeout(pc.serial)
		pc.resolve(m)
	}
}

func (c *Conn) runFilter(f FilterFunc, m *Message) (handled bool) {
	defer func() {
		if v := recover(); v != nil {
			handled = false
			c.log.Errorf("panic in message filter: %v", v)
		}
	}()
	return f(m)
}

// Flush blocks until all queued outgoing data is written. This is
// the only connection operation that blocks the calling thread.
func (c *Conn) Flush() error {
	if c.closed {
		return ErrNotConnected
	}
	if len(c.outBuf) == 0 {
		return nil
	}
	if c.disconnected {
		return ErrNotConnected
	}
	for len(c.outBuf) > 0 {
		if err := c.waitWritable(); err != nil {
			return err
		}
		n, err := c.t.Write(c.outBuf)
		c.outBuf = c.outBuf[n:]
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			c.disconnect()
			return err
		}
	}
	c.setWriteWatch(false)
	return nil
}

// handleWatch is the target of [Watch.Handle].
func (c *Conn) handleWatch(w *Watch, flags WatchFlags) error {
	if c.closed {
		return ErrNotConnected
	}
	if w.conn != c {
		return errors.New("watch does not belong to this connection")
	}
	if flags&WatchReadable != 0 && w == c.readWatch {
		c.drainReads()
	}
	if flags&WatchWritable != 0 && w == c.writeWatch {
		c.drainWrites()
	}
	return nil
}

// handleTimeout is the target of [Timeout.Handle].
func (c *Conn) handleTimeout(t *Timeout) error {
	if c.closed {
		return ErrNotConnected
	}
	if t.conn != c {
		return errors.New("timeout does not belong to this connection")
	}
	if !t.enabled {
		return nil
	}
	c.dropTimeout(t)
	if pc, ok := c.pending[t.serial]; ok {
		delete(c.pending, t.serial)
		pc.resolve(nil)
	}
	return nil
}

// drainReads consumes everything the transport has ready without
// blocking, framing complete messages into the inbox.
func (c *Conn) drainReads() {
	buf := make([]byte, 4096)
	for {
		n, err := c.t.Read(buf)
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				break
			}
			c.frame()
			c.disconnect()
			return
		}
	}
	c.frame()
}

// drainWrites pushes queued output without blocking, disabling the
// write watch once the queue empties.
func (c *Conn) drainWrites() {
	for len(c.outBuf) > 0 {
		n, err := c.t.Write(c.outBuf)
		c.outBuf = c.outBuf[n:]
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			c.disconnect()
			return
		}
	}
	c.setWriteWatch(false)
}

// frame slices complete wire messages off the front of the read
// buffer into the inbox. A message that cannot be framed at all
// poisons the stream and forces a disconnect; a framed message that
// fails to parse is logged and skipped.
func (c *Conn) frame() {
	for {
		n, ok, err := wireSize(c.readBuf)
		if err != nil {
			c.log.Errorf("invalid data from bus: %v", err)
			c.disconnect()
			return
		}
		if !ok || len(c.readBuf) < n {
			return
		}
		frame := c.readBuf[:n:n]
		c.readBuf = c.readBuf[n:]
		m, err := unmarshalWire(frame)
		if err != nil {
			c.log.Errorf("discarding unparseable message: %v", err)
			continue
		}
		c.inbox.Add(m)
	}
}

// disconnect records the loss of the transport. Pending calls
// resolve with no reply, the loop drops all descriptors, and a
// synthesized org.freedesktop.DBus.Local.Disconnected signal is
// queued so the application learns of the loss through normal
// dispatch rather than process exit.
func (c *Conn) disconnect() {
	if c.disconnected || c.closed {
		return
	}
	c.disconnected = true
	c.removeFromLoop()
	c.timeouts.Clear()

	pend := c.pending
	c.pending = map[uint32]*PendingCall{}
	for _, pc := range pend {
		pc.resolve(nil)
	}

	sig, err := NewSignal(LocalPath, LocalIface, "Disconnected")
	if err == nil {
		c.inbox.Add(sig)
	}
}

func (c *Conn) setWriteWatch(on bool) {
	if c.writeWatch.enabled == on {
		return
	}
	c.writeWatch.enabled = on
	if c.loop != nil {
		c.loop.WatchToggled(c.writeWatch)
	}
}

func (c *Conn) dropTimeout(t *Timeout) {
	t.enabled = false
	if !c.timeouts.Has(t) {
		return
	}
	c.timeouts.Remove(t)
	if c.loop != nil {
		c.loop.RemoveTimeout(t)
	}
}

func (c *Conn) dropCallTimeout(serial uint32) {
	for t := range c.timeouts {
		if t.serial == serial {
			c.dropTimeout(t)
			return
		}
	}
}

func (c *Conn) waitReadable(deadline time.Time) error {
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		fds := []unix.PollFd{{Fd: int32(c.t.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("timed out")
		}
		return nil
	}
}

func (c *Conn) waitWritable() error {
	for {
		fds := []unix.PollFd{{Fd: int32(c.t.Fd()), Events: unix.POLLOUT}}
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}
