// Package eventloop provides a poll(2) based event loop that drives
// a tdbus connection: it observes the connection's watches and
// timeouts through the six-callback contract, polls the descriptors,
// and feeds readiness back into the connection.
//
// The loop is single-threaded. Applications either call [Loop.Run]
// and do their work from message filters, or interleave their own
// logic with [Loop.Step].
package eventloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"github.com/sirupsen/logrus"
	"github.com/tdbus/tdbus"
	"golang.org/x/sys/unix"
)

// A Loop drives one tdbus connection.
type Loop struct {
	conn    *tdbus.Conn
	watches []*tdbus.Watch

	// timers is ordered by deadline. Entries are removed lazily: a
	// popped entry whose timeout is no longer live or enabled is
	// dropped rather than fired.
	timers *heapq.Queue[timerEntry]
	live   mapset.Set[*tdbus.Timeout]

	running bool
	log     *logrus.Logger
}

type timerEntry struct {
	due time.Time
	t   *tdbus.Timeout
}

// New returns an empty loop. Bind it to a connection with
// [Loop.Attach].
func New() *Loop {
	return &Loop{
		timers: heapq.New(func(a, b timerEntry) int {
			return a.due.Compare(b.due)
		}),
		live: mapset.New[*tdbus.Timeout](),
		log:  logrus.StandardLogger(),
	}
}

// SetLogger directs the loop's diagnostics to log. The default is
// [logrus.StandardLogger].
func (l *Loop) SetLogger(log *logrus.Logger) { l.log = log }

// Attach binds the loop to c. The connection immediately announces
// its current watches and timeouts.
func (l *Loop) Attach(c *tdbus.Conn) error {
	if l.conn != nil {
		return errors.New("loop is already attached to a connection")
	}
	l.conn = c
	return c.SetLoop(&tdbus.EventLoop{
		AddWatch:       l.addWatch,
		RemoveWatch:    l.removeWatch,
		WatchToggled:   func(*tdbus.Watch) {},
		AddTimeout:     l.addTimeout,
		RemoveTimeout:  l.removeTimeout,
		TimeoutToggled: l.timeoutToggled,
	})
}

func (l *Loop) addWatch(w *tdbus.Watch) error {
	l.watches = append(l.watches, w)
	return nil
}

func (l *Loop) removeWatch(w *tdbus.Watch) {
	for i, have := range l.watches {
		if have == w {
			l.watches = append(l.watches[:i], l.watches[i+1:]...)
			return
		}
	}
}

func (l *Loop) addTimeout(t *tdbus.Timeout) error {
	l.live.Add(t)
	if t.Enabled() {
		l.timers.Add(timerEntry{time.Now().Add(t.Interval()), t})
	}
	return nil
}

func (l *Loop) removeTimeout(t *tdbus.Timeout) {
	l.live.Remove(t)
}

func (l *Loop) timeoutToggled(t *tdbus.Timeout) {
	if t.Enabled() {
		l.timers.Add(timerEntry{time.Now().Add(t.Interval()), t})
	}
}

// nextTimer returns the earliest live timer entry without removing
// it, discarding dead entries along the way.
func (l *Loop) nextTimer() (timerEntry, bool) {
	for !l.timers.IsEmpty() {
		e, _ := l.timers.Pop()
		if l.live.Has(e.t) && e.t.Enabled() {
			l.timers.Add(e)
			return e, true
		}
	}
	return timerEntry{}, false
}

// Step polls once and handles whatever becomes ready: watch
// readiness is fed back through Watch.Handle, due timers fire
// through Timeout.Handle, and the connection is dispatched until it
// reports complete.
func (l *Loop) Step() error {
	if l.conn == nil {
		return errors.New("loop is not attached to a connection")
	}

	timeoutMS := -1
	if e, ok := l.nextTimer(); ok {
		ms := int(time.Until(e.due).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		timeoutMS = ms
	}

	var (
		fds    []unix.PollFd
		polled []*tdbus.Watch
	)
	for _, w := range l.watches {
		if !w.Enabled() {
			continue
		}
		var events int16
		if w.Flags()&tdbus.WatchReadable != 0 {
			events |= unix.POLLIN
		}
		if w.Flags()&tdbus.WatchWritable != 0 {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(w.Fd()), Events: events})
		polled = append(polled, w)
	}
	if len(fds) == 0 && timeoutMS < 0 {
		return errors.New("nothing to wait for")
	}

	if _, err := unix.Poll(fds, timeoutMS); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	for i, pfd := range fds {
		var flags tdbus.WatchFlags
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			flags |= tdbus.WatchReadable
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			flags |= tdbus.WatchWritable
		}
		if flags == 0 {
			continue
		}
		flags &= polled[i].Flags()
		if flags == 0 {
			continue
		}
		if err := polled[i].Handle(flags); err != nil {
			l.log.Errorf("handling watch readiness: %v", err)
		}
	}

	// Fire due timers on the popped entry directly. Entries can share
	// a due time, so peeking and re-popping could dequeue a different
	// entry than the one examined.
	now := time.Now()
	for !l.timers.IsEmpty() {
		e, _ := l.timers.Pop()
		if !l.live.Has(e.t) || !e.t.Enabled() {
			continue
		}
		if e.due.After(now) {
			l.timers.Add(e)
			break
		}
		l.live.Remove(e.t)
		if err := e.t.Handle(); err != nil {
			l.log.Errorf("handling timeout: %v", err)
		}
	}

	return l.dispatchAll()
}

func (l *Loop) dispatchAll() error {
	for {
		st, err := l.conn.Dispatch()
		if err != nil {
			return err
		}
		if st != tdbus.DispatchDataRemains {
			return nil
		}
	}
}

// Run calls Step until Stop is called or stepping fails.
func (l *Loop) Run() error {
	l.running = true
	for l.running {
		if err := l.Step(); err != nil {
			l.running = false
			return err
		}
	}
	return nil
}

// Stop makes Run return after the current step.
func (l *Loop) Stop() { l.running = false }

// Call sends a method call and steps the loop until the reply
// arrives or the call times out, returning the reply. A nil reply
// with a nil error means the call timed out. This is the blocking
// convenience for programs that do not run the loop continuously.
func (l *Loop) Call(m *tdbus.Message, timeout time.Duration) (*tdbus.Message, error) {
	if l.conn == nil {
		return nil, errors.New("loop is not attached to a connection")
	}
	pc, err := l.conn.SendWithReply(m, timeout)
	if err != nil {
		return nil, err
	}
	if err := l.conn.Flush(); err != nil {
		return nil, err
	}
	for !pc.Done() {
		if err := l.Step(); err != nil {
			return nil, err
		}
	}
	return pc.Reply(), nil
}
