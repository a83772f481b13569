package tdbus

// A PendingCall is one outstanding method call awaiting its reply.
// It resolves exactly once: with the reply message when one arrives,
// or with no reply if the call times out or the connection drops
// first.
type PendingCall struct {
	conn   *Conn
	serial uint32

	done   bool
	reply  *Message
	notify func(*Message)
}

// Serial returns the serial number assigned to the outgoing call.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done reports whether the call has resolved.
func (p *PendingCall) Done() bool { return p.done }

// Reply returns the reply message, or nil if the call is still
// pending or resolved without a reply.
func (p *PendingCall) Reply() *Message { return p.reply }

// SetNotify attaches a completion callback, replacing any previous
// one. The callback runs when the call resolves with a reply; it is
// not invoked when the call resolves empty (timeout or disconnect).
// A panic inside the callback is logged and does not propagate into
// the dispatch loop.
func (p *PendingCall) SetNotify(fn func(*Message)) {
	p.notify = fn
}

// resolve completes the call. reply may be nil for a timeout or
// disconnect resolution. Resolving an already-resolved call is a
// no-op.
func (p *PendingCall) resolve(reply *Message) {
	if p.done {
		return
	}
	p.done = true
	p.reply = reply
	if reply == nil || p.notify == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			p.conn.log.WithField("serial", p.serial).
				Errorf("panic in pending call notify: %v", v)
		}
	}()
	p.notify(reply)
}
