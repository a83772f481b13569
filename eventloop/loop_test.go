package eventloop_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tdbus/tdbus"
	"github.com/tdbus/tdbus/eventloop"
	"github.com/tdbus/tdbus/transport"
)

// loopPair wires two connections together over a socketpair, each
// driven by its own loop. The test interleaves the two loops by
// stepping them explicitly; nothing runs concurrently.
func loopPair(t *testing.T) (client *tdbus.Conn, clientLoop *eventloop.Loop, server *tdbus.Conn, serverLoop *eventloop.Loop) {
	t.Helper()
	ct, st, err := transport.Pair()
	require.NoError(t, err)
	require.NoError(t, ct.SetNonblock(true))
	require.NoError(t, st.SetNonblock(true))

	client = tdbus.NewConn(ct)
	server = tdbus.NewConn(st)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	clientLoop = eventloop.New()
	require.NoError(t, clientLoop.Attach(client))
	serverLoop = eventloop.New()
	require.NoError(t, serverLoop.Attach(server))
	return client, clientLoop, server, serverLoop
}

func TestLoopRoundTrip(t *testing.T) {
	client, clientLoop, server, serverLoop := loopPair(t)

	require.NoError(t, server.AddFilter(func(m *tdbus.Message) bool {
		if m.Type() != tdbus.TypeMethodCall {
			return false
		}
		reply, err := tdbus.NewMethodReturn(m)
		require.NoError(t, err)
		require.NoError(t, reply.SetArgs("s", "pong"))
		_, err = server.Send(reply)
		require.NoError(t, err)
		require.NoError(t, server.Flush())
		return true
	}))

	call, err := tdbus.NewMethodCall("", "/org/example/Ping", "org.example.Ping", "Ping")
	require.NoError(t, err)
	pc, err := client.SendWithReply(call, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	// One server turn to receive the call and reply, then client
	// turns until the reply lands.
	require.NoError(t, serverLoop.Step())
	for !pc.Done() {
		require.NoError(t, clientLoop.Step())
	}

	reply := pc.Reply()
	require.NotNil(t, reply, "call resolved without a reply")
	assert.Equal(t, call.Serial(), reply.ReplySerial())
	args, err := reply.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{"pong"}, args)
}

func TestLoopCallTimeout(t *testing.T) {
	_, clientLoop, _, _ := loopPair(t)

	// Nobody ever steps the server, so the call cannot be answered;
	// Call must give up when the timeout timer fires.
	call, err := tdbus.NewMethodCall("", "/org/example/Ping", "org.example.Ping", "Ping")
	require.NoError(t, err)

	start := time.Now()
	reply, err := clientLoop.Call(call, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, reply, "expected a timeout, got a reply")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLoopSimultaneousTimeouts(t *testing.T) {
	client, clientLoop, _, _ := loopPair(t)

	// Two calls with the same interval can land heap entries with
	// identical due times; both must still fire.
	mk := func() *tdbus.PendingCall {
		call, err := tdbus.NewMethodCall("", "/org/example/Ping", "org.example.Ping", "Ping")
		require.NoError(t, err)
		pc, err := client.SendWithReply(call, 5*time.Millisecond)
		require.NoError(t, err)
		return pc
	}
	a, b := mk(), mk()
	require.NoError(t, client.Flush())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, clientLoop.Step())

	assert.True(t, a.Done(), "first call never timed out")
	assert.True(t, b.Done(), "second call never timed out")
	assert.Nil(t, a.Reply())
	assert.Nil(t, b.Reply())
}

func TestLoopSignalDelivery(t *testing.T) {
	client, clientLoop, server, _ := loopPair(t)

	var got *tdbus.Message
	require.NoError(t, client.AddFilter(func(m *tdbus.Message) bool {
		if m.Type() != tdbus.TypeSignal {
			return false
		}
		got = m
		return true
	}))

	sig, err := tdbus.NewSignal("/org/example/Svc", "org.example.Svc", "Changed")
	require.NoError(t, err)
	require.NoError(t, sig.SetArgs("u", uint32(99)))
	_, err = server.Send(sig)
	require.NoError(t, err)
	require.NoError(t, server.Flush())

	require.NoError(t, clientLoop.Step())

	require.NotNil(t, got, "signal did not arrive")
	assert.Equal(t, "Changed", got.Member())
	args, err := got.Args()
	require.NoError(t, err)
	assert.Equal(t, []any{uint32(99)}, args)
}
