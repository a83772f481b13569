// Command tdbus is a small bus client for poking at a DBus bus:
// listing names, making method calls, emitting signals, and
// monitoring traffic.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
	"github.com/tdbus/tdbus"
	"github.com/tdbus/tdbus/eventloop"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	Verbose       bool          `flag:"v,Enable verbose logging"`
	Timeout       time.Duration `flag:"timeout,default=25s,Reply timeout for method calls"`
}

func main() {
	root := &command.C{
		Name:     "tdbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "list-names",
				Usage: "list-names",
				Help:  "List the names currently registered on the bus.",
				Run:   runListNames,
			},
			{
				Name:  "call",
				Usage: "call destination path interface.Member [signature [args...]]",
				Help: `Call a method and print its reply.

Arguments are parsed against the signature's basic type codes; container
types cannot be expressed on the command line.`,
				Run: runCall,
			},
			{
				Name:  "signal",
				Usage: "signal path interface.Member [signature [args...]]",
				Help:  "Emit a signal.",
				Run:   runSignal,
			},
			{
				Name:  "monitor",
				Usage: "monitor",
				Help:  "Print all bus signals as they arrive.",
				Run:   runMonitor,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	env := root.NewEnv(nil)
	command.RunOrFail(env, os.Args[1:])
}

func busLoop() (*tdbus.Conn, *eventloop.Loop, error) {
	log := logrus.New()
	if globalArgs.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	addr := tdbus.BusSystem
	if globalArgs.UseSessionBus {
		addr = tdbus.BusSession
	}
	conn, err := tdbus.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to bus: %w", err)
	}
	conn.SetLogger(log)

	loop := eventloop.New()
	loop.SetLogger(log)
	if err := loop.Attach(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, loop, nil
}

func runListNames(env *command.Env) error {
	conn, loop, err := busLoop()
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := tdbus.NewMethodCall(tdbus.BusDaemonName, tdbus.BusDaemonPath, tdbus.BusDaemonIface, "ListNames")
	if err != nil {
		return err
	}
	reply, err := loop.Call(m, globalArgs.Timeout)
	if err != nil {
		return err
	}
	args, err := replyArgs(reply)
	if err != nil {
		return err
	}
	names, ok := args[0].([]any)
	if !ok {
		return fmt.Errorf("ListNames returned a %T, want a string array", args[0])
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires a destination, path, and method")
	}
	dest, path, method := env.Args[0], env.Args[1], env.Args[2]
	iface, member, err := splitMember(method)
	if err != nil {
		return err
	}

	conn, loop, err := busLoop()
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := tdbus.NewMethodCall(dest, tdbus.ObjectPath(path), iface, member)
	if err != nil {
		return err
	}
	if len(env.Args) > 3 {
		sig := env.Args[3]
		vals, err := parseArgs(sig, env.Args[4:])
		if err != nil {
			return err
		}
		if err := m.SetArgs(sig, vals...); err != nil {
			return err
		}
	}

	reply, err := loop.Call(m, globalArgs.Timeout)
	if err != nil {
		return err
	}
	args, err := replyArgs(reply)
	if err != nil {
		return err
	}
	for _, v := range args {
		pretty.Println(v)
	}
	return nil
}

func runSignal(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("signal requires a path and member")
	}
	path, name := env.Args[0], env.Args[1]
	iface, member, err := splitMember(name)
	if err != nil {
		return err
	}

	conn, _, err := busLoop()
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := tdbus.NewSignal(tdbus.ObjectPath(path), iface, member)
	if err != nil {
		return err
	}
	if len(env.Args) > 2 {
		sig := env.Args[2]
		vals, err := parseArgs(sig, env.Args[3:])
		if err != nil {
			return err
		}
		if err := m.SetArgs(sig, vals...); err != nil {
			return err
		}
	}
	if _, err := conn.Send(m); err != nil {
		return err
	}
	return conn.Flush()
}

func runMonitor(env *command.Env) error {
	conn, loop, err := busLoop()
	if err != nil {
		return err
	}
	defer conn.Close()

	rule := tdbus.MatchAllSignals().FilterString()
	m, err := tdbus.NewMethodCall(tdbus.BusDaemonName, tdbus.BusDaemonPath, tdbus.BusDaemonIface, "AddMatch")
	if err != nil {
		return err
	}
	if err := m.SetArgs("s", rule); err != nil {
		return err
	}
	if _, err := loop.Call(m, globalArgs.Timeout); err != nil {
		return err
	}

	conn.AddFilter(func(msg *tdbus.Message) bool {
		fmt.Printf("%s sender=%s path=%s iface=%s member=%s\n",
			msg.Type(), msg.Sender(), msg.Path(), msg.Interface(), msg.Member())
		if args, err := msg.Args(); err == nil && len(args) > 0 {
			pretty.Println(args)
		}
		return true
	})
	return loop.Run()
}

// replyArgs fails on error replies and decodes normal ones.
func replyArgs(reply *tdbus.Message) ([]any, error) {
	if reply == nil {
		return nil, errors.New("call timed out")
	}
	if reply.Type() == tdbus.TypeError {
		args, _ := reply.Args()
		detail := ""
		if len(args) > 0 {
			detail, _ = args[0].(string)
		}
		return nil, fmt.Errorf("bus error %s: %s", reply.ErrorName(), detail)
	}
	return reply.Args()
}

func splitMember(s string) (iface, member string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", "", fmt.Errorf("%q is not of the form interface.Member", s)
	}
	return s[:i], s[i+1:], nil
}

// parseArgs parses one command line word per basic type code in sig.
func parseArgs(sig string, raw []string) ([]any, error) {
	ret := make([]any, 0, len(raw))
	for i, code := range []byte(sig) {
		if i >= len(raw) {
			return nil, fmt.Errorf("signature %q needs %d arguments, have %d", sig, len(sig), len(raw))
		}
		w := raw[i]
		switch code {
		case 'y', 'q', 'u', 't':
			v, err := strconv.ParseUint(w, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q as unsigned: %w", w, err)
			}
			ret = append(ret, v)
		case 'n', 'i', 'x':
			v, err := strconv.ParseInt(w, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q as integer: %w", w, err)
			}
			ret = append(ret, v)
		case 'b':
			v, err := strconv.ParseBool(w)
			if err != nil {
				return nil, fmt.Errorf("parsing %q as bool: %w", w, err)
			}
			ret = append(ret, v)
		case 'd':
			v, err := strconv.ParseFloat(w, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing %q as float: %w", w, err)
			}
			ret = append(ret, v)
		case 's':
			ret = append(ret, w)
		case 'o':
			ret = append(ret, tdbus.ObjectPath(w))
		case 'g':
			ret = append(ret, tdbus.Signature(w))
		default:
			return nil, fmt.Errorf("type code %q cannot be expressed on the command line", code)
		}
	}
	if len(raw) > len(sig) {
		return nil, fmt.Errorf("signature %q needs %d arguments, have %d", sig, len(sig), len(raw))
	}
	return ret, nil
}
