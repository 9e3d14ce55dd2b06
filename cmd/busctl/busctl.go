// Program busctl is a command-line utility for running and exercising a
// message bus.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/busmesh/bus"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var serveFlags = struct {
	Host  string        `flag:"host,Host address to listen on"`
	Port  string        `flag:"port,Port to listen on"`
	Grace time.Duration `flag:"grace,Shutdown grace period for in-flight calls"`
}{Host: "localhost", Port: "4004", Grace: 2 * time.Second}

var dialFlags = struct {
	Host    string        `flag:"host,Host address of the bus server"`
	Port    string        `flag:"port,Port of the bus server"`
	Timeout time.Duration `flag:"timeout,Give up on a call after this long (0 for no limit)"`
}{Host: "localhost", Port: "4004", Timeout: 5 * time.Second}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and exercising a message bus.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a bus server until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<method> [key=value ...]",
				Help: `Invoke a method on the bus and print its results.

Each argument after the method name becomes one entry of the argument
container. Values that parse as a Boolean, integer, or float are sent with
that type; anything else is sent as a string.`,
				SetFlags: command.Flags(flax.MustBind, &dialFlags),
				Run:      command.Adapt(runCall),
			},
			{
				Name:  "provide",
				Usage: "<method>...",
				Help: `Register echo methods on the bus and serve until interrupted.

Each named method replies to a call with a copy of its own arguments. This
is intended for exercising a bus without writing a client.`,
				SetFlags: command.Flags(flax.MustBind, &dialFlags),
				Run:      command.Adapt(runProvide),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runServe(env *command.Env) error {
	srv := bus.NewServer(bus.WithGracePeriod(serveFlags.Grace))
	if err := srv.Listen(serveFlags.Host, serveFlags.Port); err != nil {
		return err
	}
	log.Printf("Bus server listening at %v", srv.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Print("Interrupt received, shutting down")
	return srv.Shutdown()
}

func runCall(env *command.Env, method string, args ...string) error {
	cli := bus.NewClient(bus.WithCallTimeout(dialFlags.Timeout))
	if st := cli.Connect(dialFlags.Host, dialFlags.Port); !st.OK() {
		return fmt.Errorf("connect: %v", st)
	}
	defer cli.Shutdown()

	in, err := parseParams(args)
	if err != nil {
		return err
	}
	var out bus.Out
	if st := cli.Call(method, in, &out); !st.OK() {
		return fmt.Errorf("call %q: %v", method, st)
	}
	for _, key := range out.Keys() {
		v, _ := out.Lookup(key)
		fmt.Printf("%s\t%v\n", key, v)
	}
	return nil
}

func runProvide(env *command.Env, methods ...string) error {
	cli := bus.NewClient(bus.WithCallTimeout(dialFlags.Timeout))
	if st := cli.Connect(dialFlags.Host, dialFlags.Port); !st.OK() {
		return fmt.Errorf("connect: %v", st)
	}
	defer cli.Shutdown()

	echo := func(ctx context.Context, in bus.In, out *bus.Out) error {
		for _, key := range in.Keys() {
			v, _ := in.Lookup(key)
			out.SetValue(key, v)
		}
		return nil
	}
	for _, name := range methods {
		if st := cli.RegisterMethod(name, echo); !st.OK() {
			return fmt.Errorf("register %q: %v", name, st)
		}
		log.Printf("Registered method %q", name)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Print("Interrupt received, shutting down")
	return nil
}

// parseParams converts key=value arguments into a container, inferring the
// value type from its syntax.
func parseParams(args []string) (bus.In, error) {
	var in bus.In
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return in, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		switch {
		case value == "true" || value == "false":
			in.SetBool(key, value == "true")
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				in.SetInt(key, n)
			} else if f, err := strconv.ParseFloat(value, 64); err == nil {
				in.SetFloat(key, f)
			} else {
				in.Set(key, value)
			}
		}
	}
	return in, nil
}
