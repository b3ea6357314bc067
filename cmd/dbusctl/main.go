// Command dbusctl is a small inspection and debugging tool for the D-Bus
// message bus: listing owned names, introspecting objects, calling
// methods, and watching signals as they arrive.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"

	dbus "github.com/oriocha/godbus"
)

var globalArgs struct {
	System bool `flag:"system,Connect to the system bus instead of the session bus"`
}

func busConn() (*dbus.Conn, error) {
	if globalArgs.System {
		return dbus.SystemBus()
	}
	return dbus.SessionBus()
}

func main() {
	root := &command.C{
		Name:     "dbusctl",
		Usage:    "dbusctl command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "names",
				Usage: "names",
				Help:  "List names currently owned on the bus.",
				Run:   command.Adapt(runNames),
			},
			{
				Name:  "introspect",
				Usage: "introspect dest path",
				Help:  "Print the introspection XML document for an object, decoded to JSON.",
				Run:   command.Adapt(runIntrospect),
			},
			{
				Name:  "call",
				Usage: "call dest path iface.method [args...]",
				Help: `Call a method and print its reply.

Arguments after the method are passed as strings; integers and booleans
embedded in args are not parsed, so this is best suited to string-typed
APIs. For anything richer, write a small Go program against the package.`,
				Run: command.Adapt(runCall),
			},
			{
				Name:  "monitor",
				Usage: "monitor [match-rule]",
				Help: `Watch signals arriving on the bus.

With no argument, matches every signal the bus will deliver to this
connection. match-rule, when given, is passed verbatim as the AddMatch
rule's predicate (e.g. "interface='org.freedesktop.DBus',member='NameOwnerChanged'").`,
				Run: command.Adapt(runMonitor),
			},
			{
				Name:  "ping",
				Usage: "ping dest",
				Help:  "Ping a peer via org.freedesktop.DBus.Peer.Ping.",
				Run:   command.Adapt(runPing),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runNames(env *command.Env) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	var names []string
	err = conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	if err != nil {
		return fmt.Errorf("listing names: %w", err)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runIntrospect(env *command.Env, dest, path string) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	node, err := conn.Introspect(dest, dbus.ObjectPath(path))
	if err != nil {
		return fmt.Errorf("introspecting %s %s: %w", dest, path, err)
	}
	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return err
	}
	os.Stdout.Write(data)
	fmt.Println()
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires dest, path and method")
	}
	dest, path, method := env.Args[0], env.Args[1], env.Args[2]
	rawArgs := env.Args[3:]

	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := make([]interface{}, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = a
	}

	call := <-conn.Object(dest, dbus.ObjectPath(path)).Call(method, 0, args...).Done
	if call.Err != nil {
		return fmt.Errorf("calling %s: %w", method, call.Err)
	}
	fmt.Printf("%# v\n", pretty.Formatter(call.Body))
	return nil
}

func runMonitor(env *command.Env) error {
	var rule string
	if len(env.Args) > 0 {
		rule = "type='signal'," + strings.Join(env.Args, ",")
	} else {
		rule = "type='signal'"
	}

	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Store(); err != nil {
		return fmt.Errorf("adding match rule: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	fmt.Println("Listening for signals matching:", rule)
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig := <-ch:
			fmt.Printf("%s: %s from %s\n  %# v\n", sig.Path, sig.Name, sig.Sender, pretty.Formatter(sig.Body))
		}
	}
}

func runPing(env *command.Env, dest string) error {
	conn, err := busConn()
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.Object(dest, "/").Call("org.freedesktop.DBus.Peer.Ping", 0).Store(); err != nil {
		return fmt.Errorf("pinging %s: %w", dest, err)
	}
	fmt.Println("pong")
	return nil
}
