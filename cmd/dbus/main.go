// Command dbus pokes at a message bus using the native wire engine:
// listing names, watching signals, and issuing raw method calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
	"github.com/sirupsen/logrus"
	"github.com/wirebus/dbus"
)

var globalArgs struct {
	UseSessionBus bool `flag:"session,Connect to session bus instead of system bus"`
	Verbose       bool `flag:"v,Log wire traffic to stderr"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	var opts []dbus.Option
	if globalArgs.Verbose {
		log := logrus.New()
		log.SetLevel(logrus.DebugLevel)
		opts = append(opts, dbus.WithLogger(log))
	}
	if globalArgs.UseSessionBus {
		return dbus.SessionBus(ctx, opts...)
	}
	return dbus.SystemBus(ctx, opts...)
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "whoami",
				Usage: "whoami",
				Help:  "Connect to the bus and print the assigned unique name.",
				Run:   command.Adapt(runWhoami),
			},
			{
				Name:  "list-names",
				Usage: "list-names",
				Help:  "List the names currently present on the bus.",
				Run:   command.Adapt(runListNames),
			},
			{
				Name:  "has-owner",
				Usage: "has-owner name",
				Help:  "Report whether a bus name currently has an owner.",
				Run:   command.Adapt(runHasOwner),
			},
			{
				Name:  "call",
				Usage: "call destination path interface member",
				Help:  "Issue a bodyless method call and dump the reply.",
				Run:   command.Adapt(runCall),
			},
			{
				Name:  "listen",
				Usage: "listen [match-rule-interface]",
				Help: `Listen to bus signals.

With an argument, only signals from the given interface are shown.`,
				Run: runListen,
			},
			{
				Name:  "machine-id",
				Usage: "machine-id",
				Help:  "Print the local machine's DBus identifier.",
				Run:   command.Adapt(runMachineID),
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

func runWhoami(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()
	fmt.Println(conn.LocalName())
	return nil
}

func runListNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runHasOwner(env *command.Env, name string) error {
	busName, err := dbus.ParseBusName(name)
	if err != nil {
		return err
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	has, err := conn.NameHasOwner(ctx, busName)
	if err != nil {
		return err
	}
	fmt.Println(has)
	return nil
}

func runCall(env *command.Env, dest, path, iface, member string) error {
	destName, err := dbus.ParseBusName(dest)
	if err != nil {
		return err
	}
	objPath, err := dbus.ParseObjectPath(path)
	if err != nil {
		return err
	}
	ifaceName, err := dbus.ParseInterfaceName(iface)
	if err != nil {
		return err
	}
	memberName, err := dbus.ParseMemberName(member)
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()
	go conn.Process(env.Context())

	m, err := dbus.NewMethodCall(objPath, memberName)
	if err != nil {
		return err
	}
	m.Interface = ifaceName
	m.Destination = destName

	p, err := conn.Call(m, time.Minute)
	if err != nil {
		return err
	}
	reply, err := p.Wait(env.Context())
	if err != nil {
		return err
	}
	vals, err := reply.Body().Values()
	if err != nil {
		return fmt.Errorf("decoding reply body (%s): %w", reply.BodySignature(), err)
	}
	for _, v := range vals {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()
	go conn.Process(env.Context())

	match := dbus.MatchAllSignals()
	if len(env.Args) > 0 {
		iface, err := dbus.ParseInterfaceName(env.Args[0])
		if err != nil {
			return err
		}
		match = match.Interface(iface)
	}
	w, err := conn.AddMatch(match)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig, ok := <-w.Chan():
			if !ok {
				return nil
			}
			vals, err := sig.Body().Values()
			if err != nil {
				fmt.Printf("signal %s.%s from %s: undecodable body: %v\n", sig.Interface, sig.Member, sig.Sender, err)
				continue
			}
			fmt.Printf("signal %s.%s from %s on %s:\n  %# v\n", sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(vals))
		}
	}
}

func runMachineID(env *command.Env) error {
	id, err := dbus.MachineID()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
