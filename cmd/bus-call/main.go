// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bus-call invokes a method on a remote object and prints the reply.
//
// The target is named as destination, object path, and qualified
// member (interface.Member). Arguments are inferred from their text:
// "true"/"false" become booleans, integer and decimal literals become
// numbers, everything else is a string (--string-args suppresses the
// inference).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/version"
	"github.com/mmeeks/gdbus-standalone-sub002/messaging"
)

func main() {
	if err := run(); err != nil {
		var busErr *messaging.BusError
		if errors.As(err, &busErr) {
			fmt.Fprintf(os.Stderr, "call failed: %s: %s\n", busErr.Name, busErr.Message)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var address string
	var timeout time.Duration
	var stringArgs bool
	var verbose bool

	flagSet := pflag.NewFlagSet("bus-call", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", os.Getenv("BUS_SOCKET"), "bus daemon Unix socket path (default: $BUS_SOCKET)")
	flagSet.DurationVar(&timeout, "timeout", 25*time.Second, "abandon the call after this long")
	flagSet.BoolVar(&stringArgs, "string-args", false, "pass every argument as a string, no type inference")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection lifecycle to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works alone.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("bus-call")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	args := flagSet.Args()
	if len(args) < 3 {
		return fmt.Errorf("expected <destination> <path> <interface.Member>, got %d arguments", len(args))
	}
	if address == "" {
		return fmt.Errorf("no bus address: pass --address or set BUS_SOCKET")
	}

	destination, err := ref.ParseBusName(args[0])
	if err != nil {
		return err
	}
	path, err := ref.ParseObjectPath(args[1])
	if err != nil {
		return err
	}
	iface, member, err := splitQualifiedMember(args[2])
	if err != nil {
		return err
	}
	callArgs := make([]any, 0, len(args)-3)
	for _, raw := range args[3:] {
		callArgs = append(callArgs, inferArg(raw, stringArgs))
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := messaging.Dial(ctx, address, messaging.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	reply, err := conn.CallSync(ctx, destination, path, iface, member, callArgs...)
	if err != nil {
		return err
	}
	for _, value := range reply {
		fmt.Printf("%#v\n", value)
	}
	return nil
}

// splitQualifiedMember splits "com.example.Player.Play" into the
// interface name and the member name at the last dot.
func splitQualifiedMember(qualified string) (ref.InterfaceName, ref.MemberName, error) {
	dot := strings.LastIndex(qualified, ".")
	if dot < 0 {
		return ref.InterfaceName{}, ref.MemberName{}, fmt.Errorf("member %q is not qualified (want interface.Member)", qualified)
	}
	iface, err := ref.ParseInterfaceName(qualified[:dot])
	if err != nil {
		return ref.InterfaceName{}, ref.MemberName{}, err
	}
	member, err := ref.ParseMemberName(qualified[dot+1:])
	if err != nil {
		return ref.InterfaceName{}, ref.MemberName{}, err
	}
	return iface, member, nil
}

// inferArg maps an argument's text to a wire value. Quoting an
// argument in single quotes forces a string even when it looks
// numeric.
func inferArg(raw string, forceString bool) any {
	if forceString {
		return raw
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return raw[1 : len(raw)-1]
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bus-call — invoke a method on a bus object.

Usage:
  bus-call [flags] <destination> <path> <interface.Member> [args...]

Examples:
  # Ping a peer
  bus-call :1.7 /com/example/Player bus.Peer.Ping

  # Call a method with arguments
  bus-call :1.7 /com/example/Player com.example.Player.Seek 1500

  # Read a property
  bus-call :1.7 /com/example/Player bus.Properties.Get com.example.Player Title

  # List an object's interfaces
  bus-call :1.7 /com/example/Player bus.Introspectable.Introspect

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
