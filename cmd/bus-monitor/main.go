// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bus-monitor attaches to a message bus and prints matching traffic.
//
// By default it subscribes to every signal on the bus. Flags narrow
// the subscription to one sender, path, interface, member, or first
// string argument; --rules-file installs several rules at once from a
// YAML file. Each matching message is printed as one line: timestamp,
// kind, addressing, and decoded arguments.
//
// Output is styled when stdout is a terminal; piping the output (or
// passing --no-color) produces plain text.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mmeeks/gdbus-standalone-sub002/lib/ref"
	"github.com/mmeeks/gdbus-standalone-sub002/lib/version"
	"github.com/mmeeks/gdbus-standalone-sub002/messaging"
	"github.com/mmeeks/gdbus-standalone-sub002/transport"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var address string
	var rulesFile string
	var noColor bool
	var verbose bool
	flags := ruleFlags{}

	flagSet := pflag.NewFlagSet("bus-monitor", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", os.Getenv("BUS_SOCKET"), "bus daemon Unix socket path (default: $BUS_SOCKET)")
	flagSet.StringVar(&rulesFile, "rules-file", "", "YAML file of match rules to install")
	flagSet.StringVar(&flags.Kind, "kind", "", "message kind to match: call, reply, error, or signal")
	flagSet.StringVar(&flags.Sender, "sender", "", "only messages from this unique name")
	flagSet.StringVar(&flags.Path, "path", "", "only messages from this object path")
	flagSet.StringVar(&flags.Interface, "interface", "", "only messages on this interface")
	flagSet.StringVar(&flags.Member, "member", "", "only messages with this member name")
	flagSet.StringVar(&flags.Arg0, "arg0", "", "only messages whose first argument is this string")
	flagSet.BoolVar(&noColor, "no-color", false, "disable styled output")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection lifecycle to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works alone.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("bus-monitor")
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
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if address == "" {
		return fmt.Errorf("no bus address: pass --address or set BUS_SOCKET")
	}

	rules, err := collectRules(flags, rulesFile)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := messaging.Dial(ctx, address, messaging.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	styled := !noColor && term.IsTerminal(int(os.Stdout.Fd()))
	printer := newPrinter(os.Stdout, styled)

	// All subscriptions share the connection's default loop, so the
	// printer runs on one goroutine and lines never interleave.
	for _, rule := range rules {
		if _, err := conn.Subscribe(messaging.Subscription{
			Rule:    rule,
			Handler: printer.print,
		}); err != nil {
			return fmt.Errorf("installing rule %s: %w", rule.Key(), err)
		}
	}

	logger.Info("monitoring", "address", address, "name", conn.UniqueName(), "rules", len(rules))

	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		return fmt.Errorf("bus connection lost")
	}
}

// ruleFlags holds the single match rule assembled from command-line
// flags, all fields as raw strings.
type ruleFlags struct {
	Kind      string `yaml:"kind"`
	Sender    string `yaml:"sender"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
	Member    string `yaml:"member"`
	Arg0      string `yaml:"arg0"`
}

func (f ruleFlags) isZero() bool {
	return f == ruleFlags{}
}

// rule validates the raw fields and builds the match rule.
func (f ruleFlags) rule() (messaging.MatchRule, error) {
	var rule messaging.MatchRule
	var err error
	if f.Kind != "" {
		if rule.Kind, err = parseKind(f.Kind); err != nil {
			return rule, err
		}
	}
	if f.Sender != "" {
		if rule.Sender, err = ref.ParseBusName(f.Sender); err != nil {
			return rule, err
		}
	}
	if f.Path != "" {
		if rule.Path, err = ref.ParseObjectPath(f.Path); err != nil {
			return rule, err
		}
	}
	if f.Interface != "" {
		if rule.Interface, err = ref.ParseInterfaceName(f.Interface); err != nil {
			return rule, err
		}
	}
	if f.Member != "" {
		if rule.Member, err = ref.ParseMemberName(f.Member); err != nil {
			return rule, err
		}
	}
	rule.Arg0 = f.Arg0
	return rule, nil
}

func parseKind(raw string) (transport.Kind, error) {
	for _, kind := range []transport.Kind{transport.KindCall, transport.KindReply, transport.KindError, transport.KindSignal} {
		if raw == kind.String() {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q (want call, reply, error, or signal)", raw)
}

// collectRules merges the flag rule with the rules file. With neither,
// the monitor watches all signals.
func collectRules(flags ruleFlags, rulesFile string) ([]messaging.MatchRule, error) {
	var rules []messaging.MatchRule
	if !flags.isZero() {
		rule, err := flags.rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rulesFile != "" {
		fileRules, err := loadRulesFile(rulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	if len(rules) == 0 {
		rules = append(rules, messaging.MatchRule{Kind: transport.KindSignal})
	}
	return rules, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bus-monitor — watch message bus traffic.

Subscribes to matching messages and prints one line per message. With
no rule flags and no rules file, every signal on the bus is shown.

Usage:
  bus-monitor [flags]

Examples:
  # Watch all signals on the bus
  bus-monitor --address /run/bus/bus.sock

  # Watch one interface
  bus-monitor --interface com.example.Player

  # Watch method-call traffic to one object
  bus-monitor --kind call --path /com/example/Player

  # Install several rules from a file
  bus-monitor --rules-file monitor.yaml

Rules file format (each entry uses the same fields as the flags):
  rules:
    - interface: com.example.Player
      member: TrackChanged
    - kind: call
      path: /com/example/Player

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
