// Command fingerprintctl operates a running fingerprint gateway: it sends
// capture and delete commands, watches live status and browses the
// detection history. The simulate subcommand stands in for the sensor on
// a real MQTT broker.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

func commands() []command {
	return []command{
		{"capture", "capture a fingerprint into a sensor slot: capture <id>", runCapture},
		{"delete", "delete the fingerprint in a sensor slot: delete <id>", runDelete},
		{"status", "print the current status", runStatus},
		{"monitor", "stream live status updates", runMonitor},
		{"detections", "list the detection history", runDetections},
		{"interactive", "prompt for commands", runInteractive},
		{"simulate", "answer commands as a simulated sensor on an MQTT broker", runSimulate},
	}
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := dispatch(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return c.run(args[1:])
		}
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: fingerprintctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.summary)
	}
}

// newFlagSet returns a flag set carrying the gateway address flag.
func newFlagSet(name string, server *string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVarP(server, "server", "s", envOr("FP_SERVER", "http://localhost:5000"), "gateway base URL")
	return flagSet
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
