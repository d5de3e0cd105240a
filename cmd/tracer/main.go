// Command tracer is the control-plane CLI for a running tracerd daemon. It
// talks to the daemon's RPC surface (internal/rpc) to start and end
// observation runs, query status, post log/alert messages, and update tags.
//
// Usage:
//
//	tracer init --addr 127.0.0.1:9090
//	tracer start --addr 127.0.0.1:9090
//	tracer end --addr 127.0.0.1:9090
//	tracer info --addr 127.0.0.1:9090
//	tracer tag --addr 127.0.0.1:9090 alignment,qc-pass
//	tracer log --addr 127.0.0.1:9090 "message"
//	tracer terminate --addr 127.0.0.1:9090 "alert message"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tracer-cloud/tracer-agent/internal/rpc"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tracer: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tracer <init|start|end|info|tag|log|terminate|version> --addr <host:port>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "version":
		fmt.Println(Version)
		return nil
	case "init", "start":
		return cmdStart(rest)
	case "end":
		return cmdEnd(rest)
	case "info":
		return cmdInfo(rest)
	case "tag":
		return cmdTag(rest)
	case "log":
		return cmdLog(rest)
	case "terminate":
		return cmdTerminate(rest)
	default:
		return fmt.Errorf("unknown command %q; use init, start, end, info, tag, log, or terminate", sub)
	}
}

// dial parses --addr from args and connects to the daemon, returning the
// client alongside the remaining positional arguments.
func dial(fs *flag.FlagSet, args []string) (*rpc.Client, []string, error) {
	addr := fs.String("addr", "127.0.0.1:9090", "daemon RPC listen address")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := rpc.Dial(ctx, *addr)
	if err != nil {
		return nil, nil, err
	}
	return client, fs.Args(), nil
}

// cmdStart begins a new observation run. "init" is accepted as an alias so
// the CLI reads naturally both at pipeline-start time and in scripted use.
func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	client, _, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.StartRun(ctx, &rpc.StartRunRequest{})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if resp.RunID == "" {
		fmt.Println("a run is already active")
		return nil
	}
	fmt.Printf("run started: %s (%s)\n", resp.RunName, resp.RunID)
	return nil
}

func cmdEnd(args []string) error {
	fs := flag.NewFlagSet("end", flag.ContinueOnError)
	client, _, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.EndRun(ctx); err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	fmt.Println("run ended")
	return nil
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the info response as JSON")
	client, _, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := client.Info(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("pipeline:          %s\n", info.PipelineName)
	if info.RunID != "" {
		fmt.Printf("run:               %s (%s)\n", info.RunName, info.RunID)
		fmt.Printf("run time:          %.0fs\n", info.RunTimeSeconds)
	} else {
		fmt.Println("run:               none active")
	}
	fmt.Printf("watched processes: %d\n", info.WatchedProcessesCount)
	if len(info.MatchedTasks) > 0 {
		fmt.Printf("matched tasks:     %s\n", strings.Join(info.MatchedTasks, ", "))
	}
	return nil
}

func cmdTag(args []string) error {
	fs := flag.NewFlagSet("tag", flag.ContinueOnError)
	client, names, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(names) == 0 {
		return fmt.Errorf("usage: tracer tag --addr <host:port> <name1,name2,...>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.UpdateTags(ctx, strings.Split(names[0], ",")); err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	fmt.Println("tags updated")
	return nil
}

func cmdLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	client, rest, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(rest) == 0 {
		return fmt.Errorf("usage: tracer log --addr <host:port> <message>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Log(ctx, strings.Join(rest, " ")); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// cmdTerminate posts an alert message via the alert RPC, which puts an ALERT
// event on the daemon's event stream and an entry in its audit log. It does
// not end the run and does not kill any process.
func cmdTerminate(args []string) error {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	client, rest, err := dial(fs, args)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(rest) == 0 {
		return fmt.Errorf("usage: tracer terminate --addr <host:port> <message>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Alert(ctx, strings.Join(rest, " ")); err != nil {
		return fmt.Errorf("alert: %w", err)
	}
	fmt.Println("alert sent")
	return nil
}
