package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `usage: stackd [flags] <command>

Commands:
  up       start the composition and serve the status API
  down     tear down a previously started composition
  status   show the state of the composition's containers
  version  print version information

Flags:
  -config  path to config file
  -f       path to the composition declaration (default "stack.yaml")
`

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	declPath := flag.String("f", "stack.yaml", "Path to the composition declaration")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		return ExitConfigError
	}
	if command == "version" {
		fmt.Printf("stackd %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting stackd",
		"version", Version,
		"command", command,
		"declaration", *declPath,
	)

	engine, err := NewEngine(cfg, *declPath, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return exitCode(err)
	}
	defer engine.Close()

	ctx := context.Background()
	switch command {
	case "up":
		// Installed before startup begins: a signal during a slow start
		// cancels the in-flight wave and triggers reverse teardown.
		upCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		err = engine.Up(upCtx)
		stop()
	case "down":
		err = engine.Down(ctx)
	case "status":
		err = engine.Status(ctx, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		flag.Usage()
		return ExitConfigError
	}

	if err != nil {
		logger.Error("command failed", "command", command, "error", err)
		return exitCode(err)
	}
	return ExitSuccess
}

func exitCode(err error) int {
	var eErr *EngineError
	if errors.As(err, &eErr) {
		return eErr.ExitCode
	}
	return ExitConfigError
}
