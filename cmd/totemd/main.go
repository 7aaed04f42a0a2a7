// Package main implements the totemd daemon: it loads a cluster config,
// starts one Instance, and serves the client IPC surface until signalled
// to stop, mirroring the command-switch CLI shape of the teacher's
// cmd/beenet/main.go generalized from a one-shot CLI to a long-running
// daemon's start/stop lifecycle.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/coro-totem/totemcore/pkg/config"
	"github.com/coro-totem/totemcore/pkg/instance"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		if err := runStart(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "totemd: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runStart(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: totemd start <config.yaml> [ipc-socket-path]")
	}
	configPath := args[0]
	socketPath := "/var/run/totemd.sock"
	if len(args) >= 2 {
		socketPath = args[1]
	}

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	inst, err := instance.New(cfg, log.WithField("node", cfg.LocalID))
	if err != nil {
		return fmt.Errorf("build instance: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("start srp instance: %w", err)
	}

	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		_ = inst.Stop()
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- inst.IPC().Serve(ctx, ln)
	}()

	log.WithFields(logrus.Fields{
		"local_id": cfg.LocalID,
		"socket":   socketPath,
	}).Info("totemd started")

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		log.WithError(err).Warn("ipc server exited")
	}

	cancel()
	ln.Close()
	return inst.Stop()
}

func printVersion() {
	fmt.Printf("totemd %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`totemd v%s - Totem single-ring protocol daemon

Usage:
  totemd <command> [options]

Commands:
  start <config.yaml> [socket]   Start the daemon (default socket: /var/run/totemd.sock)
  version                        Show version information
  help                           Show this help message

`, version)
}
