// Package main is the entry point for the question bounty service and CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"question-bounty/internal/config"
	"question-bounty/internal/logger"
	"question-bounty/internal/metrics"

	"github.com/joho/godotenv"
)

const usage = `usage: bounty <command> [flags]

commands:
  serve    run the evaluation and review API (add -index to follow the chain too)
  index    follow ledger events into the read model
  submit   submit an answer to a question
  claim    claim a reward
  create   create a question
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]struct {
	run        command
	needSigner bool
	logFile    bool
}{
	"serve":  {run: runServe},
	"index":  {run: runIndex},
	"submit": {run: runSubmit, needSigner: true, logFile: true},
	"claim":  {run: runClaim, needSigner: true, logFile: true},
	"create": {run: runCreate, needSigner: true, logFile: true},
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg := config.Load()
	if err := cfg.Validate(cmd.needSigner); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	// Interactive commands keep debug logs out of the terminal view
	var logWriter io.Writer = os.Stderr
	if cfg.Debug && cmd.logFile {
		logFile, err := os.OpenFile("bounty.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			logWriter = logFile
			fmt.Fprintf(os.Stderr, "Debug logs written to bounty.log\n")
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file, logs will go to stderr: %v\n", err)
		}
	}
	log := logger.NewWithWriter(cfg.Debug, logWriter)
	log.Printf("config: %s", cfg.DebugString())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log, metrics.New())
	if err != nil {
		log.Errorf("startup: %v", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := cmd.run(ctx, a, os.Args[2:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Errorf("%s: %v", os.Args[1], err)
		a.Close()
		os.Exit(1)
	}
}
