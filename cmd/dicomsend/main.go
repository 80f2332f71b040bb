package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internalcli "github.com/flatmapit/dicomsend/internal/cli"
	"github.com/urfave/cli/v2"
)

var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	cmd := internalcli.Command()
	app := &cli.App{
		Name:    "dicomsend",
		Usage:   cmd.Usage,
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", Version, BuildDate, GitCommit),
		Flags:   cmd.Flags,
		Action:  cmd.Action,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			if msg := exitErr.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
}
