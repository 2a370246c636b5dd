// Command pipewatch runs child processes and logs their combined output.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// exitError carries the exit status of a supervised child to main.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.code)
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "pipewatch",
		Short: "Run processes and log their output line by line",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (error, info, debug)")

	root.AddCommand(newRunCmd(&logLevel))
	root.AddCommand(newServeCmd(&logLevel))

	root.SilenceUsage = true
	root.SilenceErrors = true
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		stop()
		if exit.code > 0 {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
