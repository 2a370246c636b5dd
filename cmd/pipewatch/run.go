package main

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrexodia/pipewatch/logging"
	"github.com/mrexodia/pipewatch/process"
)

func newRunCmd(logLevel *string) *cobra.Command {
	var name, encoding string

	cmd := &cobra.Command{
		Use:   "run [flags] -- PATH [ARGS...]",
		Short: "Run one process and log its output until it exits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(cmd.ErrOrStderr(), *logLevel)
			if err != nil {
				return err
			}
			decoder, err := process.NewDecoder(encoding)
			if err != nil {
				return err
			}
			if name == "" {
				base := filepath.Base(args[0])
				name = strings.TrimSuffix(base, filepath.Ext(base))
			}

			h := process.New(process.WithLogger(log), process.WithDecoder(decoder))
			if err := h.Start(process.Spec{Name: name, Path: args[0], Args: args[1:]}); err != nil {
				return err
			}
			if h.Pid() == 0 {
				return errors.New("process spawning is not supported on this platform")
			}

			select {
			case <-h.Done():
			case <-cmd.Context().Done():
			}
			h.Stop()

			if code, ok := h.ExitCode(); ok && code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	// Everything after PATH belongs to the child.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&name, "name", "", "Name used to tag output lines (default: executable name)")
	cmd.Flags().StringVar(&encoding, "encoding", "", "Character set of the output (default: platform)")
	return cmd
}
