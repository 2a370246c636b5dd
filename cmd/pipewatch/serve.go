package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrexodia/pipewatch/config"
	"github.com/mrexodia/pipewatch/logging"
	"github.com/mrexodia/pipewatch/manager"
	"github.com/mrexodia/pipewatch/web"
)

func newServeCmd(logLevel *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the services in a YAML file and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadGlobalConfig(file)
			if err != nil {
				return fmt.Errorf("failed to load global config: %w", err)
			}
			level := cfg.LogLevel
			if cmd.Flags().Changed("log-level") {
				level = *logLevel
			}
			log, err := logging.New(cmd.ErrOrStderr(), level)
			if err != nil {
				return err
			}

			addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
			if err := checkPortFree(addr); err != nil {
				return err
			}

			m, err := manager.New(cfg, log)
			if err != nil {
				return err
			}
			defer m.StopAll()

			watcher := config.NewWatcher(file, log.Entry())
			if err := watcher.StartWatching(ctx, m); err != nil {
				return fmt.Errorf("failed to start config watcher: %w", err)
			}
			defer watcher.Stop()
			log.Entry().WithField("file", file).Info("watching for changes")

			err = web.NewServer(cfg, m, watcher, log.Entry()).Run(ctx)
			log.Entry().Info("shutting down")
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "services.yaml", "Path to the services file")
	return cmd
}

// checkPortFree fails when another instance already listens on addr
func checkPortFree(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s is already in use, another instance may be running: %w", addr, err)
	}
	listener.Close()

	// Small delay to ensure port is fully released
	time.Sleep(10 * time.Millisecond)
	return nil
}
