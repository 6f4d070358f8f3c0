// Command inspectsync runs and inspects the offline sync engine: queue
// status, manual drains, dead-letter and failed-upload management, and a
// long-running watch mode driven by the connectivity feed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/DDChuru/inspectsync/internal/config"
	"github.com/DDChuru/inspectsync/internal/logging"
)

var (
	configPath string
	dataDir    string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "inspectsync",
		Short: "Offline mutation and verification sync engine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelInfo
			if verbose {
				level = logging.LevelDebug
			}
			logging.Init(os.Stderr, level)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		statusCmd(),
		drainCmd(),
		deadLetterCmd(),
		uploadsCmd(),
		watchCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return printJSON(app.Orchestrator.Status())
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one staged sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			app.Monitor.Set(true)
			if err := app.Orchestrator.Run(cmd.Context()); err != nil {
				return err
			}
			return printJSON(app.Orchestrator.Status())
		},
	}
}

func deadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and manage dead-lettered mutations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.Mutations.DeadLetters()
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Re-enqueue a dead-lettered mutation with a reset retry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Mutations.RetryDeadLetter(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Drop a dead-lettered mutation permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Mutations.DiscardDeadLetter(args[0])
		},
	})

	return cmd
}

func uploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect and manage the image upload queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending and failed uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.Uploads.Pending()
			if err != nil {
				return err
			}
			failed, err := app.Uploads.Failed()
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"pending": pending,
				"failed":  failed,
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <upload-id>",
		Short: "Re-queue a failed upload with a reset retry count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Uploads.RetryFailed(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <upload-id>",
		Short: "Drop a failed upload and release its local bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Uploads.DiscardFailed(args[0])
		},
	})

	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the orchestrator until interrupted, syncing on connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app.Orchestrator.Start(ctx)
			defer app.Orchestrator.Stop()

			logging.Info("watching for connectivity", map[string]interface{}{
				"online": app.Monitor.Online(),
			})

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}
