package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/cohort/pkg/fabric"
	"github.com/spf13/cobra"
)

var jobFilePath string

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the demo as one process of a networked job",
	Long: `Joins the job described by --config, waits for every rank to be
discovered, then runs the demo. Every process of the job runs the same
command with its own job file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handler, err := logHandler()
		if err != nil {
			return err
		}

		jf, err := loadJobFile(jobFilePath)
		if err != nil {
			return err
		}
		opts, err := jf.options(handler)
		if err != nil {
			return err
		}

		job, err := fabric.Create(opts...)
		if err != nil {
			return err
		}
		defer job.Shutdown()

		// This will gracefully leave the job when pressing CTRL+C.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		ctx, cancel := context.WithCancelCause(cmd.Context())
		defer cancel(nil)
		go func() {
			select {
			case <-sigCh:
				slog.New(handler).Info("terminating...")
				cancel(errors.New("user requested shutdown"))
				job.Shutdown()
			case <-ctx.Done():
			}
		}()

		joinCtx, joinCancel := context.WithTimeout(ctx, jf.JoinTimeout)
		defer joinCancel()
		if err := job.Join(joinCtx); err != nil {
			return err
		}

		return demo(job.Node(), jf.Total, jf.Master, cmd.OutOrStdout(), handler)
	},
}

func init() {
	nodeCmd.Flags().StringVar(&jobFilePath, "config", "job.yaml", "path to the job file")
}
