package main

import (
	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
	"github.com/spf13/cobra"
)

var localFlags struct {
	size   int
	total  int64
	master int
}

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run the demo on a job whose ranks are goroutines of this process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		handler, err := logHandler()
		if err != nil {
			return err
		}

		job, err := mesh.NewLocalJob(localFlags.size, mesh.WithLog(handler))
		if err != nil {
			return err
		}
		defer job.Close()

		out := cmd.OutOrStdout()
		return job.Run(func(rank int, sub cohort.Substrate) error {
			return demo(sub, localFlags.total, localFlags.master, out, handler)
		})
	},
}

func init() {
	localCmd.Flags().IntVar(&localFlags.size, "size", 4, "number of ranks")
	localCmd.Flags().Int64Var(&localFlags.total, "total", 10, "amount of work to split")
	localCmd.Flags().IntVar(&localFlags.master, "master", 0, "rank of the master")
}
