package main

import (
	"io"
	"log/slog"

	"github.com/raskyld/cohort"
)

// demo splits total over the ranks of sub. Only the master's total is
// authoritative, it is broadcast before anyone computes a share.
func demo(sub cohort.Substrate, total int64, master int, out io.Writer, handler slog.Handler) error {
	g, err := cohort.New(
		sub,
		cohort.WithMaster(master),
		cohort.WithOutput(out),
		cohort.WithLog(handler),
	)
	if err != nil {
		return err
	}
	defer g.Close()

	if err := cohort.BroadcastValue(g, &total); err != nil {
		return err
	}

	share := cohort.UniformLoad(g, total)
	if err := cohort.AllRanksPrintf(g, "%d of %d", share, total); err != nil {
		return err
	}

	_, err = cohort.MasterPrintf(g, "%d split over %d ranks\n", total, g.Size())
	return err
}
