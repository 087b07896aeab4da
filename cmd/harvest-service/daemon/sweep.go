package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/regharvest/harvester/internal/harvest/orchestrator"
	"github.com/spf13/cobra"
)

func installSweepCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Harvest the full region grid once and exit",
		Long: `Harvest every region of the grid once, then exit.
Regions whose artifact already exists are skipped. Failed regions are recorded in the run history
and do not make the command fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.sweepRun(cmd.OutOrStdout())
		},
	}
	app.cmd.AddCommand(cmd)
}

func (a *App) sweepRun(out io.Writer) error {
	h, err := a.newHarvester(a.ctx)
	if err != nil {
		return err
	}
	defer h.close()
	a.markReady()

	summary, err := h.scheduler.SweepNow(a.ctx)
	if summary.RunID != uuid.Nil {
		printSummary(out, summary)
	}
	if err != nil {
		return fmt.Errorf("sweep did not complete: %v", err)
	}
	if summary.Failed > 0 {
		slog.Warn("Some regions failed, see the run history", "run", summary.RunID, "failed", summary.Failed)
	}
	return nil
}

func printSummary(out io.Writer, s orchestrator.Summary) {
	fmt.Fprintf(out, "run %s: %d regions, %d succeeded, %d skipped, %d failed in %s\n",
		s.RunID, s.Total, s.Succeeded, s.Skipped, s.Failed, s.Duration.Round(time.Millisecond))
	if s.LedgerErrors > 0 {
		fmt.Fprintf(out, "warning: %d history entries could not be recorded\n", s.LedgerErrors)
	}
}
