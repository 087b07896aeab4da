package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/regharvest/harvester/internal/common/fileutils"
	"github.com/regharvest/harvester/internal/harvest/ledger"
	"github.com/regharvest/harvester/internal/harvest/report"
	"github.com/spf13/cobra"
)

func installHistoryCmd(app *App) {
	var (
		limit    int
		xlsxPath string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the newest run history entries",
		Long: `Show the newest run history entries, most recent first.
With --xlsx, the entries are exported to an Excel workbook instead of being printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				app.cmd.SilenceUsage = false
				return errors.New("limit must be a positive number")
			}
			return app.historyRun(cmd.OutOrStdout(), limit, xlsxPath)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of entries to show")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "path of the Excel workbook to export the entries to")

	if err := cmd.MarkFlagFilename("xlsx", "xlsx"); err != nil {
		panic(fmt.Sprintf("failed to mark xlsx flag as filename: %v", err))
	}
	app.cmd.AddCommand(cmd)
}

func (a *App) historyRun(out io.Writer, limit int, xlsxPath string) error {
	db, err := ledger.New(a.ctx, a.config.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer db.Close()
	a.markReady()

	entries, err := db.Recent(a.ctx, limit)
	if err != nil {
		return err
	}

	if xlsxPath == "" {
		return report.WriteTable(out, entries)
	}

	if err := fileutils.AtomicWriteFunc(xlsxPath, func(w io.Writer) error {
		return report.WriteXLSX(w, entries)
	}); err != nil {
		return fmt.Errorf("failed to export history: %v", err)
	}
	slog.Info("History exported", "file", xlsxPath, "entries", len(entries))
	return nil
}
