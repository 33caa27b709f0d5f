package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/config"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// errNoInput is returned when neither a workbook nor a sheet is configured.
var errNoInput = errors.New("no input: set --workbook or --sheet")

func newScanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan every row of the product map once",
		Long: `Loads the product map from the workbook (or the master Google Sheet),
scans each row through the proxy, and writes price, stock and status columns
back. Rows marked not_sold_here are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := opts.cfg.RequireProxy(); err != nil {
				return err
			}
			spec, err := scanSpec(opts.cfg)
			if err != nil {
				return err
			}

			res, err := appInstance.Scan(cmd.Context(), spec)
			if err != nil {
				return err
			}
			c := res.Batch.Counters()
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d rows, %d ok, %d missing url, %d error\n",
				res.Batch.ID, c.Total, c.OK, c.Missing, c.Errors)
			if res.WorkbookPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "workbook: %s\n", res.WorkbookPath)
			}
			if res.SheetLink != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "sheet: %s\n", res.SheetLink)
			}
			if res.SinkErr != nil {
				appInstance.Logger().Warn("scan finished with sink failures", zap.Error(res.SinkErr))
				return fmt.Errorf("scan %s: %w", res.Batch.ID, res.SinkErr)
			}
			return nil
		},
	}
}

// scanSpec picks the workbook over the sheet and leaves the mode empty unless
// it was set explicitly, so a limit implies test mode.
func scanSpec(cfg config.Config) (scan.JobSpec, error) {
	spec := scan.JobSpec{Limit: cfg.Input.Limit}
	switch {
	case cfg.Input.WorkbookPath != "":
		spec.Source = scan.SourceWorkbook
	case cfg.Input.SheetID != "":
		spec.Source = scan.SourceSheet
	default:
		return scan.JobSpec{}, errNoInput
	}
	if mode := scan.ParseRunMode(cfg.App.Mode); mode != scan.ModeProd {
		spec.Mode = mode
	}
	return spec, nil
}
