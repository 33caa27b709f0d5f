package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pricescan/internal/scan"
)

func newExtractCmd() *cobra.Command {
	var target scan.Target
	cmd := &cobra.Command{
		Use:   "extract <url>",
		Short: "Scan one URL in debug mode and print the record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			target.URL = args[0]
			target.ProductID = "adhoc"
			batch, err := appInstance.Extract(cmd.Context(), target)
			if err != nil {
				return err
			}
			if len(batch.Records) == 0 {
				return fmt.Errorf("extract %s: no record produced", target.URL)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(batch.Records[0]); err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target.Description, "description", "", "product description for the language-model prompt")
	cmd.Flags().StringVar(&target.RetailerKey, "retailer-key", "", "retailer key")
	return cmd
}
