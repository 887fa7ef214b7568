package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/coverage-cli/pkg/bdc"
)

var (
	catalogAsOfDate string
	catalogCategory string
	catalogState    string
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List BDC availability catalog contents",
}

var catalogDatesCmd = &cobra.Command{
	Use:   "dates",
	Short: "List published data vintages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newBDCClient()
		dates, err := client.ListAsOfDates(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "list as-of dates")
		}
		for _, d := range dates {
			fmt.Printf("%s\t%s\n", d.AsOfDate, d.DataType)
		}
		return nil
	},
}

var catalogFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List availability files for a data vintage",
	RunE: func(cmd *cobra.Command, args []string) error {
		if catalogAsOfDate == "" {
			return eris.New("--as-of-date is required")
		}

		client := newBDCClient()
		files, err := client.ListAvailability(cmd.Context(), catalogAsOfDate, catalogCategory, "")
		if err != nil {
			return eris.Wrap(err, "list availability files")
		}

		if catalogState != "" {
			files = bdc.SelectFiles(files, catalogState, cfg.BDC.MinRecordCount)
		}

		for _, f := range files {
			fmt.Printf("%d\t%s\ttech=%d\trecords=%d\t%s\n",
				f.FileID, f.FileName, f.TechnologyCode, f.RecordCount, f.ProviderName)
		}
		fmt.Printf("%d files\n", len(files))
		return nil
	},
}

// newBDCClient builds a catalog client from config.
func newBDCClient() *bdc.Client {
	return bdc.NewClient(bdc.Options{
		BaseURL:  cfg.BDC.BaseURL,
		Username: cfg.BDC.Username,
		APIKey:   cfg.BDC.APIKey,
		Timeout:  time.Duration(cfg.BDC.DownloadTimeout) * time.Second,
	})
}

func init() {
	catalogFilesCmd.Flags().StringVar(&catalogAsOfDate, "as-of-date", "", "data vintage (YYYY-MM-DD)")
	catalogFilesCmd.Flags().StringVar(&catalogCategory, "category", "", "catalog category filter")
	catalogFilesCmd.Flags().StringVar(&catalogState, "state", "", "state FIPS code; applies download selection policy")
	catalogCmd.AddCommand(catalogDatesCmd)
	catalogCmd.AddCommand(catalogFilesCmd)
	rootCmd.AddCommand(catalogCmd)
}
