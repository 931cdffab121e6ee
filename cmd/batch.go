package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
)

var batchCmd = &cobra.Command{
	Use:   "batch <list.yaml>",
	Short: "Download every entry from a YAML list file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		entries, err := utils.ReadDownloadList(args[0])
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to read list file: %v", err))
			os.Exit(1)
		}
		if len(entries) == 0 {
			utils.PrintWarning("List file contains no entries")
			return
		}
		requests := make([]downloader.Request, 0, len(entries))
		for _, entry := range entries {
			requests = append(requests, downloader.Request{
				URL:      entry.URL,
				Filename: entry.Filename,
				Extra:    entry.Extra,
			})
		}
		runSession(requests)
	},
}
