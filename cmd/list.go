package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
)

var listStatuses []string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show downloads recorded in the history database",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		st := openStore()
		defer st.Close()
		items, err := st.All()
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to read history: %v", err))
			os.Exit(1)
		}
		filter := make(map[downloader.Status]bool)
		for _, raw := range listStatuses {
			status := downloader.Status(strings.ToLower(raw))
			if !status.Valid() {
				utils.PrintError(fmt.Sprintf("Unknown status: %s", raw))
				os.Exit(1)
			}
			filter[status] = true
		}
		shown := 0
		for _, item := range items {
			if len(filter) > 0 && !filter[item.Status] {
				continue
			}
			symbol := utils.StatusStyle(string(item.Status)).Render(utils.StyleSymbols[styleKey(item.Status)])
			size := utils.FormatBytes(uint64(item.DownloadedBytes))
			if item.TotalBytes > 0 && item.DownloadedBytes != item.TotalBytes {
				size = fmt.Sprintf("%s/%s", size, utils.FormatBytes(uint64(item.TotalBytes)))
			}
			fmt.Printf("%s %-6d %-12s %-10s %s\n", symbol, item.ID, item.Status, size, item.FinalPath())
			shown++
		}
		if shown == 0 {
			utils.PrintInfo("No downloads in history")
		}
	},
}

func init() {
	listCmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Only show downloads with these statuses (eg. paused,error)")
}
