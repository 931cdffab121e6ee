package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
)

var (
	cleanStatuses []string
	cleanAll      bool
	keepFiles     bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove finished downloads from history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		st := openStore()
		defer st.Close()
		manager := newManager(st)
		defer manager.Close()
		if cleanAll {
			manager.DeleteAll(!keepFiles)
			utils.PrintSuccess("History cleared")
			return
		}
		statuses := make([]downloader.Status, 0, len(cleanStatuses))
		for _, raw := range cleanStatuses {
			status := downloader.Status(strings.ToLower(raw))
			if !status.Valid() {
				utils.PrintError(fmt.Sprintf("Unknown status: %s", raw))
				os.Exit(1)
			}
			statuses = append(statuses, status)
		}
		before := len(manager.Downloads())
		manager.DeleteByStatus(statuses...)
		removed := before - len(manager.Downloads())
		utils.PrintSuccess(fmt.Sprintf("Removed %d download(s) from history", removed))
	},
}

func init() {
	cleanCmd.Flags().StringSliceVarP(&cleanStatuses, "status", "s", []string{"completed", "cancelled", "error"}, "Statuses to remove")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove every download and downloaded file")
	cleanCmd.Flags().BoolVar(&keepFiles, "keep-files", false, "Keep downloaded files on disk")
}
