package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/utils"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume interrupted and paused downloads from history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		st := openStore()
		defer st.Close()
		manager := newManager(st)
		manager.ResumeInterrupted()
		manager.ResumeAll()
		pending := manager.Downloads(downloader.StatusPending, downloader.StatusDownloading)
		if len(pending) == 0 {
			manager.Close()
			utils.PrintInfo("Nothing to resume")
			return
		}
		utils.PrintPending(fmt.Sprintf("%s Resuming %d download(s)", utils.StyleSymbols["arrow"], len(pending)))
		runWith(manager)
	},
}
