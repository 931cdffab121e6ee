package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tahmil/tahmil/internal/downloader"
	"github.com/tahmil/tahmil/internal/session"
	"github.com/tahmil/tahmil/internal/store"
	"github.com/tahmil/tahmil/utils"
)

var (
	folder    string
	workers   int
	chunkSize int
	timeout   time.Duration
	kaTimeout time.Duration
	userAgent string
	proxyURL  string
	dbPath    string
	noHistory bool
	hashDone  bool
	debug     bool
)

var TahmilVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "tahmil [urls...]",
	Short:   "Tahmil is a resumable concurrent download manager",
	Version: TahmilVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 {
			utils.PrintError("No URL provided")
			os.Exit(1)
		}
		var requests []downloader.Request
		for _, arg := range args {
			if _, err := u.Parse(arg); err != nil {
				utils.PrintError(fmt.Sprintf("Invalid URL: %s", arg))
				os.Exit(1)
			}
			requests = append(requests, downloader.Request{URL: arg})
		}
		runSession(requests)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&folder, "folder", "o", ".", "Folder to save downloads into")
	pf.IntVarP(&workers, "workers", "w", downloader.DefaultMaxWorkers, "Number of concurrent downloads")
	pf.IntVarP(&chunkSize, "chunk-size", "c", downloader.DefaultChunkSize, "Read chunk size in bytes")
	pf.DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	pf.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	pf.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	pf.StringVar(&dbPath, "db", defaultDBPath(), "Path to the download history database")
	pf.BoolVar(&noHistory, "no-history", false, "Do not persist downloads across runs")
	pf.BoolVar(&hashDone, "hash", false, "Compute SHA-256 of completed files")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cleanCmd)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tahmil.db"
	}
	return filepath.Join(home, ".tahmil", "downloads.db")
}

// openStore opens the history database, or an in-memory one when history is
// disabled.
func openStore() *store.Store {
	path := dbPath
	if noHistory {
		path = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to create database directory: %v", err))
		os.Exit(1)
	}
	st, err := store.Open(path)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	return st
}

func newManager(st *store.Store) *downloader.Manager {
	manager, err := downloader.NewManager(downloader.Config{
		MaxWorkers: workers,
		ChunkSize:  chunkSize,
		Timeout:    timeout,
		KATimeout:  kaTimeout,
		UserAgent:  userAgent,
		Client: utils.NewHTTPClient(utils.HTTPClientConfig{
			Timeout:   timeout,
			KATimeout: kaTimeout,
			ProxyURL:  proxyURL,
			UserAgent: userAgent,
		}),
		SaveHistory:    !noHistory,
		LoadHistory:    !noHistory,
		HashOnComplete: hashDone,
		Store:          st,
	})
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to start download manager: %v", err))
		os.Exit(1)
	}
	return manager
}

// runSession drives a set of requests to completion with a live display.
func runSession(requests []downloader.Request) {
	st := openStore()
	defer st.Close()
	manager := newManager(st)
	if len(requests) > 0 {
		if _, err := manager.Add(requests, folder); err != nil {
			utils.PrintError(fmt.Sprintf("Failed to queue downloads: %v", err))
			os.Exit(1)
		}
	}
	manager.Start()
	runWith(manager)
}

// runWith renders a started manager's downloads until it goes idle.
// Interrupting with Ctrl-C stops workers without discarding partial files so
// a later run can resume them.
func runWith(manager *downloader.Manager) {
	tracker := session.NewTracker()
	tracker.Watch(manager)
	defer tracker.Close()

	disp := newDisplay(manager, tracker)
	token := manager.Subscribe(disp.onEvent)
	defer manager.Unsubscribe(token)
	disp.start()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		manager.WaitIdle()
		close(done)
	}()
	select {
	case <-interrupted:
		disp.stop()
		fmt.Println()
		utils.PrintWarning("Interrupted, stopping downloads (partial files kept)")
		manager.Close()
		return
	case <-done:
	}
	disp.stop()
	manager.Close()

	failed := manager.Downloads(downloader.StatusError)
	if len(failed) > 0 {
		fmt.Println()
		utils.PrintError(fmt.Sprintf("%d download(s) failed", len(failed)))
		os.Exit(1)
	}
	fmt.Println()
	utils.PrintSuccess("All downloads completed")
}
