// Command minidoc-agent is a headless MiniDoc editor. It joins a document's
// collaboration session to watch it or to apply one edit.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	settle     time.Duration
	flags      Config

	cfg Config
	log *slog.Logger

	rootCmd = &cobra.Command{
		Use:           "minidoc-agent",
		Short:         "Headless client for MiniDoc collaborative documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(log)

			var err error
			cfg, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			if cfg.MetricsAddr != "" {
				go serveMetrics(cfg.MetricsAddr)
			}
			return nil
		},
	}

	newCmd = &cobra.Command{
		Use:   "new [text]",
		Short: "Start a new document and print its id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runNew,
	}

	watchCmd = &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Join a document and log its events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}

	appendCmd = &cobra.Command{
		Use:   "append <document-id> <text>",
		Short: "Append text to the end of a document",
		Args:  cobra.ExactArgs(2),
		RunE:  runAppend,
	}

	titleCmd = &cobra.Command{
		Use:   "title <document-id> <title>",
		Short: "Publish a new title for a document",
		Args:  cobra.ExactArgs(2),
		RunE:  runTitle,
	}

	saveCmd = &cobra.Command{
		Use:   "save <document-id>",
		Short: "Cache the document locally and tell other editors it was saved",
		Args:  cobra.ExactArgs(1),
		RunE:  runSave,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to a YAML config file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	pf.StringVar(&flags.Endpoint, "endpoint", "", "collaboration endpoint (ws://, wss://, http:// or https://)")
	pf.StringVar(&flags.API, "api", "", "documents API root for metadata")
	pf.StringVar(&flags.Token, "token", "", "bearer token for the documents API")
	pf.StringVar(&flags.Cache, "cache", "", "snapshot cache file")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.DurationVar(&flags.RetryDelay, "retry-delay", 0, "delay between reconnect attempts")
	pf.IntVar(&flags.MaxAttempts, "max-attempts", 0, "consecutive failed attempts before giving up")
	pf.DurationVar(&settle, "settle", 500*time.Millisecond, "how long to receive updates after joining before editing")

	rootCmd.AddCommand(newCmd, watchCmd, appendCmd, titleCmd, saveCmd)
}

// applyFlags copies the flags the user set over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("endpoint") {
		cfg.Endpoint = flags.Endpoint
	}
	if changed("api") {
		cfg.API = flags.API
	}
	if changed("token") {
		cfg.Token = flags.Token
	}
	if changed("cache") {
		cfg.Cache = flags.Cache
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if changed("retry-delay") {
		cfg.RetryDelay = flags.RetryDelay
	}
	if changed("max-attempts") {
		cfg.MaxAttempts = flags.MaxAttempts
	}
}

func serveMetrics(addr string) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics listener stopped", "err", err)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "minidoc-agent:", err)
		os.Exit(1)
	}
}
