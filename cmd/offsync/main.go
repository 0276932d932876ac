// Command offsync runs and inspects the offline replication engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cognitrack/offsync/internal/config"
)

var (
	configFile  string
	dataDirFlag string
	verbose     bool

	cfg       *config.Config
	logWriter io.Writer = io.Discard
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first replication engine for clinical assessments",
	Long: `offsync keeps assessment data available without a network.

Local mutations are written to a durable store and queued. When the remote
service is reachable the queue is replayed in priority order, conflicts are
merged per entity type, and failed operations are retried with backoff.

Configuration is read from offsync.toml (or offsync.yaml) in the working
directory or $HOME/.config/offsync, and from OFFSYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if dataDirFlag != "" {
			loaded.DataDir = dataDirFlag
		}
		cfg = loaded
		logWriter = newLogWriter(cfg.Log, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./offsync.toml or ~/.config/offsync/offsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (overrides data_dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

// newLogWriter routes component logs to the rotating log file, and to stderr
// as well when verbose.
func newLogWriter(c config.LogConfig, verbose bool) io.Writer {
	var writers []io.Writer
	if verbose {
		writers = append(writers, os.Stderr)
	}
	if c.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		})
	}
	switch len(writers) {
	case 0:
		return io.Discard
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

func newLogger(prefix string) *log.Logger {
	return log.New(logWriter, prefix, log.LstdFlags)
}

// exitError carries a specific exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}
