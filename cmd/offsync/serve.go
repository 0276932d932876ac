package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/dashboard"
	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the sync engine, status dashboard and edge cache (foreground)",
	Long: `Run the offline engine until interrupted.

The engine probes connectivity and schedules sync passes: periodically while
online, when connectivity is restored, on foreground and background-sync
signals, and when backed-off operations become due.

The dashboard serves a WebSocket status channel at /ws and JSON endpoints
under /v1 for UI collaborators. When edge.listen is set, the edge cache
proxy serves the app from its caches and reloads edge.manifest on change.

Example usage:
  offsync serve                   # Dashboard on port 8080
  offsync serve --port 9000       # Dashboard on a custom port`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cmd.Flags().Changed("port") {
		cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
	}
	// serve always logs to stderr.
	logWriter = newLogWriter(cfg.Log, true)

	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer eng.Close()
	warnDegraded(eng)

	var worker *edgecache.Worker
	var edgeServer *http.Server
	if cfg.Edge.Listen != "" {
		worker, edgeServer, err = startEdge(ctx)
		if err != nil {
			return err
		}
		defer worker.Close()
		eng.AttachEdge(worker)
	}

	dashConfig := &dashboard.Config{
		Port:    cfg.Dashboard.Port,
		Backend: eng,
		Logger:  newLogger("[dashboard] "),
	}
	if worker != nil {
		dashConfig.Edge = worker
	}
	server, err := dashboard.NewServer(dashConfig)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}
	handler := dashboard.NewHandler(server, nil)
	handler.Start(ctx)

	fmt.Printf("%s Starting offline sync engine...\n", ui.RenderAccent("🚀"))
	fmt.Printf("   Remote: %s\n", cfg.Remote.BaseURL)
	fmt.Printf("   Database: %s\n", cfg.DBPath())
	fmt.Printf("   Dashboard: http://%s (WebSocket /ws)\n", server.GetAddr())
	if edgeServer != nil {
		fmt.Printf("   Edge cache: http://%s -> %s\n", cfg.Edge.Listen, cfg.Edge.Upstream)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	runErr := eng.Run(ctx)

	fmt.Println("\nShutting down...")
	handler.Stop()
	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
	}
	if edgeServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = edgeServer.Shutdown(sctx)
		scancel()
	}
	if runErr != nil && !interrupted(runErr) {
		return runErr
	}
	return nil
}

// startEdge installs the manifest, starts the caching proxy and watches the
// manifest for new versions.
func startEdge(ctx context.Context) (*edgecache.Worker, *http.Server, error) {
	m, err := edgecache.LoadManifest(cfg.Edge.Manifest)
	if err != nil {
		return nil, nil, err
	}
	worker, err := edgecache.New(m, nil, edgecache.Config{
		Upstream: cfg.Edge.Upstream,
		Timeout:  cfg.Edge.Timeout,
		Logger:   newLogger("[edge] "),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := worker.Install(ctx); err != nil {
		// Until installed the proxy passes requests through to the network.
		fmt.Fprintf(os.Stderr, "%s edge cache install failed: %v\n", ui.RenderWarn("Warning:"), err)
	}

	srv := &http.Server{
		Addr:              cfg.Edge.Listen,
		Handler:           worker,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Edge cache server error: %v\n", err)
		}
	}()
	go func() {
		if err := worker.WatchManifest(ctx, cfg.Edge.Manifest); err != nil {
			fmt.Fprintf(os.Stderr, "%s manifest watcher stopped: %v\n", ui.RenderWarn("Warning:"), err)
		}
	}()
	return worker, srv, nil
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Dashboard port (overrides dashboard.port)")
	rootCmd.AddCommand(serveCmd)
}
