package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognitrack/offsync/internal/offline/edgecache"
	"github.com/cognitrack/offsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maint",
	Short:   "Inspect and control the edge cache",
}

var cacheManifestCmd = &cobra.Command{
	Use:   "manifest [file]",
	Short: "Validate a cache manifest and show its cache names",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Edge.Manifest
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no manifest given and edge.manifest is not configured")
		}
		m, err := edgecache.LoadManifest(path)
		if err != nil {
			return err
		}
		names := m.CacheNames()
		fmt.Printf("%s %s is valid\n", ui.RenderPass("✓"), path)
		fmt.Println(ui.RenderKV("Version", m.Version))
		fmt.Println(ui.RenderKV("Static cache", names.Static))
		fmt.Println(ui.RenderKV("Dynamic cache", names.Dynamic))
		fmt.Println(ui.RenderKV("API cache", names.API))
		fmt.Println(ui.RenderKV("Precached assets", len(m.Precache)))
		if m.AppShell != "" {
			fmt.Println(ui.RenderKV("App shell", m.AppShell))
		}
		return nil
	},
}

var cachePostCmd = &cobra.Command{
	Use:   "post <SKIP_WAITING|GET_VERSION>",
	Short: "Send a message to the edge cache of a running 'offsync serve'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port)
		}

		msg := edgecache.Message{Type: edgecache.MessageType(strings.ToUpper(args[0]))}
		if err := msg.Validate(); err != nil {
			return err
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(addr, "/")+"/v1/cache/messages", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach %s: %w", addr, err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
		}

		var reply edgecache.Message
		if err := json.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("invalid reply: %w", err)
		}
		fmt.Printf("%s %s acknowledged\n", ui.RenderPass("✓"), reply.Type)
		if reply.Version != "" {
			fmt.Println(ui.RenderKV("Active cache", reply.Version))
		}
		return nil
	},
}

func init() {
	cachePostCmd.Flags().String("addr", "", "Dashboard address (default: http://localhost:<dashboard.port>)")
	cacheCmd.AddCommand(cacheManifestCmd)
	cacheCmd.AddCommand(cachePostCmd)
	rootCmd.AddCommand(cacheCmd)
}
