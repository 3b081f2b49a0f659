package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/catkins/mcp-bouncer/internal/status"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-server connection status from a running bouncer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				settings, err := newConfigStore().Load()
				if err == nil && settings.ListenAddr != "" {
					addr = settings.ListenAddr
				} else {
					addr = fallbackListenAddr
				}
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/debug/status", addr))
			if err != nil {
				return fmt.Errorf("no bouncer reachable at %s (is `mcpbouncer serve` running?): %w", addr, err)
			}
			defer resp.Body.Close()

			var payload struct {
				Servers  map[string]status.ClientStatus `json:"servers"`
				Sessions int                            `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decode status response: %w", err)
			}

			names := make([]string, 0, len(payload.Servers))
			for name := range payload.Servers {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				s := payload.Servers[name]
				line := fmt.Sprintf("%-20s %-24s tools=%d", name, s.State, s.Tools)
				if s.AuthorizationRequired {
					line += " (authorization required: run `mcpbouncer auth " + name + "`)"
				}
				if s.LastError != "" {
					line += " error=" + s.LastError
				}
				cmd.Println(line)
			}
			cmd.Printf("\n%d downstream session(s)\n", payload.Sessions)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "bouncer address (default from settings.json)")
	return cmd
}
