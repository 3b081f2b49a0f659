package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catkins/mcp-bouncer/internal/config"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage per-tool enable/disable toggles",
	}
	cmd.AddCommand(newToolsListCmd(), newToolsToggleCmd("enable", true), newToolsToggleCmd("disable", false))
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List explicit tool toggles (absence means enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			toggles, err := newConfigStore().LoadToolToggles()
			if err != nil {
				return err
			}
			if len(toggles) == 0 {
				cmd.Println("no explicit toggles; all tools enabled")
				return nil
			}
			for server, perServer := range toggles {
				for tool, enabled := range perServer {
					cmd.Printf("%s::%s enabled=%v\n", server, tool, enabled)
				}
			}
			return nil
		},
	}
}

func newToolsToggleCmd(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <server> <tool>",
		Short: verb + " one tool on one server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := newConfigStore()
			toggles, err := store.LoadToolToggles()
			if err != nil {
				return err
			}
			server, tool := args[0], args[1]
			if _, err := store.GetServer(server); err != nil {
				return fmt.Errorf("server %q not found", server)
			}
			if toggles == nil {
				toggles = config.ToolToggleMap{}
			}
			perServer := toggles[server]
			if perServer == nil {
				perServer = map[string]bool{}
				toggles[server] = perServer
			}
			if enabled {
				delete(perServer, tool)
				if len(perServer) == 0 {
					delete(toggles, server)
				}
			} else {
				perServer[tool] = false
			}
			if err := store.SaveToolToggles(toggles); err != nil {
				return err
			}
			cmd.Printf("%s::%s enabled=%v\n", server, tool, enabled)
			return nil
		},
	}
}
