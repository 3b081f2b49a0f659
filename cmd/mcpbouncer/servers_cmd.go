package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/catkins/mcp-bouncer/internal/config"
)

func newConfigStore() *config.Store {
	return config.NewStore(dataDir)
}

func newServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the configured upstream MCP servers",
	}
	cmd.AddCommand(newServersListCmd(), newServersAddCmd(), newServersRemoveCmd(), newServersEnableCmd(), newServersDisableCmd())
	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := newConfigStore().Load()
			if err != nil {
				return err
			}
			if len(settings.MCPServers) == 0 {
				cmd.Println("no servers configured")
				return nil
			}
			for _, srv := range settings.MCPServers {
				state := "disabled"
				if srv.Enabled {
					state = "enabled"
				}
				target := srv.Endpoint
				if srv.Transport == config.TransportStdio {
					target = srv.Command
					if len(srv.Args) > 0 {
						target += " " + strings.Join(srv.Args, " ")
					}
				}
				cmd.Printf("%-20s %-16s %-8s %s\n", srv.Name, srv.Transport, state, target)
			}
			return nil
		},
	}
}

func newServersAddCmd() *cobra.Command {
	var (
		transport   string
		command     string
		cmdArgs     []string
		env         []string
		endpoint    string
		headers     []string
		description string
		requireAuth bool
		disabled    bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an upstream server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap, err := parseKVs(env, "env")
			if err != nil {
				return err
			}
			headerMap, err := parseKVs(headers, "header")
			if err != nil {
				return err
			}

			cfg := &config.ServerConfig{
				Name:         args[0],
				Description:  description,
				Transport:    config.Transport(transport),
				Command:      command,
				Args:         cmdArgs,
				Env:          envMap,
				Endpoint:     endpoint,
				Headers:      headerMap,
				RequiresAuth: requireAuth,
				Enabled:      !disabled,
			}
			if err := newConfigStore().AddServer(cfg); err != nil {
				return err
			}
			cmd.Printf("added server %q\n", cfg.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "streamable_http", "transport: stdio, sse, or streamable_http")
	cmd.Flags().StringVar(&command, "command", "", "process image (stdio only)")
	cmd.Flags().StringArrayVar(&cmdArgs, "arg", nil, "argument for the stdio command (repeatable)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "NAME=value env var for the stdio command (repeatable)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint URL (sse, streamable_http)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "Name=value HTTP header (repeatable)")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().BoolVar(&requireAuth, "requires-auth", false, "mark the server as requiring OAuth")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add without enabling")
	return cmd
}

func parseKVs(pairs []string, what string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid %s %q, want Name=value", what, p)
		}
		out[k] = v
	}
	return out, nil
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newConfigStore().RemoveServer(args[0]); err != nil {
				return err
			}
			cmd.Printf("removed server %q\n", args[0])
			return nil
		},
	}
}

func newServersEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a configured server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
	}
}

func newServersDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a configured server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
	}
}

// setEnabled flips the flag in settings.json; a running bouncer picks the
// change up through its settings watcher and retires the client if needed.
func setEnabled(cmd *cobra.Command, name string, enabled bool) error {
	store := newConfigStore()
	settings, err := store.Load()
	if err != nil {
		return err
	}
	for _, srv := range settings.MCPServers {
		if srv.Name == name {
			srv.Enabled = enabled
			if err := store.Save(settings); err != nil {
				return err
			}
			cmd.Printf("server %q enabled=%v\n", name, enabled)
			return nil
		}
	}
	return fmt.Errorf("server %q not found", name)
}
