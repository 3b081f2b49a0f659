package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/catkins/mcp-bouncer/internal/eventlog"
	"github.com/catkins/mcp-bouncer/internal/logs"
)

func newEventsCmd() *cobra.Command {
	var (
		server string
		method string
		limit  int
		failed bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent RPC events from the local event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logs.NewCommandLogger(verbose)
			defer func() { _ = logger.Sync() }()

			reader := eventlog.NewReader(dataDir, logger)
			params := eventlog.QueryParams{Server: server, Method: method, Limit: limit}
			if failed {
				ok := false
				params.OK = &ok
			}

			rows, err := reader.QueryEvents(params)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				cmd.Println("no events")
				return nil
			}

			for _, row := range rows {
				ts := time.UnixMilli(row.TSMillis).UTC().Format(time.RFC3339)
				outcome := "ok"
				if !row.OK {
					outcome = "FAIL"
				}
				line := ts + " " + outcome + " " + row.Method
				if row.ServerName != "" {
					line += " server=" + row.ServerName
				}
				if row.Error != "" {
					line += " error=" + row.Error
				}
				cmd.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "filter by upstream server name")
	cmd.Flags().StringVar(&method, "method", "", "filter by JSON-RPC method")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show (clamped to 200)")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed events")
	return cmd
}
