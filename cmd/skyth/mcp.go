package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/oscillatelabsllc/skyth/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long:  "Serve the MCP tools over stdio. Stdout carries the protocol, so logs always go to stderr.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		server := mcp.NewServer(mcp.Deps{
			Store:     a.store,
			Router:    a.router,
			Pipelines: a.dispatcher,
			Memory:    a.memory,
			Users:     a.auth,
			Username:  a.cfg.MCP.User,
			Log:       a.log,
		})

		a.log.Info().
			Str("store", a.cfg.Store.Driver).
			Str("path", a.cfg.Store.Path).
			Str("user", a.cfg.MCP.User).
			Msg("Skyth MCP server starting")

		return server.Serve()
	},
}
