package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oscillatelabsllc/skyth/internal/api"
	"github.com/oscillatelabsllc/skyth/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := api.NewServer(api.Deps{
			Config:    a.cfg,
			Store:     a.store,
			Router:    a.router,
			Pipelines: a.dispatcher,
			Memory:    a.memory,
			Discover:  a.discover,
			Auth:      a.auth,
			Speech:    a.llm,
			Log:       a.log,
		})

		if a.cfg.MCP.Enabled {
			tools := mcp.NewServer(mcp.Deps{
				Store:     a.store,
				Router:    a.router,
				Pipelines: a.dispatcher,
				Memory:    a.memory,
				Users:     a.auth,
				Username:  a.cfg.MCP.User,
				Log:       a.log,
			})
			srv.AddMCPServer(tools.GetMCPServer())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a.log.Info().
			Str("port", a.cfg.Server.Port).
			Str("store", a.cfg.Store.Driver).
			Bool("mcp", a.cfg.MCP.Enabled).
			Msg("Skyth starting")

		return srv.Serve(ctx)
	},
}
