package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/davechat/internal/bridge"
)

var (
	bridgeAddr    string
	bridgeOrigins []string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the chat session to a local UI over websocket",
	Long: `Serve one chat session over websocket so an editor plugin or web page
can drive it.

Endpoints:
  /ws      state snapshots out, commands in
  /stats   session metrics as JSON
  /health  liveness check

Examples:
  dave bridge
  dave bridge --addr 127.0.0.1:9000 --origin http://localhost:5173`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeAddr, "addr", "", "listen address (default from config)")
	bridgeCmd.Flags().StringSliceVar(&bridgeOrigins, "origin", nil, "allowed browser origins (default any)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := bridgeAddr
	if addr == "" {
		addr = cfg.BridgeAddr
	}

	srv := bridge.New(store, bridge.Options{
		Logger:         logger,
		Metrics:        collector,
		AllowedOrigins: bridgeOrigins,
	})
	return srv.ListenAndServe(ctx, addr)
}
