package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/observability"
	"github.com/3leaps/kgextract/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP API over job runs and pipeline state",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, appConfig)
	if err != nil {
		return exitError(ExitFileReadError, "Failed to open artifact store", err)
	}

	sc := appConfig.Server
	host, port := sc.Host, sc.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	srv := server.New(host, port, store,
		server.WithLogger(observability.CLILogger),
		server.WithVersion(versionInfo.Version),
		server.WithTimeouts(sc.ReadTimeout, sc.WriteTimeout))

	observability.CLILogger.Info("Starting server",
		zap.String("host", host),
		zap.Int("port", srv.Port()))
	if err := srv.ListenAndServe(ctx, sc.ShutdownTimeout); err != nil {
		return exitError(ExitExternalServiceUnavailable, fmt.Sprintf("Server on %s:%d failed", host, port), err)
	}
	return nil
}
