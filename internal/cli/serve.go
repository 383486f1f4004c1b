package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cellforge-eda/cellforge/internal/api"
	"github.com/cellforge-eda/cellforge/internal/infra/sqlite"
	"github.com/cellforge-eda/cellforge/internal/trainer"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the monitoring API server",
	Long:  `Serve run status, best records, improvement history and metrics over HTTP.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := trainer.LoadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	log := newLogger(cfg.Logging)

	db, err := sqlite.Open(trainer.Home())
	if err != nil {
		return err
	}
	defer db.Close()

	srv := api.NewServer(trainer.Home(), db, rootCmd.Version)
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	log.WithField("addr", addr).Info("monitoring server listening")
	return http.ListenAndServe(addr, srv.Handler())
}
