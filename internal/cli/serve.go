package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/cadence/internal/daemon"
	"github.com/opencode-ai/cadence/internal/logging"
)

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "admin bind host (overrides daemon.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "admin port (overrides daemon.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cadence daemon",
	Long: `Run the scheduler tick loop, the outcome consumer and the admin gRPC
service until interrupted. With MQTT enabled, intents are published and
outcomes are consumed from the broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, closeDB, err := openServices()
		if err != nil {
			return err
		}
		defer closeDB()

		d, err := daemon.New(GetConfig(), services, logging.Component("daemon"), daemon.Options{
			Hostname: serveHost,
			Port:     servePort,
			Version:  appVersion,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}
