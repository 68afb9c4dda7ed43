package main

import (
	stdLog "log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/Astemirdum/library-circulation/circulation/app"
	"github.com/Astemirdum/library-circulation/circulation/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		stdLog.Fatal("load envs from .env ", err)
	}

	var (
		debug   bool
		storage string
	)
	loadConfig := func() config.Config {
		ops := []config.Option{config.WithWriteTimeout(time.Minute)}
		if debug {
			ops = append(ops, config.WithLogLevel(zapcore.DebugLevel))
		}
		if storage != "" {
			ops = append(ops, config.WithStorageDriver(storage))
		}
		return config.NewConfig(ops...)
	}

	root := &cobra.Command{
		Use:           "circulation",
		Short:         "Book copy lifecycle and reservation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
	root.PersistentFlags().StringVar(&storage, "storage", "", "storage driver: postgres or badger")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API with the daily sweeper",
			Run: func(cmd *cobra.Command, args []string) {
				app.Run(loadConfig())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire overdue holds once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Sweep(loadConfig())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.Migrate(loadConfig())
			},
		},
	)

	if err := root.Execute(); err != nil {
		stdLog.Fatal(err)
	}
}
