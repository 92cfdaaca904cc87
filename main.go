package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/app"
	"github.com/kindly-giving/backend/internal/config"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/router"
	"github.com/kindly-giving/backend/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "kindly",
		Short:         "Donation reconciliation engine",
		Version:       router.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./config.yaml if it exists)")

	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd(), syncCmd(), payoutsCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setup loads the configuration and configures gin and the logger.
func setup() (*config.Config, func(), error) {
	c, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	gin.SetMode(c.Server.GinMode)

	closer, err := app.SetupLogging(c.Log, os.Stdout)
	if err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}

	if c.DB.Driver == models.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(c.DB.DSN), os.ModePerm); err != nil {
			return nil, nil, err
		}
	}

	return c, func() { closer.Close() }, nil
}

// withApp runs f with a fully built engine.
func withApp(f func(ctx context.Context, a *app.App) error) error {
	c, done, err := setup()
	if err != nil {
		return err
	}
	defer done()

	a, err := app.New(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return f(ctx, a)
}

func serveCmd() *cobra.Command {
	var noJobs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run the periodic sweeps",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				r, err := a.Router()
				if err != nil {
					return err
				}

				server := &http.Server{
					Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
					Handler:           r,
					ReadHeaderTimeout: 10 * time.Second,
				}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().Str("addr", server.Addr).Str("version", router.Version()).Msg("serving")
					if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})

				g.Go(func() error {
					<-ctx.Done()

					shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					return server.Shutdown(shutdown)
				})

				if !noJobs {
					g.Go(func() error {
						return scheduler.Run(ctx, a.Jobs()...)
					})
				}

				return g.Wait()
			})
		},
	}

	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "do not run the periodic sweeps")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database schema",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, done, err := setup()
			if err != nil {
				return err
			}
			defer done()

			// Connect migrates
			db, err := models.Connect(c.DB.Driver, c.DB.DSN)
			if err != nil {
				return err
			}

			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			log.Info().Str("driver", c.DB.Driver).Msg("database migrated")
			return nil
		},
	}
}

// runJob returns a command that runs a sweep once.
func runJob(use, short, job string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				j, ok := a.Job(job)
				if !ok {
					return fmt.Errorf("unknown job %s", job)
				}

				return j.Run(ctx)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a sweep once",
	}

	cmd.AddCommand(
		runJob("pending", "Fail donations whose charge was not confirmed in time", "pending"),
		runJob("roundups", "Roll over round-up configurations at the end of the month", "roundups"),
		runJob("recurring", "Create the donations of due recurring schedules", "recurring"),
	)

	return cmd
}

func syncCmd() *cobra.Command {
	return runJob("sync", "Fetch new transactions for all bank connections", "sync")
}

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Manage payouts",
	}

	cmd.AddCommand(runJob("schedule", "Schedule payouts for all organizations with eligible donations", "payouts"))
	return cmd
}
