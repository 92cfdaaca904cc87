// Package app builds the engine from the configuration.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/aggregator"
	"github.com/kindly-giving/backend/internal/config"
	v1 "github.com/kindly-giving/backend/internal/controllers/v1"
	"github.com/kindly-giving/backend/internal/donations"
	"github.com/kindly-giving/backend/internal/fees"
	"github.com/kindly-giving/backend/internal/locks"
	"github.com/kindly-giving/backend/internal/models"
	"github.com/kindly-giving/backend/internal/notify"
	"github.com/kindly-giving/backend/internal/payouts"
	"github.com/kindly-giving/backend/internal/processor"
	"github.com/kindly-giving/backend/internal/roundup"
	"github.com/kindly-giving/backend/internal/router"
	"github.com/kindly-giving/backend/internal/scheduler"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Number of entities that can be locked at the same time.
const lockCapacity = 100_000

// App holds the database connection and all services.
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Policy     fees.Policy
	Donations  *donations.Service
	RoundUps   *roundup.Service
	Syncer     *roundup.Syncer
	Payouts    *payouts.Service
	Dispatcher *notify.Dispatcher
}

// New connects to the database and builds all services.
func New(c *config.Config) (*App, error) {
	policy, err := c.FeePolicy()
	if err != nil {
		return nil, err
	}

	db, err := models.Connect(c.DB.Driver, c.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	keyed, err := locks.New(lockCapacity)
	if err != nil {
		return nil, err
	}

	var p processor.Processor = processor.NewSandbox()
	if c.Processor.BaseURL != "" {
		p = processor.NewClient(c.Processor.BaseURL, c.Processor.APIKey, c.Processor.Timeout)
	} else {
		log.Warn().Msg("processor.base_url is not set, using the sandbox processor")
	}

	var agg aggregator.Aggregator = aggregator.NewSandbox()
	if c.Aggregator.BaseURL != "" {
		agg = aggregator.NewClient(c.Aggregator.BaseURL, c.Aggregator.APIKey, c.Aggregator.Timeout)
	} else {
		log.Warn().Msg("aggregator.base_url is not set, using the sandbox aggregator")
	}

	dispatcher := notify.NewDispatcher(10*time.Second, notify.LogNotifier{})

	donationService := donations.NewService(db, p, donations.Options{
		Policy:           policy,
		Currency:         c.Donations.Currency,
		MinAmount:        config.Amount(c.Donations.MinAmount),
		MaxAmount:        config.Amount(c.Donations.MaxAmount),
		PendingTimeout:   c.Donations.PendingTimeout,
		WebhookSecret:    c.Processor.WebhookSecret,
		WebhookTolerance: c.Processor.WebhookTolerance,
		Locks:            keyed,
		Notifier:         dispatcher,
	})

	roundUps := roundup.NewService(db, donationService, roundup.Options{
		Rules: roundup.Rules{
			MinTransaction:     config.Amount(c.RoundUp.MinTransaction),
			ExcludedCategories: c.RoundUp.ExcludedCategories,
		},
		MinDonation:    config.Amount(c.RoundUp.MinDonation),
		SwitchInterval: time.Duration(c.RoundUp.SwitchIntervalDays) * 24 * time.Hour,
		FlushOnSwitch:  c.RoundUp.SwitchPolicy == config.SwitchFlush,
		Currency:       c.Donations.Currency,
		Locks:          keyed,
		Notifier:       dispatcher,
	})

	return &App{
		Config:     c,
		DB:         db,
		Policy:     policy,
		Donations:  donationService,
		RoundUps:   roundUps,
		Syncer:     roundup.NewSyncer(db, agg, roundUps),
		Dispatcher: dispatcher,
		Payouts: payouts.NewService(db, p, payouts.Options{
			Currency:  c.Donations.Currency,
			MinAmount: config.Amount(c.Payouts.MinAmount),
			Locks:     keyed,
			Notifier:  dispatcher,
		}),
	}, nil
}

// Router creates the HTTP router with all routes attached.
func (a *App) Router() (*gin.Engine, error) {
	opts := router.Options{
		AllowOrigins: strings.Fields(a.Config.CORS.AllowOrigins),
		EnablePprof:  a.Config.EnablePprof,
	}

	if a.Config.API.URL != "" {
		u, err := url.Parse(a.Config.API.URL)
		if err != nil {
			return nil, fmt.Errorf("api.url is not a valid URL: %w", err)
		}
		opts.URL = u
	}

	r, registry, err := router.Config(opts)
	if err != nil {
		return nil, err
	}

	co := v1.Controller{
		Donations: a.Donations,
		RoundUps:  a.RoundUps,
		Syncer:    a.Syncer,
		Payouts:   a.Payouts,
		Policy:    a.Policy,
		Currency:  a.Config.Donations.Currency,
	}

	router.AttachRoutes(co, a.DB, registry, r.Group("/"))
	return r, nil
}

// Jobs returns the periodic sweeps with their configured intervals.
func (a *App) Jobs() []scheduler.Job {
	counted := func(name string, f func(context.Context) (int, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			n, err := f(ctx)
			if n > 0 {
				log.Info().Str("job", name).Int("count", n).Msg("sweep finished")
			}
			return err
		}
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (int, error)
	}{
		{"pending", a.Config.Jobs.PendingSweep, a.Donations.ExpirePending},
		{"roundups", a.Config.Jobs.RoundUpSweep, a.RoundUps.SweepMonthEnd},
		{"recurring", a.Config.Jobs.Recurring, a.Donations.RunDue},
		{"sync", a.Config.Jobs.BankSync, a.Syncer.SyncAll},
		{"payouts", a.Config.Jobs.PayoutSchedule, a.Payouts.ScheduleAll},
	}

	result := make([]scheduler.Job, 0, len(jobs))
	for _, j := range jobs {
		result = append(result, scheduler.Job{
			Name:     j.name,
			Interval: j.interval,
			Run:      counted(j.name, j.run),
		})
	}

	return result
}

// Job returns the sweep with the given name.
func (a *App) Job(name string) (scheduler.Job, bool) {
	for _, j := range a.Jobs() {
		if j.Name == name {
			return j, true
		}
	}

	return scheduler.Job{}, false
}

// Close waits for pending notifications and closes the database.
func (a *App) Close() error {
	a.Dispatcher.Wait()

	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
