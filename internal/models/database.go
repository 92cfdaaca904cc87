package models

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	go_sqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrDuplicateEvent is returned when a processor event is stored twice.
var ErrDuplicateEvent = conflictError("the processor event was already received")

// Connect opens the database, migrates all models and configures the
// connection pool.
func Connect(driver, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{
		// Set generated timestamps in UTC
		NowFunc: func() time.Time {
			return time.Now().In(time.UTC)
		},
		Logger: &logger{
			Logger: log.Logger,
		},
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		log.Debug().Msg("using postgresql")
		dialector = postgres.Open(dsn)
	case DriverSQLite, "":
		log.Debug().Msg("using sqlite database")
		if !strings.Contains(dsn, "_pragma=foreign_keys") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn = fmt.Sprintf("%s%s_pragma=foreign_keys(1)", dsn, sep)
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = Migrate(db)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database object: %w", err)
	}

	// Get new connections after one hour
	sqlDB.SetConnMaxLifetime(time.Hour)

	// SQLite allows exactly one writer. A single connection serializes all
	// transactions and prevents SQLITE_BUSY errors.
	if driver != DriverPostgres {
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	}

	err = registerCallbacks(db)
	if err != nil {
		return nil, err
	}

	return db, nil
}

func registerCallbacks(db *gorm.DB) error {
	registrations := []struct {
		processor interface {
			Register(string, func(*gorm.DB)) error
		}
		name string
		fn   func(*gorm.DB)
	}{
		{db.Callback().Query().After("*"), "kindly:after_query", queryCallback},
		{db.Callback().Query().After("*"), "kindly:after_query_general", generalCallback},
		{db.Callback().Create().After("*"), "kindly:after_create", createUpdateCallback},
		{db.Callback().Create().After("*"), "kindly:after_create_general", generalCallback},
		{db.Callback().Update().After("*"), "kindly:after_update", createUpdateCallback},
		{db.Callback().Update().After("*"), "kindly:after_update_general", generalCallback},
		{db.Callback().Raw().After("*"), "kindly:after_raw_general", generalCallback},
	}

	for _, r := range registrations {
		if err := r.processor.Register(r.name, r.fn); err != nil {
			return err
		}
	}

	return nil
}

// Migrate migrates all models to the schema defined in the code and creates
// the indices gorm tags cannot express.
func Migrate(db *gorm.DB) (err error) {
	err = db.AutoMigrate(
		BankConnection{},
		RoundUpConfiguration{},
		RecurringDonation{},
		Donation{},
		RoundUpTransaction{},
		Refund{},
		Payout{},
		DonationPayout{},
		LedgerEntry{},
		ProcessorEvent{},
	)
	if err != nil {
		return fmt.Errorf("error during DB migration: %w", err)
	}

	// A donation can only be claimed by one active payout. Both sqlite and
	// postgres support partial indices.
	err = db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON donation_payouts (donation_id) WHERE status IN ('%s', '%s')",
		activeClaimIndex, DonationPayoutStatusScheduled, DonationPayoutStatusProcessing,
	)).Error
	if err != nil {
		return fmt.Errorf("error creating the active claim index: %w", err)
	}

	return nil
}

const activeClaimIndex = "idx_donation_payouts_active_claim"

// queryCallback replaces the generic "no record" error with a more user
// friendly one
func queryCallback(db *gorm.DB) {
	if errors.Is(db.Error, gorm.ErrRecordNotFound) {
		// Use the table name as information about the type of resource
		// and replace "_" with "[space]"
		name := strings.ReplaceAll(db.Statement.Table, "_", " ")

		// Replace pluralized "ies" with "y"
		match := regexp.MustCompile("ies$")
		name = match.ReplaceAllString(name, "y")

		// Remove plural "s"
		name = strings.TrimRight(name, "s")

		db.Error = fmt.Errorf("%w %s matching your query", ErrResourceNotFound, name)
	}
}

// uniqueViolations maps unique constraints to the errors returned to users.
// The first string is the sqlite message, the second the postgres index name.
var uniqueViolations = []struct {
	sqlite   string
	postgres string
	err      error
}{
	{"UNIQUE constraint failed: round_up_transactions.bank_connection_id, round_up_transactions.external_id", "idx_bank_external", ErrDuplicateExternalID},
	{"UNIQUE constraint failed: donation_payouts.donation_id", activeClaimIndex, ErrDonationInActivePayout},
	{"UNIQUE constraint failed: donations.processor_reference", "idx_donations_processor_reference", ErrProcessorReferenceNotFresh},
	{"UNIQUE constraint failed: processor_events.event_id", "idx_processor_events_event_id", ErrDuplicateEvent},
}

// createUpdateCallback inspects errors returned by the database for create
// and update calls and replaces them with user friendly ones
func createUpdateCallback(db *gorm.DB) {
	if db.Error == nil {
		return
	}

	msg := db.Error.Error()
	for _, v := range uniqueViolations {
		if strings.Contains(msg, v.sqlite) || (strings.Contains(msg, "duplicate key") && strings.Contains(msg, v.postgres)) {
			db.Error = v.err
			return
		}
	}
}

// generalCallback handles unspecified errors.
//
// For these errors, we cannot provide the user with a helpful message.
// Instead, the error is logged and we return a general message to users.
func generalCallback(db *gorm.DB) {
	if db.Error == nil {
		return
	}

	// "sql: database is closed" is hard-coded in the sql module, see
	// https://cs.opensource.google/go/go/+/master:src/database/sql/sql.go;l=1298;drc=0d018b49e33b1383dc0ae5cc968e800dffeeaf7d
	if db.Error.Error() == "sql: database is closed" || reflect.TypeOf(db.Error) == reflect.TypeOf(&go_sqlite.Error{}) {
		// A general error where we cannot provide more useful information to the end user
		// We log the error and provide a general error message so that server admins can debug
		log.Error().Msgf("%T: %v", db.Error, db.Error.Error())
		db.Error = ErrGeneral

		return
	}
}
