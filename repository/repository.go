package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

const statusCacheSize = 128

// Uploader stores report attachments and returns a stable URL for them.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

// Publisher receives lifecycle events after the transaction that produced them committed.
type Publisher interface {
	Publish(ev eventbus.Event)
}

// Observer is notified of transition outcomes, for metrics.
type Observer interface {
	TransitionCommitted(kind string)
	TransitionRolledBack(code string)
	SessionAbandoned(reason string)
	HeartbeatRecorded()
}

type nopObserver struct{}

func (nopObserver) TransitionCommitted(string)  {}
func (nopObserver) TransitionRolledBack(string) {}
func (nopObserver) SessionAbandoned(string)     {}
func (nopObserver) HeartbeatRecorded()          {}

type nopPublisher struct{}

func (nopPublisher) Publish(eventbus.Event) {}

// GraceConfig holds the liveness windows used for occupancy and abandonment.
type GraceConfig struct {
	// Window is how long after the last liveness signal a session keeps its station.
	Window time.Duration
	// Soft is the shorter threshold after which a held station is reported as in grace.
	Soft time.Duration
}

// DefaultGrace is used when no grace configuration is supplied
var DefaultGrace = GraceConfig{Window: 5 * time.Minute, Soft: 30 * time.Second}

// Option configures a Repository
type Option func(*Repository)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithUploader(uploader Uploader) Option {
	return func(r *Repository) {
		r.uploader = uploader
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(r *Repository) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(r *Repository) {
		if observer != nil {
			r.observer = observer
		}
	}
}

func WithGrace(grace GraceConfig) Option {
	return func(r *Repository) {
		r.grace = grace
	}
}

// WithUpstreamConsumption makes closeProduction debit the previous pipeline step.
func WithUpstreamConsumption(enabled bool) Option {
	return func(r *Repository) {
		r.consumeUpstream = enabled
	}
}

// Repository owns every durable write of the session lifecycle.
type Repository struct {
	db              *gorm.DB
	logger          cmtlog.Logger
	clock           func() time.Time
	uploader        Uploader
	publisher       Publisher
	observer        Observer
	consumeUpstream bool
	statuses        *lru.Cache[string, models.StatusDefinition]

	graceMu sync.RWMutex
	grace   GraceConfig
}

func NewRepository(logger cmtlog.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	statuses, err := lru.New[string, models.StatusDefinition](statusCacheSize)
	if err != nil {
		panic(err)
	}
	r := &Repository{
		logger:    logger.With("module", "repository"),
		clock:     time.Now,
		publisher: nopPublisher{},
		observer:  nopObserver{},
		grace:     DefaultGrace,
		statuses:  statuses,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConnectDB opens the database, retrying while it is not reachable yet.
func (r *Repository) ConnectDB(driver, dsn string, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := range attempts {
		r.logger.Info("Connection attempt", "attempt", i+1, "driver", driver)
		db, err := openDB(driver, dsn)
		if err == nil {
			r.db = db
			r.logger.Info("Connected to database", "driver", driver)
			return nil
		}
		lastErr = err
		r.logger.Error("Connection attempt failed", "attempt", i+1, "err", err)
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("connect %s after %d attempts: %w", driver, attempts, lastErr)
}

func openDB(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	switch driver {
	case DriverPostgres, "":
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := sqlDB.Ping(); err != nil {
			return nil, err
		}
		return db, nil
	case DriverSqlite:
		db, err := gorm.Open(sqlite.Open(sqliteDSN(dsn)), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers; one connection keeps transactions from failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(dsn string) string {
	params := []string{"_foreign_keys=1", "_busy_timeout=5000"}
	for _, p := range params {
		key := strings.SplitN(p, "=", 2)[0]
		if strings.Contains(dsn, key+"=") {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	return dsn
}

// Close releases the database connection
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database not connected")
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates the schema and makes sure the built-in status definitions exist.
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Worker{},
		&models.Station{},
		&models.Job{},
		&models.JobItem{},
		&models.JobItemStep{},
		&models.WipBalance{},
		&models.StatusDefinition{},
		&models.Session{},
		&models.StatusEvent{},
		&models.Report{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	defaults := models.DefaultStatusDefinitions()
	if err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
		return fmt.Errorf("ensure status definitions: %w", err)
	}
	r.statuses.Purge()

	r.logger.Info("Database migration completed successfully")
	return nil
}

// Seed inserts a small demo floor: three workers, two stations and a two-step job.
func (r *Repository) Seed() error {
	var workerCount int64
	if err := r.db.Model(&models.Worker{}).Count(&workerCount).Error; err != nil {
		return err
	}
	if workerCount > 0 {
		r.logger.Info("Seed data already exists, skipping...")
		return nil
	}

	r.logger.Info("Seeding database with initial data...")

	workers := []models.Worker{
		{ID: "W-001", Name: "Dana Levi", Role: "operator"},
		{ID: "W-002", Name: "Omer Katz", Role: "operator"},
		{ID: "W-003", Name: "Noa Ben-David", Role: "shift_lead"},
	}
	stations := []models.Station{
		{ID: "ST-CUT", Name: "Laser Cutter 1", Type: "cutting", IsActive: true},
		{ID: "ST-BEND", Name: "Press Brake 2", Type: "bending", IsActive: true},
	}
	job := models.Job{ID: "JOB-1001", JobNumber: "1001", CustomerName: "Acme Enclosures"}
	item := models.JobItem{ID: "JI-1001-A", JobID: job.ID, Name: "Front panel", PlannedQuantity: 500}
	steps := []models.JobItemStep{
		{ID: "JIS-1001-A-1", JobItemID: item.ID, Position: 1, StationID: "ST-CUT"},
		{ID: "JIS-1001-A-2", JobItemID: item.ID, Position: 2, StationID: "ST-BEND", IsTerminal: true},
	}
	balances := []models.WipBalance{
		{JobItemStepID: steps[0].ID},
		{JobItemStepID: steps[1].ID},
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, v := range []any{&workers, &stations, &job, &item, &steps, &balances} {
			if err := tx.Create(v).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetGrace replaces the grace configuration; it applies to the next operation.
func (r *Repository) SetGrace(grace GraceConfig) {
	r.graceMu.Lock()
	defer r.graceMu.Unlock()
	r.grace = grace
	r.logger.Info("Grace configuration updated", "window", grace.Window, "soft", grace.Soft)
}

func (r *Repository) Grace() GraceConfig {
	r.graceMu.RLock()
	defer r.graceMu.RUnlock()
	return r.grace
}

// now is truncated to what every supported database stores losslessly.
func (r *Repository) now() time.Time {
	return r.clock().UTC().Truncate(time.Microsecond)
}

// txn carries one transaction and the side effects to run once it committed.
type txn struct {
	db          *gorm.DB
	now         time.Time
	grace       GraceConfig
	events      []eventbus.Event
	afterCommit []func()
	// result is returned to the caller after a successful commit.
	result *RepositoryError
}

func (t *txn) publish(ev eventbus.Event) {
	t.events = append(t.events, ev)
}

func (t *txn) onCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

// commitWith keeps the writes made so far and still reports err to the caller.
// Lazy abandonment uses it so the abandonment survives the failed request.
func (t *txn) commitWith(err *RepositoryError) *RepositoryError {
	t.result = err
	return nil
}

// inTx runs fn in a database transaction. Returning an error from fn rolls everything back.
func (r *Repository) inTx(ctx context.Context, fn func(t *txn) *RepositoryError) *RepositoryError {
	dbTx := r.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return dbError(dbTx.Error)
	}
	defer func() {
		if p := recover(); p != nil {
			dbTx.Rollback()
			panic(p)
		}
	}()

	t := &txn{db: dbTx, now: r.now(), grace: r.Grace()}
	if err := fn(t); err != nil {
		dbTx.Rollback()
		return err
	}

	if err := dbTx.Commit().Error; err != nil {
		r.logger.Error("Failed to commit transaction", "err", err)
		return newError(KindTransient, CodeCommitFailed, "Failed to commit transaction", err.Error())
	}

	for _, fn := range t.afterCommit {
		fn()
	}
	for _, ev := range t.events {
		r.publisher.Publish(ev)
	}
	return t.result
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
