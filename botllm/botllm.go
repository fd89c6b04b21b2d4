package botllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// Version is the current version of the bot (set via ldflags)
	Version = "dev"

	// CommitSHA is the git commit the binary was built from (set via ldflags)
	CommitSHA = ""

	// BuildTime is the time the binary was built (set via ldflags)
	BuildTime = ""
)

// BotLLM is the top-level bot instance, wiring the settings store,
// credential pool, cooldown limiter, conversation history, and the
// admin API together.
type BotLLM struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	store   *SettingsStore
	pool    *CredentialPool
	limiter *CooldownLimiter
	history *ConversationLog
	fetcher *AttachmentFetcher

	db      *gorm.DB
	writeDB DBI

	api *API

	runMu sync.Mutex

	// signalReady is sent on once Run has finished initializing
	signalReady chan struct{}

	// signalStop triggers a graceful shutdown when sent on
	signalStop chan struct{}

	startedAt time.Time
}

// New creates a BotLLM instance from the given static config. The
// settings store, cooldown limiter, and credential pool are initialized
// here; the database and admin API are initialized in [BotLLM.Run].
func New(config *Config) (*BotLLM, error) {
	var errs []error

	if config == nil {
		return nil, errors.New("nil config")
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Model == nil {
		config.Model = DefaultConfig().Model
	}
	if config.Model.FallbackReply == "" {
		config.Model.FallbackReply = DefaultFallbackReply
	}

	b := &BotLLM{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
		history:     NewConversationLog(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.store = NewSettingsStore(config.SettingsFile, b.logger)
	b.limiter = NewCooldownLimiter(b.logger)
	b.fetcher = NewAttachmentFetcher(
		&http.Client{Timeout: config.DownloadTimeout},
		b.logger,
	)
	b.pool = NewCredentialPool(
		b.store,
		config.Model.Name,
		config.Model.MaxRequestsPerSecond,
		config.HTTPClient,
		newLogger("model", config.Model.LogLevel),
	)

	api, err := newAPI(b, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	b.api = api

	return b, errors.Join(errs...)
}

func (b *BotLLM) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// SettingsStore exposes the runtime settings store, mainly for the
// platform layer embedding this bot.
func (b *BotLLM) SettingsStore() *SettingsStore {
	return b.store
}

func (b *BotLLM) initDB(ctx context.Context) error {
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(
		slog.New(handler),
		b.config.DatabaseSlowThreshold,
	)

	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return pragmaErr
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&ChatRecord{}); err != nil {
		return err
	}
	return txn.Commit().Error
}

// Run starts the bot: validates the config, initializes the database
// and settings store, and serves the admin API. It blocks until the
// context is canceled or [BotLLM.Stop] is called, then shuts down
// gracefully within [Config.ShutdownTimeout].
func (b *BotLLM) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	if err := b.initDB(startCtx); err != nil {
		startCancel()
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	startCancel()

	// settings load eagerly so a corrupt file is rewritten at startup
	// rather than on the first request
	global := b.store.Global()
	logger.InfoContext(ctx, "loaded settings", "global", global)
	b.pool.SyncCursor()

	g, runtimeCtx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			httpErr := b.api.Serve(runtimeCtx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(
					runtimeCtx,
					"error serving api HTTP",
					tint.Err(httpErr),
				)
				return httpErr
			}
			return nil
		},
	)
	g.Go(
		func() error {
			<-runtimeCtx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(),
				b.config.ShutdownTimeout,
			)
			defer shutdownCancel()
			return b.api.Shutdown(shutdownCtx)
		},
	)

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready", "listen", b.config.API.Listen)

	err := g.Wait()

	if b.db != nil {
		if sqlDB, dbErr := b.db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
	}
	logger.Info("shutdown complete")
	return err
}

// Stop triggers a graceful shutdown of a running bot.
func (b *BotLLM) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// UpdateGlobalSettings applies a partial update to the global settings
// and reconciles dependent state: the cooldown ledger is cleared when
// the rate limit changes or chat is disabled, and the credential cursor
// is re-normalized against the (possibly resized) key sequence.
//
// A PersistenceError from the store does not skip the reconciliation:
// the in-memory update already took effect, so dependent state must
// follow it regardless of whether the durable write succeeded.
func (b *BotLLM) UpdateGlobalSettings(
	ctx context.Context,
	update GlobalSettingsUpdate,
) (GlobalSettings, error) {
	updated, change, err := b.store.UpdateGlobal(update)

	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = b.logger
	}
	if change.RateLimitChanged || change.ChatDisabled {
		log.InfoContext(
			ctx,
			"clearing cooldowns",
			"rate_limit_changed", change.RateLimitChanged,
			"chat_disabled", change.ChatDisabled,
		)
		b.limiter.Clear()
	}
	b.pool.SyncCursor()
	return updated, err
}

// AddAPIKey appends a key to the credential rotation. The cursor is
// re-synced even when persisting the new sequence failed, since the
// in-memory sequence already grew.
func (b *BotLLM) AddAPIKey(key string) (GlobalSettings, error) {
	updated, err := b.store.AddKey(key)
	if err != nil && !isPersistenceError(err) {
		return updated, err
	}
	b.pool.SyncCursor()
	return updated, err
}

// RemoveAPIKey removes the key at the given rotation index, evicting
// its cached client. Eviction and cursor re-sync happen even when
// persisting the shrunken sequence failed, since the in-memory
// sequence already shrank.
func (b *BotLLM) RemoveAPIKey(index int) (GlobalSettings, string, error) {
	updated, removed, err := b.store.RemoveKeyAt(index)
	if err != nil && !isPersistenceError(err) {
		return updated, removed, err
	}
	b.pool.Invalidate(removed)
	b.pool.SyncCursor()
	return updated, removed, err
}

func isPersistenceError(err error) bool {
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}
