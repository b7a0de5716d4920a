package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xaenox/copilot-chat/internal/chat"
	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/importer"
	"github.com/xaenox/copilot-chat/internal/session"
	"github.com/xaenox/copilot-chat/internal/storage"
	"github.com/xaenox/copilot-chat/internal/titler"
	"github.com/xaenox/copilot-chat/pkg/config"
)

const localOwner = "local"

// app holds everything a command needs, wired once per invocation.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.Bus
	session *session.Session
	client  *copilot.Client
	storage storage.Storage
	titler  titler.Titler
}

func newApp(configPath string, debug, server bool) (*app, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := newLogger(debug || cfg.Features.EnableDebugLogging, server)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create logger")
	}

	a := &app{cfg: cfg, logger: logger, bus: events.NewBus()}

	a.session = session.New(session.Endpoints{
		TokenURL:    cfg.API.AuthTokenURL,
		RegisterURL: cfg.API.AuthRegisterURL,
	}, logger, session.WithFile(cfg.Session.File), session.WithBus(a.bus))
	if err := a.session.Restore(); err != nil {
		logger.Warn("Failed to restore session", zap.Error(err))
	}

	a.client = copilot.NewClient(copilot.Options{
		NetqueryURL:    cfg.API.NetqueryURL,
		HistoryURL:     cfg.API.HistoryURL,
		ChatAPIBaseURL: cfg.API.ChatAPIBaseURL,
		UploadURL:      cfg.API.UploadURL,
		StatusURL:      cfg.API.StatusURL,
		DataSourcesURL: cfg.API.DataSourcesURL,
		TenantID:       cfg.Query.TenantID,
		Debug:          cfg.Query.Debug,
		TopK:           cfg.Query.TopK,
		Synthesize:     cfg.Query.Synthesize,
		Timeout:        cfg.API.Timeout,
	}, a.session, logger)

	// Initialize storage
	if cfg.Database.UseInMemory {
		logger.Debug("Using in-memory storage")
		a.storage = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		a.storage, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to initialize storage")
		}
	}

	if cfg.OpenAI.APIKey != "" {
		a.titler = titler.NewGPTTitler(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.OpenAI.Temperature, logger)
	} else {
		a.titler = titler.NewSimpleTitler(titler.DefaultMaxLength)
	}

	return a, nil
}

func newLogger(debug, server bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if !server {
		// Interactive commands keep stderr quiet.
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

// newStore builds the thread store of owner over the shared storage.
func (a *app) newStore(owner string) *chat.Store {
	return chat.New(owner, a.storage, a.client, a.logger,
		chat.WithSession(a.session),
		chat.WithTitler(a.titler),
		chat.WithBus(a.bus),
		chat.WithMockData(a.cfg.Features.EnableMockData),
	)
}

// userStore is the store of the logged in user.
func (a *app) userStore() *chat.Store {
	owner := a.session.Username()
	if owner == "" {
		owner = localOwner
	}
	return a.newStore(owner)
}

func (a *app) newImporter(opts ...importer.Option) *importer.Importer {
	opts = append([]importer.Option{importer.WithPollInterval(a.cfg.Import.PollInterval)}, opts...)
	return importer.New(a.client, a.logger, opts...)
}

func (a *app) requireLogin() error {
	if !a.session.LoggedIn() {
		return errors.Wrapf(errors.ErrUnauthorized, "not logged in, run `copilot login` first")
	}
	return nil
}

func (a *app) close() {
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("Failed to close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
