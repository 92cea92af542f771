package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aschepis/backscratcher/bluechat/chat"
	"github.com/aschepis/backscratcher/bluechat/config"
	"github.com/aschepis/backscratcher/bluechat/conversations"
	"github.com/aschepis/backscratcher/bluechat/imagegen"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/llm/ollama"
	"github.com/aschepis/backscratcher/bluechat/llm/openai"
	"github.com/aschepis/backscratcher/bluechat/llm/transport"
	bclogger "github.com/aschepis/backscratcher/bluechat/logger"
	"github.com/aschepis/backscratcher/bluechat/migrations"
	"github.com/aschepis/backscratcher/bluechat/ratelimit"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	logClose io.Closer
	db       *sql.DB
	store    *conversations.Store
	sqlStore *ratelimit.SQLStore // nil unless the sqlite backend is selected
	limiter  ratelimit.Limiter
}

func newApp(opts *globalOptions) (*app, error) {
	configPath := opts.configPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if opts.userID != "" {
		cfg.Chat.UserID = opts.userID
	}
	logFile := cfg.Logging.File
	if opts.logFile != "" {
		logFile = opts.logFile
	}

	logger, logClose, err := bclogger.InitWithOptions(bclogger.Options{
		File:   logFile,
		Pretty: opts.pretty,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, logClose: logClose}
	if err := a.openDatabase(); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.initLimiter(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openDatabase() error {
	path := a.cfg.Database.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	a.logger.Info().Str("path", path).Msg("Opening database")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	a.db = db

	if err := migrations.RunMigrations(db, a.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	a.store = conversations.NewStore(db)
	return nil
}

func (a *app) initLimiter() error {
	switch a.cfg.RateLimits.Backend {
	case config.RateLimitNone:
		a.limiter = ratelimit.Unlimited{}
	case config.RateLimitSupabase:
		rpc := transport.NewClient(a.logger, a.cfg.TransportOptions())
		c, err := ratelimit.NewSupabaseClient(a.cfg.RateLimits.SupabaseURL, a.cfg.RateLimits.SupabaseKey, rpc, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create supabase limiter: %w", err)
		}
		a.limiter = c
	default:
		a.sqlStore = ratelimit.NewSQLStore(a.db, a.cfg.Limits(), a.logger)
		a.limiter = a.sqlStore
	}
	return nil
}

// orchestrator builds the chat orchestrator. A missing AIML key leaves the
// primary provider unconfigured, so primary models fall back immediately.
func (a *app) orchestrator() (*chat.Orchestrator, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	tr := transport.NewClient(a.logger, a.cfg.TransportOptions())

	var primary llm.Client
	if a.cfg.Providers.AIML.APIKey != "" {
		c, err := openai.NewClient(openai.Config{
			Name:    llm.ProviderAIML,
			APIKey:  a.cfg.Providers.AIML.APIKey,
			BaseURL: a.cfg.Providers.AIML.BaseURL,
		}, tr, a.logger)
		if err != nil {
			return nil, err
		}
		primary = c
	} else {
		a.logger.Warn().Msg("AIML_API_KEY not set, primary model requests will use the fallback provider")
	}

	secondary, err := a.secondaryClient(tr)
	if err != nil {
		return nil, err
	}

	opts := []chat.Option{chat.WithLogger(a.logger)}
	if a.cfg.Pacing.Disabled {
		opts = append(opts, chat.WithoutPacing())
	} else {
		opts = append(opts, chat.WithPacing(a.cfg.Pacing.Interval, a.cfg.Pacing.CoalesceThreshold))
	}
	return chat.New(primary, secondary, a.limiter, opts...)
}

func (a *app) secondaryClient(tr *transport.Client) (llm.Client, error) {
	if a.cfg.Providers.Secondary == config.SecondaryOllama {
		return ollama.NewClient(ollama.Config{
			Host:      a.cfg.Providers.Ollama.Host,
			ModelTags: a.cfg.Providers.Ollama.ModelTags,
		}, &http.Client{Timeout: a.cfg.Transport.Timeout}, a.logger)
	}
	return openai.NewClient(openai.Config{
		Name:    llm.ProviderGroq,
		APIKey:  a.cfg.Providers.Groq.APIKey,
		BaseURL: a.cfg.Providers.Groq.BaseURL,
		Model:   a.cfg.Chat.FallbackModel,
	}, tr, a.logger)
}

func (a *app) imageService(backend string) (*imagegen.Service, error) {
	if backend != "" {
		a.cfg.Images.Backend = backend
	}
	if err := a.cfg.ValidateImages(); err != nil {
		return nil, err
	}

	tr := transport.NewClient(a.logger, transport.Options{
		Timeout:        transport.DefaultImageTimeout,
		MaxRetries:     a.cfg.Transport.MaxRetries,
		RetryBaseDelay: a.cfg.Transport.RetryBaseDelay,
	})

	var b imagegen.Backend
	var err error
	switch a.cfg.Images.Backend {
	case config.ImageBackendReplicate:
		b, err = imagegen.NewReplicateBackend(a.cfg.Providers.Replicate.APIKey, a.cfg.Providers.Replicate.BaseURL, tr, a.logger)
	case config.ImageBackendAIML:
		b, err = imagegen.NewAIMLBackend(a.cfg.Providers.AIML.APIKey, a.cfg.Providers.AIML.BaseURL, tr, a.logger)
	default:
		err = fmt.Errorf("unknown image backend %q", a.cfg.Images.Backend)
	}
	if err != nil {
		return nil, err
	}
	return imagegen.NewService(b, a.limiter, a.logger)
}

func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.logClose != nil {
		errs = append(errs, a.logClose.Close())
	}
	return errors.Join(errs...)
}
