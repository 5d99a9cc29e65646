package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/oscillatelabsllc/skyth/internal/auth"
	"github.com/oscillatelabsllc/skyth/internal/collab"
	"github.com/oscillatelabsllc/skyth/internal/config"
	"github.com/oscillatelabsllc/skyth/internal/db"
	"github.com/oscillatelabsllc/skyth/internal/discover"
	"github.com/oscillatelabsllc/skyth/internal/llm"
	"github.com/oscillatelabsllc/skyth/internal/logging"
	"github.com/oscillatelabsllc/skyth/internal/memory"
	"github.com/oscillatelabsllc/skyth/internal/pipeline"
	"github.com/oscillatelabsllc/skyth/internal/router"
	"github.com/oscillatelabsllc/skyth/internal/secrets"
)

// app holds the wired components shared by the serve and mcp commands
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *db.Store
	llm        *llm.Client
	router     *router.Router
	dispatcher *pipeline.Dispatcher
	memory     *memory.Builder
	extractor  *memory.Extractor
	discover   *discover.Service
	auth       *auth.Service
}

// loadConfig reads the config and builds the root logger
func loadConfig(logOut io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// openStore opens the configured store. Without a session secret the
// knowledge vault and stored OAuth tokens are unavailable.
func openStore(cfg *config.Config, log zerolog.Logger) (*db.Store, error) {
	opts := []db.Option{db.WithLogger(log)}

	sealer, err := secrets.NewSealer(cfg.Auth.SessionSecret)
	switch {
	case errors.Is(err, secrets.ErrNoKey):
		log.Warn().Msg("auth.session_secret is not set; knowledge vault disabled")
	case err != nil:
		return nil, err
	default:
		opts = append(opts, db.WithSealer(sealer))
	}

	store, err := db.NewStore(cfg.Store.Driver, cfg.Store.Path, opts...)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newApp(logOut io.Writer) (*app, error) {
	cfg, log, err := loadConfig(logOut)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	client := llm.NewClient(cfg.LLM, cfg.TTS, log)
	models := client.Models()

	search := collab.NewWebSearch(cfg.Collab.SearchURL, cfg.Collab.NewsURL, cfg.Collab.ScrapeTimeout)
	scraper := collab.NewScraper(cfg.Collab.ScrapeTimeout, cfg.Collab.MaxScrapeBytes)

	a := &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		llm:    client,
		memory: memory.NewBuilder(store, cfg.Memory.HistoryTurns, cfg.Memory.HistoryTokens),
		router: router.New(client, router.Config{
			Model:         models.Utility,
			Timeout:       cfg.LLM.RouterTimeout,
			HistoryTurns:  cfg.Router.HistoryTurns,
			HistoryTokens: cfg.Router.HistoryTokens,
		}, log),
	}

	deps := pipeline.Deps{
		LLM:           client,
		Search:        search,
		Scrape:        scraper,
		Stocks:        collab.NewStockRunner(cfg.Collab.StockCommand, cfg.Collab.StockTimeout),
		ImageFallback: collab.NewImageFallback(cfg.Collab.ImageFallbackURL, cfg.Collab.ScrapeTimeout),
		Store:         store,
		Voices:        cfg.TTS.Voices,
		Cache:         cfg.Cache,
		SpeechTimeout: cfg.LLM.CallTimeout,
		Log:           log,
	}
	if cfg.Memory.Extract {
		a.extractor = memory.NewExtractor(client, store, models.Utility, cfg.LLM.CallTimeout, log)
		deps.Extractor = a.extractor
	}
	a.dispatcher = pipeline.NewDispatcher(deps)
	a.discover = discover.NewService(search, scraper, a.dispatcher.Caches(), log)

	a.auth, err = auth.NewService(cfg.Auth, cfg.Server.BaseURL, store, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to configure auth: %w", err)
	}

	return a, nil
}

// Close waits for background extraction and closes the store
func (a *app) Close() error {
	if a.extractor != nil {
		a.extractor.Wait()
	}
	return a.store.Close()
}
