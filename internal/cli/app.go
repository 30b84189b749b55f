package cli

import (
	"fmt"

	"council/internal/cache"
	"council/internal/config"
	"council/internal/logging"
	"council/internal/models"
	"council/internal/notify"
	"council/internal/orchestrator"
	"council/internal/store"
)

// app is the wired object graph behind every command
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	client   *models.Resilient
	orch     *orchestrator.Orchestrator
	cache    *cache.Cache // nil when caching is disabled
	notifier *notify.Client
}

// EndpointFactory builds the raw model backend from config
type EndpointFactory func(cfg *config.Config) models.Endpoint

func defaultEndpoint(cfg *config.Config) models.Endpoint {
	return models.NewRegistry(cfg)
}

func newApp(cfg *config.Config, log *logging.Logger, endpoint models.Endpoint, resilientOpts ...models.ResilientOption) *app {
	breakers := models.NewBreakers(models.CircuitConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout(),
	})
	breakers.OnTransition = func(model string, from, to models.CircuitState) {
		log.Warn("circuit transition", "model", model, "from", from.String(), "to", to.String())
	}

	retry := models.RetryConfig{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.InitialDelay(),
		Base:         cfg.Retry.Base,
		MaxDelay:     cfg.MaxDelay(),
		Jitter:       cfg.Retry.Jitter,
	}
	opts := append([]models.ResilientOption{models.WithLogger(log)}, resilientOpts...)
	client := models.NewResilient(endpoint, breakers, retry, opts...)

	orch := orchestrator.New(client, orchestrator.SettingsFromConfig(cfg), orchestrator.WithLogger(log))

	a := &app{
		cfg:      cfg,
		log:      log,
		client:   client,
		orch:     orch,
		notifier: notify.New(cfg.Notify.WebhookURL, log),
	}
	if cfg.Cache.Enabled {
		a.cache = cache.New(orch, cfg.Cache.Size, cfg.CacheTTL(), log)
	}
	return a
}

// runner is the cache when enabled, else the orchestrator itself
func (a *app) runner() cache.Runner {
	if a.cache != nil {
		return a.cache
	}
	return a.orch
}

func (a *app) openStore() (*store.Store, error) {
	path, err := a.cfg.StorePath()
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return s, nil
}
