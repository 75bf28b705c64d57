package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/budget"
	"github.com/modelrelay/modelrelay/internal/dispatch"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/heartbeat"
	"github.com/modelrelay/modelrelay/internal/httpapi"
	"github.com/modelrelay/modelrelay/internal/idempotency"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/providers/anthropic"
	"github.com/modelrelay/modelrelay/internal/providers/ollama"
	"github.com/modelrelay/modelrelay/internal/providers/openai"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/stats"
	"github.com/modelrelay/modelrelay/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store      *ledger.SQLite
	enforcer   *budget.Enforcer
	sessions   *session.Store
	heartbeats *heartbeat.Tracker
	prober     *health.Prober
	limiter    *ratelimit.Limiter
	idem       *idempotency.Cache
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	traceShutdown func(context.Context) error
	stop          chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "modelrelay",
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := events.NewBus()

	// Open the spend ledger and the key store over the same database.
	store, err := ledger.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	keyStore := auth.NewStore(store.DB())
	if err := keyStore.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	keys := auth.NewManager(keyStore)
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	breakers := breaker.NewRegistry(
		breaker.WithThreshold(cfg.BreakerThreshold),
		breaker.WithCooldown(time.Duration(cfg.BreakerCooldownSecs)*time.Second),
		breaker.WithOnStateChange(func(target string, from, to breaker.State) {
			m.ObserveBreaker(target, int(to))
			bus.Publish(events.Event{
				Type:     events.EventBreakerChange,
				Target:   target,
				OldState: from.String(),
				NewState: to.String(),
			})
		}),
	)

	pool := router.NewPool()
	pool.SetHealthChecker(breakers)
	callers, probeTargets := registerTiers(pool, cfg, logger)

	engine := router.NewEngine(pool, router.EngineConfig{
		CacheSize: cfg.RouteCacheSize,
		CacheTTL:  time.Duration(cfg.RouteCacheTTLSecs) * time.Second,
		OnCacheLookup: func(hit bool) {
			result := "miss"
			if hit {
				result = "hit"
			}
			m.CacheHits.WithLabelValues(result).Inc()
		},
	}, logger)

	healthTracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	var prober *health.Prober
	if cfg.ProbesEnabled && len(probeTargets) > 0 {
		pc := health.DefaultProberConfig()
		pc.Interval = time.Duration(cfg.ProbeIntervalSecs) * time.Second
		prober = health.NewProber(pc, healthTracker, probeTargets, logger)
		prober.Start()
	}

	heartbeats := heartbeat.NewTracker(heartbeat.Config{
		ReapInterval: time.Duration(cfg.HeartbeatReapSecs) * time.Second,
		StaleAfter:   time.Duration(cfg.HeartbeatStaleSecs) * time.Second,
		TimeoutAfter: time.Duration(cfg.HeartbeatTimeoutSecs) * time.Second,
	}, bus, logger)
	heartbeats.Start()

	sessions := session.NewStore(time.Duration(cfg.SessionTTLSecs) * time.Second)
	collector := stats.NewCollector()

	overrides, err := cfg.ProjectOverrides()
	if err != nil {
		store.Close()
		return nil, err
	}

	// The enforcer's queue gate reads the dispatcher's in-flight count;
	// the dispatcher consults the enforcer. Break the cycle with a closure.
	var dispatcher *dispatch.Dispatcher
	enforcer := budget.NewEnforcer(store, cfg.DefaultLimits(), func() int {
		return dispatcher.QueueDepth()
	})
	for project, l := range overrides {
		enforcer.SetOverride(project, l)
	}

	dispatcher = dispatch.New(dispatch.Deps{
		Engine:     engine,
		Enforcer:   enforcer,
		Ledger:     store,
		Sessions:   sessions,
		Breakers:   breakers,
		Health:     healthTracker,
		Heartbeats: heartbeats,
		Callers:    callers,
		Bus:        bus,
		Metrics:    m,
		Stats:      collector,
		Logger:     logger,
	}, dispatch.Config{
		RetryBase:      time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		MaxRetries:     cfg.MaxRetries,
		DefaultTimeout: time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		MaxTurns:       cfg.SessionMaxTurns,
	})

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimitRejects))
	idem := idempotency.New(time.Duration(cfg.IdempotencyTTLSecs)*time.Second, 10000)

	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.OtelEnabled {
		r.Use(tracing.Middleware())
	}
	r.Use(limiter.Middleware)
	r.Use(idempotency.Middleware(idem))
	if cfg.AuthEnabled {
		r.Use(auth.Middleware(keys, logger, "/health", "/healthz", "/metrics"))
	}

	s := &Server{
		cfg:           cfg,
		r:             r,
		store:         store,
		enforcer:      enforcer,
		sessions:      sessions,
		heartbeats:    heartbeats,
		prober:        prober,
		limiter:       limiter,
		idem:          idem,
		bus:           bus,
		dispatcher:    dispatcher,
		logger:        logger,
		traceShutdown: traceShutdown,
		stop:          make(chan struct{}),
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Dispatcher: dispatcher,
		Engine:     engine,
		Enforcer:   enforcer,
		Ledger:     store,
		Sessions:   sessions,
		Breakers:   breakers,
		Health:     healthTracker,
		Heartbeats: heartbeats,
		Metrics:    m,
		EventBus:   bus,
		Stats:      collector,
		Keys:       keys,
		Logger:     logger,
		Subsystems: s.subsystems,
	}, cfg.AdminToken)

	go s.consumeReaperEvents(m)
	go s.pruneStatsLoop(collector)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies the settings that can change without a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	if overrides, err := cfg.ProjectOverrides(); err == nil {
		for project, l := range overrides {
			s.enforcer.SetOverride(project, l)
		}
	} else {
		s.logger.Error("project limit reload failed", "error", err)
	}
	s.cfg.LogLevel = cfg.LogLevel
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

func (s *Server) Close() error {
	close(s.stop)
	if s.prober != nil {
		s.prober.Stop()
	}
	s.heartbeats.Stop()
	s.sessions.Stop()
	s.limiter.Stop()
	s.idem.Stop()
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.traceShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Server) subsystems() map[string]string {
	out := make(map[string]string, 2)
	if err := s.store.DB().Ping(); err != nil {
		out["ledger"] = "error"
	} else {
		out["ledger"] = "ok"
	}
	out["event_bus"] = "ok"
	return out
}

// consumeReaperEvents mirrors stale/timeout events onto the reap counter.
func (s *Server) consumeReaperEvents(m *metrics.Registry) {
	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case <-s.stop:
			return
		case e := <-sub.C:
			switch e.Type {
			case events.EventTaskStale:
				m.HeartbeatReaps.WithLabelValues("stale").Inc()
			case events.EventTaskTimeout:
				m.HeartbeatReaps.WithLabelValues("timeout").Inc()
			}
		}
	}
}

func (s *Server) pruneStatsLoop(c *stats.Collector) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			c.Prune()
		}
	}
}

// tierDefaults describes one tier's model choices per provider. The
// anthropic entry wins when both credentials are present.
type tierDefaults struct {
	tier      router.Tier
	display   string
	anthropic tierModel
	openai    tierModel
	maxCtx    int
	maxOutput int
}

type tierModel struct {
	model   string
	inMTok  float64
	outMTok float64
}

var cloudTiers = []tierDefaults{
	{
		tier: router.TierEconomy, display: "Economy",
		anthropic: tierModel{"claude-3-5-haiku-latest", 0.80, 4.00},
		openai:    tierModel{"gpt-4o-mini", 0.15, 0.60},
		maxCtx:    128000, maxOutput: 2048,
	},
	{
		tier: router.TierStandard, display: "Standard",
		anthropic: tierModel{"claude-sonnet-4-20250514", 3.00, 15.00},
		openai:    tierModel{"gpt-4o", 2.50, 10.00},
		maxCtx:    200000, maxOutput: 4096,
	},
	{
		tier: router.TierPremium, display: "Premium",
		anthropic: tierModel{"claude-opus-4-1", 15.00, 75.00},
		openai:    tierModel{"o1", 15.00, 60.00},
		maxCtx:    200000, maxOutput: 8192,
	},
}

// registerTiers fills the pool from the configured provider credentials and
// returns the per-tier callers plus the endpoints to health-probe. Adapter
// IDs are tier names so breakers, health, and probes share one key space.
func registerTiers(pool *router.Pool, cfg Config, logger *slog.Logger) (map[router.Tier]providers.Caller, []health.Probeable) {
	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	callers := make(map[router.Tier]providers.Caller)
	var targets []health.Probeable

	for _, td := range cloudTiers {
		spec := router.TierSpec{
			Tier:            td.tier,
			DisplayName:     td.display,
			MaxContext:      td.maxCtx,
			MaxOutputTokens: td.maxOutput,
		}
		switch {
		case cfg.AnthropicAPIKey != "":
			spec.ModelName = td.anthropic.model
			spec.InputPerMTok = td.anthropic.inMTok
			spec.OutputPerMTok = td.anthropic.outMTok
			spec.Endpoint = cfg.AnthropicBaseURL
			spec.Enabled = true
			a := anthropic.New(string(td.tier), cfg.AnthropicAPIKey, cfg.AnthropicBaseURL,
				anthropic.WithTimeout(timeout))
			callers[td.tier] = a
			targets = append(targets, a)
		case cfg.OpenAIAPIKey != "":
			spec.ModelName = td.openai.model
			spec.InputPerMTok = td.openai.inMTok
			spec.OutputPerMTok = td.openai.outMTok
			spec.Endpoint = cfg.OpenAIBaseURL
			spec.Enabled = true
			a := openai.New(string(td.tier), cfg.OpenAIAPIKey, cfg.OpenAIBaseURL,
				openai.WithTimeout(timeout))
			callers[td.tier] = a
			targets = append(targets, a)
		default:
			// No cloud credential: keep the tier visible but disabled.
			spec.ModelName = td.anthropic.model
			spec.InputPerMTok = td.anthropic.inMTok
			spec.OutputPerMTok = td.anthropic.outMTok
		}
		pool.RegisterTier(spec)
		if spec.Enabled {
			logger.Info("registered tier",
				slog.String("tier", string(td.tier)),
				slog.String("model", spec.ModelName))
		}
	}

	local := router.TierSpec{
		Tier:            router.TierLocal,
		DisplayName:     "Local",
		ModelName:       "llama3.1:8b",
		MaxContext:      8192,
		MaxOutputTokens: 2048,
	}
	if cfg.OllamaEndpoint != "" {
		local.Endpoint = cfg.OllamaEndpoint
		local.Enabled = true
		a := ollama.New(string(router.TierLocal), cfg.OllamaEndpoint,
			ollama.WithTimeout(timeout))
		callers[router.TierLocal] = a
		targets = append(targets, a)
		logger.Info("registered tier",
			slog.String("tier", string(router.TierLocal)),
			slog.String("model", local.ModelName))
	}
	pool.RegisterTier(local)

	return callers, targets
}
