package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/budget"
	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/heartbeat"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/stats"
)

// Config bounds the retry loop and the context window sent upstream.
type Config struct {
	// RetryBase is the first backoff delay; doubled each attempt.
	RetryBase time.Duration
	// RetryMax caps any single backoff delay.
	RetryMax time.Duration
	// MaxRetries is the number of retries after the initial attempt,
	// per target.
	MaxRetries int
	// DefaultTimeout bounds a single upstream call when the tier does not
	// set its own.
	DefaultTimeout time.Duration
	// MaxTurns is the number of prior session messages forwarded upstream.
	MaxTurns int
}

// DefaultConfig returns the production retry and context settings.
func DefaultConfig() Config {
	return Config{
		RetryBase:      time.Second,
		RetryMax:       30 * time.Second,
		MaxRetries:     3,
		DefaultTimeout: 60 * time.Second,
		MaxTurns:       20,
	}
}

// Deps is the component graph a dispatcher orchestrates. Engine, Enforcer,
// and Ledger are required; nil observability deps are replaced with working
// defaults.
type Deps struct {
	Engine     *router.Engine
	Enforcer   *budget.Enforcer
	Ledger     ledger.Store
	Sessions   *session.Store
	Breakers   *breaker.Registry
	Health     *health.Tracker
	Heartbeats *heartbeat.Tracker
	Callers    map[router.Tier]providers.Caller
	Bus        *events.Bus
	Metrics    *metrics.Registry
	Stats      *stats.Collector
	Logger     *slog.Logger
}

// Dispatcher runs the per-request pipeline: route, budget check, session
// snapshot, fallback-chain execution, spend recording, session append.
type Dispatcher struct {
	deps Deps
	cfg  Config

	inflight atomic.Int64

	newTaskID func() string
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func(d time.Duration) time.Duration
}

// Option overrides a dispatcher internal, for tests.
type Option func(*Dispatcher)

// WithTaskIDFunc replaces the task ID generator.
func WithTaskIDFunc(f func() string) Option {
	return func(d *Dispatcher) { d.newTaskID = f }
}

// WithSleepFunc replaces the backoff sleep.
func WithSleepFunc(f func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = f }
}

// WithJitterFunc replaces the backoff jitter.
func WithJitterFunc(f func(d time.Duration) time.Duration) Option {
	return func(d *Dispatcher) { d.jitter = f }
}

// New builds a dispatcher over its component graph.
func New(deps Deps, cfg Config, opts ...Option) *Dispatcher {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewCollector()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry()
	}
	if deps.Health == nil {
		deps.Health = health.NewTracker(health.DefaultConfig())
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewStore(session.DefaultTTL)
	}
	if deps.Heartbeats == nil {
		deps.Heartbeats = heartbeat.NewTracker(heartbeat.Config{}, deps.Bus, deps.Logger)
	}
	d := &Dispatcher{
		deps:      deps,
		cfg:       cfg,
		newTaskID: uuid.NewString,
		sleep:     sleepCtx,
		jitter: func(delay time.Duration) time.Duration {
			return time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// QueueDepth reports admitted tasks currently in flight. Wire this into the
// budget enforcer's queue gate.
func (d *Dispatcher) QueueDepth() int {
	return int(d.inflight.Load())
}

// Request is one inbound chat task.
type Request struct {
	Content    string
	SessionKey string
	Agent      string
	Model      string // explicit model override; empty = policy routing
	ProjectID  string
}

// Response is a completed dispatch.
type Response struct {
	TaskID        string
	Text          string
	Tier          router.Tier
	ModelName     string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	SessionKey    string
	HistoryLength int
	FellBack      bool
	LatencyMs     float64
	Decision      router.Decision
}

// Dispatch runs one task end to end. On success exactly one spend record is
// appended and, when a session key is present, the user and assistant turns
// are appended to the session. On failure the session is untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	taskID := d.newTaskID()
	logger := d.deps.Logger.With("task_id", taskID, "project_id", req.ProjectID)

	// Queue gate first: an overloaded gateway refuses before spending any
	// work on classification.
	limits := d.deps.Enforcer.LimitsFor(req.ProjectID)
	if limits.MaxQueueDepth > 0 {
		if depth := d.QueueDepth(); depth >= limits.MaxQueueDepth {
			ee := &budget.ExceededError{
				Gate: budget.GateQueue, ProjectID: req.ProjectID,
				QueueDepth: depth, QueueLimit: limits.MaxQueueDepth,
			}
			d.rejected(req.ProjectID, ee)
			return nil, &Error{Kind: KindBudgetExceeded, Detail: ee.Error(), Cause: ee}
		}
	}

	decision, err := d.deps.Engine.Route(req.Content, req.Model)
	if err != nil {
		return nil, &Error{Kind: KindBadRequest, Detail: err.Error(), Cause: err}
	}
	// An override pointing at an unavailable target falls back to policy
	// routing rather than failing the task.
	if req.Model != "" && !d.deps.Breakers.Available(string(decision.Tier)) {
		logger.Warn("model override target unavailable, using policy route",
			"override", req.Model, "tier", decision.Tier)
		decision, err = d.deps.Engine.Route(req.Content, "")
		if err != nil {
			return nil, &Error{Kind: KindInternal, Detail: err.Error(), Cause: err}
		}
	}

	spec, ok := d.deps.Engine.Pool().Tier(decision.Tier)
	if !ok {
		return nil, &Error{Kind: KindInternal, Detail: "routed to unregistered tier " + string(decision.Tier)}
	}
	estTokens := router.EstimateTokens(req.Content)
	verdict, err := d.deps.Enforcer.Check(ctx, req.ProjectID, router.EstimateCostUSD(spec, estTokens))
	if err != nil {
		var ee *budget.ExceededError
		if errors.As(err, &ee) {
			d.rejected(req.ProjectID, ee)
			return nil, &Error{Kind: KindBudgetExceeded, Detail: ee.Error(), Cause: err}
		}
		logger.Error("budget check failed", "error", err)
		return nil, &Error{Kind: KindInternal, Detail: "budget check failed", Cause: err}
	}
	if verdict.Outcome == budget.Warn {
		logger.Warn("budget warning",
			"gate", verdict.Gate, "limit_usd", verdict.LimitUSD, "spent_usd", verdict.SpentUSD)
		d.deps.Bus.Publish(events.Event{
			Type: events.EventBudgetWarning, TaskID: taskID, ProjectID: req.ProjectID,
			Gate: string(verdict.Gate), LimitUSD: verdict.LimitUSD, SpentUSD: verdict.SpentUSD,
		})
	}

	d.inflight.Add(1)
	d.deps.Metrics.QueueDepth.Inc()
	defer func() {
		d.inflight.Add(-1)
		d.deps.Metrics.QueueDepth.Dec()
	}()

	var sess *session.Session
	messages := make([]router.Message, 0, d.cfg.MaxTurns+1)
	if req.SessionKey != "" {
		sess = d.deps.Sessions.Load(req.SessionKey)
		messages = append(messages, sess.Recent(d.cfg.MaxTurns)...)
	}
	userMsg := router.Message{Role: "user", Content: req.Content}
	messages = append(messages, userMsg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.deps.Heartbeats.Register(taskID, req.ProjectID, cancel)
	defer d.deps.Heartbeats.Unregister(taskID)

	chain := d.deps.Engine.Pool().FallbackChain(decision.Tier)
	var causes []TargetError
	attempted, rateLimitedOnly := false, true

	for _, ts := range chain {
		target := string(ts.Tier)

		if ts.Tier != decision.Tier {
			// A fallback tier prices differently; re-check before calling.
			if _, err := d.deps.Enforcer.Check(ctx, req.ProjectID, router.EstimateCostUSD(ts, estTokens)); err != nil {
				var ee *budget.ExceededError
				if !errors.As(err, &ee) {
					logger.Error("budget check failed", "error", err)
					return nil, &Error{Kind: KindInternal, Detail: "budget check failed", Cause: err}
				}
				causes = append(causes, TargetError{Tier: target, Model: ts.ModelName, Class: "budget", Detail: ee.Error()})
				continue
			}
		}

		caller, ok := d.deps.Callers[ts.Tier]
		if !ok {
			logger.Error("no adapter for tier", "tier", target)
			causes = append(causes, TargetError{Tier: target, Model: ts.ModelName, Class: "internal", Detail: "no adapter configured"})
			continue
		}
		br := d.deps.Breakers.For(target)
		if !br.Allow() {
			causes = append(causes, TargetError{Tier: target, Model: ts.ModelName, Class: "breaker_open", Detail: "circuit open"})
			continue
		}

		attempted = true
		start := time.Now()
		res, cerr := d.callWithRetry(ctx, caller, ts, messages, taskID, logger)
		latencyMs := float64(time.Since(start).Milliseconds())

		if cerr != nil {
			if ctx.Err() != nil {
				// The caller gave up; not the target's fault.
				return nil, &Error{Kind: KindCancelled, Detail: ctx.Err().Error(), Cause: ctx.Err()}
			}
			br.RecordFailure()
			d.deps.Health.RecordError(target, cerr.Error())
			d.deps.Metrics.RequestsTotal.WithLabelValues(target, ts.ModelName, "error").Inc()
			d.deps.Stats.Record(stats.Snapshot{
				Timestamp: time.Now(), Tier: target, ModelName: ts.ModelName,
				LatencyMs: latencyMs, Success: false,
			})
			d.deps.Bus.Publish(events.Event{
				Type: events.EventDispatchError, TaskID: taskID, ProjectID: req.ProjectID,
				Tier: target, ModelName: ts.ModelName, LatencyMs: latencyMs,
				ErrorKind: string(cerr.Class), ErrorMsg: cerr.Error(),
			})
			logger.Warn("target failed", "tier", target, "class", cerr.Class, "error", cerr.Error())
			causes = append(causes, TargetError{Tier: target, Model: ts.ModelName, Class: string(cerr.Class), Detail: cerr.Error()})
			if cerr.Class != providers.ErrRateLimited {
				rateLimitedOnly = false
			}
			continue
		}

		return d.complete(ctx, completion{
			taskID: taskID, req: req, decision: decision, spec: ts,
			sess: sess, userMsg: userMsg, result: res, latencyMs: latencyMs,
			breaker: br, logger: logger,
		})
	}

	if ctx.Err() != nil {
		return nil, &Error{Kind: KindCancelled, Detail: ctx.Err().Error(), Cause: ctx.Err()}
	}
	kind := KindUpstreamFailed
	if attempted && rateLimitedOnly {
		kind = KindRateLimited
	}
	logger.Error("all targets exhausted", "targets", len(chain), "kind", kind)
	return nil, &Error{Kind: kind, Detail: "all targets failed", Targets: causes}
}

type completion struct {
	taskID    string
	req       Request
	decision  router.Decision
	spec      router.TierSpec
	sess      *session.Session
	userMsg   router.Message
	result    providers.Result
	latencyMs float64
	breaker   *breaker.Breaker
	logger    *slog.Logger
}

// complete performs the success bookkeeping: breaker, health, ledger,
// session, metrics, events. A ledger write failure is an internal error even
// though the upstream call already happened; enforcement must not drift from
// recorded reality.
func (d *Dispatcher) complete(ctx context.Context, c completion) (*Response, error) {
	target := string(c.spec.Tier)
	c.breaker.RecordSuccess()
	d.deps.Health.RecordSuccess(target, c.latencyMs)

	fellBack := c.spec.Tier != c.decision.Tier
	if fellBack {
		d.deps.Metrics.FallbacksTotal.WithLabelValues(string(c.decision.Tier), target).Inc()
		d.deps.Bus.Publish(events.Event{
			Type: events.EventDispatchFallback, TaskID: c.taskID, ProjectID: c.req.ProjectID,
			Tier: target, ModelName: c.spec.ModelName,
			Reason: "fell back from " + string(c.decision.Tier),
		})
	}

	cost := ledger.RoundUSD(router.CostUSD(c.spec, c.result.InputTokens, c.result.OutputTokens))
	rec := ledger.SpendRecord{
		Timestamp:    time.Now().UTC(),
		ProjectID:    c.req.ProjectID,
		TaskID:       c.taskID,
		Tier:         target,
		ModelName:    c.spec.ModelName,
		InputTokens:  c.result.InputTokens,
		OutputTokens: c.result.OutputTokens,
		CostUSD:      cost,
	}
	if err := d.deps.Ledger.Record(ctx, rec); err != nil {
		c.logger.Error("spend record failed", "cost_usd", cost, "error", err)
		return nil, &Error{Kind: KindInternal, Detail: "spend record failed", Cause: err}
	}
	d.deps.Enforcer.Invalidate(c.req.ProjectID)

	historyLength := 0
	if c.sess != nil {
		c.sess.Append(c.userMsg, router.Message{Role: "assistant", Content: c.result.Text})
		historyLength = c.sess.Len()
	}

	d.deps.Metrics.RequestsTotal.WithLabelValues(target, c.spec.ModelName, "success").Inc()
	d.deps.Metrics.RequestLatency.WithLabelValues(target, c.spec.ModelName).Observe(c.latencyMs)
	d.deps.Metrics.CostUSD.WithLabelValues(target, c.req.ProjectID).Add(cost)
	d.deps.Metrics.TokensTotal.WithLabelValues(target, "input").Add(float64(c.result.InputTokens))
	d.deps.Metrics.TokensTotal.WithLabelValues(target, "output").Add(float64(c.result.OutputTokens))
	d.deps.Stats.Record(stats.Snapshot{
		Timestamp: time.Now(), Tier: target, ModelName: c.spec.ModelName,
		LatencyMs: c.latencyMs, CostUSD: cost, Success: true,
		InputTokens: c.result.InputTokens, OutputTokens: c.result.OutputTokens,
	})
	d.deps.Bus.Publish(events.Event{
		Type: events.EventDispatchSuccess, TaskID: c.taskID, ProjectID: c.req.ProjectID,
		Tier: target, ModelName: c.spec.ModelName,
		LatencyMs: c.latencyMs, CostUSD: cost,
	})
	c.logger.Info("dispatch complete",
		"tier", target, "model", c.spec.ModelName, "fell_back", fellBack,
		"latency_ms", c.latencyMs, "cost_usd", cost,
		"tokens_in", c.result.InputTokens, "tokens_out", c.result.OutputTokens)

	return &Response{
		TaskID:        c.taskID,
		Text:          c.result.Text,
		Tier:          c.spec.Tier,
		ModelName:     c.spec.ModelName,
		InputTokens:   c.result.InputTokens,
		OutputTokens:  c.result.OutputTokens,
		CostUSD:       cost,
		SessionKey:    c.req.SessionKey,
		HistoryLength: historyLength,
		FellBack:      fellBack,
		LatencyMs:     c.latencyMs,
		Decision:      c.decision,
	}, nil
}

// callWithRetry attempts one target with exponential backoff. Rate-limit
// hints stretch the delay; auth and permanent errors abort immediately.
func (d *Dispatcher) callWithRetry(ctx context.Context, caller providers.Caller, spec router.TierSpec, msgs []router.Message, taskID string, logger *slog.Logger) (providers.Result, *providers.ClassifiedError) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := caller.Call(cctx, spec.ModelName, msgs, spec.MaxOutputTokens)
		cancel()
		d.deps.Heartbeats.Touch(taskID)

		if err == nil {
			return res, nil
		}
		cerr := caller.ClassifyError(err)
		if ctx.Err() != nil || !cerr.Retryable() || attempt >= d.cfg.MaxRetries {
			return providers.Result{}, cerr
		}

		delay := backoff(d.cfg.RetryBase, attempt, d.cfg.RetryMax)
		if cerr.Class == providers.ErrRateLimited && cerr.RetryAfter > 0 {
			if hint := time.Duration(cerr.RetryAfter) * time.Second; hint > delay {
				delay = min(hint, d.cfg.RetryMax)
			}
		}
		delay = d.jitter(delay)
		logger.Debug("retrying target",
			"tier", spec.Tier, "attempt", attempt+1, "delay", delay, "class", cerr.Class)
		if err := d.sleep(ctx, delay); err != nil {
			return providers.Result{}, cerr
		}
	}
}

func backoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

func (d *Dispatcher) rejected(project string, ee *budget.ExceededError) {
	d.deps.Metrics.BudgetRejects.WithLabelValues(string(ee.Gate)).Inc()
	d.deps.Bus.Publish(events.Event{
		Type: events.EventBudgetRejected, ProjectID: project,
		Gate: string(ee.Gate), LimitUSD: ee.LimitUSD, SpentUSD: ee.SpentUSD,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
