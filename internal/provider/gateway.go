package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/errs"
	"github.com/stellarlinkco/bennet/internal/logging"
	"golang.org/x/time/rate"
)

// RetryPolicy controls how the gateway retries a failed backend call.
type RetryPolicy struct {
	MaxRetries     int
	Initial        time.Duration
	Multiplier     float64
	MaxInterval    time.Duration
	RateLimitDelay time.Duration
}

type GatewayOptions struct {
	Default string
	// Requests per Window allowed for each backend. Zero disables limiting.
	Requests int
	Window   time.Duration
	Retry    RetryPolicy
	// Timeout bounds one backend attempt.
	Timeout time.Duration
	Logger  zerolog.Logger
	// Sleep replaces the retry wait; tests use it to skip real delays.
	Sleep func(ctx context.Context, d time.Duration) bool
}

type limitedBackend struct {
	Backend
	limiter *rate.Limiter
}

// Gateway routes requests to named backends.
type Gateway struct {
	mu       sync.RWMutex
	backends map[string]*limitedBackend
	def      string
	opts     GatewayOptions
	logger   zerolog.Logger
}

func NewGateway(opts GatewayOptions, backends ...Backend) (*Gateway, error) {
	if len(backends) == 0 {
		return nil, errs.New(errs.ErrConfig, "create provider gateway", "no backends configured")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 1.5
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = time.Second
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = time.Minute
	}
	g := &Gateway{
		backends: make(map[string]*limitedBackend, len(backends)),
		opts:     opts,
		logger:   logging.For(opts.Logger, "provider"),
	}
	for _, b := range backends {
		if _, dup := g.backends[b.Name()]; dup {
			return nil, errs.New(errs.ErrConfig, "create provider gateway", "duplicate backend %q", b.Name())
		}
		g.backends[b.Name()] = &limitedBackend{Backend: b, limiter: newLimiter(opts.Requests, opts.Window)}
	}
	g.def = opts.Default
	if g.def == "" {
		g.def = backends[0].Name()
	}
	if _, ok := g.backends[g.def]; !ok {
		return nil, errs.New(errs.ErrConfig, "create provider gateway", "default backend %q not configured", g.def)
	}
	return g, nil
}

func newLimiter(requests int, window time.Duration) *rate.Limiter {
	if requests <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}

// FromConfig builds the gateway for cfg.Provider plus any fallbacks.
func FromConfig(cfg *config.Config, logger zerolog.Logger) (*Gateway, error) {
	var backends []Backend
	for _, pc := range append([]config.ProviderConfig{cfg.Provider}, cfg.Fallbacks...) {
		b, err := newBackend(pc, cfg.Agent)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return NewGateway(GatewayOptions{
		Default:  cfg.Provider.Type,
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window(),
		Timeout:  cfg.Provider.Timeout(),
		Retry: RetryPolicy{
			MaxRetries:     cfg.Retry.MaxRetries,
			Initial:        cfg.Retry.Initial(),
			Multiplier:     cfg.Retry.Multiplier,
			RateLimitDelay: cfg.Retry.RateLimitDelay(),
		},
		Logger: logger,
	}, backends...)
}

func newBackend(pc config.ProviderConfig, agent config.AgentConfig) (Backend, error) {
	modelName := pc.Model
	if modelName == "" {
		modelName = agent.Model
	}
	switch pc.Type {
	case config.ProviderAnthropic:
		return NewAnthropicBackend(pc.APIKey, pc.BaseURL, modelName, agent.MaxTokens)
	case config.ProviderOpenAI, config.ProviderOpenRouter, config.ProviderDeepSeek, "":
		name := pc.Type
		if name == "" {
			name = config.ProviderOpenAI
		}
		return NewOpenAIBackend(name, pc.APIKey, pc.BaseURL, modelName, agent.MaxTokens)
	case config.ProviderOllama:
		return NewOllamaBackend(pc.BaseURL, modelName, pc.Timeout()), nil
	default:
		return nil, errs.New(errs.ErrConfig, "create provider", "unknown provider type %q", pc.Type)
	}
}

// Default is the name of the backend used when a request names none.
func (g *Gateway) Default() string { return g.def }

// ListProviders returns the configured backend names, sorted.
func (g *Gateway) ListProviders() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) backend(name string) (*limitedBackend, error) {
	if name == "" {
		name = g.def
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.backends[name]
	if !ok {
		return nil, errs.New(errs.ErrConfig, "select provider", "provider %q not configured", name)
	}
	return b, nil
}

// Complete runs req with rate limiting and retries.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Result, error) {
	b, err := g.backend(req.Provider)
	if err != nil {
		return nil, err
	}
	var res *Result
	err = g.retry(ctx, b, func(ctx context.Context) error {
		r, err := b.Complete(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Stream runs req as a stream. A failed attempt is retried only if it had
// not delivered any chunk yet.
func (g *Gateway) Stream(ctx context.Context, req Request, fn StreamFunc) error {
	b, err := g.backend(req.Provider)
	if err != nil {
		return err
	}
	delivered := false
	var callbackErr error
	return g.retry(ctx, b, func(ctx context.Context) error {
		err := b.Stream(ctx, req, func(c Chunk) error {
			delivered = true
			if err := fn(c); err != nil {
				callbackErr = err
				return err
			}
			return nil
		})
		if err != nil && (delivered || callbackErr != nil) {
			return backoff.Permanent(err)
		}
		return err
	})
}

func (g *Gateway) retry(ctx context.Context, b *limitedBackend, call func(context.Context) error) error {
	policy := g.opts.Retry
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.Initial
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxInterval
	bo.RandomizationFactor = 0
	bo.Reset()

	for attempt := 0; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return errs.Provider(b.Name()+" rate limit wait", err)
		}

		err := g.attempt(ctx, call)
		if err == nil {
			return nil
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return wrapProvider(b.Name(), permanent.Unwrap())
		}
		if ctx.Err() != nil {
			return wrapProvider(b.Name(), ctx.Err())
		}
		if !errs.IsRetryable(err) || attempt >= policy.MaxRetries {
			return wrapProvider(b.Name(), err)
		}

		delay := bo.NextBackOff()
		if errors.Is(err, errs.ErrRateLimited) && policy.RateLimitDelay > 0 {
			delay = policy.RateLimitDelay
		}
		g.logger.Warn().Err(err).Str("provider", b.Name()).Int("attempt", attempt+1).
			Dur("delay", delay).Msg("completion failed, retrying")
		if !g.opts.Sleep(ctx, delay) {
			return wrapProvider(b.Name(), ctx.Err())
		}
	}
}

func (g *Gateway) attempt(ctx context.Context, call func(context.Context) error) error {
	if g.opts.Timeout <= 0 {
		return call(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	err := call(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		// the attempt timed out but the caller is still waiting: retryable
		return errs.Provider("attempt", fmt.Errorf("timed out after %s", g.opts.Timeout))
	}
	return err
}

func wrapProvider(name string, err error) error {
	if errors.Is(err, errs.ErrProvider) || errors.Is(err, errs.ErrConfig) {
		return err
	}
	return errs.Provider(name, err)
}

// HealthCheck sends a one-token prompt to every backend. A nil entry means
// the backend answered; failures carry errs.ErrHealth.
func (g *Gateway) HealthCheck(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, name := range g.ListProviders() {
		b, _ := g.backend(name)
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := b.Complete(cctx, Request{
			Messages:  []Message{{Role: "user", Content: "ping"}},
			MaxTokens: 1,
		})
		cancel()
		if err != nil {
			err = errs.E(errs.ErrHealth, "health check "+name, err)
			g.logger.Warn().Err(err).Str("provider", name).Msg("health check failed")
		}
		out[name] = err
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
