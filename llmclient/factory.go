package llmclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"eda-agent/config"
	apperrors "eda-agent/errors"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Supported providers.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderLangchain = "langchain"
	ProviderLlamaCpp  = "llamacpp"
)

type builderFunc func(ctx context.Context, provider, apiKey string, opts Options) (Model, error)

// Factory builds model clients for a credential and keeps them in an LRU so
// that every question for the same key reuses one client.
type Factory struct {
	provider string
	opts     Options
	logger   *zap.Logger
	build    builderFunc

	// mu makes lookup plus acquire atomic with respect to eviction.
	mu    sync.Mutex
	cache *lru.Cache
}

func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if !knownProvider(provider) {
		return nil, apperrors.WrapErrorf(apperrors.ErrInvalidInput, "unsupported llm provider %q", cfg.LLMProvider)
	}

	f := &Factory{
		provider: provider,
		logger:   logger,
		opts: Options{
			Model:         cfg.LLMModel,
			BaseURL:       cfg.LLMBaseURL,
			Temperature:   cfg.LLMTemperature,
			MaxTokens:     cfg.LLMMaxTokens,
			Timeout:       cfg.LLMRequestTimeout,
			MaxRetries:    cfg.MaxRetries,
			RetryDelay:    cfg.RetryDelaySeconds,
			BackoffMax:    cfg.LLMBackoffMaxSeconds,
			BackoffJitter: cfg.LLMBackoffJitterRatio,
		},
	}
	f.build = f.newModel

	size := cfg.ModelCacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.NewWithEvict(size, func(_ interface{}, value interface{}) {
		value.(*lease).evict()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create model cache: %w", err)
	}
	f.cache = cache
	return f, nil
}

func knownProvider(p string) bool {
	switch p {
	case ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama, ProviderLangchain, ProviderLlamaCpp:
		return true
	}
	return false
}

// Provider is the configured backend name.
func (f *Factory) Provider() string { return f.provider }

// RequiresAPIKey reports whether Get needs a non-empty credential.
func (f *Factory) RequiresAPIKey() bool {
	return f.provider != ProviderOllama && f.provider != ProviderLlamaCpp
}

// Get returns the client for apiKey, building it on first use. The caller
// must call release once it is done with the client; a client evicted from
// the cache is closed only after every holder has released it.
func (f *Factory) Get(ctx context.Context, apiKey string) (Model, func(), error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" && f.RequiresAPIKey() {
		return nil, nil, apperrors.WrapErrorf(apperrors.ErrMissingCredential, "provider %s", f.provider)
	}

	key := f.cacheKey(apiKey)
	f.mu.Lock()
	if v, ok := f.cache.Get(key); ok {
		l := v.(*lease)
		l.acquire()
		f.mu.Unlock()
		return l.model, l.releaseFunc(), nil
	}
	f.mu.Unlock()

	m, err := f.build(ctx, f.provider, apiKey, f.opts)
	if err != nil {
		return nil, nil, apperrors.WrapError(err, apperrors.ErrLLMCommunication.Error())
	}
	if f.opts.Timeout > 0 {
		m = timeoutModel{Model: m, timeout: f.opts.Timeout}
	}

	f.mu.Lock()
	if v, ok := f.cache.Get(key); ok {
		// Built concurrently by another request; keep the cached one.
		l := v.(*lease)
		l.acquire()
		f.mu.Unlock()
		closeModel(m, f.logger)
		return l.model, l.releaseFunc(), nil
	}
	l := &lease{model: m, logger: f.logger}
	l.acquire()
	f.cache.Add(key, l)
	f.mu.Unlock()

	if f.logger != nil {
		f.logger.Info("Model client created",
			zap.String("provider", f.provider),
			zap.String("model", f.opts.Model))
	}
	return m, l.releaseFunc(), nil
}

// Purge drops every cached client. Idle clients are closed now, the rest
// when released.
func (f *Factory) Purge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache.Purge()
}

// lease counts the holders of a cached client.
type lease struct {
	model  Model
	logger *zap.Logger

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (l *lease) acquire() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

func (l *lease) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.refs--
			idle := l.evicted && l.refs == 0
			l.mu.Unlock()
			if idle {
				closeModel(l.model, l.logger)
			}
		})
	}
}

func (l *lease) evict() {
	l.mu.Lock()
	l.evicted = true
	idle := l.refs == 0
	l.mu.Unlock()
	if idle {
		closeModel(l.model, l.logger)
	}
}

func closeModel(m Model, logger *zap.Logger) {
	c, ok := m.(interface{ Close() error })
	if !ok {
		return
	}
	if err := c.Close(); err != nil && logger != nil {
		logger.Warn("Failed to close model client", zap.Error(err))
	}
}

// cacheKey never contains the credential itself.
func (f *Factory) cacheKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return f.provider + "|" + f.opts.Model + "|" + hex.EncodeToString(sum[:])
}

func (f *Factory) newModel(ctx context.Context, provider, apiKey string, opts Options) (Model, error) {
	switch provider {
	case ProviderGemini:
		return newGemini(ctx, apiKey, opts)
	case ProviderOpenAI:
		return newOpenAI(apiKey, opts), nil
	case ProviderAnthropic:
		return newAnthropic(apiKey, opts), nil
	case ProviderOllama:
		return newOllama(opts)
	case ProviderLangchain:
		return newLangchain(ctx, apiKey, opts)
	case ProviderLlamaCpp:
		return newLlamaCpp(opts, f.logger), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", provider)
}
