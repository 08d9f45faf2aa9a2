package translate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// defaultTimeout bounds a single provider call.
	defaultTimeout = 8 * time.Second

	// defaultCacheCapacity is the number of recent translations kept.
	defaultCacheCapacity = 128
)

// Service fans one utterance out to every configured target language.
//
// Failures are per-target: a language whose call errors or times out is
// logged and omitted from the result, so one slow target never withholds
// the translations that did arrive. Repeated utterances are answered from
// an LRU cache.
type Service struct {
	translator Translator
	provider   string
	source     string
	targets    []string
	timeout    time.Duration
	cacheCap   int
	cache      *lruCache
}

// ServiceOption is a functional option for Service.
type ServiceOption func(*Service)

// WithTimeout bounds each provider call. Values ≤ 0 keep the default (8s).
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCacheCapacity sets how many translations are cached. Values ≤ 0 keep
// the default (128).
func WithCacheCapacity(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.cacheCap = n
		}
	}
}

// NewService wires a Translator to the configured target language set.
//
// provider is the provider name recorded in cache keys; source is the
// source language code of the incoming transcripts.
func NewService(translator Translator, provider, source string, targets []string, opts ...ServiceOption) (*Service, error) {
	if translator == nil {
		return nil, errors.New("translate: translator must not be nil")
	}
	if len(targets) == 0 {
		return nil, errors.New("translate: at least one target language is required")
	}

	s := &Service{
		translator: translator,
		provider:   provider,
		source:     source,
		targets:    append([]string(nil), targets...),
		timeout:    defaultTimeout,
		cacheCap:   defaultCacheCapacity,
	}
	for _, o := range opts {
		o(s)
	}

	// The TTL outlives several call timeouts so phrases repeated within a
	// session keep hitting the cache even under a slow provider.
	s.cache = newLRUCache(s.cacheCap, 4*s.timeout)
	return s, nil
}

// Targets returns a copy of the configured target language codes.
func (s *Service) Targets() []string {
	return append([]string(nil), s.targets...)
}

// TranslateAll translates text into every configured target language, one
// provider call per target in parallel, each bounded by the service timeout.
//
// The returned map is keyed by target language code; targets whose call
// failed are absent, never empty strings. Empty or whitespace-only text
// returns nil without touching the provider.
func (s *Service) TranslateAll(ctx context.Context, text string) map[string]string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		mu  sync.Mutex
		out = make(map[string]string, len(s.targets))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range s.targets {
		g.Go(func() error {
			translated, err := s.translateOne(gctx, text, target)
			if err != nil {
				slog.Warn("translation failed",
					"provider", s.provider,
					"target", target,
					"error", err)
				return nil
			}
			if translated == "" {
				return nil
			}
			mu.Lock()
			out[target] = translated
			mu.Unlock()
			return nil
		})
	}
	// Per-target errors are swallowed above, so Wait only observes parent
	// cancellation; even then we return whatever arrived in time.
	_ = g.Wait()

	return out
}

func (s *Service) translateOne(ctx context.Context, text, target string) (string, error) {
	if v, ok := s.cache.get(s.provider, s.source, target, text); ok {
		return v, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	translated, err := s.translator.Translate(callCtx, text, s.source, target)
	if err != nil {
		return "", err
	}
	translated = strings.TrimSpace(translated)
	if translated != "" {
		s.cache.put(s.provider, s.source, target, text, translated)
	}
	return translated, nil
}
