// Package faultgateconfig is a thin, optional YAML-backed configuration
// provider for the policy packages: it decodes the options table recognised
// options per policy kind into the corresponding Config struct. Predicate-
// typed options (recordFailurePredicate, retryOnResultPredicate,
// intervalFunction) cannot be expressed in YAML, so they are layered on
// programmatically via the With* methods, after the document is decoded -
// the same two-stage shape as the teacher monorepo's modular config
// packages (declarative base, programmatic overlay).
package faultgateconfig

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-faultgate/faultgate/bulkhead"
	"github.com/go-faultgate/faultgate/circuitbreaker"
	"github.com/go-faultgate/faultgate/ratelimiter"
	"github.com/go-faultgate/faultgate/retry"
	"github.com/go-faultgate/faultgate/window"
)

type (
	// CircuitBreakerOptions is the YAML-representable subset of
	// circuitbreaker.Config.
	CircuitBreakerOptions struct {
		FailureRateThreshold                  float64  `yaml:"failureRateThreshold"`
		SlowCallRateThreshold                 float64  `yaml:"slowCallRateThreshold"`
		SlowCallDurationThreshold             Duration `yaml:"slowCallDurationThreshold"`
		PermittedNumberOfCallsInHalfOpenState int      `yaml:"permittedNumberOfCallsInHalfOpenState"`
		SlidingWindowType                     string   `yaml:"slidingWindowType"` // COUNT or TIME
		SlidingWindowSize                     int      `yaml:"slidingWindowSize"`
		MinimumNumberOfCalls                  int      `yaml:"minimumNumberOfCalls"`
		WaitDurationInOpenState               Duration `yaml:"waitDurationInOpenState"`
		AutomaticTransitionFromOpenToHalfOpen bool     `yaml:"automaticTransitionFromOpenToHalfOpen"`
		// RecordExceptions/IgnoreExceptions name error types by their
		// reflect.TypeOf(err).String() form, e.g. "*net.OpError".
		RecordExceptions []string `yaml:"recordExceptions"`
		IgnoreExceptions []string `yaml:"ignoreExceptions"`
	}

	// RateLimiterOptions is the YAML-representable subset of
	// ratelimiter.Config.
	RateLimiterOptions struct {
		LimitForPeriod     int      `yaml:"limitForPeriod"`
		LimitRefreshPeriod Duration `yaml:"limitRefreshPeriod"`
		TimeoutDuration    Duration `yaml:"timeoutDuration"`
	}

	// BulkheadOptions is the YAML-representable subset of bulkhead.Config.
	BulkheadOptions struct {
		MaxConcurrentCalls int      `yaml:"maxConcurrentCalls"`
		MaxWaitDuration    Duration `yaml:"maxWaitDuration"`
	}

	// RetryOptions is the YAML-representable subset of retry.Config. The
	// waitDuration option maps to a ConstantBackoff; supply a richer
	// IntervalFunc via Provider.WithIntervalFunc if needed.
	RetryOptions struct {
		MaxAttempts      int      `yaml:"maxAttempts"`
		WaitDuration     Duration `yaml:"waitDuration"`
		RetryExceptions  []string `yaml:"retryExceptions"`
		IgnoreExceptions []string `yaml:"ignoreExceptions"`
	}

	// Document is the top-level shape of a faultgate YAML config file,
	// keyed by policy instance name within each kind.
	Document struct {
		CircuitBreakers map[string]CircuitBreakerOptions `yaml:"circuitBreakers"`
		RateLimiters    map[string]RateLimiterOptions     `yaml:"rateLimiters"`
		Bulkheads       map[string]BulkheadOptions        `yaml:"bulkheads"`
		Retries         map[string]RetryOptions           `yaml:"retries"`
	}

	// Duration decodes a YAML scalar (e.g. "500ms", "2s") into a
	// time.Duration via time.ParseDuration, since yaml.v3 has no native
	// duration type.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf(`faultgateconfig: invalid duration %q: %w`, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load decodes a Document from r.
func Load(r io.Reader) (*Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf(`faultgateconfig: decode: %w`, err)
	}
	return &doc, nil
}

// LoadFile decodes a Document from the named file.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf(`faultgateconfig: open %s: %w`, path, err)
	}
	defer f.Close()
	return Load(f)
}

// Provider layers programmatic-only predicates on top of a decoded
// Document, then translates recognised options into the policy packages'
// own Config types.
type Provider struct {
	doc *Document

	recordFailurePredicates map[string]func(error) bool
	retryOnResultPredicates map[string]func(any) bool
	intervalFuncs           map[string]retry.IntervalFunc
}

// NewProvider wraps doc. doc may be nil, in which case every lookup
// method reports ok=false.
func NewProvider(doc *Document) *Provider {
	return &Provider{doc: doc}
}

// WithRecordFailurePredicate registers a programmatic
// recordFailurePredicate for the named circuit breaker, taking precedence
// over RecordExceptions from the decoded document. IgnoreExceptions from
// the document still applies, and an error it matches is ignored
// regardless of this predicate.
func (p *Provider) WithRecordFailurePredicate(name string, predicate func(error) bool) *Provider {
	if p.recordFailurePredicates == nil {
		p.recordFailurePredicates = make(map[string]func(error) bool)
	}
	p.recordFailurePredicates[name] = predicate
	return p
}

// WithRetryOnResultPredicate registers a programmatic
// retryOnResultPredicate for the named retryer.
func (p *Provider) WithRetryOnResultPredicate(name string, predicate func(any) bool) *Provider {
	if p.retryOnResultPredicates == nil {
		p.retryOnResultPredicates = make(map[string]func(any) bool)
	}
	p.retryOnResultPredicates[name] = predicate
	return p
}

// WithIntervalFunc overrides the named retryer's backoff with an
// arbitrary IntervalFunc, taking precedence over waitDuration.
func (p *Provider) WithIntervalFunc(name string, f retry.IntervalFunc) *Provider {
	if p.intervalFuncs == nil {
		p.intervalFuncs = make(map[string]retry.IntervalFunc)
	}
	p.intervalFuncs[name] = f
	return p
}

// CircuitBreakerConfig translates the named circuit breaker's options.
func (p *Provider) CircuitBreakerConfig(name string) (circuitbreaker.Config, bool) {
	if p.doc == nil {
		return circuitbreaker.Config{}, false
	}
	opts, ok := p.doc.CircuitBreakers[name]
	if !ok {
		return circuitbreaker.Config{}, false
	}

	cfg := circuitbreaker.Config{
		FailureRateThreshold:                  opts.FailureRateThreshold,
		SlowCallRateThreshold:                 opts.SlowCallRateThreshold,
		SlowCallDurationThreshold:             time.Duration(opts.SlowCallDurationThreshold),
		PermittedNumberOfCallsInHalfOpenState: opts.PermittedNumberOfCallsInHalfOpenState,
		SlidingWindowType:                     parseWindowType(opts.SlidingWindowType),
		SlidingWindowSize:                     opts.SlidingWindowSize,
		MinimumNumberOfCalls:                  opts.MinimumNumberOfCalls,
		WaitDurationInOpenState:               time.Duration(opts.WaitDurationInOpenState),
		AutomaticTransitionFromOpenToHalfOpen: opts.AutomaticTransitionFromOpenToHalfOpen,
	}

	if pred, ok := p.recordFailurePredicates[name]; ok {
		cfg.RecordFailurePredicate = pred
	} else if len(opts.RecordExceptions) > 0 {
		cfg.RecordFailurePredicate = typeNamePredicate(opts.RecordExceptions)
	}
	if len(opts.IgnoreExceptions) > 0 {
		cfg.IgnoreExceptionPredicate = typeNamePredicate(opts.IgnoreExceptions)
	}

	return cfg, true
}

// RateLimiterConfig translates the named rate limiter's options.
func (p *Provider) RateLimiterConfig(name string) (ratelimiter.Config, bool) {
	if p.doc == nil {
		return ratelimiter.Config{}, false
	}
	opts, ok := p.doc.RateLimiters[name]
	if !ok {
		return ratelimiter.Config{}, false
	}
	return ratelimiter.Config{
		LimitForPeriod:     opts.LimitForPeriod,
		LimitRefreshPeriod: time.Duration(opts.LimitRefreshPeriod),
		TimeoutDuration:    time.Duration(opts.TimeoutDuration),
	}, true
}

// BulkheadConfig translates the named bulkhead's options.
func (p *Provider) BulkheadConfig(name string) (bulkhead.Config, bool) {
	if p.doc == nil {
		return bulkhead.Config{}, false
	}
	opts, ok := p.doc.Bulkheads[name]
	if !ok {
		return bulkhead.Config{}, false
	}
	return bulkhead.Config{
		MaxConcurrentCalls: opts.MaxConcurrentCalls,
		MaxWaitDuration:    time.Duration(opts.MaxWaitDuration),
	}, true
}

// RetryConfig translates the named retryer's options.
func (p *Provider) RetryConfig(name string) (retry.Config, bool) {
	if p.doc == nil {
		return retry.Config{}, false
	}
	opts, ok := p.doc.Retries[name]
	if !ok {
		return retry.Config{}, false
	}

	cfg := retry.Config{
		MaxAttempts:  opts.MaxAttempts,
		IntervalFunc: retry.ConstantBackoff(time.Duration(opts.WaitDuration)),
	}
	if f, ok := p.intervalFuncs[name]; ok {
		cfg.IntervalFunc = f
	}
	if len(opts.RetryExceptions) > 0 {
		cfg.RetryOnErrorPredicate = typeNamePredicate(opts.RetryExceptions)
	}
	if len(opts.IgnoreExceptions) > 0 {
		cfg.IgnoreErrorPredicate = typeNamePredicate(opts.IgnoreExceptions)
	}
	if pred, ok := p.retryOnResultPredicates[name]; ok {
		cfg.RetryOnResultPredicate = pred
	}

	return cfg, true
}

func parseWindowType(s string) window.Type {
	if s == `TIME` {
		return window.TimeBased
	}
	return window.CountBased
}

// typeNamePredicate builds a predicate matching err against a set of
// reflect type names, as named in YAML (e.g. "*net.OpError").
func typeNamePredicate(names []string) func(error) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(err error) bool {
		if err == nil {
			return false
		}
		return set[reflect.TypeOf(err).String()]
	}
}
