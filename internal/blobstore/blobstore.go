// Package blobstore persists raw core dumps, keyed by OOPS id, across one or
// more named providers. A write picks its provider by weighted random draw;
// providers near their usage ceiling shed writes early so a single slow or
// full backend cannot take down core collection.
package blobstore

import (
	"context"
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/daisy-project/daisy/internal/configuration"
)

var (
	// ErrNotFound distinguishes a genuinely missing blob from a transient
	// backend failure; callers treat the two very differently.
	ErrNotFound = errors.New("blobstore: not found")

	// ErrOverQuota is returned when a write is shed by the random-early-drop
	// policy. The write leaves no partial state behind.
	ErrOverQuota = errors.New("blobstore: provider over quota")
)

// Provider is one named blob backend.
type Provider interface {
	Name() string
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// usageReporter is implemented by providers that can report how full they
// are, as a fraction of the configured ceiling.
type usageReporter interface {
	UsageFraction(maxMB int64) (float64, error)
}

type entry struct {
	provider   Provider
	weight     float64
	usageMaxMB int64
}

// Pool owns the configured providers and the write policy.
type Pool struct {
	entries map[string]entry
	order   []string // weighted-draw iteration order, stable for tests

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPool builds a pool from configuration. Weights of writable providers
// must sum to 1.0.
func NewPool(ctx context.Context, cfg configuration.BlobConfig) (*Pool, error) {
	pool := &Pool{
		entries: map[string]entry{},
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}
	totalWeight := 0.0
	for name, providerCfg := range cfg.Providers {
		provider, err := newProvider(ctx, name, providerCfg)
		if err != nil {
			return nil, errors.Wrapf(err, "building blob provider %q", name)
		}
		pool.entries[name] = entry{
			provider:   provider,
			weight:     providerCfg.Weight,
			usageMaxMB: providerCfg.UsageMaxMB,
		}
		pool.order = append(pool.order, name)
		totalWeight += providerCfg.Weight
	}
	if len(pool.entries) == 0 {
		return nil, errors.New("no blob providers configured")
	}
	if totalWeight < 0.999 || totalWeight > 1.001 {
		return nil, errors.Errorf("blob provider weights sum to %v, want 1.0", totalWeight)
	}
	sort.Strings(pool.order)
	return pool, nil
}

func newProvider(ctx context.Context, name string, cfg configuration.BlobProviderConfig) (Provider, error) {
	switch cfg.Type {
	case "filesystem":
		return newFilesystemProvider(name, cfg.Path)
	case "s3":
		return newS3Provider(ctx, name, cfg)
	case "swift":
		return newSwiftProvider(ctx, name, cfg)
	case "memory":
		return NewMemoryProvider(name), nil
	default:
		return nil, errors.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewPoolFromProviders wires pre-built providers; used by tests.
func NewPoolFromProviders(weights map[string]float64, providers ...Provider) *Pool {
	pool := &Pool{
		entries: map[string]entry{},
		rnd:     rand.New(rand.NewSource(1)),
	}
	for _, p := range providers {
		pool.entries[p.Name()] = entry{provider: p, weight: weights[p.Name()]}
		pool.order = append(pool.order, p.Name())
	}
	sort.Strings(pool.order)
	return pool
}

// SetUsageLimit applies a random-early-drop ceiling to a provider after
// construction; used where providers are built by hand.
func (p *Pool) SetUsageLimit(name string, maxMB int64) {
	if e, ok := p.entries[name]; ok {
		e.usageMaxMB = maxMB
		p.entries[name] = e
	}
}

// Provider returns a backend by name, for reads of previously written blobs.
func (p *Pool) Provider(name string) (Provider, bool) {
	e, ok := p.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Put writes the stream to a provider chosen by weighted random draw and
// returns the provider's name, which the caller records in the retrace
// message so the worker fetches from the right place.
func (p *Pool) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	e, err := p.pick()
	if err != nil {
		return "", err
	}
	if err := p.maybeDrop(e); err != nil {
		return e.provider.Name(), err
	}
	if err := e.provider.Put(ctx, key, r); err != nil {
		return e.provider.Name(), err
	}
	return e.provider.Name(), nil
}

func (p *Pool) pick() (entry, error) {
	p.mu.Lock()
	draw := p.rnd.Float64()
	p.mu.Unlock()

	cumulative := 0.0
	for _, name := range p.order {
		e := p.entries[name]
		if e.weight <= 0 {
			continue
		}
		cumulative += e.weight
		if draw < cumulative {
			return e, nil
		}
	}
	// Floating point shortfall; fall back to the last weighted provider.
	for i := len(p.order) - 1; i >= 0; i-- {
		if e := p.entries[p.order[i]]; e.weight > 0 {
			return e, nil
		}
	}
	return entry{}, errors.New("no writable blob provider")
}

// maybeDrop implements random early drop: below 50% usage everything is
// accepted, above it the drop probability rises linearly to 100% at full
// usage.
func (p *Pool) maybeDrop(e entry) error {
	if e.usageMaxMB <= 0 {
		return nil
	}
	reporter, ok := e.provider.(usageReporter)
	if !ok {
		return nil
	}
	usage, err := reporter.UsageFraction(e.usageMaxMB)
	if err != nil {
		return errors.Wrap(err, "checking provider usage")
	}
	if usage <= 0.5 {
		return nil
	}
	dropProbability := (usage - 0.5) * 2
	p.mu.Lock()
	draw := p.rnd.Float64()
	p.mu.Unlock()
	if draw < dropProbability {
		return ErrOverQuota
	}
	return nil
}
