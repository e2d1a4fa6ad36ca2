package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryProvider is an in-memory backend for tests and single-node
// development deployments.
type MemoryProvider struct {
	name string

	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryProvider(name string) *MemoryProvider {
	return &MemoryProvider{name: name, blobs: map[string][]byte{}}
}

func (p *MemoryProvider) Name() string {
	return p.name
}

func (p *MemoryProvider) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[key] = data
	return nil
}

func (p *MemoryProvider) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (p *MemoryProvider) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blobs, key)
	return nil
}

// Contents returns a copy of a stored blob, for test assertions.
func (p *MemoryProvider) Contents(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.blobs[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// UsageFraction reports stored bytes against the ceiling.
func (p *MemoryProvider) UsageFraction(maxMB int64) (float64, error) {
	if maxMB <= 0 {
		return 0, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, b := range p.blobs {
		total += int64(len(b))
	}
	return float64(total) / float64(maxMB*1024*1024), nil
}
