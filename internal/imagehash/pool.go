package imagehash

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent CPU-bound image work so hashing and compression
// never run unbounded alongside the I/O orchestration.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool admitting up to workers concurrent operations.
func NewPool(workers int64) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{sem: semaphore.NewWeighted(workers)}
}

// Hash computes the fingerprint of data under the pool's admission gate.
func (p *Pool) Hash(ctx context.Context, data []byte) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)
	return Hash(data)
}

// Compress normalizes data under the pool's admission gate.
func (p *Pool) Compress(ctx context.Context, data []byte) ([]byte, string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer p.sem.Release(1)
	out, ext := Compress(data)
	return out, ext, nil
}
